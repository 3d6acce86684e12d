package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"nftmarket/services/marketd/store"
)

// ComputeFees splits amount into the platform fee, the collection royalty and
// the seller's proceeds. Both fees are rounded half-up to two decimals and the
// proceeds absorb the remainder, so the parts always sum to amount.
func ComputeFees(amount, commissionRate, royaltyRate decimal.Decimal) Fees {
	fee := amount.Mul(commissionRate).Round(2)
	royalty := amount.Mul(royaltyRate).Round(2)
	return Fees{
		Amount:         amount,
		PlatformFee:    fee,
		Royalty:        royalty,
		SellerProceeds: amount.Sub(fee).Sub(royalty),
	}
}

func (s *Service) royaltyRate(ctx context.Context, collectionID *uuid.UUID) (decimal.Decimal, error) {
	if collectionID == nil {
		return decimal.Zero, nil
	}
	collection, err := s.ledger.GetCollection(ctx, *collectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("load collection: %w", err)
	}
	return collection.RoyaltyRate, nil
}

func (s *Service) fees(ctx context.Context, amount decimal.Decimal, collectionID *uuid.UUID) (Fees, error) {
	rate, err := s.royaltyRate(ctx, collectionID)
	if err != nil {
		return Fees{}, err
	}
	return ComputeFees(amount, s.cfg.CommissionRate.Decimal, rate), nil
}
