package market

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"nftmarket/observability/logging"
	"nftmarket/services/marketd/models"
	"nftmarket/services/marketd/store"
)

const (
	settlementBuyNow      = "buy_now"
	settlementAcceptOffer = "accept_offer"
)

// sale is everything needed to write an order once the listing (and offer)
// have been claimed.
type sale struct {
	kind         string
	listing      *models.Listing
	offer        *models.Offer
	buyerID      uuid.UUID
	buyerAddress string
	actorID      uuid.UUID
	txHash       string
	fees         Fees
}

// BuyNow purchases an active listing at its asking price. The listing claim,
// the order, the optional escrow and the NFT transfer commit together or not
// at all.
func (s *Service) BuyNow(ctx context.Context, in BuyNowInput) (*models.Order, error) {
	listing, err := s.ledger.GetListing(ctx, in.ListingID)
	if err != nil {
		return nil, notFound(err, "listing")
	}
	if listing.Status != models.ListingActive {
		return nil, fmt.Errorf("%w: listing is %s", ErrInvalidState, listing.Status)
	}
	if expired(listing.ExpiresAt, s.clock()) {
		s.expireListing(ctx, listing.ID)
		return nil, fmt.Errorf("%w: listing expired", ErrExpired)
	}
	if in.BuyerID == listing.SellerID {
		return nil, ErrSelfPurchase
	}
	address := strings.TrimSpace(in.BuyerAddress)
	if address == "" {
		return nil, fmt.Errorf("%w: buyer address is required", ErrInvalidInput)
	}
	if err := s.checkWallet(ctx, in.BuyerID, address); err != nil {
		return nil, err
	}
	fees, err := s.fees(ctx, listing.Price, listing.CollectionID)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, sale{
		kind:         settlementBuyNow,
		listing:      listing,
		buyerID:      in.BuyerID,
		buyerAddress: address,
		actorID:      in.BuyerID,
		txHash:       strings.TrimSpace(in.TransactionHash),
		fees:         fees,
	})
}

// AcceptOffer settles a pending offer at the offered price. Every other
// pending offer on the listing is rejected.
func (s *Service) AcceptOffer(ctx context.Context, in AcceptOfferInput) (*models.Order, error) {
	offer, err := s.ledger.GetOffer(ctx, in.OfferID)
	if err != nil {
		return nil, notFound(err, "offer")
	}
	listing, err := s.ledger.GetListing(ctx, offer.ListingID)
	if err != nil {
		return nil, notFound(err, "listing")
	}
	if listing.SellerID != in.SellerID {
		return nil, fmt.Errorf("%w: only the seller may accept an offer", ErrForbidden)
	}
	if offer.Status != models.OfferPending {
		return nil, fmt.Errorf("%w: offer is %s", ErrInvalidState, offer.Status)
	}
	if listing.Status != models.ListingActive {
		return nil, fmt.Errorf("%w: listing is %s", ErrInvalidState, listing.Status)
	}
	now := s.clock()
	if expired(offer.ExpiresAt, now) {
		s.expireOffer(ctx, offer.ID)
		return nil, fmt.Errorf("%w: offer expired", ErrExpired)
	}
	if expired(listing.ExpiresAt, now) {
		s.expireListing(ctx, listing.ID)
		return nil, fmt.Errorf("%w: listing expired", ErrExpired)
	}
	fees, err := s.fees(ctx, offer.OfferPrice, listing.CollectionID)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, sale{
		kind:         settlementAcceptOffer,
		listing:      listing,
		offer:        offer,
		buyerID:      offer.BuyerID,
		buyerAddress: offer.BuyerAddress,
		actorID:      in.SellerID,
		txHash:       strings.TrimSpace(in.TransactionHash),
		fees:         fees,
	})
}

func (s *Service) settle(ctx context.Context, sl sale) (*models.Order, error) {
	listing := sl.listing
	now := s.clock()
	listingID := listing.ID
	order := &models.Order{
		ID:              uuid.New(),
		ListingID:       &listingID,
		NFTID:           listing.NFTID,
		CollectionID:    listing.CollectionID,
		BuyerID:         sl.buyerID,
		SellerID:        listing.SellerID,
		BuyerAddress:    sl.buyerAddress,
		SellerAddress:   listing.SellerAddress,
		Amount:          sl.fees.Amount,
		Currency:        listing.Currency,
		Blockchain:      listing.Blockchain,
		TransactionHash: sl.txHash,
		Status:          models.OrderPending,
		RoyaltyAmount:   sl.fees.Royalty,
		PlatformFee:     sl.fees.PlatformFee,
		SellerProceeds:  sl.fees.SellerProceeds,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	var except *uuid.UUID
	if sl.offer != nil {
		offerID := sl.offer.ID
		order.OfferID = &offerID
		except = &offerID
	}

	err := s.ledger.WithTransaction(ctx, func(ctx context.Context, tx store.Writer) error {
		if sl.offer != nil {
			ok, err := tx.TransitionOffer(ctx, sl.offer.ID, models.OfferPending, models.OfferAccepted)
			if err != nil {
				return fmt.Errorf("accept offer: %w", err)
			}
			if !ok {
				return fmt.Errorf("%w: offer no longer pending", ErrConflict)
			}
		}
		ok, err := tx.TransitionListing(ctx, listingID, models.ListingActive, models.ListingAccepted)
		if err != nil {
			return fmt.Errorf("claim listing: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: listing no longer available", ErrConflict)
		}
		rejected, err := tx.CloseSiblingOffers(ctx, listingID, except, models.OfferRejected)
		if err != nil {
			return fmt.Errorf("reject sibling offers: %w", err)
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("%w: listing already has an order", ErrConflict)
			}
			return fmt.Errorf("create order: %w", err)
		}
		if s.cfg.Escrow {
			orderID := order.ID
			escrow := &models.Escrow{
				ID:               uuid.New(),
				ListingID:        &listingID,
				OfferID:          order.OfferID,
				OrderID:          &orderID,
				BuyerID:          order.BuyerID,
				SellerID:         order.SellerID,
				Amount:           order.Amount,
				Currency:         order.Currency,
				CommissionAmount: order.PlatformFee,
				Status:           models.EscrowHeld,
				TxHash:           order.TransactionHash,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := tx.CreateEscrow(ctx, escrow); err != nil {
				return fmt.Errorf("%w: hold escrow: %v", ErrSettlementFailed, err)
			}
		}
		if err := s.transfer(ctx, order.NFTID, order.BuyerAddress); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, "listing", listingID, sl.actorID, "listing.sold", map[string]any{
			"order_id":        order.ID,
			"rejected_offers": rejected,
		}); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, "order", order.ID, sl.actorID, "order.created", map[string]any{
			"kind":            sl.kind,
			"amount":          order.Amount.StringFixed(2),
			"platform_fee":    order.PlatformFee.StringFixed(2),
			"royalty_amount":  order.RoyaltyAmount.StringFixed(2),
			"seller_proceeds": order.SellerProceeds.StringFixed(2),
		})
	})
	if err != nil {
		s.metrics.Settlement(sl.kind, settlementOutcome(err))
		s.logger.WarnContext(ctx, "settlement aborted",
			"listing_id", listingID,
			"kind", sl.kind,
			"error", err,
		)
		return nil, err
	}
	s.metrics.Settlement(sl.kind, "success")
	s.logger.InfoContext(ctx, "settlement committed",
		"order_id", order.ID,
		"listing_id", listingID,
		"kind", sl.kind,
		logging.MaskAddress("buyer_address", order.BuyerAddress),
	)
	return order, nil
}

// transfer moves the NFT to address, bounded by the configured timeout.
// Failure of any kind is reported as a settlement failure so the enclosing
// transaction rolls back.
func (s *Service) transfer(ctx context.Context, nftID uuid.UUID, address string) error {
	tctx, cancel := context.WithTimeout(ctx, s.cfg.TransferTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- s.nfts.TransferOwnership(tctx, nftID, address)
	}()
	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: nft transfer timed out", ErrSettlementFailed)
		}
		return fmt.Errorf("%w: nft transfer: %v", ErrSettlementFailed, err)
	case <-tctx.Done():
		return fmt.Errorf("%w: nft transfer timed out", ErrSettlementFailed)
	}
}

func settlementOutcome(err error) string {
	switch {
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrSettlementFailed):
		return "failed"
	default:
		return "error"
	}
}

// amountFloat is used for metrics only.
func amountFloat(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}
