package market

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"nftmarket/services/marketd/models"
	"nftmarket/services/marketd/store"
)

// MaxRoyaltyRate caps collection royalties.
var MaxRoyaltyRate = decimal.RequireFromString("0.5")

func isStoreNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// CreateCollection registers a collection with its royalty rate.
func (s *Service) CreateCollection(ctx context.Context, in CreateCollectionInput) (*models.Collection, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: collection name is required", ErrInvalidInput)
	}
	if in.CreatorID == uuid.Nil {
		return nil, fmt.Errorf("%w: creator is required", ErrInvalidInput)
	}
	if in.RoyaltyRate.IsNegative() || in.RoyaltyRate.GreaterThan(MaxRoyaltyRate) {
		return nil, fmt.Errorf("%w: royalty rate must be between 0 and %s", ErrInvalidInput, MaxRoyaltyRate)
	}
	now := s.clock()
	collection := &models.Collection{
		ID:          uuid.New(),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		CreatorID:   in.CreatorID,
		Blockchain:  strings.ToLower(strings.TrimSpace(in.Blockchain)),
		RoyaltyRate: in.RoyaltyRate,
		TotalVolume: decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.ledger.WithTransaction(ctx, func(ctx context.Context, tx store.Writer) error {
		if err := tx.CreateCollection(ctx, collection); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("%w: collection %q already exists", ErrInvalidState, name)
			}
			return fmt.Errorf("create collection: %w", err)
		}
		return s.appendEvent(ctx, tx, "collection", collection.ID, in.CreatorID, "collection.created", map[string]any{
			"name":         name,
			"royalty_rate": collection.RoyaltyRate.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	return collection, nil
}

// CollectionStats reports sale statistics maintained from completed orders.
func (s *Service) CollectionStats(ctx context.Context, collectionID uuid.UUID) (*Stats, error) {
	collection, err := s.ledger.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, notFound(err, "collection")
	}
	return &Stats{
		CollectionID: collection.ID,
		Floor:        collection.FloorPrice,
		Average:      collection.AveragePrice,
		Ceiling:      collection.CeilingPrice,
		Volume:       collection.TotalVolume,
		Sales:        collection.TotalSales,
	}, nil
}

// PriceSuggestion proposes a listing price: the collection average, else the
// collection floor, else the NFT's last completed sale. It returns nil when no
// reference price exists.
func (s *Service) PriceSuggestion(ctx context.Context, nftID uuid.UUID) (*decimal.Decimal, error) {
	valuation, err := s.Valuation(ctx, nftID)
	if err != nil {
		return nil, err
	}
	return valuation.SuggestedPrice, nil
}

// Valuation combines rarity from the registry with market reference prices.
func (s *Service) Valuation(ctx context.Context, nftID uuid.UUID) (*Valuation, error) {
	nft, err := s.nfts.GetNFT(ctx, nftID)
	if err != nil {
		return nil, err
	}
	v := &Valuation{
		NFTID:        nft.ID,
		CollectionID: nft.CollectionID,
		RarityTier:   nft.RarityTier,
		RarityScore:  nft.RarityScore,
	}
	if nft.CollectionID != nil {
		collection, err := s.ledger.GetCollection(ctx, *nft.CollectionID)
		switch {
		case err == nil:
			v.FloorPrice = collection.FloorPrice
			v.AveragePrice = collection.AveragePrice
		case !isStoreNotFound(err):
			return nil, fmt.Errorf("load collection: %w", err)
		}
	}
	last, err := s.ledger.LastCompletedSale(ctx, nftID)
	switch {
	case err == nil:
		amount := last.Amount
		v.LastSalePrice = &amount
	case !isStoreNotFound(err):
		return nil, fmt.Errorf("load last sale: %w", err)
	}
	switch {
	case v.AveragePrice != nil:
		v.SuggestedPrice = v.AveragePrice
	case v.FloorPrice != nil:
		v.SuggestedPrice = v.FloorPrice
	default:
		v.SuggestedPrice = v.LastSalePrice
	}
	return v, nil
}
