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

// CreateListing opens a fixed-price listing for an NFT owned by the seller.
// The NFT itself is not modified.
func (s *Service) CreateListing(ctx context.Context, in CreateListingInput) (*models.Listing, error) {
	if in.SellerID == uuid.Nil || in.NFTID == uuid.Nil {
		return nil, fmt.Errorf("%w: seller and nft are required", ErrInvalidInput)
	}
	address := strings.TrimSpace(in.SellerAddress)
	if address == "" {
		return nil, fmt.Errorf("%w: seller address is required", ErrInvalidInput)
	}
	if err := s.validatePrice(in.Price); err != nil {
		return nil, err
	}
	now := s.clock()
	if expired(in.ExpiresAt, now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrInvalidInput)
	}
	blockchain := strings.ToLower(strings.TrimSpace(in.Blockchain))
	if blockchain == "" {
		return nil, fmt.Errorf("%w: blockchain is required", ErrInvalidInput)
	}

	nft, err := s.nfts.GetNFT(ctx, in.NFTID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.ActiveListingForNFT(ctx, in.NFTID); err == nil {
		return nil, ErrAlreadyListed
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup active listing: %w", err)
	}
	if !strings.EqualFold(nft.OwnerAddress, address) {
		return nil, fmt.Errorf("%w: nft is held by another address", ErrNotOwner)
	}
	if err := s.checkWallet(ctx, in.SellerID, address); err != nil {
		return nil, err
	}
	if nft.Locked {
		return nil, fmt.Errorf("%w: nft is locked", ErrInvalidState)
	}
	if nft.Status != models.NFTMinted && nft.Status != models.NFTSold {
		return nil, fmt.Errorf("%w: nft in status %q cannot be listed", ErrInvalidState, nft.Status)
	}

	listing := &models.Listing{
		ID:            uuid.New(),
		NFTID:         in.NFTID,
		CollectionID:  nft.CollectionID,
		RarityTier:    nft.RarityTier,
		RarityScore:   nft.RarityScore,
		SellerID:      in.SellerID,
		SellerAddress: address,
		Price:         in.Price,
		Currency:      s.normalizeCurrency(in.Currency),
		Blockchain:    blockchain,
		Status:        models.ListingActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.ExpiresAt != nil {
		exp := in.ExpiresAt.UTC()
		listing.ExpiresAt = &exp
	}
	err = s.ledger.WithTransaction(ctx, func(ctx context.Context, tx store.Writer) error {
		if err := tx.CreateListing(ctx, listing); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrAlreadyListed
			}
			return fmt.Errorf("create listing: %w", err)
		}
		return s.appendEvent(ctx, tx, "listing", listing.ID, in.SellerID, "listing.created", map[string]any{
			"nft_id":   listing.NFTID,
			"price":    listing.Price.StringFixed(2),
			"currency": listing.Currency,
		})
	})
	if err != nil {
		s.metrics.Listing("rejected")
		return nil, err
	}
	s.metrics.Listing("created")
	s.logger.InfoContext(ctx, "listing created",
		"listing_id", listing.ID,
		"nft_id", listing.NFTID,
		logging.MaskAddress("seller_address", address),
	)
	return listing, nil
}

// CancelListing withdraws an active listing. Only the seller or an admin may
// cancel; pending offers on the listing are rejected.
func (s *Service) CancelListing(ctx context.Context, listingID, callerID uuid.UUID) (*models.Listing, error) {
	listing, err := s.ledger.GetListing(ctx, listingID)
	if err != nil {
		return nil, notFound(err, "listing")
	}
	if listing.SellerID != callerID {
		admin, err := s.hasRole(ctx, callerID, models.RoleAdmin)
		if err != nil {
			return nil, err
		}
		if !admin {
			return nil, fmt.Errorf("%w: only the seller or an admin may cancel", ErrForbidden)
		}
	}
	if listing.Status != models.ListingActive {
		return nil, fmt.Errorf("%w: listing is %s", ErrInvalidState, listing.Status)
	}

	var updated *models.Listing
	err = s.ledger.WithTransaction(ctx, func(ctx context.Context, tx store.Writer) error {
		ok, err := tx.TransitionListing(ctx, listingID, models.ListingActive, models.ListingCancelled)
		if err != nil {
			return fmt.Errorf("cancel listing: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: listing is no longer active", ErrInvalidState)
		}
		rejected, err := tx.CloseSiblingOffers(ctx, listingID, nil, models.OfferRejected)
		if err != nil {
			return fmt.Errorf("reject offers: %w", err)
		}
		if err := s.appendEvent(ctx, tx, "listing", listingID, callerID, "listing.cancelled", map[string]any{
			"rejected_offers": rejected,
		}); err != nil {
			return err
		}
		updated, err = tx.GetListing(ctx, listingID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Listing("cancelled")
	return updated, nil
}

// GetListing returns a listing in any status.
func (s *Service) GetListing(ctx context.Context, listingID uuid.UUID) (*models.Listing, error) {
	listing, err := s.ledger.GetListing(ctx, listingID)
	if err != nil {
		return nil, notFound(err, "listing")
	}
	return listing, nil
}

// ActiveListings pages through browseable listings, newest first.
func (s *Service) ActiveListings(ctx context.Context, page Page) ([]models.Listing, int64, error) {
	return s.browse(ctx, store.ListingFilter{}, page)
}

// UserListings returns the user's listings in every status unless status is set.
func (s *Service) UserListings(ctx context.Context, userID uuid.UUID, status *models.ListingStatus, page Page) ([]models.Listing, int64, error) {
	page, err := page.Normalize()
	if err != nil {
		return nil, 0, err
	}
	if status != nil {
		switch *status {
		case models.ListingActive, models.ListingAccepted, models.ListingCancelled, models.ListingExpired:
		default:
			return nil, 0, fmt.Errorf("%w: unknown listing status %q", ErrInvalidInput, *status)
		}
	}
	filter := store.ListingFilter{SellerID: &userID, Status: status}
	return s.ledger.ListListings(ctx, filter, page.Skip, page.Limit)
}

// ListingsByPriceRange filters browseable listings by inclusive price bounds.
func (s *Service) ListingsByPriceRange(ctx context.Context, min, max *decimal.Decimal, page Page) ([]models.Listing, int64, error) {
	if min != nil && min.IsNegative() || max != nil && max.IsNegative() {
		return nil, 0, fmt.Errorf("%w: price bounds must not be negative", ErrInvalidInput)
	}
	if min != nil && max != nil && min.GreaterThan(*max) {
		return nil, 0, fmt.Errorf("%w: min price exceeds max price", ErrInvalidInput)
	}
	return s.browse(ctx, store.ListingFilter{MinPrice: min, MaxPrice: max}, page)
}

// ListingsByRarity filters browseable listings by rarity tier.
func (s *Service) ListingsByRarity(ctx context.Context, tier string, page Page) ([]models.Listing, int64, error) {
	tier = strings.TrimSpace(tier)
	if tier == "" {
		return nil, 0, fmt.Errorf("%w: rarity tier is required", ErrInvalidInput)
	}
	return s.browse(ctx, store.ListingFilter{RarityTier: tier}, page)
}

// ListingsSortedByRarity orders browseable listings by rarity score.
func (s *Service) ListingsSortedByRarity(ctx context.Context, descending bool, page Page) ([]models.Listing, int64, error) {
	return s.browse(ctx, store.ListingFilter{SortByRarity: true, RarityDesc: descending}, page)
}

// CollectionListings returns the browseable listings of one collection.
func (s *Service) CollectionListings(ctx context.Context, collectionID uuid.UUID, page Page) ([]models.Listing, int64, error) {
	if _, err := s.ledger.GetCollection(ctx, collectionID); err != nil {
		return nil, 0, notFound(err, "collection")
	}
	return s.browse(ctx, store.ListingFilter{CollectionID: &collectionID}, page)
}

func (s *Service) browse(ctx context.Context, filter store.ListingFilter, page Page) ([]models.Listing, int64, error) {
	page, err := page.Normalize()
	if err != nil {
		return nil, 0, err
	}
	filter.Browse = true
	filter.Now = s.clock()
	items, total, err := s.ledger.ListListings(ctx, filter, page.Skip, page.Limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list listings: %w", err)
	}
	return items, total, nil
}
