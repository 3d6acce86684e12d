package market

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"nftmarket/services/marketd/models"
	"nftmarket/services/marketd/store"
)

// MakeOffer records a pending offer from a buyer against an active listing.
func (s *Service) MakeOffer(ctx context.Context, in MakeOfferInput) (*models.Offer, error) {
	if in.BuyerID == uuid.Nil {
		return nil, fmt.Errorf("%w: buyer is required", ErrInvalidInput)
	}
	listing, err := s.ledger.GetListing(ctx, in.ListingID)
	if err != nil {
		return nil, notFound(err, "listing")
	}
	now := s.clock()
	if listing.Status != models.ListingActive {
		return nil, fmt.Errorf("%w: listing is %s", ErrInvalidState, listing.Status)
	}
	if expired(listing.ExpiresAt, now) {
		s.expireListing(ctx, listing.ID)
		return nil, fmt.Errorf("%w: listing expired", ErrExpired)
	}
	if err := s.validatePrice(in.OfferPrice); err != nil {
		return nil, err
	}
	if in.BuyerID == listing.SellerID {
		return nil, ErrSelfOffer
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = listing.Currency
	}
	if currency != listing.Currency {
		return nil, fmt.Errorf("%w: offer currency %s does not match listing currency %s", ErrInvalidInput, currency, listing.Currency)
	}
	if expired(in.ExpiresAt, now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrInvalidInput)
	}
	address := strings.TrimSpace(in.BuyerAddress)
	if address == "" {
		return nil, fmt.Errorf("%w: buyer address is required", ErrInvalidInput)
	}
	if err := s.checkWallet(ctx, in.BuyerID, address); err != nil {
		return nil, err
	}

	offer := &models.Offer{
		ID:           uuid.New(),
		ListingID:    listing.ID,
		BuyerID:      in.BuyerID,
		BuyerAddress: address,
		OfferPrice:   in.OfferPrice,
		Currency:     currency,
		Status:       models.OfferPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.ExpiresAt != nil {
		exp := in.ExpiresAt.UTC()
		offer.ExpiresAt = &exp
	}
	err = s.ledger.WithTransaction(ctx, func(ctx context.Context, tx store.Writer) error {
		// the listing may have sold since it was read above
		current, err := tx.LockListing(ctx, listing.ID)
		if err != nil {
			return notFound(err, "listing")
		}
		if current.Status != models.ListingActive {
			return fmt.Errorf("%w: listing is %s", ErrInvalidState, current.Status)
		}
		pending, err := tx.HasPendingOffer(ctx, listing.ID, in.BuyerID)
		if err != nil {
			return fmt.Errorf("lookup pending offer: %w", err)
		}
		if pending {
			return ErrDuplicateOffer
		}
		if err := tx.CreateOffer(ctx, offer); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrDuplicateOffer
			}
			return fmt.Errorf("create offer: %w", err)
		}
		return s.appendEvent(ctx, tx, "offer", offer.ID, in.BuyerID, "offer.created", map[string]any{
			"listing_id":  listing.ID,
			"offer_price": offer.OfferPrice.StringFixed(2),
		})
	})
	if err != nil {
		s.metrics.Offer("rejected")
		return nil, err
	}
	s.metrics.Offer("created")
	return offer, nil
}

// ListingOffers returns offers on a listing, best price first and oldest first
// among equal prices.
func (s *Service) ListingOffers(ctx context.Context, listingID uuid.UUID, page Page) ([]models.Offer, int64, error) {
	page, err := page.Normalize()
	if err != nil {
		return nil, 0, err
	}
	if _, err := s.ledger.GetListing(ctx, listingID); err != nil {
		return nil, 0, notFound(err, "listing")
	}
	return s.ledger.ListOffers(ctx, store.OfferFilter{ListingID: &listingID, ByPrice: true}, page.Skip, page.Limit)
}

// UserOffers returns the offers a buyer has made, newest first.
func (s *Service) UserOffers(ctx context.Context, buyerID uuid.UUID, page Page) ([]models.Offer, int64, error) {
	page, err := page.Normalize()
	if err != nil {
		return nil, 0, err
	}
	return s.ledger.ListOffers(ctx, store.OfferFilter{BuyerID: &buyerID}, page.Skip, page.Limit)
}

// CancelOffer lets the buyer withdraw a pending offer.
func (s *Service) CancelOffer(ctx context.Context, offerID, buyerID uuid.UUID) (*models.Offer, error) {
	offer, err := s.ledger.GetOffer(ctx, offerID)
	if err != nil {
		return nil, notFound(err, "offer")
	}
	if offer.BuyerID != buyerID {
		return nil, fmt.Errorf("%w: only the buyer may cancel an offer", ErrForbidden)
	}
	return s.closeOffer(ctx, offer, buyerID, models.OfferCancelled, "offer.cancelled")
}

// RejectOffer lets the listing's seller decline a pending offer.
func (s *Service) RejectOffer(ctx context.Context, offerID, sellerID uuid.UUID) (*models.Offer, error) {
	offer, err := s.ledger.GetOffer(ctx, offerID)
	if err != nil {
		return nil, notFound(err, "offer")
	}
	listing, err := s.ledger.GetListing(ctx, offer.ListingID)
	if err != nil {
		return nil, notFound(err, "listing")
	}
	if listing.SellerID != sellerID {
		return nil, fmt.Errorf("%w: only the seller may reject an offer", ErrForbidden)
	}
	return s.closeOffer(ctx, offer, sellerID, models.OfferRejected, "offer.rejected")
}

func (s *Service) closeOffer(ctx context.Context, offer *models.Offer, actorID uuid.UUID, to models.OfferStatus, action string) (*models.Offer, error) {
	if offer.Status != models.OfferPending {
		return nil, fmt.Errorf("%w: offer is %s", ErrInvalidState, offer.Status)
	}
	var updated *models.Offer
	err := s.ledger.WithTransaction(ctx, func(ctx context.Context, tx store.Writer) error {
		ok, err := tx.TransitionOffer(ctx, offer.ID, models.OfferPending, to)
		if err != nil {
			return fmt.Errorf("update offer: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: offer is no longer pending", ErrConflict)
		}
		if err := s.appendEvent(ctx, tx, "offer", offer.ID, actorID, action, nil); err != nil {
			return err
		}
		updated, err = tx.GetOffer(ctx, offer.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Offer(string(to))
	return updated, nil
}
