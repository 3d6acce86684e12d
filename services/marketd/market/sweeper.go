package market

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"nftmarket/services/marketd/models"
	"nftmarket/services/marketd/store"
)

const sweepBatch = 200

// SweepResult counts the rows moved to expired by one sweep.
type SweepResult struct {
	Listings int
	Offers   int
}

// SweepExpired expires every active listing and pending offer whose deadline
// has passed. Pending offers on an expired listing expire with it.
func (s *Service) SweepExpired(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := s.clock()
	listings, err := s.ledger.DueListings(ctx, now, sweepBatch)
	if err != nil {
		return result, fmt.Errorf("load due listings: %w", err)
	}
	for _, id := range listings {
		ok, err := s.expireListingTx(ctx, id)
		if err != nil {
			return result, err
		}
		if ok {
			result.Listings++
		}
	}
	offers, err := s.ledger.DueOffers(ctx, now, sweepBatch)
	if err != nil {
		return result, fmt.Errorf("load due offers: %w", err)
	}
	for _, id := range offers {
		ok, err := s.expireOfferTx(ctx, id)
		if err != nil {
			return result, err
		}
		if ok {
			result.Offers++
		}
	}
	s.metrics.Expired("listing", result.Listings)
	s.metrics.Expired("offer", result.Offers)
	return result, nil
}

// RunSweeper calls SweepExpired every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := s.SweepExpired(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "expiry sweep failed", "error", err)
				continue
			}
			if result.Listings > 0 || result.Offers > 0 {
				s.logger.InfoContext(ctx, "expiry sweep",
					"listings", result.Listings,
					"offers", result.Offers,
				)
			}
		}
	}
}

// expireListing is the on-access variant used by the request paths; failures
// are logged and otherwise ignored since the caller is already returning an
// expiry error.
func (s *Service) expireListing(ctx context.Context, id uuid.UUID) {
	ok, err := s.expireListingTx(ctx, id)
	if err != nil {
		s.logger.WarnContext(ctx, "expire listing failed", "listing_id", id, "error", err)
		return
	}
	if ok {
		s.metrics.Expired("listing", 1)
	}
}

func (s *Service) expireOffer(ctx context.Context, id uuid.UUID) {
	ok, err := s.expireOfferTx(ctx, id)
	if err != nil {
		s.logger.WarnContext(ctx, "expire offer failed", "offer_id", id, "error", err)
		return
	}
	if ok {
		s.metrics.Expired("offer", 1)
	}
}

func (s *Service) expireListingTx(ctx context.Context, id uuid.UUID) (bool, error) {
	var expiredNow bool
	err := s.ledger.WithTransaction(ctx, func(ctx context.Context, tx store.Writer) error {
		ok, err := tx.TransitionListing(ctx, id, models.ListingActive, models.ListingExpired)
		if err != nil || !ok {
			return err
		}
		expiredNow = true
		closed, err := tx.CloseSiblingOffers(ctx, id, nil, models.OfferExpired)
		if err != nil {
			return fmt.Errorf("expire offers: %w", err)
		}
		return s.appendEvent(ctx, tx, "listing", id, uuid.Nil, "listing.expired", map[string]any{
			"expired_offers": closed,
		})
	})
	if err != nil {
		return false, fmt.Errorf("expire listing %s: %w", id, err)
	}
	return expiredNow, nil
}

func (s *Service) expireOfferTx(ctx context.Context, id uuid.UUID) (bool, error) {
	var expiredNow bool
	err := s.ledger.WithTransaction(ctx, func(ctx context.Context, tx store.Writer) error {
		ok, err := tx.TransitionOffer(ctx, id, models.OfferPending, models.OfferExpired)
		if err != nil || !ok {
			return err
		}
		expiredNow = true
		return s.appendEvent(ctx, tx, "offer", id, uuid.Nil, "offer.expired", nil)
	})
	if err != nil {
		return false, fmt.Errorf("expire offer %s: %w", id, err)
	}
	return expiredNow, nil
}
