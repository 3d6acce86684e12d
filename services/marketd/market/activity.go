package market

import (
	"context"
	"fmt"

	"nftmarket/services/marketd/models"
	"nftmarket/services/marketd/store"
)

const (
	defaultActivityBatch = 100
	maxActivityBatch     = 500
)

// ActivityCursor resumes the audit trail after the last delivered event.
type ActivityCursor = store.EventCursor

// Activity returns audit events after cursor, oldest first. Passing the last
// returned event's timestamp and id as the next cursor pages without gaps.
func (s *Service) Activity(ctx context.Context, cursor ActivityCursor, limit int) ([]models.Event, error) {
	switch {
	case limit <= 0:
		limit = defaultActivityBatch
	case limit > maxActivityBatch:
		limit = maxActivityBatch
	}
	events, err := s.ledger.EventsAfter(ctx, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("load activity: %w", err)
	}
	return events, nil
}
