package market

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"nftmarket/services/marketd/models"
	"nftmarket/services/marketd/store"
)

var orderTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderPending:   {models.OrderConfirmed, models.OrderFailed, models.OrderCancelled},
	models.OrderConfirmed: {models.OrderCompleted, models.OrderFailed},
}

func canTransitionOrder(from, to models.OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// UpdateOrderStatus advances an order once the external confirmer reports on
// the on-chain transfer. Completion releases escrow, marks the NFT sold and
// refreshes collection stats; failure or cancellation refunds escrow and
// returns the NFT to the seller.
func (s *Service) UpdateOrderStatus(ctx context.Context, in OrderStatusInput) (*models.Order, error) {
	allowed, err := s.hasRole(ctx, in.ActorID, models.RoleService, models.RoleAdmin)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("%w: order status is driven by service or admin callers", ErrForbidden)
	}
	target := models.OrderStatus(strings.ToLower(strings.TrimSpace(in.Status)))
	switch target {
	case models.OrderConfirmed, models.OrderCompleted, models.OrderFailed, models.OrderCancelled:
	default:
		return nil, fmt.Errorf("%w: unknown order status %q", ErrInvalidInput, in.Status)
	}
	order, err := s.ledger.GetOrder(ctx, in.OrderID)
	if err != nil {
		return nil, notFound(err, "order")
	}
	if !canTransitionOrder(order.Status, target) {
		return nil, fmt.Errorf("%w: order cannot move from %s to %s", ErrInvalidState, order.Status, target)
	}

	now := s.clock()
	update := store.OrderUpdate{TransactionHash: strings.TrimSpace(in.TransactionHash)}
	if target == models.OrderCompleted {
		update.CompletedAt = &now
	}
	var updated *models.Order
	err = s.ledger.WithTransaction(ctx, func(ctx context.Context, tx store.Writer) error {
		ok, err := tx.TransitionOrder(ctx, order.ID, order.Status, target, update)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: order changed concurrently", ErrConflict)
		}
		switch target {
		case models.OrderCompleted:
			if _, err := tx.TransitionEscrow(ctx, order.ID, models.EscrowHeld, models.EscrowReleased, update.TransactionHash); err != nil {
				return fmt.Errorf("release escrow: %w", err)
			}
			if err := s.nfts.SetStatus(ctx, order.NFTID, models.NFTSold); err != nil {
				return fmt.Errorf("%w: mark nft sold: %v", ErrSettlementFailed, err)
			}
			if order.CollectionID != nil {
				if _, err := tx.RecomputeCollectionStats(ctx, *order.CollectionID); err != nil && !isStoreNotFound(err) {
					return fmt.Errorf("recompute collection stats: %w", err)
				}
			}
		case models.OrderFailed, models.OrderCancelled:
			if _, err := tx.TransitionEscrow(ctx, order.ID, models.EscrowHeld, models.EscrowRefunded, update.TransactionHash); err != nil {
				return fmt.Errorf("refund escrow: %w", err)
			}
			if err := s.transfer(ctx, order.NFTID, order.SellerAddress); err != nil {
				return err
			}
		}
		if err := s.appendEvent(ctx, tx, "order", order.ID, in.ActorID, "order."+string(target), map[string]any{
			"from": order.Status,
		}); err != nil {
			return err
		}
		updated, err = tx.GetOrder(ctx, order.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if target == models.OrderCompleted {
		s.metrics.Completed(updated.Currency, amountFloat(updated.Amount))
	}
	s.logger.InfoContext(ctx, "order status updated",
		"order_id", order.ID,
		"status", target,
	)
	return updated, nil
}

// GetOrder returns an order visible to its buyer, its seller, admins and
// service callers.
func (s *Service) GetOrder(ctx context.Context, orderID, callerID uuid.UUID) (*models.Order, error) {
	order, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, notFound(err, "order")
	}
	if order.BuyerID == callerID || order.SellerID == callerID {
		return order, nil
	}
	privileged, err := s.hasRole(ctx, callerID, models.RoleAdmin, models.RoleService)
	if err != nil {
		return nil, err
	}
	if !privileged {
		return nil, fmt.Errorf("%w: order belongs to other users", ErrForbidden)
	}
	return order, nil
}

// UserOrders lists orders where the user is the buyer, the seller, or either.
func (s *Service) UserOrders(ctx context.Context, userID uuid.UUID, role string, page Page) ([]models.Order, int64, error) {
	page, err := page.Normalize()
	if err != nil {
		return nil, 0, err
	}
	var filter store.OrderFilter
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "buyer":
		filter.BuyerID = &userID
	case "seller":
		filter.SellerID = &userID
	case "", "any":
		filter.Party = &userID
	default:
		return nil, 0, fmt.Errorf("%w: role must be buyer, seller or any", ErrInvalidInput)
	}
	return s.ledger.ListOrders(ctx, filter, page.Skip, page.Limit)
}
