package market

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"nftmarket/services/marketd/models"
)

type soldFixture struct {
	order      *models.Order
	collection *models.Collection
	seller     uuid.UUID
	buyer      uuid.UUID
	sellerAddr string
	buyerAddr  string
}

func sellInCollection(t *testing.T, h *harness, name, price string) soldFixture {
	t.Helper()
	ctx := context.Background()
	seller, sellerAddress := h.user(models.RoleUser)
	buyer, buyerAddress := h.user(models.RoleUser)
	collection, err := h.svc.CreateCollection(ctx, CreateCollectionInput{Name: name, CreatorID: seller, RoyaltyRate: decimal.Zero})
	require.NoError(t, err)
	listing, err := h.svc.CreateListing(ctx, CreateListingInput{
		NFTID: h.nft(sellerAddress, &collection.ID), SellerID: seller, SellerAddress: sellerAddress,
		Price: decimal.RequireFromString(price), Blockchain: "ton",
	})
	require.NoError(t, err)
	order, err := h.svc.BuyNow(ctx, BuyNowInput{ListingID: listing.ID, BuyerID: buyer, BuyerAddress: buyerAddress})
	require.NoError(t, err)
	return soldFixture{order: order, collection: collection, seller: seller, buyer: buyer, sellerAddr: sellerAddress, buyerAddr: buyerAddress}
}

func TestOrderLifecycleCompletes(t *testing.T) {
	h := newHarness(t, Config{Escrow: true})
	ctx := context.Background()
	fx := sellInCollection(t, h, "Owls", "12.00")
	confirmer, _ := h.user(models.RoleService)

	_, err := h.svc.UpdateOrderStatus(ctx, OrderStatusInput{OrderID: fx.order.ID, ActorID: fx.buyer, Status: "confirmed"})
	requireCategory(t, err, ErrForbidden)

	_, err = h.svc.UpdateOrderStatus(ctx, OrderStatusInput{OrderID: fx.order.ID, ActorID: confirmer, Status: "completed"})
	requireCategory(t, err, ErrInvalidState)

	_, err = h.svc.UpdateOrderStatus(ctx, OrderStatusInput{OrderID: fx.order.ID, ActorID: confirmer, Status: "shipped"})
	requireCategory(t, err, ErrInvalidInput)

	confirmed, err := h.svc.UpdateOrderStatus(ctx, OrderStatusInput{OrderID: fx.order.ID, ActorID: confirmer, Status: "confirmed", TransactionHash: "0x01"})
	require.NoError(t, err)
	require.Equal(t, models.OrderConfirmed, confirmed.Status)
	require.Equal(t, "0x01", confirmed.TransactionHash)

	completed, err := h.svc.UpdateOrderStatus(ctx, OrderStatusInput{OrderID: fx.order.ID, ActorID: confirmer, Status: "completed"})
	require.NoError(t, err)
	require.Equal(t, models.OrderCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)

	escrow, err := h.store.EscrowForOrder(ctx, fx.order.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowReleased, escrow.Status)

	nft, err := h.nfts.GetNFT(ctx, fx.order.NFTID)
	require.NoError(t, err)
	require.Equal(t, models.NFTSold, nft.Status)
	require.Equal(t, fx.buyerAddr, nft.OwnerAddress)

	stats, err := h.svc.CollectionStats(ctx, fx.collection.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Sales)
	require.True(t, stats.Volume.Equal(decimal.NewFromInt(12)))
	require.True(t, stats.Floor.Equal(decimal.NewFromInt(12)))

	_, err = h.svc.UpdateOrderStatus(ctx, OrderStatusInput{OrderID: fx.order.ID, ActorID: confirmer, Status: "failed"})
	requireCategory(t, err, ErrInvalidState)
}

func TestOrderFailureRefundsAndReverts(t *testing.T) {
	h := newHarness(t, Config{Escrow: true})
	ctx := context.Background()
	fx := sellInCollection(t, h, "Bats", "7.50")
	admin, _ := h.user(models.RoleAdmin)
	require.Equal(t, fx.buyerAddr, h.nfts.owner(fx.order.NFTID))

	failed, err := h.svc.UpdateOrderStatus(ctx, OrderStatusInput{OrderID: fx.order.ID, ActorID: admin, Status: "failed"})
	require.NoError(t, err)
	require.Equal(t, models.OrderFailed, failed.Status)

	escrow, err := h.store.EscrowForOrder(ctx, fx.order.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowRefunded, escrow.Status)
	require.Equal(t, fx.sellerAddr, h.nfts.owner(fx.order.NFTID))

	stats, err := h.svc.CollectionStats(ctx, fx.collection.ID)
	require.NoError(t, err)
	require.Zero(t, stats.Sales)
	require.Nil(t, stats.Floor)
}

func TestGetOrderVisibility(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	fx := sellInCollection(t, h, "Yaks", "3.00")
	stranger, _ := h.user(models.RoleUser)
	admin, _ := h.user(models.RoleAdmin)

	for _, caller := range []uuid.UUID{fx.buyer, fx.seller, admin} {
		order, err := h.svc.GetOrder(ctx, fx.order.ID, caller)
		require.NoError(t, err)
		require.Equal(t, fx.order.ID, order.ID)
	}
	_, err := h.svc.GetOrder(ctx, fx.order.ID, stranger)
	requireCategory(t, err, ErrForbidden)
	_, err = h.svc.GetOrder(ctx, uuid.New(), admin)
	requireCategory(t, err, ErrNotFound)
}

func TestUserOrdersByRole(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	fx := sellInCollection(t, h, "Elk", "3.00")

	_, total, err := h.svc.UserOrders(ctx, fx.buyer, "buyer", Page{})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	_, total, err = h.svc.UserOrders(ctx, fx.buyer, "seller", Page{})
	require.NoError(t, err)
	require.Zero(t, total)
	_, total, err = h.svc.UserOrders(ctx, fx.seller, "any", Page{})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	_, _, err = h.svc.UserOrders(ctx, fx.seller, "broker", Page{})
	requireCategory(t, err, ErrInvalidInput)
}
