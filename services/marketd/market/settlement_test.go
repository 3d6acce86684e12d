package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"nftmarket/services/marketd/models"
	"nftmarket/services/marketd/store"
)

func TestBuyNowSettlesListing(t *testing.T) {
	h := newHarness(t, Config{Escrow: true})
	ctx := context.Background()
	seller, sellerAddress := h.user(models.RoleUser)
	buyer, buyerAddress := h.user(models.RoleUser)
	listing := h.list(seller, sellerAddress, "100.00")
	pending, _ := h.offer(listing.ID, "80.00")

	order, err := h.svc.BuyNow(ctx, BuyNowInput{ListingID: listing.ID, BuyerID: buyer, BuyerAddress: buyerAddress, TransactionHash: "0xabc"})
	require.NoError(t, err)
	require.Equal(t, models.OrderPending, order.Status)
	require.True(t, order.Amount.Equal(decimal.RequireFromString("100.00")))
	require.True(t, order.PlatformFee.Equal(decimal.RequireFromString("2.00")))
	require.True(t, order.SellerProceeds.Equal(decimal.RequireFromString("98.00")))
	require.True(t, order.RoyaltyAmount.IsZero())
	require.Equal(t, "0xabc", order.TransactionHash)

	reloaded, err := h.svc.GetListing(ctx, listing.ID)
	require.NoError(t, err)
	require.Equal(t, models.ListingAccepted, reloaded.Status)

	offer, err := h.store.GetOffer(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferRejected, offer.Status)

	escrow, err := h.store.EscrowForOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowHeld, escrow.Status)
	require.True(t, escrow.CommissionAmount.Equal(order.PlatformFee))

	require.Equal(t, buyerAddress, h.nfts.owner(listing.NFTID))
}

func TestBuyNowRejections(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	seller, sellerAddress := h.user(models.RoleUser)
	buyer, buyerAddress := h.user(models.RoleUser)
	_, strangerAddress := h.user(models.RoleUser)
	listing := h.list(seller, sellerAddress, "10.00")

	_, err := h.svc.BuyNow(ctx, BuyNowInput{ListingID: uuid.New(), BuyerID: buyer, BuyerAddress: buyerAddress})
	requireCategory(t, err, ErrNotFound)

	_, err = h.svc.BuyNow(ctx, BuyNowInput{ListingID: listing.ID, BuyerID: seller, BuyerAddress: sellerAddress})
	require.ErrorIs(t, err, ErrSelfPurchase)

	_, err = h.svc.BuyNow(ctx, BuyNowInput{ListingID: listing.ID, BuyerID: buyer, BuyerAddress: strangerAddress})
	requireCategory(t, err, ErrForbidden)

	_, err = h.svc.BuyNow(ctx, BuyNowInput{ListingID: listing.ID, BuyerID: buyer, BuyerAddress: buyerAddress})
	require.NoError(t, err)

	_, err = h.svc.BuyNow(ctx, BuyNowInput{ListingID: listing.ID, BuyerID: buyer, BuyerAddress: buyerAddress})
	requireCategory(t, err, ErrInvalidState)
}

func TestBuyNowExpiredListing(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	seller, sellerAddress := h.user(models.RoleUser)
	buyer, buyerAddress := h.user(models.RoleUser)
	expires := h.now.Add(time.Minute)
	listing, err := h.svc.CreateListing(ctx, CreateListingInput{
		NFTID: h.nft(sellerAddress, nil), SellerID: seller, SellerAddress: sellerAddress,
		Price: decimal.NewFromInt(10), Blockchain: "ton", ExpiresAt: &expires,
	})
	require.NoError(t, err)
	h.advance(time.Hour)

	_, err = h.svc.BuyNow(ctx, BuyNowInput{ListingID: listing.ID, BuyerID: buyer, BuyerAddress: buyerAddress})
	require.ErrorIs(t, err, ErrExpired)
	requireCategory(t, err, ErrInvalidState)

	reloaded, err := h.svc.GetListing(ctx, listing.ID)
	require.NoError(t, err)
	require.Equal(t, models.ListingExpired, reloaded.Status)
}

func TestConcurrentBuyNowSingleWinner(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	seller, sellerAddress := h.user(models.RoleUser)
	listing := h.list(seller, sellerAddress, "42.00")

	const buyers = 2
	var wg sync.WaitGroup
	errs := make([]error, buyers)
	for i := 0; i < buyers; i++ {
		buyer, address := h.user(models.RoleUser)
		wg.Add(1)
		go func(i int, buyer uuid.UUID, address string) {
			defer wg.Done()
			_, errs[i] = h.svc.BuyNow(ctx, BuyNowInput{ListingID: listing.ID, BuyerID: buyer, BuyerAddress: address})
		}(i, buyer, address)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidState):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, losses)

	orders, total, err := h.store.ListOrders(ctx, store.OrderFilter{SellerID: &seller}, 0, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, orders, 1)
}

func TestBuyNowRollsBackOnTransferFailure(t *testing.T) {
	h := newHarness(t, Config{Escrow: true})
	ctx := context.Background()
	seller, sellerAddress := h.user(models.RoleUser)
	buyer, buyerAddress := h.user(models.RoleUser)
	listing := h.list(seller, sellerAddress, "10.00")
	pending, _ := h.offer(listing.ID, "9.00")
	h.nfts.transferErr = errors.New("registry unavailable")

	_, err := h.svc.BuyNow(ctx, BuyNowInput{ListingID: listing.ID, BuyerID: buyer, BuyerAddress: buyerAddress})
	requireCategory(t, err, ErrSettlementFailed)

	assertUntouched(t, h, listing.ID, pending.ID, sellerAddress)
}

func TestBuyNowRollsBackOnTransferTimeout(t *testing.T) {
	h := newHarness(t, Config{TransferTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	seller, sellerAddress := h.user(models.RoleUser)
	buyer, buyerAddress := h.user(models.RoleUser)
	listing := h.list(seller, sellerAddress, "10.00")
	pending, _ := h.offer(listing.ID, "9.00")
	h.nfts.block = true

	started := time.Now()
	_, err := h.svc.BuyNow(ctx, BuyNowInput{ListingID: listing.ID, BuyerID: buyer, BuyerAddress: buyerAddress})
	requireCategory(t, err, ErrSettlementFailed)
	require.Less(t, time.Since(started), 5*time.Second)

	assertUntouched(t, h, listing.ID, pending.ID, sellerAddress)
}

func assertUntouched(t *testing.T, h *harness, listingID, offerID uuid.UUID, sellerAddress string) {
	t.Helper()
	ctx := context.Background()
	listing, err := h.svc.GetListing(ctx, listingID)
	require.NoError(t, err)
	require.Equal(t, models.ListingActive, listing.Status)

	offer, err := h.store.GetOffer(ctx, offerID)
	require.NoError(t, err)
	require.Equal(t, models.OfferPending, offer.Status)

	_, total, err := h.store.ListOrders(ctx, store.OrderFilter{SellerID: &listing.SellerID}, 0, 10)
	require.NoError(t, err)
	require.Zero(t, total)
	require.Equal(t, sellerAddress, h.nfts.owner(listing.NFTID))
}

func TestAcceptOffer(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	seller, sellerAddress := h.user(models.RoleUser)
	listing := h.list(seller, sellerAddress, "100.00")
	low, _ := h.offer(listing.ID, "90.00")
	high, highBuyer := h.offer(listing.ID, "95.00")

	_, err := h.svc.AcceptOffer(ctx, AcceptOfferInput{OfferID: high.ID, SellerID: highBuyer})
	requireCategory(t, err, ErrForbidden)

	_, err = h.svc.AcceptOffer(ctx, AcceptOfferInput{OfferID: uuid.New(), SellerID: seller})
	requireCategory(t, err, ErrNotFound)

	order, err := h.svc.AcceptOffer(ctx, AcceptOfferInput{OfferID: high.ID, SellerID: seller, TransactionHash: "0xfeed"})
	require.NoError(t, err)
	require.Equal(t, highBuyer, order.BuyerID)
	require.NotNil(t, order.OfferID)
	require.Equal(t, high.ID, *order.OfferID)
	require.True(t, order.Amount.Equal(decimal.RequireFromString("95.00")))
	require.True(t, order.PlatformFee.Equal(decimal.RequireFromString("1.90")))
	require.True(t, order.SellerProceeds.Equal(decimal.RequireFromString("93.10")))

	accepted, err := h.store.GetOffer(ctx, high.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferAccepted, accepted.Status)
	sibling, err := h.store.GetOffer(ctx, low.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferRejected, sibling.Status)

	_, err = h.svc.AcceptOffer(ctx, AcceptOfferInput{OfferID: low.ID, SellerID: seller})
	requireCategory(t, err, ErrInvalidState)
}

func TestAcceptOfferAfterListingLeftActive(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	seller, sellerAddress := h.user(models.RoleUser)
	listing := h.list(seller, sellerAddress, "50.00")
	offer, _ := h.offer(listing.ID, "45.00")

	// Cancel the listing behind the offer's back without touching the offer.
	ok, err := h.store.TransitionListing(ctx, listing.ID, models.ListingActive, models.ListingCancelled)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.svc.AcceptOffer(ctx, AcceptOfferInput{OfferID: offer.ID, SellerID: seller})
	requireCategory(t, err, ErrInvalidState)
}

func TestAcceptExpiredOffer(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	seller, sellerAddress := h.user(models.RoleUser)
	buyer, buyerAddress := h.user(models.RoleUser)
	listing := h.list(seller, sellerAddress, "50.00")
	expires := h.now.Add(time.Minute)
	offer, err := h.svc.MakeOffer(ctx, MakeOfferInput{ListingID: listing.ID, BuyerID: buyer, BuyerAddress: buyerAddress, OfferPrice: decimal.NewFromInt(40), ExpiresAt: &expires})
	require.NoError(t, err)
	h.advance(time.Hour)

	_, err = h.svc.AcceptOffer(ctx, AcceptOfferInput{OfferID: offer.ID, SellerID: seller})
	require.ErrorIs(t, err, ErrExpired)

	reloaded, err := h.store.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferExpired, reloaded.Status)
}

func TestSettlementAppliesRoyalty(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	seller, sellerAddress := h.user(models.RoleUser)
	buyer, buyerAddress := h.user(models.RoleUser)
	collection, err := h.svc.CreateCollection(ctx, CreateCollectionInput{Name: "Cats", CreatorID: seller, RoyaltyRate: decimal.RequireFromString("0.05")})
	require.NoError(t, err)
	listing, err := h.svc.CreateListing(ctx, CreateListingInput{
		NFTID: h.nft(sellerAddress, &collection.ID), SellerID: seller, SellerAddress: sellerAddress,
		Price: decimal.RequireFromString("33.33"), Blockchain: "ton",
	})
	require.NoError(t, err)

	order, err := h.svc.BuyNow(ctx, BuyNowInput{ListingID: listing.ID, BuyerID: buyer, BuyerAddress: buyerAddress})
	require.NoError(t, err)
	require.True(t, order.PlatformFee.Equal(decimal.RequireFromString("0.67")))
	require.True(t, order.RoyaltyAmount.Equal(decimal.RequireFromString("1.67")))
	require.True(t, order.SellerProceeds.Equal(decimal.RequireFromString("30.99")))
	require.True(t, order.PlatformFee.Add(order.RoyaltyAmount).Add(order.SellerProceeds).Equal(order.Amount))
}

func TestZeroCommissionRate(t *testing.T) {
	h := newHarness(t, Config{CommissionRate: decimal.NewNullDecimal(decimal.Zero)})
	ctx := context.Background()
	seller, sellerAddress := h.user(models.RoleUser)
	buyer, buyerAddress := h.user(models.RoleUser)
	listing := h.list(seller, sellerAddress, "100.00")

	order, err := h.svc.BuyNow(ctx, BuyNowInput{ListingID: listing.ID, BuyerID: buyer, BuyerAddress: buyerAddress})
	require.NoError(t, err)
	require.True(t, order.PlatformFee.IsZero())
	require.True(t, order.SellerProceeds.Equal(decimal.RequireFromString("100.00")))
	require.True(t, h.svc.Config().CommissionRate.Valid)
	require.True(t, h.svc.Config().CommissionRate.Decimal.IsZero())

	defaulted := newHarness(t, Config{})
	require.True(t, defaulted.svc.Config().CommissionRate.Decimal.Equal(DefaultCommissionRate))
}
