package market

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"nftmarket/services/marketd/models"
	"nftmarket/services/marketd/store"
)

func TestMakeOfferValidation(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	seller, sellerAddress := h.user(models.RoleUser)
	buyer, buyerAddress := h.user(models.RoleUser)
	_, strangerAddress := h.user(models.RoleUser)
	listing := h.list(seller, sellerAddress, "100.00")

	base := MakeOfferInput{ListingID: listing.ID, BuyerID: buyer, BuyerAddress: buyerAddress, OfferPrice: decimal.NewFromInt(90)}

	missing := base
	missing.ListingID = uuid.New()
	_, err := h.svc.MakeOffer(ctx, missing)
	requireCategory(t, err, ErrNotFound)

	self := base
	self.BuyerID = seller
	self.BuyerAddress = sellerAddress
	_, err = h.svc.MakeOffer(ctx, self)
	require.ErrorIs(t, err, ErrSelfOffer)

	badPrice := base
	badPrice.OfferPrice = decimal.RequireFromString("10.001")
	_, err = h.svc.MakeOffer(ctx, badPrice)
	require.ErrorIs(t, err, ErrInvalidPrice)

	wrongCurrency := base
	wrongCurrency.Currency = "USDT"
	_, err = h.svc.MakeOffer(ctx, wrongCurrency)
	requireCategory(t, err, ErrInvalidInput)

	foreignWallet := base
	foreignWallet.BuyerAddress = strangerAddress
	_, err = h.svc.MakeOffer(ctx, foreignWallet)
	requireCategory(t, err, ErrForbidden)

	offer, err := h.svc.MakeOffer(ctx, base)
	require.NoError(t, err)
	require.Equal(t, models.OfferPending, offer.Status)
	require.Equal(t, "TON", offer.Currency)

	_, err = h.svc.MakeOffer(ctx, base)
	require.ErrorIs(t, err, ErrDuplicateOffer)
	requireCategory(t, err, ErrInvalidState)

	_, err = h.svc.CancelListing(ctx, listing.ID, seller)
	require.NoError(t, err)
	other, otherAddress := h.user(models.RoleUser)
	_, err = h.svc.MakeOffer(ctx, MakeOfferInput{ListingID: listing.ID, BuyerID: other, BuyerAddress: otherAddress, OfferPrice: decimal.NewFromInt(1)})
	requireCategory(t, err, ErrInvalidState)
}

func TestMakeOfferOnExpiredListing(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	seller, address := h.user(models.RoleUser)
	expires := h.now.Add(time.Hour)
	listing, err := h.svc.CreateListing(ctx, CreateListingInput{
		NFTID: h.nft(address, nil), SellerID: seller, SellerAddress: address,
		Price: decimal.NewFromInt(10), Blockchain: "ton", ExpiresAt: &expires,
	})
	require.NoError(t, err)

	h.advance(2 * time.Hour)
	buyer, buyerAddress := h.user(models.RoleUser)
	_, err = h.svc.MakeOffer(ctx, MakeOfferInput{ListingID: listing.ID, BuyerID: buyer, BuyerAddress: buyerAddress, OfferPrice: decimal.NewFromInt(5)})
	require.ErrorIs(t, err, ErrExpired)

	reloaded, err := h.svc.GetListing(ctx, listing.ID)
	require.NoError(t, err)
	require.Equal(t, models.ListingExpired, reloaded.Status)
}

func TestListingOffersOrderedByPrice(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	seller, address := h.user(models.RoleUser)
	listing := h.list(seller, address, "100.00")

	low, _ := h.offer(listing.ID, "90.00")
	high, _ := h.offer(listing.ID, "95.00")
	tie, _ := h.offer(listing.ID, "95.00")

	items, total, err := h.svc.ListingOffers(ctx, listing.ID, Page{})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Equal(t, []uuid.UUID{high.ID, tie.ID, low.ID}, []uuid.UUID{items[0].ID, items[1].ID, items[2].ID})

	_, _, err = h.svc.ListingOffers(ctx, uuid.New(), Page{})
	requireCategory(t, err, ErrNotFound)
}

func TestCancelAndRejectOffer(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	seller, address := h.user(models.RoleUser)
	listing := h.list(seller, address, "20.00")
	first, firstBuyer := h.offer(listing.ID, "15.00")
	second, secondBuyer := h.offer(listing.ID, "16.00")

	_, err := h.svc.CancelOffer(ctx, first.ID, secondBuyer)
	requireCategory(t, err, ErrForbidden)

	cancelled, err := h.svc.CancelOffer(ctx, first.ID, firstBuyer)
	require.NoError(t, err)
	require.Equal(t, models.OfferCancelled, cancelled.Status)

	_, err = h.svc.CancelOffer(ctx, first.ID, firstBuyer)
	requireCategory(t, err, ErrInvalidState)

	_, err = h.svc.RejectOffer(ctx, second.ID, secondBuyer)
	requireCategory(t, err, ErrForbidden)

	rejected, err := h.svc.RejectOffer(ctx, second.ID, seller)
	require.NoError(t, err)
	require.Equal(t, models.OfferRejected, rejected.Status)

	items, total, err := h.svc.UserOffers(ctx, firstBuyer, Page{})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, first.ID, items[0].ID)

	// A withdrawn offer frees the buyer to offer again.
	firstAddress := h.walletOf(firstBuyer)
	_, err = h.svc.MakeOffer(ctx, MakeOfferInput{ListingID: listing.ID, BuyerID: firstBuyer, BuyerAddress: firstAddress, OfferPrice: decimal.NewFromInt(17)})
	require.NoError(t, err)
}

func TestMakeOfferRacingSale(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	seller, sellerAddress := h.user(models.RoleUser)
	buyer, buyerAddress := h.user(models.RoleUser)
	bidder, bidderAddress := h.user(models.RoleUser)
	listing := h.list(seller, sellerAddress, "25.00")

	// the sale commits after the offer passed its first status check
	h.wallets.mu.Lock()
	h.wallets.beforeCheck = func() {
		_, err := h.svc.BuyNow(ctx, BuyNowInput{ListingID: listing.ID, BuyerID: buyer, BuyerAddress: buyerAddress})
		require.NoError(t, err)
	}
	h.wallets.mu.Unlock()

	_, err := h.svc.MakeOffer(ctx, MakeOfferInput{
		ListingID:    listing.ID,
		BuyerID:      bidder,
		BuyerAddress: bidderAddress,
		OfferPrice:   decimal.RequireFromString("20.00"),
	})
	requireCategory(t, err, ErrInvalidState)

	reloaded, err := h.svc.GetListing(ctx, listing.ID)
	require.NoError(t, err)
	require.Equal(t, models.ListingAccepted, reloaded.Status)

	pending := models.OfferPending
	_, total, err := h.store.ListOffers(ctx, store.OfferFilter{ListingID: &listing.ID, Status: &pending}, 0, 10)
	require.NoError(t, err)
	require.Zero(t, total)
}
