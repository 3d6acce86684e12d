package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"nftmarket/services/marketd/models"
	"nftmarket/services/marketd/store"
)

type fakeRegistry struct {
	mu          sync.Mutex
	nfts        map[uuid.UUID]*NFT
	transferErr error
	block       bool
	transfers   int
}

func (f *fakeRegistry) GetNFT(_ context.Context, id uuid.UUID) (*NFT, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nft, ok := f.nfts[id]
	if !ok {
		return nil, fmt.Errorf("%w: nft %s", ErrNotFound, id)
	}
	cp := *nft
	return &cp, nil
}

func (f *fakeRegistry) TransferOwnership(ctx context.Context, id uuid.UUID, to string) error {
	f.mu.Lock()
	block, failure := f.block, f.transferErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if failure != nil {
		return failure
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	nft, ok := f.nfts[id]
	if !ok {
		return fmt.Errorf("%w: nft %s", ErrNotFound, id)
	}
	nft.OwnerAddress = to
	f.transfers++
	return nil
}

func (f *fakeRegistry) SetStatus(_ context.Context, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	nft, ok := f.nfts[id]
	if !ok {
		return fmt.Errorf("%w: nft %s", ErrNotFound, id)
	}
	nft.Status = status
	return nil
}

func (f *fakeRegistry) owner(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nfts[id].OwnerAddress
}

type fakeWallets struct {
	mu    sync.Mutex
	owned map[string]uuid.UUID
	// beforeCheck runs once, on the next ownership lookup.
	beforeCheck func()
}

func (f *fakeWallets) OwnsAddress(_ context.Context, userID uuid.UUID, address string) (bool, error) {
	f.mu.Lock()
	hook := f.beforeCheck
	f.beforeCheck = nil
	owner, ok := f.owned[strings.ToLower(address)]
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ok && owner == userID, nil
}

type fakeUsers struct {
	mu    sync.Mutex
	roles map[uuid.UUID]string
}

func (f *fakeUsers) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.roles[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return &User{ID: id, Role: role, Verified: true}, nil
}

type harness struct {
	t       *testing.T
	svc     *Service
	store   *store.Store
	nfts    *fakeRegistry
	wallets *fakeWallets
	users   *fakeUsers
	now     time.Time
	clockMu sync.Mutex
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "sqlite", DSN: store.MemoryDSN(uuid.NewString())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	h := &harness{
		t:       t,
		store:   st,
		nfts:    &fakeRegistry{nfts: map[uuid.UUID]*NFT{}},
		wallets: &fakeWallets{owned: map[string]uuid.UUID{}},
		users:   &fakeUsers{roles: map[uuid.UUID]string{}},
		now:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	svc, err := New(cfg, st, h.nfts, h.wallets, h.users, WithClock(h.clock))
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) clock() time.Time {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	h.now = h.now.Add(time.Millisecond)
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	h.now = h.now.Add(d)
}

// user registers a user with one wallet address.
func (h *harness) user(role string) (uuid.UUID, string) {
	id := uuid.New()
	address := "EQ" + strings.ReplaceAll(id.String(), "-", "")
	h.users.mu.Lock()
	h.users.roles[id] = role
	h.users.mu.Unlock()
	h.wallets.mu.Lock()
	h.wallets.owned[strings.ToLower(address)] = id
	h.wallets.mu.Unlock()
	return id, address
}

func (h *harness) walletOf(userID uuid.UUID) string {
	h.wallets.mu.Lock()
	defer h.wallets.mu.Unlock()
	for address, owner := range h.wallets.owned {
		if owner == userID {
			return address
		}
	}
	return ""
}

func (h *harness) nft(owner string, collection *uuid.UUID) uuid.UUID {
	id := uuid.New()
	h.nfts.mu.Lock()
	h.nfts.nfts[id] = &NFT{ID: id, OwnerAddress: owner, CollectionID: collection, RarityTier: "rare", RarityScore: 42, Status: models.NFTMinted}
	h.nfts.mu.Unlock()
	return id
}

func (h *harness) list(sellerID uuid.UUID, address, price string) *models.Listing {
	h.t.Helper()
	listing, err := h.svc.CreateListing(context.Background(), CreateListingInput{
		NFTID:         h.nft(address, nil),
		SellerID:      sellerID,
		SellerAddress: address,
		Price:         decimal.RequireFromString(price),
		Currency:      "TON",
		Blockchain:    "ton",
	})
	require.NoError(h.t, err)
	return listing
}

func (h *harness) offer(listingID uuid.UUID, price string) (*models.Offer, uuid.UUID) {
	h.t.Helper()
	buyer, address := h.user(models.RoleUser)
	offer, err := h.svc.MakeOffer(context.Background(), MakeOfferInput{
		ListingID:    listingID,
		BuyerID:      buyer,
		BuyerAddress: address,
		OfferPrice:   decimal.RequireFromString(price),
	})
	require.NoError(h.t, err)
	return offer, buyer
}

func requireCategory(t *testing.T, err error, category error) {
	t.Helper()
	require.Error(t, err)
	require.Truef(t, errors.Is(err, category), "expected %v, got %v", category, err)
}
