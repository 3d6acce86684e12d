package market

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"nftmarket/services/marketd/store"
)

// Page bounds for paginated reads.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Page selects a window of a result set.
type Page struct {
	Skip  int
	Limit int
}

// Normalize applies the default limit and validates the bounds.
func (p Page) Normalize() (Page, error) {
	if p.Limit == 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit < 1 || p.Limit > MaxPageLimit {
		return p, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidInput, MaxPageLimit)
	}
	if p.Skip < 0 {
		return p, fmt.Errorf("%w: skip must not be negative", ErrInvalidInput)
	}
	return p, nil
}

// NFT is the registry view of a token consulted during listing and settlement.
type NFT struct {
	ID           uuid.UUID
	OwnerAddress string
	CollectionID *uuid.UUID
	RarityTier   string
	RarityScore  float64
	Locked       bool
	Status       string
}

// User is the directory view of a marketplace participant.
type User struct {
	ID       uuid.UUID
	Role     string
	Verified bool
}

// NFTRegistry resolves and transfers NFTs. Implementations sharing the ledger
// database must join the transaction carried in ctx.
type NFTRegistry interface {
	GetNFT(ctx context.Context, id uuid.UUID) (*NFT, error)
	TransferOwnership(ctx context.Context, id uuid.UUID, toAddress string) error
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
}

// WalletDirectory answers whether an address belongs to a user.
type WalletDirectory interface {
	OwnsAddress(ctx context.Context, userID uuid.UUID, address string) (bool, error)
}

// UserDirectory resolves a user's role.
type UserDirectory interface {
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
}

// Ledger is the persistence surface the service depends on.
type Ledger interface {
	store.Reader
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Writer) error) error
}

// Metrics receives business outcome counters.
type Metrics interface {
	Settlement(kind, outcome string)
	Listing(outcome string)
	Offer(outcome string)
	Expired(entity string, n int)
	Completed(currency string, amount float64)
}

type noopMetrics struct{}

func (noopMetrics) Settlement(string, string) {}
func (noopMetrics) Listing(string)            {}
func (noopMetrics) Offer(string)              {}
func (noopMetrics) Expired(string, int)       {}
func (noopMetrics) Completed(string, float64) {}

// CreateListingInput describes a new fixed-price listing.
type CreateListingInput struct {
	NFTID         uuid.UUID
	SellerID      uuid.UUID
	SellerAddress string
	Price         decimal.Decimal
	Currency      string
	Blockchain    string
	ExpiresAt     *time.Time
}

// MakeOfferInput describes a buyer's offer against a listing.
type MakeOfferInput struct {
	ListingID    uuid.UUID
	BuyerID      uuid.UUID
	BuyerAddress string
	OfferPrice   decimal.Decimal
	Currency     string
	ExpiresAt    *time.Time
}

// BuyNowInput purchases a listing at its asking price.
type BuyNowInput struct {
	ListingID       uuid.UUID
	BuyerID         uuid.UUID
	BuyerAddress    string
	TransactionHash string
}

// AcceptOfferInput settles a pending offer.
type AcceptOfferInput struct {
	OfferID         uuid.UUID
	SellerID        uuid.UUID
	TransactionHash string
}

// OrderStatusInput drives an order through its post-settlement lifecycle.
type OrderStatusInput struct {
	OrderID         uuid.UUID
	ActorID         uuid.UUID
	Status          string
	TransactionHash string
}

// CreateCollectionInput registers a collection and its royalty rate.
type CreateCollectionInput struct {
	Name        string
	Description string
	CreatorID   uuid.UUID
	Blockchain  string
	RoyaltyRate decimal.Decimal
}

// Stats summarises completed sales of a collection.
type Stats struct {
	CollectionID uuid.UUID        `json:"collection_id"`
	Floor        *decimal.Decimal `json:"floor_price"`
	Average      *decimal.Decimal `json:"average_price"`
	Ceiling      *decimal.Decimal `json:"ceiling_price"`
	Volume       decimal.Decimal  `json:"total_volume"`
	Sales        int64            `json:"total_sales"`
}

// Valuation combines registry rarity with market prices for one NFT.
type Valuation struct {
	NFTID          uuid.UUID        `json:"nft_id"`
	CollectionID   *uuid.UUID       `json:"collection_id,omitempty"`
	RarityTier     string           `json:"rarity_tier,omitempty"`
	RarityScore    float64          `json:"rarity_score"`
	FloorPrice     *decimal.Decimal `json:"floor_price"`
	AveragePrice   *decimal.Decimal `json:"average_price"`
	LastSalePrice  *decimal.Decimal `json:"last_sale_price"`
	SuggestedPrice *decimal.Decimal `json:"suggested_price"`
}

// Fees is the split of a sale amount.
type Fees struct {
	Amount         decimal.Decimal
	PlatformFee    decimal.Decimal
	Royalty        decimal.Decimal
	SellerProceeds decimal.Decimal
}
