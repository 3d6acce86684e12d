package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Role enumerations for persistence.
const (
	RoleUser    = "user"
	RoleAdmin   = "admin"
	RoleService = "service"
)

// ListingStatus represents a state in the listing lifecycle.
type ListingStatus string

// All listing states.
const (
	ListingActive    ListingStatus = "active"
	ListingAccepted  ListingStatus = "accepted"
	ListingCancelled ListingStatus = "cancelled"
	ListingExpired   ListingStatus = "expired"
)

// OfferStatus represents a state in the offer lifecycle.
type OfferStatus string

// All offer states.
const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferCancelled OfferStatus = "cancelled"
	OfferExpired   OfferStatus = "expired"
)

// OrderStatus represents a state in the order lifecycle.
type OrderStatus string

// All order states.
const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderCompleted OrderStatus = "completed"
	OrderFailed    OrderStatus = "failed"
	OrderCancelled OrderStatus = "cancelled"
)

// EscrowStatus represents a state of custodial funds backing an order.
type EscrowStatus string

// All escrow states.
const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// NFT lifecycle states as reported by the registry.
const (
	NFTPending = "pending"
	NFTMinted  = "minted"
	NFTListed  = "listed"
	NFTSold    = "sold"
	NFTBurned  = "burned"
)

// Listing is a seller's fixed-price offer to sell one NFT.
type Listing struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	NFTID         uuid.UUID       `gorm:"column:nft_id;type:uuid;not null;index;uniqueIndex:idx_listings_active_nft,where:status = 'active'" json:"nft_id"`
	CollectionID  *uuid.UUID      `gorm:"type:uuid;index" json:"collection_id,omitempty"`
	RarityTier    string          `gorm:"size:32;index" json:"rarity_tier,omitempty"`
	RarityScore   float64         `gorm:"not null;default:0" json:"rarity_score"`
	SellerID      uuid.UUID       `gorm:"type:uuid;not null;index" json:"seller_id"`
	SellerAddress string          `gorm:"size:128;not null" json:"seller_address"`
	Price         decimal.Decimal `gorm:"type:decimal(20,2);not null;index" json:"price"`
	Currency      string          `gorm:"size:16;not null" json:"currency"`
	Blockchain    string          `gorm:"size:32;not null" json:"blockchain"`
	Status        ListingStatus   `gorm:"size:16;not null;index" json:"status"`
	ExpiresAt     *time.Time      `gorm:"index" json:"expires_at,omitempty"`
	CreatedAt     time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Offer is a buyer's proposed price against an active listing.
type Offer struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	ListingID    uuid.UUID       `gorm:"type:uuid;not null;index;uniqueIndex:idx_offers_pending_buyer,where:status = 'pending'" json:"listing_id"`
	BuyerID      uuid.UUID       `gorm:"type:uuid;not null;index;uniqueIndex:idx_offers_pending_buyer,where:status = 'pending'" json:"buyer_id"`
	BuyerAddress string          `gorm:"size:128;not null" json:"buyer_address"`
	OfferPrice   decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"offer_price"`
	Currency     string          `gorm:"size:16;not null" json:"currency"`
	Status       OfferStatus     `gorm:"size:16;not null;index" json:"status"`
	ExpiresAt    *time.Time      `gorm:"index" json:"expires_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Order records a sale produced by a buy-now or an accepted offer.
type Order struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	ListingID       *uuid.UUID      `gorm:"type:uuid;uniqueIndex" json:"listing_id,omitempty"`
	OfferID         *uuid.UUID      `gorm:"type:uuid;index" json:"offer_id,omitempty"`
	NFTID           uuid.UUID       `gorm:"column:nft_id;type:uuid;not null;index" json:"nft_id"`
	CollectionID    *uuid.UUID      `gorm:"type:uuid;index" json:"collection_id,omitempty"`
	BuyerID         uuid.UUID       `gorm:"type:uuid;not null;index" json:"buyer_id"`
	SellerID        uuid.UUID       `gorm:"type:uuid;not null;index" json:"seller_id"`
	BuyerAddress    string          `gorm:"size:128;not null" json:"buyer_address"`
	SellerAddress   string          `gorm:"size:128;not null" json:"seller_address"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Currency        string          `gorm:"size:16;not null" json:"currency"`
	Blockchain      string          `gorm:"size:32;not null" json:"blockchain"`
	TransactionHash string          `gorm:"size:256" json:"transaction_hash,omitempty"`
	Status          OrderStatus     `gorm:"size:16;not null;index" json:"status"`
	RoyaltyAmount   decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"royalty_amount"`
	PlatformFee     decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"platform_fee"`
	SellerProceeds  decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"seller_proceeds"`
	CreatedAt       time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `gorm:"index" json:"completed_at,omitempty"`
}

// Escrow holds buyer funds for an order until it is confirmed or fails.
type Escrow struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	ListingID        *uuid.UUID      `gorm:"type:uuid;index" json:"listing_id,omitempty"`
	OfferID          *uuid.UUID      `gorm:"type:uuid;index" json:"offer_id,omitempty"`
	OrderID          *uuid.UUID      `gorm:"type:uuid;uniqueIndex" json:"order_id,omitempty"`
	BuyerID          uuid.UUID       `gorm:"type:uuid;not null;index" json:"buyer_id"`
	SellerID         uuid.UUID       `gorm:"type:uuid;not null;index" json:"seller_id"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Currency         string          `gorm:"size:16;not null" json:"currency"`
	CommissionAmount decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"commission_amount"`
	Status           EscrowStatus    `gorm:"size:16;not null;index" json:"status"`
	TxHash           string          `gorm:"size:256" json:"tx_hash,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Collection groups NFTs and carries sale statistics derived from completed orders.
type Collection struct {
	ID           uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	Name         string           `gorm:"size:128;not null;uniqueIndex" json:"name"`
	Description  string           `gorm:"size:1024" json:"description,omitempty"`
	CreatorID    uuid.UUID        `gorm:"type:uuid;not null;index" json:"creator_id"`
	Blockchain   string           `gorm:"size:32" json:"blockchain,omitempty"`
	RoyaltyRate  decimal.Decimal  `gorm:"type:decimal(6,4);not null" json:"royalty_rate"`
	FloorPrice   *decimal.Decimal `gorm:"type:decimal(20,2)" json:"floor_price"`
	AveragePrice *decimal.Decimal `gorm:"type:decimal(20,2)" json:"average_price"`
	CeilingPrice *decimal.Decimal `gorm:"type:decimal(20,2)" json:"ceiling_price"`
	TotalVolume  decimal.Decimal  `gorm:"type:decimal(24,2);not null" json:"total_volume"`
	TotalSales   int64            `gorm:"not null;default:0" json:"total_sales"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Event is the marketplace audit trail.
type Event struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Entity    string    `gorm:"size:32;index:idx_events_entity"`
	EntityID  uuid.UUID `gorm:"type:uuid;index:idx_events_entity"`
	ActorID   uuid.UUID `gorm:"type:uuid;index"`
	Action    string    `gorm:"size:64"`
	Details   string    `gorm:"type:text"`
	CreatedAt time.Time
}

// TableName keeps the audit table distinct from registry-owned tables.
func (Event) TableName() string { return "marketplace_events" }

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key         string `gorm:"primaryKey;size:128"`
	UserID      string `gorm:"primaryKey;size:64"`
	RequestID   string `gorm:"size:64"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	Fingerprint string `gorm:"size:64"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// NFT is the registry record consulted and transferred during settlement.
type NFT struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	OwnerAddress string     `gorm:"size:128;not null;index"`
	CollectionID *uuid.UUID `gorm:"type:uuid;index"`
	RarityTier   string     `gorm:"size:32"`
	RarityScore  float64
	IsLocked     bool   `gorm:"not null;default:false"`
	Status       string `gorm:"size:16;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Wallet links a blockchain address to a marketplace user.
type Wallet struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;index"`
	Address    string    `gorm:"size:128;not null;uniqueIndex"`
	Blockchain string    `gorm:"size:32"`
	CreatedAt  time.Time
}

// User stores the identity attributes the marketplace relies on.
type User struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	TelegramID int64     `gorm:"index"`
	Role       string    `gorm:"size:16;not null;default:'user'"`
	Verified   bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Collection{},
		&Listing{},
		&Offer{},
		&Order{},
		&Escrow{},
		&Event{},
		&IdempotencyKey{},
		&NFT{},
		&Wallet{},
		&User{},
	)
}
