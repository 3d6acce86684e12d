package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nftmarket/services/marketd/models"
)

// Reader exposes the read side of the ledger.
type Reader interface {
	GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	ActiveListingForNFT(ctx context.Context, nftID uuid.UUID) (*models.Listing, error)
	ListListings(ctx context.Context, filter ListingFilter, skip, limit int) ([]models.Listing, int64, error)
	GetOffer(ctx context.Context, id uuid.UUID) (*models.Offer, error)
	HasPendingOffer(ctx context.Context, listingID, buyerID uuid.UUID) (bool, error)
	ListOffers(ctx context.Context, filter OfferFilter, skip, limit int) ([]models.Offer, int64, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter, skip, limit int) ([]models.Order, int64, error)
	LastCompletedSale(ctx context.Context, nftID uuid.UUID) (*models.Order, error)
	CompletedOrders(ctx context.Context, start, end time.Time) ([]models.Order, error)
	EscrowForOrder(ctx context.Context, orderID uuid.UUID) (*models.Escrow, error)
	GetCollection(ctx context.Context, id uuid.UUID) (*models.Collection, error)
	DueListings(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	DueOffers(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListEvents(ctx context.Context, entity string, entityID uuid.UUID) ([]models.Event, error)
	EventsAfter(ctx context.Context, cursor EventCursor, limit int) ([]models.Event, error)
}

// Writer adds the mutations that must run inside a transaction.
type Writer interface {
	Reader
	LockListing(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	CreateListing(ctx context.Context, listing *models.Listing) error
	CreateOffer(ctx context.Context, offer *models.Offer) error
	CreateOrder(ctx context.Context, order *models.Order) error
	CreateEscrow(ctx context.Context, escrow *models.Escrow) error
	CreateCollection(ctx context.Context, collection *models.Collection) error
	TransitionListing(ctx context.Context, id uuid.UUID, from, to models.ListingStatus) (bool, error)
	TransitionOffer(ctx context.Context, id uuid.UUID, from, to models.OfferStatus) (bool, error)
	TransitionOrder(ctx context.Context, id uuid.UUID, from, to models.OrderStatus, update OrderUpdate) (bool, error)
	TransitionEscrow(ctx context.Context, orderID uuid.UUID, from, to models.EscrowStatus, txHash string) (bool, error)
	CloseSiblingOffers(ctx context.Context, listingID uuid.UUID, except *uuid.UUID, to models.OfferStatus) (int64, error)
	RecomputeCollectionStats(ctx context.Context, collectionID uuid.UUID) (*models.Collection, error)
	AppendEvent(ctx context.Context, event *models.Event) error
}

// ListingFilter narrows listing queries. Browse restricts results to active,
// unexpired listings as of Now.
type ListingFilter struct {
	SellerID     *uuid.UUID
	Status       *models.ListingStatus
	CollectionID *uuid.UUID
	RarityTier   string
	MinPrice     *decimal.Decimal
	MaxPrice     *decimal.Decimal
	Browse       bool
	Now          time.Time
	SortByRarity bool
	RarityDesc   bool
}

// OfferFilter narrows offer queries. ByPrice orders the best offer first.
type OfferFilter struct {
	ListingID *uuid.UUID
	BuyerID   *uuid.UUID
	Status    *models.OfferStatus
	ByPrice   bool
}

// EventCursor marks a position in the audit trail. A zero AfterID includes
// every event recorded at At.
type EventCursor struct {
	At      time.Time
	AfterID uuid.UUID
}

// OrderFilter narrows order queries. Party matches either side of the trade.
type OrderFilter struct {
	BuyerID  *uuid.UUID
	SellerID *uuid.UUID
	Party    *uuid.UUID
	Status   *models.OrderStatus
}

// OrderUpdate carries the mutable order fields written alongside a status change.
type OrderUpdate struct {
	TransactionHash string
	CompletedAt     *time.Time
}

type queries struct {
	db *gorm.DB
}

func (q *queries) conn(ctx context.Context) *gorm.DB {
	return q.db.WithContext(ctx)
}

func (q *queries) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	var listing models.Listing
	if err := q.conn(ctx).First(&listing, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &listing, nil
}

// LockListing re-reads a listing inside the current transaction. Postgres
// holds a share lock on the row until commit so a concurrent claim waits;
// SQLite already serialises writers on its single connection.
func (q *queries) LockListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	tx := q.conn(ctx)
	if q.db.Dialector.Name() == "postgres" {
		tx = tx.Clauses(clause.Locking{Strength: "SHARE"})
	}
	var listing models.Listing
	if err := tx.First(&listing, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &listing, nil
}

func (q *queries) ActiveListingForNFT(ctx context.Context, nftID uuid.UUID) (*models.Listing, error) {
	var listing models.Listing
	err := q.conn(ctx).
		Where("nft_id = ? AND status = ?", nftID, models.ListingActive).
		First(&listing).Error
	if err != nil {
		return nil, translate(err)
	}
	return &listing, nil
}

func (q *queries) ListListings(ctx context.Context, filter ListingFilter, skip, limit int) ([]models.Listing, int64, error) {
	tx := q.conn(ctx).Model(&models.Listing{})
	if filter.Browse {
		tx = tx.Where("status = ?", models.ListingActive).
			Where("expires_at IS NULL OR expires_at > ?", utc(filter.Now))
	} else if filter.Status != nil {
		tx = tx.Where("status = ?", *filter.Status)
	}
	if filter.SellerID != nil {
		tx = tx.Where("seller_id = ?", *filter.SellerID)
	}
	if filter.CollectionID != nil {
		tx = tx.Where("collection_id = ?", *filter.CollectionID)
	}
	if filter.RarityTier != "" {
		tx = tx.Where("LOWER(rarity_tier) = LOWER(?)", filter.RarityTier)
	}
	if filter.MinPrice != nil {
		tx = tx.Where("price >= ?", *filter.MinPrice)
	}
	if filter.MaxPrice != nil {
		tx = tx.Where("price <= ?", *filter.MaxPrice)
	}
	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if filter.SortByRarity {
		if filter.RarityDesc {
			tx = tx.Order("rarity_score DESC")
		} else {
			tx = tx.Order("rarity_score ASC")
		}
	}
	var listings []models.Listing
	err := tx.Order("created_at DESC").Order("id DESC").
		Offset(skip).Limit(limit).
		Find(&listings).Error
	if err != nil {
		return nil, 0, err
	}
	return listings, total, nil
}

func (q *queries) GetOffer(ctx context.Context, id uuid.UUID) (*models.Offer, error) {
	var offer models.Offer
	if err := q.conn(ctx).First(&offer, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &offer, nil
}

func (q *queries) HasPendingOffer(ctx context.Context, listingID, buyerID uuid.UUID) (bool, error) {
	var count int64
	err := q.conn(ctx).Model(&models.Offer{}).
		Where("listing_id = ? AND buyer_id = ? AND status = ?", listingID, buyerID, models.OfferPending).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (q *queries) ListOffers(ctx context.Context, filter OfferFilter, skip, limit int) ([]models.Offer, int64, error) {
	tx := q.conn(ctx).Model(&models.Offer{})
	if filter.ListingID != nil {
		tx = tx.Where("listing_id = ?", *filter.ListingID)
	}
	if filter.BuyerID != nil {
		tx = tx.Where("buyer_id = ?", *filter.BuyerID)
	}
	if filter.Status != nil {
		tx = tx.Where("status = ?", *filter.Status)
	}
	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if filter.ByPrice {
		tx = tx.Order("offer_price DESC").Order("created_at ASC").Order("id ASC")
	} else {
		tx = tx.Order("created_at DESC").Order("id DESC")
	}
	var offers []models.Offer
	if err := tx.Offset(skip).Limit(limit).Find(&offers).Error; err != nil {
		return nil, 0, err
	}
	return offers, total, nil
}

func (q *queries) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := q.conn(ctx).First(&order, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

func (q *queries) ListOrders(ctx context.Context, filter OrderFilter, skip, limit int) ([]models.Order, int64, error) {
	tx := q.conn(ctx).Model(&models.Order{})
	if filter.BuyerID != nil {
		tx = tx.Where("buyer_id = ?", *filter.BuyerID)
	}
	if filter.SellerID != nil {
		tx = tx.Where("seller_id = ?", *filter.SellerID)
	}
	if filter.Party != nil {
		tx = tx.Where("buyer_id = ? OR seller_id = ?", *filter.Party, *filter.Party)
	}
	if filter.Status != nil {
		tx = tx.Where("status = ?", *filter.Status)
	}
	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var orders []models.Order
	err := tx.Order("created_at DESC").Order("id DESC").
		Offset(skip).Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (q *queries) LastCompletedSale(ctx context.Context, nftID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := q.conn(ctx).
		Where("nft_id = ? AND status = ?", nftID, models.OrderCompleted).
		Order("completed_at DESC").Order("id DESC").
		First(&order).Error
	if err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

func (q *queries) CompletedOrders(ctx context.Context, start, end time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := q.conn(ctx).
		Where("status = ? AND completed_at >= ? AND completed_at < ?", models.OrderCompleted, utc(start), utc(end)).
		Order("completed_at ASC").Order("id ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (q *queries) EscrowForOrder(ctx context.Context, orderID uuid.UUID) (*models.Escrow, error) {
	var escrow models.Escrow
	if err := q.conn(ctx).First(&escrow, "order_id = ?", orderID).Error; err != nil {
		return nil, translate(err)
	}
	return &escrow, nil
}

func (q *queries) GetCollection(ctx context.Context, id uuid.UUID) (*models.Collection, error) {
	var collection models.Collection
	if err := q.conn(ctx).First(&collection, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &collection, nil
}

func (q *queries) DueListings(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := q.conn(ctx).Model(&models.Listing{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", models.ListingActive, utc(now)).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (q *queries) DueOffers(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := q.conn(ctx).Model(&models.Offer{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", models.OfferPending, utc(now)).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (q *queries) ListEvents(ctx context.Context, entity string, entityID uuid.UUID) ([]models.Event, error) {
	var events []models.Event
	err := q.conn(ctx).
		Where("entity = ? AND entity_id = ?", entity, entityID).
		Order("created_at ASC").
		Find(&events).Error
	return events, err
}

// EventsAfter returns events ordered by (created_at, id) that sort after
// cursor, oldest first.
func (q *queries) EventsAfter(ctx context.Context, cursor EventCursor, limit int) ([]models.Event, error) {
	at := cursor.At.UTC()
	var events []models.Event
	err := q.conn(ctx).
		Where("created_at > ? OR (created_at = ? AND id > ?)", at, at, cursor.AfterID).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (q *queries) CreateListing(ctx context.Context, listing *models.Listing) error {
	return translate(q.conn(ctx).Create(listing).Error)
}

func (q *queries) CreateOffer(ctx context.Context, offer *models.Offer) error {
	return translate(q.conn(ctx).Create(offer).Error)
}

func (q *queries) CreateOrder(ctx context.Context, order *models.Order) error {
	return translate(q.conn(ctx).Create(order).Error)
}

func (q *queries) CreateEscrow(ctx context.Context, escrow *models.Escrow) error {
	return translate(q.conn(ctx).Create(escrow).Error)
}

func (q *queries) CreateCollection(ctx context.Context, collection *models.Collection) error {
	return translate(q.conn(ctx).Create(collection).Error)
}

// TransitionListing moves a listing from one status to another only if it is
// still in the expected status. It reports whether the row was updated.
func (q *queries) TransitionListing(ctx context.Context, id uuid.UUID, from, to models.ListingStatus) (bool, error) {
	res := q.conn(ctx).Model(&models.Listing{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (q *queries) TransitionOffer(ctx context.Context, id uuid.UUID, from, to models.OfferStatus) (bool, error) {
	res := q.conn(ctx).Model(&models.Offer{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (q *queries) TransitionOrder(ctx context.Context, id uuid.UUID, from, to models.OrderStatus, update OrderUpdate) (bool, error) {
	fields := map[string]any{"status": to, "updated_at": time.Now().UTC()}
	if update.TransactionHash != "" {
		fields["transaction_hash"] = update.TransactionHash
	}
	if update.CompletedAt != nil {
		fields["completed_at"] = utc(*update.CompletedAt)
	}
	res := q.conn(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (q *queries) TransitionEscrow(ctx context.Context, orderID uuid.UUID, from, to models.EscrowStatus, txHash string) (bool, error) {
	fields := map[string]any{"status": to, "updated_at": time.Now().UTC()}
	if txHash != "" {
		fields["tx_hash"] = txHash
	}
	res := q.conn(ctx).Model(&models.Escrow{}).
		Where("order_id = ? AND status = ?", orderID, from).
		Updates(fields)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CloseSiblingOffers moves every pending offer on the listing, other than
// except, into the terminal status to.
func (q *queries) CloseSiblingOffers(ctx context.Context, listingID uuid.UUID, except *uuid.UUID, to models.OfferStatus) (int64, error) {
	tx := q.conn(ctx).Model(&models.Offer{}).
		Where("listing_id = ? AND status = ?", listingID, models.OfferPending)
	if except != nil {
		tx = tx.Where("id <> ?", *except)
	}
	res := tx.Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return 0, translate(res.Error)
	}
	return res.RowsAffected, nil
}

// RecomputeCollectionStats rebuilds floor, average, ceiling, volume and sales
// from the collection's completed orders.
func (q *queries) RecomputeCollectionStats(ctx context.Context, collectionID uuid.UUID) (*models.Collection, error) {
	collection, err := q.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	var orders []models.Order
	err = q.conn(ctx).Select("amount").
		Where("collection_id = ? AND status = ?", collectionID, models.OrderCompleted).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	volume := decimal.Zero
	var floor, ceiling *decimal.Decimal
	for i := range orders {
		amount := orders[i].Amount
		volume = volume.Add(amount)
		if floor == nil || amount.LessThan(*floor) {
			v := amount
			floor = &v
		}
		if ceiling == nil || amount.GreaterThan(*ceiling) {
			v := amount
			ceiling = &v
		}
	}
	var average *decimal.Decimal
	if len(orders) > 0 {
		v := volume.Div(decimal.NewFromInt(int64(len(orders)))).Round(2)
		average = &v
	}
	collection.FloorPrice = floor
	collection.CeilingPrice = ceiling
	collection.AveragePrice = average
	collection.TotalVolume = volume
	collection.TotalSales = int64(len(orders))
	err = q.conn(ctx).Model(&models.Collection{}).
		Where("id = ?", collectionID).
		Updates(map[string]any{
			"floor_price":   floor,
			"average_price": average,
			"ceiling_price": ceiling,
			"total_volume":  volume,
			"total_sales":   collection.TotalSales,
			"updated_at":    time.Now().UTC(),
		}).Error
	if err != nil {
		return nil, err
	}
	return collection, nil
}

func (q *queries) AppendEvent(ctx context.Context, event *models.Event) error {
	if event == nil {
		return errors.New("store: nil event")
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return translate(q.conn(ctx).Create(event).Error)
}
