// Package registry provides the default collaborator directories backed by the
// marketplace database. Every query joins the ledger transaction carried in the
// context, so NFT transfers commit or roll back together with the settlement.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nftmarket/services/marketd/market"
	"nftmarket/services/marketd/models"
	"nftmarket/services/marketd/store"
)

// Registry implements market.NFTRegistry, market.WalletDirectory and
// market.UserDirectory on top of the nfts, wallets and users tables.
type Registry struct {
	db *gorm.DB
}

// New constructs a registry over db.
func New(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

var (
	_ market.NFTRegistry     = (*Registry)(nil)
	_ market.WalletDirectory = (*Registry)(nil)
	_ market.UserDirectory   = (*Registry)(nil)
)

// GetNFT loads an NFT by id.
func (r *Registry) GetNFT(ctx context.Context, id uuid.UUID) (*market.NFT, error) {
	var nft models.NFT
	if err := store.Conn(ctx, r.db).First(&nft, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: nft %s", market.ErrNotFound, id)
		}
		return nil, fmt.Errorf("load nft: %w", err)
	}
	return &market.NFT{
		ID:           nft.ID,
		OwnerAddress: nft.OwnerAddress,
		CollectionID: nft.CollectionID,
		RarityTier:   nft.RarityTier,
		RarityScore:  nft.RarityScore,
		Locked:       nft.IsLocked,
		Status:       nft.Status,
	}, nil
}

// TransferOwnership reassigns the NFT to address.
func (r *Registry) TransferOwnership(ctx context.Context, id uuid.UUID, toAddress string) error {
	address := strings.TrimSpace(toAddress)
	if address == "" {
		return fmt.Errorf("%w: destination address is required", market.ErrInvalidInput)
	}
	res := store.Conn(ctx, r.db).Model(&models.NFT{}).
		Where("id = ?", id).
		Updates(map[string]any{"owner_address": address, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("transfer nft: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: nft %s", market.ErrNotFound, id)
	}
	return nil
}

// SetStatus records the NFT's lifecycle status.
func (r *Registry) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	res := store.Conn(ctx, r.db).Model(&models.NFT{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("set nft status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: nft %s", market.ErrNotFound, id)
	}
	return nil
}

// OwnsAddress reports whether address is linked to the user. Addresses are
// compared case-insensitively.
func (r *Registry) OwnsAddress(ctx context.Context, userID uuid.UUID, address string) (bool, error) {
	var count int64
	err := store.Conn(ctx, r.db).Model(&models.Wallet{}).
		Where("user_id = ? AND LOWER(address) = LOWER(?)", userID, strings.TrimSpace(address)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("lookup wallet: %w", err)
	}
	return count > 0, nil
}

// GetUser loads a user's role and verification flag.
func (r *Registry) GetUser(ctx context.Context, id uuid.UUID) (*market.User, error) {
	var user models.User
	if err := store.Conn(ctx, r.db).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: user %s", market.ErrNotFound, id)
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &market.User{ID: user.ID, Role: user.Role, Verified: user.Verified}, nil
}

// SyncUser records the user with the role asserted by its credentials,
// creating the row on first sight and updating the role afterwards.
func (r *Registry) SyncUser(ctx context.Context, id uuid.UUID, role string) error {
	if role == "" {
		role = models.RoleUser
	}
	now := time.Now().UTC()
	user := models.User{ID: id, Role: role, CreatedAt: now, UpdatedAt: now}
	err := store.Conn(ctx, r.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "updated_at"}),
	}).Create(&user).Error
	if err != nil {
		return fmt.Errorf("sync user: %w", err)
	}
	return nil
}

// LinkWallet associates address with the user.
func (r *Registry) LinkWallet(ctx context.Context, userID uuid.UUID, address, blockchain string) error {
	wallet := models.Wallet{
		ID:         uuid.New(),
		UserID:     userID,
		Address:    strings.TrimSpace(address),
		Blockchain: strings.ToLower(strings.TrimSpace(blockchain)),
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.Conn(ctx, r.db).Create(&wallet).Error; err != nil {
		return fmt.Errorf("link wallet: %w", err)
	}
	return nil
}

// RegisterNFT inserts an NFT record, mostly for seeding and tests.
func (r *Registry) RegisterNFT(ctx context.Context, nft *models.NFT) error {
	if nft.ID == uuid.Nil {
		nft.ID = uuid.New()
	}
	if nft.Status == "" {
		nft.Status = models.NFTMinted
	}
	if err := store.Conn(ctx, r.db).Create(nft).Error; err != nil {
		return fmt.Errorf("register nft: %w", err)
	}
	return nil
}
