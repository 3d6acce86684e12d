package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"nftmarket/observability"
	"nftmarket/services/marketd/models"
	"nftmarket/services/marketd/store"
)

// Defaults applied when the corresponding Config field is unset.
var (
	DefaultCommissionRate = decimal.RequireFromString("0.02")
	DefaultMaxPrice       = decimal.NewFromInt(1_000_000)
)

const (
	defaultCurrency        = "TON"
	defaultTransferTimeout = 10 * time.Second
)

// Config carries the marketplace policy knobs.
type Config struct {
	// CommissionRate is the platform's cut of each sale; an explicit zero is
	// honoured, only an invalid (unset) value falls back to the default.
	CommissionRate  decimal.NullDecimal
	MaxPrice        decimal.Decimal
	DefaultCurrency string
	Escrow          bool
	TransferTimeout time.Duration
}

// Service is the single entry point for every listing, offer and settlement
// operation. Each mutation opens its own ledger transaction.
type Service struct {
	cfg     Config
	ledger  Ledger
	nfts    NFTRegistry
	wallets WalletDirectory
	users   UserDirectory
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option customises the service.
type Option func(*Service)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the wall clock, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics records business outcomes on m.
func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// New constructs a marketplace service.
func New(cfg Config, ledger Ledger, nfts NFTRegistry, wallets WalletDirectory, users UserDirectory, opts ...Option) (*Service, error) {
	if ledger == nil {
		return nil, errors.New("market: ledger required")
	}
	if nfts == nil || wallets == nil || users == nil {
		return nil, errors.New("market: registry, wallet and user directories required")
	}
	if !cfg.CommissionRate.Valid {
		cfg.CommissionRate = decimal.NewNullDecimal(DefaultCommissionRate)
	}
	if rate := cfg.CommissionRate.Decimal; rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("market: commission rate %s out of range", rate)
	}
	if cfg.MaxPrice.IsZero() {
		cfg.MaxPrice = DefaultMaxPrice
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = defaultTransferTimeout
	}
	cfg.DefaultCurrency = strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency))
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = defaultCurrency
	}
	s := &Service{
		cfg:     cfg,
		ledger:  ledger,
		nfts:    nfts,
		wallets: wallets,
		users:   users,
		metrics: noopMetrics{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the effective configuration after defaults.
func (s *Service) Config() Config {
	return s.cfg
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) hasRole(ctx context.Context, userID uuid.UUID, roles ...string) (bool, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("lookup user: %w", err)
	}
	for _, role := range roles {
		if strings.EqualFold(user.Role, role) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) checkWallet(ctx context.Context, userID uuid.UUID, address string) error {
	owns, err := s.wallets.OwnsAddress(ctx, userID, address)
	if err != nil {
		return fmt.Errorf("lookup wallet: %w", err)
	}
	if !owns {
		return fmt.Errorf("%w: address is not linked to caller", ErrNotOwner)
	}
	return nil
}

func (s *Service) normalizeCurrency(raw string) string {
	currency := strings.ToUpper(strings.TrimSpace(raw))
	if currency == "" {
		return s.cfg.DefaultCurrency
	}
	return currency
}

// validatePrice enforces positive, bounded prices with at most two decimals.
func (s *Service) validatePrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidPrice)
	}
	if price.GreaterThan(s.cfg.MaxPrice) {
		return fmt.Errorf("%w: must not exceed %s", ErrInvalidPrice, s.cfg.MaxPrice.StringFixed(2))
	}
	if !price.Equal(price.Truncate(2)) {
		return fmt.Errorf("%w: at most two decimal places", ErrInvalidPrice)
	}
	return nil
}

func expired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && !expiresAt.After(now)
}

// notFound converts a ledger miss into the market category.
func notFound(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}

func (s *Service) appendEvent(ctx context.Context, tx store.Writer, entity string, entityID, actorID uuid.UUID, action string, details map[string]any) error {
	payload := ""
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode event details: %w", err)
		}
		payload = string(raw)
	}
	event := &models.Event{
		ID:        uuid.New(),
		Entity:    entity,
		EntityID:  entityID,
		ActorID:   actorID,
		Action:    action,
		Details:   payload,
		CreatedAt: s.clock(),
	}
	if err := tx.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	observability.Events().RecordAudit(entity, action)
	return nil
}
