package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"nftmarket/services/marketd/models"
)

var (
	// ErrNotFound is returned when a requested ledger row does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrDuplicate is returned when a write violates a uniqueness constraint.
	ErrDuplicate = errors.New("store: duplicate record")
	// ErrDriverUnsupported is returned for unknown database drivers.
	ErrDriverUnsupported = errors.New("store: unsupported driver")
)

// Config selects and tunes the backing database.
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	Debug        bool
}

// Store is the gorm-backed ledger for listings, offers, orders, escrows and collections.
type Store struct {
	queries
}

type txKey struct{}

// Open connects to the configured database and applies the schema.
func Open(cfg Config) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite":
		driver = "sqlite"
		dsn, err := FileDSN(cfg.DSN)
		if err != nil {
			return nil, err
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrDriverUnsupported, cfg.Driver)
	}

	gormLogger := logger.Default.LogMode(logger.Silent)
	if cfg.Debug {
		gormLogger = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true, Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	// SQLite allows a single writer; one connection keeps writers from
	// tripping over SQLITE_BUSY mid-transaction.
	if driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := models.AutoMigrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return New(db), nil
}

// New wraps an already configured gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{queries: queries{db: db}}
}

// DB exposes the underlying handle for collaborators that share the database.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTransaction runs fn inside a single database transaction. The
// transaction handle is carried in the context passed to fn so collaborators
// sharing the database join it; returning an error rolls everything back.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Writer) error) error {
	base := s.db
	if existing, ok := txFromContext(ctx); ok {
		base = existing
	}
	return base.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, txKey{}, tx)
		return fn(txCtx, &queries{db: tx})
	})
}

// Conn returns the transaction bound to ctx, or fallback when none is active.
func Conn(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if tx, ok := txFromContext(ctx); ok {
		return tx.WithContext(ctx)
	}
	return fallback.WithContext(ctx)
}

func txFromContext(ctx context.Context) (*gorm.DB, bool) {
	tx, ok := ctx.Value(txKey{}).(*gorm.DB)
	return tx, ok && tx != nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key") {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func utc(t time.Time) time.Time {
	return t.UTC()
}
