// Package recon materialises daily sales reports from completed orders and
// flags orders whose bookkeeping does not add up.
package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"nftmarket/services/marketd/models"
	"nftmarket/services/marketd/store"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyFeeMismatch   = "fee_mismatch"
	AnomalyMissingTxHash = "missing_tx_hash"
)

const uncategorized = "uncategorized"

// Ledger is the read surface the reconciler depends on.
type Ledger interface {
	CompletedOrders(ctx context.Context, start, end time.Time) ([]models.Order, error)
	GetCollection(ctx context.Context, id uuid.UUID) (*models.Collection, error)
}

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Ledger    Ledger
	OutputDir string
	DryRun    bool
	TZ        *time.Location
	Alert     AlertFunc
	Logger    *slog.Logger
}

// RunOptions selects the window of completion times to report on.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Reconciler writes per collection and currency sales reports.
type Reconciler struct {
	ledger    Ledger
	outputDir string
	dryRun    bool
	tz        *time.Location
	alert     AlertFunc
	logger    *slog.Logger
}

// Anomaly is an order requiring operator review.
type Anomaly struct {
	Type    string
	OrderID uuid.UUID
	Details string
}

// ReportRow summarises one completed order.
type ReportRow struct {
	OrderID         uuid.UUID
	CollectionID    *uuid.UUID
	CollectionName  string
	NFTID           uuid.UUID
	BuyerID         uuid.UUID
	SellerID        uuid.UUID
	Currency        string
	Amount          decimal.Decimal
	PlatformFee     decimal.Decimal
	Royalty         decimal.Decimal
	SellerProceeds  decimal.Decimal
	TransactionHash string
	CompletedAt     time.Time
	FeeMismatch     bool
	MissingTxHash   bool
}

// ReportFile references the CSV and Parquet artefacts of one group.
type ReportFile struct {
	CollectionName string
	Currency       string
	CSVPath        string
	ParquetPath    string
	Count          int
}

// Result summarises a reconciliation run.
type Result struct {
	Start     time.Time
	End       time.Time
	Rows      []*ReportRow
	Files     []ReportFile
	Anomalies []Anomaly
	Volume    map[string]decimal.Decimal
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("recon: ledger is required")
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = "recon"
	}
	if cfg.TZ == nil {
		cfg.TZ = time.UTC
	}
	if cfg.Alert == nil {
		cfg.Alert = func(context.Context, Anomaly) error { return nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		ledger:    cfg.Ledger,
		outputDir: outputDir,
		dryRun:    cfg.DryRun,
		tz:        cfg.TZ,
		alert:     cfg.Alert,
		logger:    cfg.Logger,
	}, nil
}

// Run reports on orders completed in [Start, End).
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := opts.Start.In(r.tz)
	end := opts.End.In(r.tz)
	if !end.After(start) {
		return nil, errors.New("recon: end must be after start")
	}
	orders, err := r.ledger.CompletedOrders(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("recon: load orders: %w", err)
	}

	names := map[uuid.UUID]string{}
	rows := make([]*ReportRow, 0, len(orders))
	anomalies := make([]Anomaly, 0)
	volume := map[string]decimal.Decimal{}
	for _, order := range orders {
		row := &ReportRow{
			OrderID:         order.ID,
			CollectionID:    order.CollectionID,
			CollectionName:  uncategorized,
			NFTID:           order.NFTID,
			BuyerID:         order.BuyerID,
			SellerID:        order.SellerID,
			Currency:        strings.ToUpper(order.Currency),
			Amount:          order.Amount,
			PlatformFee:     order.PlatformFee,
			Royalty:         order.RoyaltyAmount,
			SellerProceeds:  order.SellerProceeds,
			TransactionHash: strings.TrimSpace(order.TransactionHash),
		}
		if order.CompletedAt != nil {
			row.CompletedAt = order.CompletedAt.In(r.tz)
		}
		if order.CollectionID != nil {
			name, err := r.collectionName(ctx, names, *order.CollectionID)
			if err != nil {
				return nil, err
			}
			row.CollectionName = name
		}

		parts := row.PlatformFee.Add(row.Royalty).Add(row.SellerProceeds)
		if !parts.Equal(row.Amount) {
			row.FeeMismatch = true
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyFeeMismatch,
				OrderID: order.ID,
				Details: fmt.Sprintf("fees %s + royalty %s + proceeds %s != amount %s", row.PlatformFee, row.Royalty, row.SellerProceeds, row.Amount),
			}))
		}
		if row.TransactionHash == "" {
			row.MissingTxHash = true
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyMissingTxHash,
				OrderID: order.ID,
				Details: "completed order has no transaction hash",
			}))
		}
		volume[row.Currency] = volume[row.Currency].Add(row.Amount)
		rows = append(rows, row)
	}

	files := make([]ReportFile, 0)
	if !r.dryRun && !opts.DryRun && len(rows) > 0 {
		runDir := filepath.Join(r.outputDir, end.Format("2006-01-02"))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("recon: ensure output dir: %w", err)
		}
		grouped := groupRows(rows)
		keys := make([]string, 0, len(grouped))
		for key := range grouped {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			file, err := r.writeReportFiles(runDir, grouped[key])
			if err != nil {
				return nil, err
			}
			files = append(files, file)
		}
	}

	r.logger.InfoContext(ctx, "recon run complete",
		"start", start,
		"end", end,
		"orders", len(rows),
		"anomalies", len(anomalies),
		"files", len(files),
	)
	return &Result{Start: start, End: end, Rows: rows, Files: files, Anomalies: anomalies, Volume: volume}, nil
}

func (r *Reconciler) collectionName(ctx context.Context, cache map[uuid.UUID]string, id uuid.UUID) (string, error) {
	if name, ok := cache[id]; ok {
		return name, nil
	}
	name := id.String()
	collection, err := r.ledger.GetCollection(ctx, id)
	switch {
	case err == nil:
		name = collection.Name
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("recon: load collection: %w", err)
	}
	cache[id] = name
	return name, nil
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	if err := r.alert(ctx, anomaly); err != nil {
		r.logger.WarnContext(ctx, "recon alert delivery failed", "error", err)
	}
	return anomaly
}

func groupRows(rows []*ReportRow) map[string][]*ReportRow {
	grouped := make(map[string][]*ReportRow)
	for _, row := range rows {
		collection := uncategorized
		if row.CollectionID != nil {
			collection = row.CollectionID.String()
		}
		key := collection + "|" + row.Currency
		grouped[key] = append(grouped[key], row)
	}
	return grouped
}

func (r *Reconciler) writeReportFiles(baseDir string, rows []*ReportRow) (ReportFile, error) {
	slug := slugify(rows[0].CollectionName)
	if slug == "" && rows[0].CollectionID != nil {
		slug = rows[0].CollectionID.String()
	}
	if slug == "" {
		slug = uncategorized
	}
	filename := fmt.Sprintf("%s_%s", slug, rows[0].Currency)
	csvPath := filepath.Join(baseDir, filename+".csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return ReportFile{}, err
	}
	parquetPath := filepath.Join(baseDir, filename+".parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return ReportFile{}, err
	}
	r.logger.Info("recon report written", "csv", csvPath, "parquet", parquetPath, "rows", len(rows))
	return ReportFile{
		CollectionName: rows[0].CollectionName,
		Currency:       rows[0].Currency,
		CSVPath:        csvPath,
		ParquetPath:    parquetPath,
		Count:          len(rows),
	}, nil
}

var csvHeader = []string{
	"order_id", "collection_id", "collection_name", "nft_id", "buyer_id", "seller_id", "currency",
	"amount", "platform_fee", "royalty", "seller_proceeds", "transaction_hash", "completed_at",
	"fee_mismatch", "missing_tx_hash",
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.OrderID.String(),
			optionalID(row.CollectionID),
			row.CollectionName,
			row.NFTID.String(),
			row.BuyerID.String(),
			row.SellerID.String(),
			row.Currency,
			row.Amount.StringFixed(2),
			row.PlatformFee.StringFixed(2),
			row.Royalty.StringFixed(2),
			row.SellerProceeds.StringFixed(2),
			row.TransactionHash,
			formatTime(row.CompletedAt),
			boolString(row.FeeMismatch),
			boolString(row.MissingTxHash),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

// Money columns are written as fixed two-decimal strings so the report keeps
// the exact ledger values.
type parquetRow struct {
	OrderID         string `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	CollectionID    string `parquet:"name=collection_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	CollectionName  string `parquet:"name=collection_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	NFTID           string `parquet:"name=nft_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	BuyerID         string `parquet:"name=buyer_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	SellerID        string `parquet:"name=seller_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Currency        string `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount          string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	PlatformFee     string `parquet:"name=platform_fee, type=BYTE_ARRAY, convertedtype=UTF8"`
	Royalty         string `parquet:"name=royalty, type=BYTE_ARRAY, convertedtype=UTF8"`
	SellerProceeds  string `parquet:"name=seller_proceeds, type=BYTE_ARRAY, convertedtype=UTF8"`
	TransactionHash string `parquet:"name=transaction_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	CompletedAt     string `parquet:"name=completed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	FeeMismatch     bool   `parquet:"name=fee_mismatch, type=BOOLEAN"`
	MissingTxHash   bool   `parquet:"name=missing_tx_hash, type=BOOLEAN"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		pr := &parquetRow{
			OrderID:         row.OrderID.String(),
			CollectionID:    optionalID(row.CollectionID),
			CollectionName:  row.CollectionName,
			NFTID:           row.NFTID.String(),
			BuyerID:         row.BuyerID.String(),
			SellerID:        row.SellerID.String(),
			Currency:        row.Currency,
			Amount:          row.Amount.StringFixed(2),
			PlatformFee:     row.PlatformFee.StringFixed(2),
			Royalty:         row.Royalty.StringFixed(2),
			SellerProceeds:  row.SellerProceeds.StringFixed(2),
			TransactionHash: row.TransactionHash,
			CompletedAt:     formatTime(row.CompletedAt),
			FeeMismatch:     row.FeeMismatch,
			MissingTxHash:   row.MissingTxHash,
		}
		if err := pw.Write(pr); err != nil {
			_ = pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func optionalID(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func slugify(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	cleaned := make([]rune, 0, len(trimmed))
	for _, r := range trimmed {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_':
			cleaned = append(cleaned, r)
		case r == ' ' || r == '-' || r == '/' || r == ':':
			cleaned = append(cleaned, '-')
		}
	}
	return strings.Trim(string(cleaned), "-")
}
