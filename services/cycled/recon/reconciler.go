// Package recon exports settled receipts for offline reconciliation and flags
// cycles whose records disagree.
package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"cycleswap/services/cycled/models"
	"cycleswap/services/cycled/store"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyLegOutcomeMismatch = "leg_outcome_mismatch"
	AnomalyOverdueDeposit     = "overdue_deposit"
	AnomalyUnsignedReceipt    = "unsigned_receipt"
)

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies of a Reconciler.
type Config struct {
	Store         store.Transactor
	OutputDir     string
	DryRun        bool
	RequireSigned bool
	Alert         AlertFunc
	Logger        *slog.Logger
}

// RunOptions bounds a reconciliation window. Receipts created in
// [Start, End) are exported.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Anomaly is a record requiring operator review.
type Anomaly struct {
	Type    string
	CycleID string
	Details string
}

// Result summarises a reconciliation run.
type Result struct {
	Start       time.Time
	End         time.Time
	Receipts    []models.Receipt
	Anomalies   []Anomaly
	Completed   int
	Failed      int
	CSVPath     string
	ParquetPath string
}

// Reconciler materialises receipt reports.
type Reconciler struct {
	store         store.Transactor
	outputDir     string
	dryRun        bool
	requireSigned bool
	alert         AlertFunc
	logger        *slog.Logger
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("cycled-data", "recon")
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(context.Context, Anomaly) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:         cfg.Store,
		outputDir:     outputDir,
		dryRun:        cfg.DryRun,
		requireSigned: cfg.RequireSigned,
		alert:         alert,
		logger:        logger,
	}, nil
}

// Run executes reconciliation for the supplied window.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := opts.Start.UTC()
	end := opts.End.UTC()
	if end.Before(start) {
		return nil, fmt.Errorf("recon: end before start")
	}
	res := &Result{Start: start, End: end}

	var pending []models.Timeline
	err := r.store.View(ctx, func(tx *store.Tx) error {
		all, err := tx.ListReceipts()
		if err != nil {
			return err
		}
		for _, receipt := range all {
			created := receipt.CreatedAt.UTC()
			if created.Before(start) || !created.Before(end) {
				continue
			}
			res.Receipts = append(res.Receipts, receipt)
		}
		pending, err = tx.ListTimelinesInState(models.SettlementEscrowPending)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("recon: load receipts: %w", err)
	}

	for _, receipt := range res.Receipts {
		switch receipt.FinalState {
		case models.SettlementCompleted:
			res.Completed++
		case models.SettlementFailed:
			res.Failed++
		}
		res.Anomalies = append(res.Anomalies, r.checkReceipt(receipt)...)
	}
	for _, tl := range pending {
		if end.After(tl.DepositDeadline) {
			res.Anomalies = append(res.Anomalies, Anomaly{
				Type:    AnomalyOverdueDeposit,
				CycleID: tl.CycleID,
				Details: "deposit deadline " + tl.DepositDeadline.UTC().Format(time.RFC3339) + " passed without expiry",
			})
		}
	}
	for _, anomaly := range res.Anomalies {
		if err := r.alert(ctx, anomaly); err != nil {
			r.logger.Warn("recon alert failed",
				slog.String("type", anomaly.Type),
				slog.String("cycle_id", anomaly.CycleID),
				slog.Any("error", err))
		}
	}

	if r.dryRun || opts.DryRun || len(res.Receipts) == 0 {
		return res, nil
	}
	runDir := filepath.Join(r.outputDir, end.Format("2006-01-02"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: create output dir: %w", err)
	}
	res.CSVPath = filepath.Join(runDir, "receipts.csv")
	if err := writeCSV(res.CSVPath, res.Receipts); err != nil {
		return nil, err
	}
	res.ParquetPath = filepath.Join(runDir, "receipts.parquet")
	if err := writeParquet(res.ParquetPath, res.Receipts); err != nil {
		return nil, err
	}
	r.logger.Info("recon report written",
		slog.String("csv", res.CSVPath),
		slog.String("parquet", res.ParquetPath),
		slog.Int("receipts", len(res.Receipts)),
		slog.Int("anomalies", len(res.Anomalies)))
	return res, nil
}

func (r *Reconciler) checkReceipt(receipt models.Receipt) []Anomaly {
	var out []Anomaly
	want := models.LegReleased
	if receipt.FinalState == models.SettlementFailed {
		want = models.LegRefunded
	}
	for _, leg := range receipt.LegOutcomes {
		if leg.Status != want {
			out = append(out, Anomaly{
				Type:    AnomalyLegOutcomeMismatch,
				CycleID: receipt.CycleID,
				Details: fmt.Sprintf("leg %s is %s on a %s receipt", leg.LegID, leg.Status, receipt.FinalState),
			})
		}
	}
	if r.requireSigned && receipt.Signature == "" {
		out = append(out, Anomaly{Type: AnomalyUnsignedReceipt, CycleID: receipt.CycleID})
	}
	return out
}

var csvHeader = []string{
	"receipt_id", "cycle_id", "final_state", "reason_code", "intent_ids",
	"asset_ids", "legs", "score_micros", "value_spread", "signed", "created_at",
}

func writeCSV(path string, receipts []models.Receipt) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, receipt := range receipts {
		record := []string{
			receipt.ID,
			receipt.CycleID,
			string(receipt.FinalState),
			receipt.ReasonCode,
			strings.Join(receipt.IntentIDs, ";"),
			strings.Join(receipt.AssetIDs, ";"),
			strconv.Itoa(len(receipt.LegOutcomes)),
			strconv.FormatInt(receipt.ScoreMicros, 10),
			strconv.FormatFloat(receipt.ValueSpread, 'f', 4, 64),
			strconv.FormatBool(receipt.Signature != ""),
			receipt.CreatedAt.UTC().Format(time.RFC3339),
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

type parquetRow struct {
	ReceiptID   string  `parquet:"name=receipt_id, type=UTF8"`
	CycleID     string  `parquet:"name=cycle_id, type=UTF8"`
	FinalState  string  `parquet:"name=final_state, type=UTF8"`
	ReasonCode  string  `parquet:"name=reason_code, type=UTF8"`
	IntentIDs   string  `parquet:"name=intent_ids, type=UTF8"`
	AssetIDs    string  `parquet:"name=asset_ids, type=UTF8"`
	Legs        int32   `parquet:"name=legs, type=INT32"`
	ScoreMicros int64   `parquet:"name=score_micros, type=INT64"`
	ValueSpread float64 `parquet:"name=value_spread, type=DOUBLE"`
	Signed      bool    `parquet:"name=signed, type=BOOLEAN"`
	CreatedAt   string  `parquet:"name=created_at, type=UTF8"`
}

func writeParquet(path string, receipts []models.Receipt) error {
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
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, receipt := range receipts {
		row := &parquetRow{
			ReceiptID:   receipt.ID,
			CycleID:     receipt.CycleID,
			FinalState:  string(receipt.FinalState),
			ReasonCode:  receipt.ReasonCode,
			IntentIDs:   strings.Join(receipt.IntentIDs, ";"),
			AssetIDs:    strings.Join(receipt.AssetIDs, ";"),
			Legs:        int32(len(receipt.LegOutcomes)),
			ScoreMicros: receipt.ScoreMicros,
			ValueSpread: receipt.ValueSpread,
			Signed:      receipt.Signature != "",
			CreatedAt:   receipt.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
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
