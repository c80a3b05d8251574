package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"rebalancer/internal/core"
	apperrors "rebalancer/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore is the durable RunStore. Records live in a single table keyed
// by (pk, sk): RUN#{run_id}/METADATA for run records, RUN#{run_id}/TRADE#{id}
// for trades. Conditional writes are expressed as guarded UPDATEs checked via
// RowsAffected inside one transaction, so counter updates are atomic with the
// trade transition they account for.
type SQLiteStore struct {
	db     *sql.DB
	ttl    time.Duration
	logger core.ILogger
}

var _ core.RunStore = (*SQLiteStore)(nil)

const runSchema = `
CREATE TABLE IF NOT EXISTS run_items (
	pk         TEXT NOT NULL,
	sk         TEXT NOT NULL,
	status     TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (pk, sk)
);
CREATE INDEX IF NOT EXISTS idx_run_items_status ON run_items(sk, status, updated_at);
`

// NewSQLiteStore opens (creating if needed) the run database at path. WAL
// mode keeps readers off the writer's lock; busy_timeout covers short
// write contention instead of surfacing SQLITE_BUSY.
func NewSQLiteStore(path string, runTTL time.Duration, logger core.ILogger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	if _, err := db.Exec(runSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init run schema: %w", err)
	}
	if runTTL == 0 {
		runTTL = 24 * time.Hour
	}
	return &SQLiteStore{
		db:     db,
		ttl:    runTTL,
		logger: logger.WithField("component", "runstore"),
	}, nil
}

// Close releases the underlying database handle
func (s *SQLiteStore) Close() error { return s.db.Close() }

func runPK(runID string) string     { return "RUN#" + runID }
func tradeSK(tradeID string) string { return "TRADE#" + tradeID }

const skMetadata = "METADATA"

func (s *SQLiteStore) CreateRun(ctx context.Context, run *core.RunRecord, trades []core.TradeMessage) error {
	now := time.Now()
	cp := *run
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.ExpiresAt = now.Add(s.ttl)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create run: %w", err)
	}
	defer tx.Rollback()

	if err := insertItem(ctx, tx, runPK(run.RunID), skMetadata, string(cp.Status), &cp, cp.ExpiresAt); err != nil {
		return err
	}
	for _, msg := range trades {
		tr := core.TradeRecord{
			RunID:          run.RunID,
			TradeID:        msg.TradeID,
			Symbol:         msg.Symbol,
			Action:         msg.Action,
			Phase:          msg.Phase,
			SequenceNumber: msg.SequenceNumber,
			TradeAmount:    msg.TradeAmount,
			Status:         core.TradeStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := insertItem(ctx, tx, runPK(run.RunID), tradeSK(msg.TradeID), string(tr.Status), &tr, cp.ExpiresAt); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create run: %w", err)
	}
	s.logger.Info("Run created", "run_id", run.RunID, "trades", len(trades))
	return nil
}

func insertItem(ctx context.Context, tx *sql.Tx, pk, sk, status string, v interface{}, expires time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", pk, sk, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_items (pk, sk, status, version, data, updated_at, expires_at)
		 VALUES (?, ?, ?, 1, ?, ?, ?)`,
		pk, sk, status, string(data), time.Now().UnixMilli(), expires.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrDuplicateRun
		}
		return fmt.Errorf("insert %s/%s: %w", pk, sk, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// mattn/go-sqlite3 wraps SQLITE_CONSTRAINT; string match avoids leaking
	// the driver's error type into callers.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

// loadRun reads and unmarshals the run metadata row. When tx is nil the read
// goes straight to the pool.
func (s *SQLiteStore) loadRun(ctx context.Context, tx *sql.Tx, runID string) (*core.RunRecord, int64, error) {
	var (
		data    string
		version int64
	)
	query := `SELECT data, version FROM run_items WHERE pk = ? AND sk = ?`
	var row *sql.Row
	if tx != nil {
		row = tx.QueryRowContext(ctx, query, runPK(runID), skMetadata)
	} else {
		row = s.db.QueryRowContext(ctx, query, runPK(runID), skMetadata)
	}
	if err := row.Scan(&data, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, apperrors.ErrRunNotFound
		}
		return nil, 0, fmt.Errorf("load run %s: %w", runID, err)
	}
	var run core.RunRecord
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, 0, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &run, version, nil
}

func (s *SQLiteStore) loadTrade(ctx context.Context, tx *sql.Tx, runID, tradeID string) (*core.TradeRecord, int64, error) {
	var (
		data    string
		version int64
	)
	query := `SELECT data, version FROM run_items WHERE pk = ? AND sk = ?`
	var row *sql.Row
	if tx != nil {
		row = tx.QueryRowContext(ctx, query, runPK(runID), tradeSK(tradeID))
	} else {
		row = s.db.QueryRowContext(ctx, query, runPK(runID), tradeSK(tradeID))
	}
	if err := row.Scan(&data, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, apperrors.ErrTradeNotFound
		}
		return nil, 0, fmt.Errorf("load trade %s/%s: %w", runID, tradeID, err)
	}
	var trade core.TradeRecord
	if err := json.Unmarshal([]byte(data), &trade); err != nil {
		return nil, 0, fmt.Errorf("decode trade %s/%s: %w", runID, tradeID, err)
	}
	return &trade, version, nil
}

// saveGuarded writes the row only if the version it was loaded at is still
// current. RowsAffected == 0 means another writer won the race.
func saveGuarded(ctx context.Context, tx *sql.Tx, pk, sk, status string, v interface{}, loadedVersion int64) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", pk, sk, err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE run_items
		 SET data = ?, status = ?, version = version + 1, updated_at = ?
		 WHERE pk = ? AND sk = ? AND version = ?`,
		string(data), status, time.Now().UnixMilli(), pk, sk, loadedVersion)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", pk, sk, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected %s/%s: %w", pk, sk, err)
	}
	if n == 0 {
		return apperrors.ErrStateConflict
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*core.RunRecord, error) {
	run, _, err := s.loadRun(ctx, nil, runID)
	return run, err
}

func (s *SQLiteStore) GetTradeResult(ctx context.Context, runID, tradeID string) (*core.TradeRecord, error) {
	trade, _, err := s.loadTrade(ctx, nil, runID, tradeID)
	return trade, err
}

func (s *SQLiteStore) MarkTradeStarted(ctx context.Context, runID, tradeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark started: %w", err)
	}
	defer tx.Rollback()

	trade, tv, err := s.loadTrade(ctx, tx, runID, tradeID)
	if err != nil {
		return err
	}
	if trade.Status != core.TradeStatusPending {
		return apperrors.ErrStateConflict
	}
	trade.Status = core.TradeStatusRunning
	trade.UpdatedAt = time.Now()
	if err := saveGuarded(ctx, tx, runPK(runID), tradeSK(tradeID), string(trade.Status), trade, tv); err != nil {
		return err
	}

	run, rv, err := s.loadRun(ctx, tx, runID)
	if err != nil {
		return err
	}
	if run.Status == core.RunStatusPending {
		run.Status = core.RunStatusSellPhase
		run.UpdatedAt = time.Now()
		if err := saveGuarded(ctx, tx, runPK(runID), skMetadata, string(run.Status), run, rv); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) MarkTradeCompleted(ctx context.Context, req core.MarkCompletedRequest) (*core.CompletionState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mark completed: %w", err)
	}
	defer tx.Rollback()

	trade, tv, err := s.loadTrade(ctx, tx, req.RunID, req.TradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status.IsTerminal() {
		return nil, apperrors.ErrTradeAlreadyTerminal
	}
	run, rv, err := s.loadRun(ctx, tx, req.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, apperrors.ErrStateConflict
	}

	now := time.Now()
	if req.Success {
		trade.Status = core.TradeStatusCompleted
	} else {
		trade.Status = core.TradeStatusFailed
	}
	trade.OrderID = req.OrderID
	trade.ErrorMessage = req.ErrorMessage
	trade.Execution = req.Execution
	trade.UpdatedAt = now
	if err := saveGuarded(ctx, tx, runPK(req.RunID), tradeSK(req.TradeID), string(trade.Status), trade, tv); err != nil {
		return nil, err
	}

	applyCompletion(run, req)
	run.UpdatedAt = now
	if err := saveGuarded(ctx, tx, runPK(req.RunID), skMetadata, string(run.Status), run, rv); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark completed: %w", err)
	}
	return completionState(run), nil
}

func (s *SQLiteStore) IsSellPhaseComplete(ctx context.Context, runID string) (bool, error) {
	run, _, err := s.loadRun(ctx, nil, runID)
	if err != nil {
		return false, err
	}
	return run.CurrentPhase == core.PhaseSell && run.SellPhaseComplete(), nil
}

func (s *SQLiteStore) TransitionToBuyPhase(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin phase transition: %w", err)
	}
	defer tx.Rollback()

	run, rv, err := s.loadRun(ctx, tx, runID)
	if err != nil {
		return err
	}
	if run.CurrentPhase != core.PhaseSell || run.Status.IsTerminal() {
		return apperrors.ErrStateConflict
	}
	run.CurrentPhase = core.PhaseBuy
	run.Status = core.RunStatusBuyPhase
	run.UpdatedAt = time.Now()
	if err := saveGuarded(ctx, tx, runPK(runID), skMetadata, string(run.Status), run, rv); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit phase transition: %w", err)
	}
	s.logger.Info("Run entered BUY phase", "run_id", runID)
	return nil
}

func (s *SQLiteStore) GetPendingBuyTrades(ctx context.Context, runID string) ([]core.TradeMessage, error) {
	run, _, err := s.loadRun(ctx, nil, runID)
	if err != nil {
		return nil, err
	}
	out := make([]core.TradeMessage, len(run.PendingBuyMessages))
	copy(out, run.PendingBuyMessages)
	return out, nil
}

func (s *SQLiteStore) MarkBuyTradesPending(ctx context.Context, runID string, _ []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark buys pending: %w", err)
	}
	defer tx.Rollback()

	run, rv, err := s.loadRun(ctx, tx, runID)
	if err != nil {
		return err
	}
	run.BuyTradesEnqueued = true
	run.UpdatedAt = time.Now()
	if err := saveGuarded(ctx, tx, runPK(runID), skMetadata, string(run.Status), run, rv); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) CheckEquityCircuitBreaker(ctx context.Context, runID string, proposed decimal.Decimal) (*core.CircuitBreakerDecision, error) {
	run, _, err := s.loadRun(ctx, nil, runID)
	if err != nil {
		if errors.Is(err, apperrors.ErrRunNotFound) {
			return &core.CircuitBreakerDecision{Allowed: false, Proposed: proposed}, nil
		}
		return nil, err
	}
	return evaluateCircuitBreaker(run, proposed), nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status core.RunStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback()

	run, rv, err := s.loadRun(ctx, tx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return apperrors.ErrStateConflict
	}
	run.Status = status
	run.UpdatedAt = time.Now()
	if err := saveGuarded(ctx, tx, runPK(runID), skMetadata, string(run.Status), run, rv); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) MarkRunCompleted(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin run completion: %w", err)
	}
	defer tx.Rollback()

	run, rv, err := s.loadRun(ctx, tx, runID)
	if err != nil {
		return err
	}
	if !runFinishable(run) {
		return apperrors.ErrStateConflict
	}
	run.Status = core.RunStatusCompleted
	run.UpdatedAt = time.Now()
	if err := saveGuarded(ctx, tx, runPK(runID), skMetadata, string(run.Status), run, rv); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run completion: %w", err)
	}
	s.logger.Info("Run completed", "run_id", runID)
	return nil
}

func (s *SQLiteStore) FindStuckRuns(ctx context.Context, maxAge time.Duration) ([]*core.RunRecord, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM run_items
		 WHERE sk = ? AND status NOT IN (?, ?) AND updated_at < ?`,
		skMetadata, string(core.RunStatusCompleted), string(core.RunStatusFailed), cutoff)
	if err != nil {
		return nil, fmt.Errorf("scan stuck runs: %w", err)
	}
	defer rows.Close()

	var stuck []*core.RunRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan stuck run row: %w", err)
		}
		var run core.RunRecord
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, fmt.Errorf("decode stuck run: %w", err)
		}
		stuck = append(stuck, &run)
	}
	return stuck, rows.Err()
}

// PurgeExpired removes rows past their TTL. Called opportunistically by the
// stuck-run monitor rather than on every write.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM run_items WHERE expires_at < ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return res.RowsAffected()
}
