package timeaware

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"rebalancer/internal/core"
	apperrors "rebalancer/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

// MemoryExecStore is the in-memory ExecStore used by tests and dry runs
type MemoryExecStore struct {
	mu    sync.Mutex
	execs map[string]*core.PendingExecution
}

var _ core.ExecStore = (*MemoryExecStore)(nil)

// NewMemoryExecStore creates an empty store
func NewMemoryExecStore() *MemoryExecStore {
	return &MemoryExecStore{execs: make(map[string]*core.PendingExecution)}
}

func (s *MemoryExecStore) Create(_ context.Context, exec *core.PendingExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.execs[exec.ExecutionID]; exists {
		return apperrors.ErrStateConflict
	}
	cp := *exec
	cp.Version = 1
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.execs[exec.ExecutionID] = &cp
	exec.Version = 1
	return nil
}

func (s *MemoryExecStore) Get(_ context.Context, executionID string) (*core.PendingExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[executionID]
	if !ok {
		return nil, apperrors.ErrRunNotFound
	}
	cp := *e
	cp.Children = append([]core.ChildOrder(nil), e.Children...)
	return &cp, nil
}

func (s *MemoryExecStore) Save(_ context.Context, exec *core.PendingExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.execs[exec.ExecutionID]
	if !ok {
		return apperrors.ErrRunNotFound
	}
	if current.Version != exec.Version {
		return apperrors.ErrVersionConflict
	}
	cp := *exec
	cp.Version = exec.Version + 1
	cp.UpdatedAt = time.Now()
	cp.Children = append([]core.ChildOrder(nil), exec.Children...)
	s.execs[exec.ExecutionID] = &cp
	exec.Version = cp.Version
	return nil
}

func (s *MemoryExecStore) ListByState(_ context.Context, state core.ExecState) ([]*core.PendingExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.PendingExecution
	for _, e := range s.execs {
		if e.State == state {
			cp := *e
			cp.Children = append([]core.ChildOrder(nil), e.Children...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryExecStore) ListBySymbol(_ context.Context, symbol string) ([]*core.PendingExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.PendingExecution
	for _, e := range s.execs {
		if e.Symbol == symbol {
			cp := *e
			cp.Children = append([]core.ChildOrder(nil), e.Children...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

const execSchema = `
CREATE TABLE IF NOT EXISTS exec_items (
	execution_id TEXT PRIMARY KEY,
	symbol       TEXT NOT NULL,
	state        TEXT NOT NULL,
	version      INTEGER NOT NULL,
	data         TEXT NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exec_items_state ON exec_items(state);
CREATE INDEX IF NOT EXISTS idx_exec_items_symbol ON exec_items(symbol);
`

// SQLiteExecStore persists pending executions under optimistic version
// locking. Save conditions on the loaded version; a mismatch surfaces
// ErrVersionConflict so the tick skips that execution for this cycle.
type SQLiteExecStore struct {
	db     *sql.DB
	logger core.ILogger
}

var _ core.ExecStore = (*SQLiteExecStore)(nil)

// NewSQLiteExecStore opens (creating if needed) the execution database
func NewSQLiteExecStore(path string, logger core.ILogger) (*SQLiteExecStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open exec store: %w", err)
	}
	if _, err := db.Exec(execSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init exec schema: %w", err)
	}
	return &SQLiteExecStore{db: db, logger: logger.WithField("component", "execstore")}, nil
}

// Close releases the database handle
func (s *SQLiteExecStore) Close() error { return s.db.Close() }

func (s *SQLiteExecStore) Create(ctx context.Context, exec *core.PendingExecution) error {
	exec.Version = 1
	exec.CreatedAt = time.Now()
	exec.UpdatedAt = exec.CreatedAt
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", exec.ExecutionID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO exec_items (execution_id, symbol, state, version, data, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?)`,
		exec.ExecutionID, exec.Symbol, string(exec.State), string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", exec.ExecutionID, err)
	}
	return nil
}

func (s *SQLiteExecStore) Get(ctx context.Context, executionID string) (*core.PendingExecution, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM exec_items WHERE execution_id = ?`, executionID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrRunNotFound
		}
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	var exec core.PendingExecution
	if err := json.Unmarshal([]byte(data), &exec); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", executionID, err)
	}
	return &exec, nil
}

func (s *SQLiteExecStore) Save(ctx context.Context, exec *core.PendingExecution) error {
	loadedVersion := exec.Version
	exec.Version = loadedVersion + 1
	exec.UpdatedAt = time.Now()
	data, err := json.Marshal(exec)
	if err != nil {
		exec.Version = loadedVersion
		return fmt.Errorf("marshal execution %s: %w", exec.ExecutionID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE exec_items SET data = ?, state = ?, version = ?, updated_at = ?
		 WHERE execution_id = ? AND version = ?`,
		string(data), string(exec.State), exec.Version, time.Now().UnixMilli(),
		exec.ExecutionID, loadedVersion)
	if err != nil {
		exec.Version = loadedVersion
		return fmt.Errorf("save execution %s: %w", exec.ExecutionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		exec.Version = loadedVersion
		return fmt.Errorf("rows affected %s: %w", exec.ExecutionID, err)
	}
	if n == 0 {
		exec.Version = loadedVersion
		return apperrors.ErrVersionConflict
	}
	return nil
}

func (s *SQLiteExecStore) ListByState(ctx context.Context, state core.ExecState) ([]*core.PendingExecution, error) {
	return s.list(ctx, `SELECT data FROM exec_items WHERE state = ?`, string(state))
}

func (s *SQLiteExecStore) ListBySymbol(ctx context.Context, symbol string) ([]*core.PendingExecution, error) {
	return s.list(ctx, `SELECT data FROM exec_items WHERE symbol = ?`, symbol)
}

func (s *SQLiteExecStore) list(ctx context.Context, query string, arg string) ([]*core.PendingExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*core.PendingExecution
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		var exec core.PendingExecution
		if err := json.Unmarshal([]byte(data), &exec); err != nil {
			return nil, fmt.Errorf("decode execution: %w", err)
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}
