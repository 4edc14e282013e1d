package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	dbconfig "hallpass/pkg/database"
	"hallpass/pkg/interfaces"
	"hallpass/pkg/types"
)

const systemIdentity = "system"

type identityKey struct{}

// WithIdentity tags ctx with the actor that the write log should record
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFrom returns the actor carried by ctx, "system" when none
func IdentityFrom(ctx context.Context) string {
	if identity, ok := ctx.Value(identityKey{}).(string); ok && identity != "" {
		return identity
	}
	return systemIdentity
}

// Manager implements interfaces.DatabaseManager over a table of JSON leaves
// ARCHITECTURAL DISCOVERY: Every write replaces whole subtrees, so a write at
// records/1A/juan/2024-03-01 removes every leaf under that path before inserting
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *zap.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
	retryDelay   time.Duration

	hookMu   sync.RWMutex
	onCommit func(paths []string)
}

// writeOperation represents a database write operation
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies pending migrations and starts the writer
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	migrations := dbconfig.NewMigrationManager(db, config.MigrationsPath, logger)
	if err := migrations.ApplyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// OnCommit registers the listener told which paths changed after each committed write
func (m *Manager) OnCommit(fn func(paths []string)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onCommit = fn
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			// FUNCTIONAL DISCOVERY: Retry exactly once, busy errors usually clear by then
			err := op.operation(m.db)
			if err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("database write failed, retrying", zap.Duration("delay", m.retryDelay), zap.Error(err))
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
				if err != nil {
					m.logger.Error("database write failed after retry", zap.Error(err))
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return interfaces.ErrClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-m.shutdown:
		return fmt.Errorf("database manager is shutting down")
	}
}

// ReadOnce returns the assembled value at path
// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
func (m *Manager) ReadOnce(ctx context.Context, path string) (json.RawMessage, error) {
	p, err := types.NormalizePath(path)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if p == "" {
		rows, err = m.db.QueryContext(ctx, `SELECT path, value FROM nodes`)
	} else {
		// TECHNICAL DISCOVERY: Range bounds instead of LIKE, '0' is the byte after '/'
		// so the range holds exactly the descendants and no wildcard escaping is needed
		rows, err = m.db.QueryContext(ctx,
			`SELECT path, value FROM nodes WHERE path = ? OR (path >= ? AND path < ?)`,
			p, p+"/", p+"0")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", p, err)
	}
	defer func() { _ = rows.Close() }()

	leaves := make(map[string]string)
	for rows.Next() {
		var leafPath, value string
		if err := rows.Scan(&leafPath, &value); err != nil {
			return nil, fmt.Errorf("failed to scan node row: %w", err)
		}
		leaves[leafPath] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node rows: %w", err)
	}

	return Assemble(p, leaves)
}

// Write overwrites the subtree at path
func (m *Manager) Write(ctx context.Context, path string, value any) error {
	return m.apply(ctx, "write", map[string]any{path: value})
}

// Merge overwrites several disjoint subtrees in one transaction
func (m *Manager) Merge(ctx context.Context, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	return m.apply(ctx, "merge", updates)
}

// Delete removes the subtree at path
func (m *Manager) Delete(ctx context.Context, path string) error {
	return m.apply(ctx, "delete", map[string]any{path: nil})
}

func (m *Manager) apply(ctx context.Context, op string, updates map[string]any) error {
	normalized, paths, err := normalizeUpdates(updates)
	if err != nil {
		return err
	}

	// STEP 1: Flatten outside the writer so bad input never occupies it
	leavesByPath := make(map[string]map[string]string, len(paths))
	for _, p := range paths {
		leaves, err := Flatten(p, normalized[p])
		if err != nil {
			return fmt.Errorf("invalid value at %q: %w", p, err)
		}
		leavesByPath[p] = leaves
	}

	pathsJSON, err := json.Marshal(paths)
	if err != nil {
		return fmt.Errorf("failed to marshal paths: %w", err)
	}
	identity := IdentityFrom(ctx)

	// STEP 2: Replace every subtree and log the write atomically
	err = m.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		for _, p := range paths {
			if err := clearSubtree(ctx, tx, p); err != nil {
				return err
			}
			for leafPath, value := range leavesByPath[p] {
				if _, err := tx.ExecContext(ctx,
					`INSERT OR REPLACE INTO nodes (path, value, updated_at) VALUES (?, ?, ?)`,
					leafPath, value, now); err != nil {
					return fmt.Errorf("failed to insert node %q: %w", leafPath, err)
				}
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO write_log (id, identity, op, paths, created_at) VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), identity, op, string(pathsJSON), now); err != nil {
			return fmt.Errorf("failed to insert write log: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit %s: %w", op, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Debug("write committed",
		zap.String("op", op),
		zap.String("identity", identity),
		zap.Strings("paths", paths))

	// STEP 3: Notify after commit so listeners always read the committed state
	m.hookMu.RLock()
	hook := m.onCommit
	m.hookMu.RUnlock()
	if hook != nil {
		hook(paths)
	}
	return nil
}

// clearSubtree deletes every leaf at or under path and any scalar ancestor
func clearSubtree(ctx context.Context, tx *sql.Tx, path string) error {
	var err error
	if path == "" {
		_, err = tx.ExecContext(ctx, `DELETE FROM nodes`)
	} else {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM nodes WHERE path = ? OR (path >= ? AND path < ?)`,
			path, path+"/", path+"0")
	}
	if err != nil {
		return fmt.Errorf("failed to clear %q: %w", path, err)
	}

	// FUNCTIONAL DISCOVERY: A scalar ancestor would shadow the new subtree on read
	for _, ancestor := range ancestors(path) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE path = ?`, ancestor); err != nil {
			return fmt.Errorf("failed to clear ancestor %q: %w", ancestor, err)
		}
	}
	return nil
}

// PruneWriteLog removes audit rows older than before
func (m *Manager) PruneWriteLog(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := m.executeWrite(func(db *sql.DB) error {
		result, err := db.ExecContext(ctx, `DELETE FROM write_log WHERE created_at < ?`, before.UTC())
		if err != nil {
			return fmt.Errorf("failed to prune write log: %w", err)
		}
		removed, err = result.RowsAffected()
		return err
	})
	return removed, err
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// ARCHITECTURAL DISCOVERY: Graceful shutdown requires careful goroutine coordination
	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}
