package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresSnapshotTableName    = "annostore_snapshots"
	postgresTransactionTableName = "annostore_transactions"
	postgresOperationTimeout     = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend upserts the project snapshot keyed by project_id and
// appends every transaction to a log table.
type PostgresBackend struct {
	dsn           string
	snapshotTable string
	txnTable      string
	openDB        sqlOpenFunc

	// mu spans export through commit so the stored row never goes back
	// to an older snapshot.
	mu       sync.Mutex
	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:           dsn,
		snapshotTable: postgresSnapshotTableName,
		txnTable:      postgresTransactionTableName,
		openDB:        sql.Open,
	}, nil
}

func (b *PostgresBackend) Init(ctx context.Context, src SnapshotSource) error {
	if src == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return b.upsertSnapshot(ctx, b.db, src.ExportSnapshot())
}

func (b *PostgresBackend) Transaction(ctx context.Context, txn Transaction) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	if txn.Source == nil {
		return fmt.Errorf("%w: transaction without snapshot source", ErrInvalidInput)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := txn.Source.ExportSnapshot()
	params, err := json.Marshal(txn.Params)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	insert := fmt.Sprintf(`
		INSERT INTO %s (project_id, data_key, action, params, created_at)
		VALUES ($1, $2, $3, $4, NOW())`, postgresQuoteIdentifier(b.txnTable))
	if _, err := tx.ExecContext(ctx, insert, snap.Project.ProjectID, string(txn.DataKey), string(txn.Action), string(params)); err != nil {
		return err
	}
	if err := b.upsertSnapshot(ctx, tx, snap); err != nil {
		return err
	}
	return tx.Commit()
}

// Load returns the stored snapshot for projectID, or nil when none exists.
func (b *PostgresBackend) Load(ctx context.Context, projectID string) (*Snapshot, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE project_id = $1", postgresQuoteIdentifier(b.snapshotTable))
	var payload string
	err := b.db.QueryRowContext(ctx, query, projectID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot([]byte(payload))
}

// TransactionCount reports how many transactions were logged for projectID.
func (b *PostgresBackend) TransactionCount(ctx context.Context, projectID string) (int, error) {
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE project_id = $1", postgresQuoteIdentifier(b.txnTable))
	var count int
	if err := b.db.QueryRowContext(ctx, query, projectID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (b *PostgresBackend) upsertSnapshot(ctx context.Context, db execer, snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (project_id, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (project_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(b.snapshotTable))
	_, err = db.ExecContext(ctx, query, snap.Project.ProjectID, string(payload))
	return err
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				project_id TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.snapshotTable)),
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				project_id TEXT NOT NULL,
				data_key TEXT NOT NULL,
				action TEXT NOT NULL,
				params TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.txnTable)),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
