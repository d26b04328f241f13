// Package ledger keeps a sqlite record of the products each run flushed.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"skydrizzle/pkg/drizzle"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ledger is a drizzle.Recorder backed by sqlite.
type Ledger struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens or creates the ledger database at path and migrates it to the
// latest schema.
func Open(path string, log *zap.Logger) (*Ledger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	// a single connection keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring ledger: %w", err)
	}

	l := &Ledger{db: db, log: log}
	if err := l.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading ledger migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(l.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{log: l.log}
	// m is not closed: that would close the shared connection.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version returns the applied schema version.
func (l *Ledger) Version() (uint, error) {
	var v uint
	err := l.db.QueryRow(`SELECT version FROM schema_migrations LIMIT 1`).Scan(&v)
	return v, err
}

// RecordProduct inserts rec, registering its run on first use.
func (l *Ledger) RecordProduct(ctx context.Context, rec drizzle.ProductRecord) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO runs (run_id) VALUES (?)`, rec.RunID); err != nil {
		return fmt.Errorf("recording run %s: %w", rec.RunID, err)
	}
	flushed := rec.FlushedAt
	if flushed.IsZero() {
		flushed = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (
			run_id, name, stage, contributors, exptime, bunit, units,
			kernel, pixfrac, nmiss, nskip, coverage, flushed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Name, rec.Stage.String(), rec.Contributors, rec.ExpTime, rec.BUnit, rec.Units,
		rec.Kernel, rec.PixFrac, rec.NMiss, rec.NSkip, rec.Coverage, flushed.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("recording product %s: %w", rec.Name, err)
	}
	return tx.Commit()
}

// Products returns the products recorded for runID in flush order.
func (l *Ledger) Products(ctx context.Context, runID string) ([]drizzle.ProductRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, name, stage, contributors, exptime, bunit, units,
		       kernel, pixfrac, nmiss, nskip, coverage, flushed_at
		FROM products WHERE run_id = ? ORDER BY product_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []drizzle.ProductRecord
	for rows.Next() {
		var (
			rec            drizzle.ProductRecord
			stage, flushed string
		)
		if err := rows.Scan(&rec.RunID, &rec.Name, &stage, &rec.Contributors, &rec.ExpTime, &rec.BUnit,
			&rec.Units, &rec.Kernel, &rec.PixFrac, &rec.NMiss, &rec.NSkip, &rec.Coverage, &flushed); err != nil {
			return nil, err
		}
		if rec.Stage, err = drizzle.ParseStage(stage); err != nil {
			return nil, err
		}
		if rec.FlushedAt, err = time.Parse(time.RFC3339Nano, flushed); err != nil {
			return nil, fmt.Errorf("parsing flush time of %s: %w", rec.Name, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Runs lists run ids, oldest first.
func (l *Ledger) Runs(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT run_id FROM runs ORDER BY started_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// migrateLogger routes golang-migrate output through zap.
type migrateLogger struct {
	log *zap.Logger
}

func (m migrateLogger) Printf(format string, v ...interface{}) {
	m.log.Sugar().Debugf("[migrate] "+format, v...)
}

func (m migrateLogger) Verbose() bool {
	return false
}
