package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // PostgreSQL driver
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	pgDriver     = "postgres"
	pgCtxTimeout = 5 * time.Second

	globalNamespace = ""
)

// PostgresStore persists the state in a single table, one row per
// namespace, the empty namespace holding the global bag.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects, verifies the connection, and applies the
// embedded schema migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open(pgDriver, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, pgCtxTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state store unreachable: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, pgDriver, driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Load reads every namespace row.
func (s *PostgresStore) Load(ctx context.Context) (*State, error) {
	ctx, cancel := context.WithTimeout(ctx, pgCtxTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT namespace, data FROM scoreflow_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	state := NewState()
	for rows.Next() {
		var namespace string
		var raw []byte
		if err := rows.Scan(&namespace, &raw); err != nil {
			return nil, err
		}

		ns := Namespace{}
		if err := json.Unmarshal(raw, &ns); err != nil {
			return nil, fmt.Errorf("corrupt namespace %q: %w", namespace, err)
		}
		if namespace == globalNamespace {
			state.Global = ns
		} else {
			state.Segments[namespace] = ns
		}
	}
	return state, rows.Err()
}

// Save upserts every namespace in one transaction.
func (s *PostgresStore) Save(ctx context.Context, state *State) error {
	ctx, cancel := context.WithTimeout(ctx, pgCtxTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	upsert := func(namespace string, ns Namespace) error {
		raw, err := json.Marshal(ns)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scoreflow_state (namespace, data, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (namespace)
			DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
			namespace, raw)
		return err
	}

	if err := upsert(globalNamespace, state.Global); err != nil {
		return err
	}
	for name, ns := range state.Segments {
		if err := upsert(name, ns); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
