package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rl1809/canteen-ledger/internal/core/domain"
)

const lastResetKey = "last_reset_date"

//go:embed schema/mysql.sql
var mysqlSchema string

//go:embed schema/postgres.sql
var postgresSchema string

func statements(schema string) []string {
	var out []string
	for _, stmt := range strings.Split(schema, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func encodeItems(items []domain.Item) ([]byte, error) {
	if items == nil {
		items = []domain.Item{}
	}
	return json.Marshal(items)
}

func decodeItems(raw []byte) ([]domain.Item, error) {
	var items []domain.Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode order items: %w", err)
	}
	return items, nil
}

// classify maps driver failures onto the ledger's error kinds so callers can tell
// retryable contention from an unreachable store.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1213, 1205: // deadlock, lock wait timeout
			return fmt.Errorf("%w: %v", domain.ErrConcurrentAllocationConflict, err)
		}
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return fmt.Errorf("%w: %v", domain.ErrConcurrentAllocationConflict, err)
		}
		return err
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, mysql.ErrInvalidConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded),
		pgconn.Timeout(err):
		return fmt.Errorf("%w: %v", domain.ErrPersistenceUnavailable, err)
	}
	if strings.Contains(err.Error(), "closed pool") {
		return fmt.Errorf("%w: %v", domain.ErrPersistenceUnavailable, err)
	}
	return err
}

// OpenMySQL opens and pings a MySQL pool.
func OpenMySQL(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

// OpenPostgres opens and pings a pgx pool.
func OpenPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}
