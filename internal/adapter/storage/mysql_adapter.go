package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rl1809/canteen-ledger/internal/core/domain"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// EnsureSchema creates the ledger tables and seeds a counter row for every category.
func (m *MySQLAdapter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range statements(mysqlSchema) {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := m.db.ExecContext(ctx, `INSERT IGNORE INTO ledger_settings (name, value) VALUES (?, '')`, lastResetKey); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	// a category added mid-day starts on the current ledger day, not behind the reset marker
	for _, c := range domain.Categories() {
		if _, err := m.db.ExecContext(ctx, `
			INSERT IGNORE INTO category_counters (category, next_value, reset_date)
			SELECT ?, ?, value FROM ledger_settings WHERE name = ?`,
			c, c.Base(), lastResetKey,
		); err != nil {
			return fmt.Errorf("seed counter %s: %w", c, err)
		}
	}
	return nil
}

// allocate relies on LAST_INSERT_ID(expr) to return the incremented value from the same statement.
func (m *MySQLAdapter) allocate(ctx context.Context, ex execer, category domain.Category, day string) (int64, error) {
	result, err := ex.ExecContext(ctx, `
		UPDATE category_counters
		SET next_value = LAST_INSERT_ID(next_value + 1)
		WHERE category = ? AND reset_date = ?`,
		category, day,
	)
	if err != nil {
		return 0, classify(fmt.Errorf("increment counter: %w", err))
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return 0, domain.ErrCounterStale
	}
	next, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	return next - 1, nil
}

func (m *MySQLAdapter) AllocateToken(ctx context.Context, category domain.Category, day string) (int64, error) {
	return m.allocate(ctx, m.db, category, day)
}

func (m *MySQLAdapter) CreateOrders(ctx context.Context, day string, drafts []domain.Order) ([]domain.Order, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	out := make([]domain.Order, len(drafts))
	copy(out, drafts)

	// counters are locked in category order so concurrent multi-stall checkouts cannot deadlock
	for _, i := range lockOrder(out) {
		token, err := m.allocate(ctx, tx, out[i].Category, day)
		if err != nil {
			return nil, err
		}
		out[i].Token = token
		out[i].DisplayToken = domain.DisplayToken(out[i].Category, token)
	}

	now := time.Now().UTC()
	for i := range out {
		out[i].CreatedAt, out[i].UpdatedAt = now, now
		items, err := encodeItems(out[i].Items)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO orders (id, token, display_token, category, items, total, status,
				owner_id, owner_name, contact, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			out[i].ID, out[i].Token, out[i].DisplayToken, out[i].Category, string(items), out[i].Total.String(),
			out[i].Status, out[i].OwnerID, out[i].OwnerName, out[i].Contact, now, now,
		)
		if err != nil {
			return nil, classify(fmt.Errorf("insert order: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(fmt.Errorf("commit: %w", err))
	}
	return out, nil
}

func lockOrder(orders []domain.Order) []int {
	idx := make([]int, len(orders))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return orders[idx[a]].Category < orders[idx[b]].Category })
	return idx
}

const mysqlOrderColumns = `id, token, display_token, category, items, total, status,
	owner_id, owner_name, contact, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMySQLOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var items []byte
	err := row.Scan(&o.ID, &o.Token, &o.DisplayToken, &o.Category, &items, &o.Total, &o.Status,
		&o.OwnerID, &o.OwnerName, &o.Contact, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if o.Items, err = decodeItems(items); err != nil {
		return nil, err
	}
	return &o, nil
}

func (m *MySQLAdapter) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, err := scanMySQLOrder(m.db.QueryRowContext(ctx,
		`SELECT `+mysqlOrderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("query order: %w", err))
	}
	return o, nil
}

func (m *MySQLAdapter) ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	var where []string
	var args []any
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}

	query := `SELECT ` + mysqlOrderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY category, token"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query orders: %w", err))
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanMySQLOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, classify(rows.Err())
}

func (m *MySQLAdapter) CompareAndSetStatus(ctx context.Context, id string, from, to domain.OrderStatus) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), id, from,
	)
	if err != nil {
		return classify(fmt.Errorf("update order status: %w", err))
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists int
		err := m.db.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrOrderNotFound
		}
		return domain.ErrStatusConflict
	}
	return nil
}

func (m *MySQLAdapter) ResetDaily(ctx context.Context, day string) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	// the marker row is seeded by EnsureSchema; locking it serializes concurrent resets
	var last string
	err = tx.QueryRowContext(ctx, `SELECT value FROM ledger_settings WHERE name = ? FOR UPDATE`, lastResetKey).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, classify(fmt.Errorf("lock reset marker: %w", err))
	}
	if last >= day {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM orders`); err != nil {
		return false, classify(fmt.Errorf("purge orders: %w", err))
	}
	if err := m.resetCounters(ctx, tx, domain.Categories(), day); err != nil {
		return false, err
	}
	if err := m.recordReset(ctx, tx, day); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, classify(fmt.Errorf("commit: %w", err))
	}
	return true, nil
}

func (m *MySQLAdapter) resetCounters(ctx context.Context, ex execer, categories []domain.Category, day string) error {
	for _, c := range categories {
		_, err := ex.ExecContext(ctx, `
			INSERT INTO category_counters (category, next_value, reset_date) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE next_value = VALUES(next_value), reset_date = VALUES(reset_date)`,
			c, c.Base(), day,
		)
		if err != nil {
			return classify(fmt.Errorf("reset counter %s: %w", c, err))
		}
	}
	return nil
}

func (m *MySQLAdapter) recordReset(ctx context.Context, ex execer, day string) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO ledger_settings (name, value) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE value = VALUES(value)`, lastResetKey, day)
	if err != nil {
		return classify(fmt.Errorf("record reset: %w", err))
	}
	return nil
}

func (m *MySQLAdapter) ForceReset(ctx context.Context, day string, opts domain.ResetOptions) (int64, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	var purged int64
	if opts.PurgesOrders() {
		var result sql.Result
		if opts.Category != "" {
			result, err = tx.ExecContext(ctx, `DELETE FROM orders WHERE category = ?`, opts.Category)
		} else {
			result, err = tx.ExecContext(ctx, `DELETE FROM orders`)
		}
		if err != nil {
			return 0, classify(fmt.Errorf("purge orders: %w", err))
		}
		purged, _ = result.RowsAffected()
	}

	if opts.ResetCounters {
		categories := domain.Categories()
		if opts.Category != "" {
			categories = []domain.Category{opts.Category}
		}
		if err := m.resetCounters(ctx, tx, categories, day); err != nil {
			return 0, err
		}
		if opts.Category == "" {
			if err := m.recordReset(ctx, tx, day); err != nil {
				return 0, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(fmt.Errorf("commit: %w", err))
	}
	return purged, nil
}

func (m *MySQLAdapter) ListCounters(ctx context.Context) ([]domain.CategoryCounter, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT category, next_value, reset_date FROM category_counters ORDER BY next_value`)
	if err != nil {
		return nil, classify(fmt.Errorf("query counters: %w", err))
	}
	defer rows.Close()

	var out []domain.CategoryCounter
	for rows.Next() {
		var c domain.CategoryCounter
		if err := rows.Scan(&c.Category, &c.NextValue, &c.ResetDate); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		out = append(out, c)
	}
	return out, classify(rows.Err())
}

func (m *MySQLAdapter) ListMenuItems(ctx context.Context, category domain.Category) ([]domain.MenuItem, error) {
	query := `SELECT id, name, description, category, price, image_url, available, version, created_at, updated_at FROM menu_items`
	var args []any
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY category, name`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query menu: %w", err))
	}
	defer rows.Close()

	var out []domain.MenuItem
	for rows.Next() {
		var it domain.MenuItem
		if err := rows.Scan(&it.ID, &it.Name, &it.Description, &it.Category, &it.Price, &it.ImageURL,
			&it.Available, &it.Version, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan menu item: %w", err)
		}
		out = append(out, it)
	}
	return out, classify(rows.Err())
}

func (m *MySQLAdapter) GetMenuItem(ctx context.Context, id int64) (*domain.MenuItem, error) {
	var it domain.MenuItem
	err := m.db.QueryRowContext(ctx, `
		SELECT id, name, description, category, price, image_url, available, version, created_at, updated_at
		FROM menu_items WHERE id = ?`, id,
	).Scan(&it.ID, &it.Name, &it.Description, &it.Category, &it.Price, &it.ImageURL,
		&it.Available, &it.Version, &it.CreatedAt, &it.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMenuItemNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("query menu item: %w", err))
	}
	return &it, nil
}

func (m *MySQLAdapter) CreateMenuItem(ctx context.Context, item domain.MenuItem) (*domain.MenuItem, error) {
	now := time.Now().UTC()
	result, err := m.db.ExecContext(ctx, `
		INSERT INTO menu_items (name, description, category, price, image_url, available, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		item.Name, item.Description, item.Category, item.Price.String(), item.ImageURL, item.Available, now, now,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("insert menu item: %w", err))
	}
	if item.ID, err = result.LastInsertId(); err != nil {
		return nil, fmt.Errorf("read menu item id: %w", err)
	}
	item.Version = 0
	item.CreatedAt, item.UpdatedAt = now, now
	return &item, nil
}

func (m *MySQLAdapter) UpdateMenuItem(ctx context.Context, item domain.MenuItem) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE menu_items
		SET name = ?, description = ?, category = ?, price = ?, image_url = ?, available = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		item.Name, item.Description, item.Category, item.Price.String(), item.ImageURL, item.Available,
		time.Now().UTC(), item.ID, item.Version,
	)
	if err != nil {
		return classify(fmt.Errorf("update menu item: %w", err))
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := m.GetMenuItem(ctx, item.ID); err != nil {
			return err
		}
		return domain.ErrOptimisticLock
	}
	return nil
}

func (m *MySQLAdapter) DeleteMenuItem(ctx context.Context, id int64) error {
	result, err := m.db.ExecContext(ctx, `DELETE FROM menu_items WHERE id = ?`, id)
	if err != nil {
		return classify(fmt.Errorf("delete menu item: %w", err))
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.ErrMenuItemNotFound
	}
	return nil
}
