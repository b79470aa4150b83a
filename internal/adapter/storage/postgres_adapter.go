package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rl1809/canteen-ledger/internal/core/domain"
)

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresAdapter is the pgx-backed ledger and menu store.
type PostgresAdapter struct {
	pool *pgxpool.Pool
}

func NewPostgresAdapter(pool *pgxpool.Pool) *PostgresAdapter {
	return &PostgresAdapter{pool: pool}
}

func (p *PostgresAdapter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range statements(postgresSchema) {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := p.pool.Exec(ctx, `
		INSERT INTO ledger_settings (name, value) VALUES ($1, '')
		ON CONFLICT (name) DO NOTHING`, lastResetKey); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	// a category added mid-day starts on the current ledger day, not behind the reset marker
	for _, c := range domain.Categories() {
		if _, err := p.pool.Exec(ctx, `
			INSERT INTO category_counters (category, next_value, reset_date)
			SELECT $1::text, $2::bigint, value FROM ledger_settings WHERE name = $3
			ON CONFLICT (category) DO NOTHING`, string(c), c.Base(), lastResetKey); err != nil {
			return fmt.Errorf("seed counter %s: %w", c, err)
		}
	}
	return nil
}

func (p *PostgresAdapter) allocate(ctx context.Context, q pgExecer, category domain.Category, day string) (int64, error) {
	var token int64
	err := q.QueryRow(ctx, `
		UPDATE category_counters
		SET next_value = next_value + 1
		WHERE category = $1 AND reset_date = $2
		RETURNING next_value - 1`,
		string(category), day,
	).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrCounterStale
	}
	if err != nil {
		return 0, classify(fmt.Errorf("increment counter: %w", err))
	}
	return token, nil
}

func (p *PostgresAdapter) AllocateToken(ctx context.Context, category domain.Category, day string) (int64, error) {
	return p.allocate(ctx, p.pool, category, day)
}

func (p *PostgresAdapter) CreateOrders(ctx context.Context, day string, drafts []domain.Order) ([]domain.Order, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	out := make([]domain.Order, len(drafts))
	copy(out, drafts)

	for _, i := range lockOrder(out) {
		token, err := p.allocate(ctx, tx, out[i].Category, day)
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
		_, err = tx.Exec(ctx, `
			INSERT INTO orders (id, token, display_token, category, items, total, status,
				owner_id, owner_name, contact, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12)`,
			out[i].ID, out[i].Token, out[i].DisplayToken, string(out[i].Category), items, out[i].Total.String(),
			string(out[i].Status), out[i].OwnerID, out[i].OwnerName, out[i].Contact, now, now,
		)
		if err != nil {
			return nil, classify(fmt.Errorf("insert order: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(fmt.Errorf("commit: %w", err))
	}
	return out, nil
}

const pgOrderColumns = `id, token, display_token, category, items, total::text, status,
	owner_id, owner_name, contact, created_at, updated_at`

func scanPgOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	var category, status, total string
	var items []byte
	err := row.Scan(&o.ID, &o.Token, &o.DisplayToken, &category, &items, &total, &status,
		&o.OwnerID, &o.OwnerName, &o.Contact, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Category = domain.Category(category)
	o.Status = domain.OrderStatus(status)
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parse total: %w", err)
	}
	if o.Items, err = decodeItems(items); err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *PostgresAdapter) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, err := scanPgOrder(p.pool.QueryRow(ctx, `SELECT `+pgOrderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("query order: %w", err))
	}
	return o, nil
}

func (p *PostgresAdapter) ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Category != "" {
		add("category = $%d", string(f.Category))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.OwnerID != "" {
		add("owner_id = $%d", f.OwnerID)
	}

	query := `SELECT ` + pgOrderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY category, token"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query orders: %w", err))
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanPgOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, classify(rows.Err())
}

func (p *PostgresAdapter) CompareAndSetStatus(ctx context.Context, id string, from, to domain.OrderStatus) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE orders SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`,
		string(to), id, string(from),
	)
	if err != nil {
		return classify(fmt.Errorf("update order status: %w", err))
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := p.pool.QueryRow(ctx, `SELECT 1 FROM orders WHERE id = $1`, id).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrOrderNotFound
		}
		return domain.ErrStatusConflict
	}
	return nil
}

func (p *PostgresAdapter) ResetDaily(ctx context.Context, day string) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	var last string
	err = tx.QueryRow(ctx, `SELECT value FROM ledger_settings WHERE name = $1 FOR UPDATE`, lastResetKey).Scan(&last)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, classify(fmt.Errorf("lock reset marker: %w", err))
	}
	if last >= day {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM orders`); err != nil {
		return false, classify(fmt.Errorf("purge orders: %w", err))
	}
	if err := p.resetCounters(ctx, tx, domain.Categories(), day); err != nil {
		return false, err
	}
	if err := p.recordReset(ctx, tx, day); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, classify(fmt.Errorf("commit: %w", err))
	}
	return true, nil
}

func (p *PostgresAdapter) resetCounters(ctx context.Context, q pgExecer, categories []domain.Category, day string) error {
	for _, c := range categories {
		_, err := q.Exec(ctx, `
			INSERT INTO category_counters (category, next_value, reset_date) VALUES ($1, $2, $3)
			ON CONFLICT (category) DO UPDATE SET next_value = EXCLUDED.next_value, reset_date = EXCLUDED.reset_date`,
			string(c), c.Base(), day,
		)
		if err != nil {
			return classify(fmt.Errorf("reset counter %s: %w", c, err))
		}
	}
	return nil
}

func (p *PostgresAdapter) recordReset(ctx context.Context, q pgExecer, day string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO ledger_settings (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`, lastResetKey, day)
	if err != nil {
		return classify(fmt.Errorf("record reset: %w", err))
	}
	return nil
}

func (p *PostgresAdapter) ForceReset(ctx context.Context, day string, opts domain.ResetOptions) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	var purged int64
	if opts.PurgesOrders() {
		var tag pgconn.CommandTag
		if opts.Category != "" {
			tag, err = tx.Exec(ctx, `DELETE FROM orders WHERE category = $1`, string(opts.Category))
		} else {
			tag, err = tx.Exec(ctx, `DELETE FROM orders`)
		}
		if err != nil {
			return 0, classify(fmt.Errorf("purge orders: %w", err))
		}
		purged = tag.RowsAffected()
	}

	if opts.ResetCounters {
		categories := domain.Categories()
		if opts.Category != "" {
			categories = []domain.Category{opts.Category}
		}
		if err := p.resetCounters(ctx, tx, categories, day); err != nil {
			return 0, err
		}
		if opts.Category == "" {
			if err := p.recordReset(ctx, tx, day); err != nil {
				return 0, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classify(fmt.Errorf("commit: %w", err))
	}
	return purged, nil
}

func (p *PostgresAdapter) ListCounters(ctx context.Context) ([]domain.CategoryCounter, error) {
	rows, err := p.pool.Query(ctx, `SELECT category, next_value, reset_date FROM category_counters ORDER BY next_value`)
	if err != nil {
		return nil, classify(fmt.Errorf("query counters: %w", err))
	}
	defer rows.Close()

	var out []domain.CategoryCounter
	for rows.Next() {
		var c domain.CategoryCounter
		var category string
		if err := rows.Scan(&category, &c.NextValue, &c.ResetDate); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		c.Category = domain.Category(category)
		out = append(out, c)
	}
	return out, classify(rows.Err())
}

const pgMenuColumns = `id, name, description, category, price::text, image_url, available, version, created_at, updated_at`

func scanPgMenuItem(row pgx.Row) (*domain.MenuItem, error) {
	var it domain.MenuItem
	var category, price string
	if err := row.Scan(&it.ID, &it.Name, &it.Description, &category, &price, &it.ImageURL,
		&it.Available, &it.Version, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return nil, err
	}
	it.Category = domain.Category(category)
	var err error
	if it.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	return &it, nil
}

func (p *PostgresAdapter) ListMenuItems(ctx context.Context, category domain.Category) ([]domain.MenuItem, error) {
	var rows pgx.Rows
	var err error
	if category != "" {
		rows, err = p.pool.Query(ctx, `SELECT `+pgMenuColumns+` FROM menu_items WHERE category = $1 ORDER BY name`, string(category))
	} else {
		rows, err = p.pool.Query(ctx, `SELECT `+pgMenuColumns+` FROM menu_items ORDER BY category, name`)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("query menu: %w", err))
	}
	defer rows.Close()

	var out []domain.MenuItem
	for rows.Next() {
		it, err := scanPgMenuItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan menu item: %w", err)
		}
		out = append(out, *it)
	}
	return out, classify(rows.Err())
}

func (p *PostgresAdapter) GetMenuItem(ctx context.Context, id int64) (*domain.MenuItem, error) {
	it, err := scanPgMenuItem(p.pool.QueryRow(ctx, `SELECT `+pgMenuColumns+` FROM menu_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrMenuItemNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("query menu item: %w", err))
	}
	return it, nil
}

func (p *PostgresAdapter) CreateMenuItem(ctx context.Context, item domain.MenuItem) (*domain.MenuItem, error) {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO menu_items (name, description, category, price, image_url, available)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
		RETURNING id, version, created_at, updated_at`,
		item.Name, item.Description, string(item.Category), item.Price.String(), item.ImageURL, item.Available,
	).Scan(&item.ID, &item.Version, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, classify(fmt.Errorf("insert menu item: %w", err))
	}
	return &item, nil
}

func (p *PostgresAdapter) UpdateMenuItem(ctx context.Context, item domain.MenuItem) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE menu_items
		SET name = $1, description = $2, category = $3, price = $4::numeric, image_url = $5, available = $6,
			version = version + 1, updated_at = now()
		WHERE id = $7 AND version = $8`,
		item.Name, item.Description, string(item.Category), item.Price.String(), item.ImageURL, item.Available,
		item.ID, item.Version,
	)
	if err != nil {
		return classify(fmt.Errorf("update menu item: %w", err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetMenuItem(ctx, item.ID); err != nil {
			return err
		}
		return domain.ErrOptimisticLock
	}
	return nil
}

func (p *PostgresAdapter) DeleteMenuItem(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM menu_items WHERE id = $1`, id)
	if err != nil {
		return classify(fmt.Errorf("delete menu item: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMenuItemNotFound
	}
	return nil
}
