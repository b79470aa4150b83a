package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/canteen-ledger/internal/core/domain"
)

// Mock DatabaseRepository with the same atomicity guarantees as the SQL stores.
type mockLedgerRepo struct {
	mu            sync.Mutex
	counters      map[domain.Category]*domain.CategoryCounter
	lastReset     string
	orders        map[string]domain.Order
	appliedResets int
	conflictsLeft int
	failCreate    error
}

func newMockLedgerRepo() *mockLedgerRepo {
	r := &mockLedgerRepo{
		counters: make(map[domain.Category]*domain.CategoryCounter),
		orders:   make(map[string]domain.Order),
	}
	for _, c := range domain.Categories() {
		r.counters[c] = &domain.CategoryCounter{Category: c, NextValue: c.Base()}
	}
	return r
}

func (m *mockLedgerRepo) allocateLocked(category domain.Category, day string) (int64, error) {
	if m.conflictsLeft > 0 {
		m.conflictsLeft--
		return 0, domain.ErrConcurrentAllocationConflict
	}
	c, ok := m.counters[category]
	if !ok || c.ResetDate != day {
		return 0, domain.ErrCounterStale
	}
	v := c.NextValue
	c.NextValue++
	return v, nil
}

func (m *mockLedgerRepo) AllocateToken(ctx context.Context, category domain.Category, day string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateLocked(category, day)
}

func (m *mockLedgerRepo) CreateOrders(ctx context.Context, day string, drafts []domain.Order) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failCreate != nil {
		return nil, m.failCreate
	}
	// snapshot so a failure part-way leaves counters untouched, like a rolled back transaction
	saved := make(map[domain.Category]int64, len(m.counters))
	for c, counter := range m.counters {
		saved[c] = counter.NextValue
	}

	now := time.Now()
	out := make([]domain.Order, 0, len(drafts))
	for _, d := range drafts {
		token, err := m.allocateLocked(d.Category, day)
		if err != nil {
			for c, v := range saved {
				m.counters[c].NextValue = v
			}
			return nil, err
		}
		o := cloneOrder(d)
		o.Token = token
		o.DisplayToken = domain.DisplayToken(d.Category, token)
		o.CreatedAt, o.UpdatedAt = now, now
		out = append(out, o)
	}
	for _, o := range out {
		m.orders[o.ID] = cloneOrder(o)
	}
	return out, nil
}

func (m *mockLedgerRepo) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	c := cloneOrder(o)
	return &c, nil
}

func (m *mockLedgerRepo) ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if f.Category != "" && o.Category != f.Category {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.OwnerID != "" && o.OwnerID != f.OwnerID {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (m *mockLedgerRepo) CompareAndSetStatus(ctx context.Context, id string, from, to domain.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.Status != from {
		return domain.ErrStatusConflict
	}
	o.Status = to
	m.orders[id] = o
	return nil
}

func (m *mockLedgerRepo) ResetDaily(ctx context.Context, day string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastReset >= day {
		return false, nil
	}
	m.orders = make(map[string]domain.Order)
	for c, counter := range m.counters {
		counter.NextValue = c.Base()
		counter.ResetDate = day
	}
	m.lastReset = day
	m.appliedResets++
	return true, nil
}

func (m *mockLedgerRepo) ForceReset(ctx context.Context, day string, opts domain.ResetOptions) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	if opts.DeleteOrders {
		for id, o := range m.orders {
			if opts.Category == "" || o.Category == opts.Category {
				delete(m.orders, id)
				purged++
			}
		}
	}
	if opts.ResetCounters {
		for c, counter := range m.counters {
			if opts.Category == "" || c == opts.Category {
				counter.NextValue = c.Base()
				counter.ResetDate = day
			}
		}
		if opts.Category == "" {
			m.lastReset = day
		}
	}
	return purged, nil
}

func (m *mockLedgerRepo) ListCounters(ctx context.Context) ([]domain.CategoryCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CategoryCounter
	for _, c := range domain.Categories() {
		out = append(out, *m.counters[c])
	}
	return out, nil
}

func (m *mockLedgerRepo) setStatus(id string, st domain.OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[id]
	o.Status = st
	m.orders[id] = o
}

func cloneOrder(o domain.Order) domain.Order {
	o.Items = append([]domain.Item(nil), o.Items...)
	return o
}

// Mock MenuRepository
type mockMenuRepo struct {
	mu           sync.Mutex
	items        map[int64]domain.MenuItem
	nextID       int64
	lockFailures int
}

func newMockMenuRepo() *mockMenuRepo {
	m := &mockMenuRepo{items: make(map[int64]domain.MenuItem), nextID: 1}
	seed := []domain.MenuItem{
		{Name: "Veg Puff", Category: domain.CategoryCanteen, Price: decimal.RequireFromString("15"), Available: true},
		{Name: "Tea", Category: domain.CategoryCanteen, Price: decimal.RequireFromString("10"), Available: true},
		{Name: "Peri Peri Fries", Category: domain.CategoryFries, Price: decimal.RequireFromString("40"), Available: true},
		{Name: "Club Sandwich", Category: domain.CategorySandwich, Price: decimal.RequireFromString("80.50"), Available: true},
		{Name: "Cold Coffee", Category: domain.CategoryCanteen, Price: decimal.RequireFromString("35"), Available: false},
	}
	for _, it := range seed {
		_, _ = m.CreateMenuItem(context.Background(), it)
	}
	return m
}

func (m *mockMenuRepo) ListMenuItems(ctx context.Context, category domain.Category) ([]domain.MenuItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MenuItem
	for id := int64(1); id < m.nextID; id++ {
		it, ok := m.items[id]
		if ok && (category == "" || it.Category == category) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *mockMenuRepo) GetMenuItem(ctx context.Context, id int64) (*domain.MenuItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, domain.ErrMenuItemNotFound
	}
	return &it, nil
}

func (m *mockMenuRepo) CreateMenuItem(ctx context.Context, item domain.MenuItem) (*domain.MenuItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.ID = m.nextID
	m.nextID++
	m.items[item.ID] = item
	return &item, nil
}

func (m *mockMenuRepo) UpdateMenuItem(ctx context.Context, item domain.MenuItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[item.ID]
	if !ok {
		return domain.ErrMenuItemNotFound
	}
	if m.lockFailures > 0 {
		m.lockFailures--
		cur.Version++
		m.items[item.ID] = cur
		return domain.ErrOptimisticLock
	}
	if cur.Version != item.Version {
		return domain.ErrOptimisticLock
	}
	item.Version++
	m.items[item.ID] = item
	return nil
}

func (m *mockMenuRepo) DeleteMenuItem(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return domain.ErrMenuItemNotFound
	}
	delete(m.items, id)
	return nil
}

// Mock CacheRepository
type mockCacheRepo struct {
	mu             sync.Mutex
	idempotencySet map[string]bool
	failures       map[string]int64
}

func newMockCacheRepo() *mockCacheRepo {
	return &mockCacheRepo{
		idempotencySet: make(map[string]bool),
		failures:       make(map[string]int64),
	}
}

func (m *mockCacheRepo) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idempotencySet[key] {
		return false, nil
	}
	m.idempotencySet[key] = true
	return true, nil
}

func (m *mockCacheRepo) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotencySet, key)
	return nil
}

func (m *mockCacheRepo) RegisterLoginFailure(ctx context.Context, subject string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[subject]++
	return m.failures[subject], nil
}

func (m *mockCacheRepo) LoginFailures(ctx context.Context, subject string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[subject], nil
}

func (m *mockCacheRepo) ClearLoginFailures(ctx context.Context, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, subject)
	return nil
}

// Mock Notifier
type mockNotifier struct {
	mu    sync.Mutex
	sent  []string
	err   error
	delay time.Duration
}

func (m *mockNotifier) Send(ctx context.Context, destination, message string) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, destination+"|"+message)
	return nil
}

func (m *mockNotifier) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}
