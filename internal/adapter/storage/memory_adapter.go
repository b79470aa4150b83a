package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/canteen-ledger/internal/core/domain"
	"github.com/rl1809/canteen-ledger/internal/port"
)

// MemoryAdapter is a single-process store for local runs and handler tests.
// One mutex stands in for the row locks and transactions of the SQL stores.
type MemoryAdapter struct {
	mu        sync.Mutex
	counters  map[domain.Category]*domain.CategoryCounter
	lastReset string
	orders    map[string]domain.Order
	menu      map[int64]domain.MenuItem
	nextMenu  int64

	keys     map[string]time.Time
	logins   map[string]loginWindow
	sessions map[string]memorySession

	subMu sync.Mutex
	subs  map[chan port.OrderEvent]struct{}
}

type loginWindow struct {
	count   int64
	expires time.Time
}

type memorySession struct {
	session port.Session
	expires time.Time
}

func NewMemoryAdapter() *MemoryAdapter {
	m := &MemoryAdapter{
		counters: make(map[domain.Category]*domain.CategoryCounter),
		orders:   make(map[string]domain.Order),
		menu:     make(map[int64]domain.MenuItem),
		nextMenu: 1,
		keys:     make(map[string]time.Time),
		logins:   make(map[string]loginWindow),
		sessions: make(map[string]memorySession),
		subs:     make(map[chan port.OrderEvent]struct{}),
	}
	for _, c := range domain.Categories() {
		m.counters[c] = &domain.CategoryCounter{Category: c, NextValue: c.Base()}
	}
	return m
}

// EnsureSchema adds a counter for any category missing one, dated to the last reset.
func (m *MemoryAdapter) EnsureSchema(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range domain.Categories() {
		if _, ok := m.counters[c]; !ok {
			m.counters[c] = &domain.CategoryCounter{Category: c, NextValue: c.Base(), ResetDate: m.lastReset}
		}
	}
	return nil
}

func (m *MemoryAdapter) allocateLocked(category domain.Category, day string) (int64, error) {
	c, ok := m.counters[category]
	if !ok || c.ResetDate != day {
		return 0, domain.ErrCounterStale
	}
	v := c.NextValue
	c.NextValue++
	return v, nil
}

func (m *MemoryAdapter) AllocateToken(ctx context.Context, category domain.Category, day string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateLocked(category, day)
}

func (m *MemoryAdapter) CreateOrders(ctx context.Context, day string, drafts []domain.Order) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range drafts {
		if _, exists := m.orders[d.ID]; exists {
			return nil, fmt.Errorf("insert order: duplicate id %s", d.ID)
		}
		if c, ok := m.counters[d.Category]; !ok || c.ResetDate != day {
			return nil, domain.ErrCounterStale
		}
	}

	now := time.Now().UTC()
	out := make([]domain.Order, len(drafts))
	for i, d := range drafts {
		token, _ := m.allocateLocked(d.Category, day)
		o := copyOrder(d)
		o.Token = token
		o.DisplayToken = domain.DisplayToken(d.Category, token)
		o.CreatedAt, o.UpdatedAt = now, now
		m.orders[o.ID] = copyOrder(o)
		out[i] = o
	}
	return out, nil
}

func copyOrder(o domain.Order) domain.Order {
	o.Items = append([]domain.Item(nil), o.Items...)
	return o
}

func (m *MemoryAdapter) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	c := copyOrder(o)
	return &c, nil
}

func (m *MemoryAdapter) ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if (f.Category != "" && o.Category != f.Category) ||
			(f.Status != "" && o.Status != f.Status) ||
			(f.OwnerID != "" && o.OwnerID != f.OwnerID) {
			continue
		}
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Token < out[j].Token
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryAdapter) CompareAndSetStatus(ctx context.Context, id string, from, to domain.OrderStatus) error {
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
	o.UpdatedAt = time.Now().UTC()
	m.orders[id] = o
	return nil
}

func (m *MemoryAdapter) ResetDaily(ctx context.Context, day string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastReset >= day {
		return false, nil
	}
	m.orders = make(map[string]domain.Order)
	m.resetCountersLocked(domain.Categories(), day)
	m.lastReset = day
	return true, nil
}

func (m *MemoryAdapter) resetCountersLocked(categories []domain.Category, day string) {
	for _, c := range categories {
		m.counters[c] = &domain.CategoryCounter{Category: c, NextValue: c.Base(), ResetDate: day}
	}
}

func (m *MemoryAdapter) ForceReset(ctx context.Context, day string, opts domain.ResetOptions) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	if opts.PurgesOrders() {
		for id, o := range m.orders {
			if opts.Category == "" || o.Category == opts.Category {
				delete(m.orders, id)
				purged++
			}
		}
	}
	if opts.ResetCounters {
		if opts.Category != "" {
			m.resetCountersLocked([]domain.Category{opts.Category}, day)
		} else {
			m.resetCountersLocked(domain.Categories(), day)
			m.lastReset = day
		}
	}
	return purged, nil
}

func (m *MemoryAdapter) ListCounters(ctx context.Context) ([]domain.CategoryCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.CategoryCounter, 0, len(m.counters))
	for _, c := range domain.Categories() {
		out = append(out, *m.counters[c])
	}
	return out, nil
}

func (m *MemoryAdapter) ListMenuItems(ctx context.Context, category domain.Category) ([]domain.MenuItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MenuItem
	for _, it := range m.menu {
		if category == "" || it.Category == category {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryAdapter) GetMenuItem(ctx context.Context, id int64) (*domain.MenuItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.menu[id]
	if !ok {
		return nil, domain.ErrMenuItemNotFound
	}
	return &it, nil
}

func (m *MemoryAdapter) CreateMenuItem(ctx context.Context, item domain.MenuItem) (*domain.MenuItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	item.ID = m.nextMenu
	m.nextMenu++
	item.Version = 0
	item.CreatedAt, item.UpdatedAt = now, now
	m.menu[item.ID] = item
	return &item, nil
}

func (m *MemoryAdapter) UpdateMenuItem(ctx context.Context, item domain.MenuItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.menu[item.ID]
	if !ok {
		return domain.ErrMenuItemNotFound
	}
	if cur.Version != item.Version {
		return domain.ErrOptimisticLock
	}
	item.Version++
	item.CreatedAt = cur.CreatedAt
	item.UpdatedAt = time.Now().UTC()
	m.menu[item.ID] = item
	return nil
}

func (m *MemoryAdapter) DeleteMenuItem(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.menu[id]; !ok {
		return domain.ErrMenuItemNotFound
	}
	delete(m.menu, id)
	return nil
}

func (m *MemoryAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.keys[key]; ok && time.Now().Before(exp) {
		return false, nil
	}
	m.keys[key] = time.Now().Add(idempotencyKeyTTL)
	return true, nil
}

func (m *MemoryAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func (m *MemoryAdapter) failuresLocked(subject string) loginWindow {
	w := m.logins[subject]
	if !w.expires.IsZero() && time.Now().After(w.expires) {
		delete(m.logins, subject)
		return loginWindow{}
	}
	return w
}

func (m *MemoryAdapter) RegisterLoginFailure(ctx context.Context, subject string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.failuresLocked(subject)
	w.count++
	if w.count == 1 {
		w.expires = time.Now().Add(window)
	}
	m.logins[subject] = w
	return w.count, nil
}

func (m *MemoryAdapter) LoginFailures(ctx context.Context, subject string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failuresLocked(subject).count, nil
}

func (m *MemoryAdapter) ClearLoginFailures(ctx context.Context, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logins, subject)
	return nil
}

func (m *MemoryAdapter) CreateSession(ctx context.Context, s port.Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = memorySession{session: s, expires: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryAdapter) GetSession(ctx context.Context, id string) (*port.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || time.Now().After(s.expires) {
		return nil, nil
	}
	return &s.session, nil
}

func (m *MemoryAdapter) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryAdapter) Publish(ctx context.Context, event port.OrderEvent) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (m *MemoryAdapter) Subscribe(ctx context.Context) (<-chan port.OrderEvent, func(), error) {
	ch := make(chan port.OrderEvent, 16)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			m.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}
