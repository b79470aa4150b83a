package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/canteen-ledger/internal/core/domain"
	"github.com/rl1809/canteen-ledger/internal/port"
)

type ledgerStore interface {
	port.DatabaseRepository
	port.MenuRepository
	EnsureSchema(ctx context.Context) error
}

const testDay = "2026-10-19"

// freshLedger wipes the store and rolls it over to testDay.
func freshLedger(t *testing.T, store ledgerStore) {
	t.Helper()
	ctx := context.Background()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if _, err := store.ForceReset(ctx, testDay, domain.ResetOptions{DeleteOrders: true, ResetCounters: true}); err != nil {
		t.Fatalf("reset: %v", err)
	}
}

func draft(category domain.Category, name string, price string, qty int) domain.Order {
	items := []domain.Item{{Name: name, UnitPrice: decimal.RequireFromString(price), Quantity: qty}}
	return domain.Order{
		ID:       uuid.NewString(),
		Category: category,
		Items:    items,
		Total:    domain.ComputeTotal(items),
		Status:   domain.OrderStatusPaymentPending,
		OwnerID:  "student-1",
		Contact:  "9876543210",
	}
}

func runLedgerContract(t *testing.T, store ledgerStore) {
	t.Run("SequentialAllocation", func(t *testing.T) {
		freshLedger(t, store)
		ctx := context.Background()
		for want := int64(1); want <= 3; want++ {
			got, err := store.AllocateToken(ctx, domain.CategoryCanteen, testDay)
			if err != nil {
				t.Fatalf("allocate: %v", err)
			}
			if got != want {
				t.Errorf("expected token %d, got %d", want, got)
			}
		}
	})

	t.Run("StaleCounter", func(t *testing.T) {
		freshLedger(t, store)
		_, err := store.AllocateToken(context.Background(), domain.CategoryFries, "2026-10-20")
		if !errors.Is(err, domain.ErrCounterStale) {
			t.Errorf("expected ErrCounterStale, got: %v", err)
		}
	})

	t.Run("ConcurrentAllocation", func(t *testing.T) {
		freshLedger(t, store)
		ctx := context.Background()

		var mu sync.Mutex
		seen := make(map[int64]bool)
		var failCount atomic.Int32
		var wg sync.WaitGroup
		total := 50

		for i := 0; i < total; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				token, err := store.AllocateToken(ctx, domain.CategorySandwich, testDay)
				if err != nil {
					failCount.Add(1)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if seen[token] {
					t.Errorf("duplicate token %d", token)
				}
				seen[token] = true
			}()
		}
		wg.Wait()

		if failCount.Load() != 0 {
			t.Fatalf("expected no failures, got %d", failCount.Load())
		}
		for v := int64(801); v < int64(801+total); v++ {
			if !seen[v] {
				t.Errorf("gap at token %d", v)
			}
		}
	})

	t.Run("CreateOrdersAndCAS", func(t *testing.T) {
		freshLedger(t, store)
		ctx := context.Background()

		created, err := store.CreateOrders(ctx, testDay, []domain.Order{
			draft(domain.CategoryFries, "Peri Peri Fries", "40", 2),
			draft(domain.CategoryCanteen, "Veg Puff", "15.50", 1),
		})
		if err != nil {
			t.Fatalf("create orders: %v", err)
		}
		if created[0].DisplayToken != "FRY501" || created[1].DisplayToken != "CAN001" {
			t.Errorf("unexpected tokens: %s %s", created[0].DisplayToken, created[1].DisplayToken)
		}

		stored, err := store.GetOrder(ctx, created[1].ID)
		if err != nil {
			t.Fatalf("get order: %v", err)
		}
		if !stored.TotalConsistent() || !stored.Total.Equal(decimal.RequireFromString("15.50")) {
			t.Errorf("unexpected stored total %s", stored.Total)
		}

		id := created[0].ID
		if err := store.CompareAndSetStatus(ctx, id, domain.OrderStatusPaymentPending, domain.OrderStatusPending); err != nil {
			t.Fatalf("cas: %v", err)
		}
		err = store.CompareAndSetStatus(ctx, id, domain.OrderStatusPaymentPending, domain.OrderStatusPending)
		if !errors.Is(err, domain.ErrStatusConflict) {
			t.Errorf("expected ErrStatusConflict, got: %v", err)
		}
		err = store.CompareAndSetStatus(ctx, "missing", domain.OrderStatusPending, domain.OrderStatusPreparing)
		if !errors.Is(err, domain.ErrOrderNotFound) {
			t.Errorf("expected ErrOrderNotFound, got: %v", err)
		}

		pending, err := store.ListOrders(ctx, domain.OrderFilter{Status: domain.OrderStatusPending})
		if err != nil || len(pending) != 1 || pending[0].ID != id {
			t.Errorf("unexpected pending list: %v %+v", err, pending)
		}
	})

	t.Run("FailedInsertBurnsNoToken", func(t *testing.T) {
		freshLedger(t, store)
		ctx := context.Background()

		d := draft(domain.CategoryCanteen, "Tea", "10", 1)
		if _, err := store.CreateOrders(ctx, testDay, []domain.Order{d}); err != nil {
			t.Fatalf("create: %v", err)
		}
		// same primary key: the insert fails after the counter was incremented
		if _, err := store.CreateOrders(ctx, testDay, []domain.Order{d}); err == nil {
			t.Fatal("expected duplicate id to fail")
		}
		token, err := store.AllocateToken(ctx, domain.CategoryCanteen, testDay)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if token != 2 {
			t.Errorf("expected token 2 after rolled back insert, got %d", token)
		}
	})

	t.Run("ResetDailyIdempotent", func(t *testing.T) {
		freshLedger(t, store)
		ctx := context.Background()
		if _, err := store.CreateOrders(ctx, testDay, []domain.Order{draft(domain.CategoryCanteen, "Tea", "10", 1)}); err != nil {
			t.Fatalf("create: %v", err)
		}

		applied, err := store.ResetDaily(ctx, testDay)
		if err != nil || applied {
			t.Fatalf("same-day reset should be a no-op: applied=%v err=%v", applied, err)
		}

		next := "2026-10-20"
		var appliedCount atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.ResetDaily(ctx, next)
				if err != nil {
					t.Errorf("reset: %v", err)
				}
				if ok {
					appliedCount.Add(1)
				}
			}()
		}
		wg.Wait()
		if appliedCount.Load() != 1 {
			t.Errorf("expected exactly one applied reset, got %d", appliedCount.Load())
		}

		orders, _ := store.ListOrders(ctx, domain.OrderFilter{})
		if len(orders) != 0 {
			t.Errorf("expected orders purged, got %d", len(orders))
		}
		counters, err := store.ListCounters(ctx)
		if err != nil {
			t.Fatalf("list counters: %v", err)
		}
		for _, c := range counters {
			if c.NextValue != c.Category.Base() || c.ResetDate != next {
				t.Errorf("counter %s not reset: %+v", c.Category, c)
			}
		}
	})

	t.Run("CounterResetPurgesOrders", func(t *testing.T) {
		freshLedger(t, store)
		ctx := context.Background()

		first, err := store.CreateOrders(ctx, testDay, []domain.Order{
			draft(domain.CategoryCanteen, "Tea", "10", 1),
			draft(domain.CategoryFries, "Salted Fries", "35", 1),
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		purged, err := store.ForceReset(ctx, testDay, domain.ResetOptions{Category: domain.CategoryCanteen, ResetCounters: true})
		if err != nil {
			t.Fatalf("reset: %v", err)
		}
		if purged != 1 {
			t.Errorf("expected the canteen order purged with its counter, got %d", purged)
		}

		second, err := store.CreateOrders(ctx, testDay, []domain.Order{draft(domain.CategoryCanteen, "Coffee", "12", 1)})
		if err != nil {
			t.Fatalf("create after counter reset: %v", err)
		}
		if second[0].DisplayToken != first[0].DisplayToken {
			t.Errorf("expected rewound token %s, got %s", first[0].DisplayToken, second[0].DisplayToken)
		}

		live, err := store.ListOrders(ctx, domain.OrderFilter{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		seen := make(map[string]string)
		for _, o := range live {
			if prev, dup := seen[o.DisplayToken]; dup {
				t.Errorf("token %s held by orders %s and %s", o.DisplayToken, prev, o.ID)
			}
			seen[o.DisplayToken] = o.ID
		}
		if len(live) != 2 || seen["FRY501"] != first[1].ID {
			t.Errorf("expected the fries order untouched and one canteen order, got %+v", live)
		}
	})

	t.Run("MenuOptimisticLock", func(t *testing.T) {
		freshLedger(t, store)
		ctx := context.Background()

		item, err := store.CreateMenuItem(ctx, domain.MenuItem{
			Name: "Club Sandwich", Category: domain.CategorySandwich, Price: decimal.RequireFromString("80.50"), Available: true,
		})
		if err != nil {
			t.Fatalf("create menu item: %v", err)
		}
		defer store.DeleteMenuItem(ctx, item.ID)

		item.Available = false
		if err := store.UpdateMenuItem(ctx, *item); err != nil {
			t.Fatalf("update: %v", err)
		}
		// stale version
		if err := store.UpdateMenuItem(ctx, *item); !errors.Is(err, domain.ErrOptimisticLock) {
			t.Errorf("expected ErrOptimisticLock, got: %v", err)
		}

		got, err := store.GetMenuItem(ctx, item.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Available || got.Version != item.Version+1 || !got.Price.Equal(item.Price) {
			t.Errorf("unexpected stored item: %+v", got)
		}
	})
}

// runNewCategorySeed removes a counter row with drop and checks that EnsureSchema
// brings it back allocatable on the current ledger day.
func runNewCategorySeed(t *testing.T, store ledgerStore, drop func(ctx context.Context, c domain.Category) error) {
	freshLedger(t, store)
	ctx := context.Background()

	if err := drop(ctx, domain.CategoryFries); err != nil {
		t.Fatalf("drop counter: %v", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	token, err := store.AllocateToken(ctx, domain.CategoryFries, testDay)
	if err != nil {
		t.Fatalf("allocate on reseeded counter: %v", err)
	}
	if token != domain.CategoryFries.Base() {
		t.Errorf("expected token %d, got %d", domain.CategoryFries.Base(), token)
	}
}
