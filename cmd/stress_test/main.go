package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/canteen-ledger/internal/adapter/storage"
	"github.com/rl1809/canteen-ledger/internal/config"
	"github.com/rl1809/canteen-ledger/internal/core/domain"
	"github.com/rl1809/canteen-ledger/internal/core/service"
	"github.com/rl1809/canteen-ledger/internal/port"
)

const (
	totalRequests = 300
	mixedEvery    = 5 // every fifth student buys from two stalls at once
)

type ledgerStore interface {
	port.DatabaseRepository
	port.MenuRepository
	EnsureSchema(ctx context.Context) error
}

// The stress run hammers checkout concurrently and then checks that every category
// handed out a gap-free, duplicate-free run of tokens starting at its base.
// STORE_DRIVER picks the backend (mysql, postgres or memory); the ledger is wiped first.
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("failed to ensure schema: %v", err)
	}

	cache := storage.NewMemoryAdapter()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	orderService := service.NewOrderService(store, store, cache, nil,
		service.Config{Location: cfg.Ledger.Location, MaxAllocateAttempts: 20},
		service.WithLogger(quiet))

	// Clear previous test data
	if _, err := store.ForceReset(ctx, orderService.Today(), domain.ResetOptions{DeleteOrders: true, ResetCounters: true}); err != nil {
		log.Fatalf("failed to reset ledger: %v", err)
	}

	menu := make(map[domain.Category]int64)
	for _, c := range domain.Categories() {
		it, err := store.CreateMenuItem(ctx, domain.MenuItem{
			Name:      "Stress " + c.Name(),
			Category:  c,
			Price:     decimal.NewFromInt(10),
			Available: true,
		})
		if err != nil {
			log.Fatalf("failed to seed menu: %v", err)
		}
		menu[c] = it.ID
	}
	categories := domain.Categories()

	var successCount atomic.Int32
	var failCount atomic.Int32
	var conflictCount atomic.Int32

	var mu sync.Mutex
	tokens := make(map[domain.Category][]int64)

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			lines := []service.CheckoutLine{{MenuItemID: menu[categories[n%len(categories)]], Quantity: 1}}
			if n%mixedEvery == 0 {
				lines = append(lines, service.CheckoutLine{MenuItemID: menu[categories[(n+1)%len(categories)]], Quantity: 2})
			}

			orders, err := orderService.Checkout(ctx, service.CheckoutRequest{
				RequestID: uuid.NewString(),
				OwnerID:   fmt.Sprintf("student-%d", n),
				Lines:     lines,
			})
			if err != nil {
				failCount.Add(1)
				if errors.Is(err, domain.ErrConcurrentAllocationConflict) {
					conflictCount.Add(1)
				}
				return
			}
			successCount.Add(1)

			mu.Lock()
			for _, o := range orders {
				tokens[o.Category] = append(tokens[o.Category], o.Token)
			}
			mu.Unlock()
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Store Driver:     %s\n", cfg.Store.Driver)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", successCount.Load())
	fmt.Printf("Failed:           %d (conflicts: %d)\n", failCount.Load(), conflictCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	pass := true
	for _, c := range categories {
		got := tokens[c]
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		ok := true
		for i, tok := range got {
			if tok != c.Base()+int64(i) {
				ok = false
				break
			}
		}
		first, last := "-", "-"
		if len(got) > 0 {
			first, last = domain.DisplayToken(c, got[0]), domain.DisplayToken(c, got[len(got)-1])
		}
		if ok {
			fmt.Printf("PASS: %-8s %3d tokens %s..%s, no gaps or duplicates\n", c.Name(), len(got), first, last)
		} else {
			pass = false
			fmt.Printf("FAIL: %-8s tokens are not contiguous from %d: %v\n", c.Name(), c.Base(), got)
		}
	}

	counters, err := store.ListCounters(ctx)
	if err != nil {
		log.Fatalf("failed to read counters: %v", err)
	}
	for _, c := range counters {
		want := c.Category.Base() + int64(len(tokens[c.Category]))
		if c.NextValue != want {
			pass = false
			fmt.Printf("FAIL: %s counter at %d, expected %d\n", c.Category, c.NextValue, want)
		}
	}

	if pass {
		fmt.Println("PASS: counters match issued tokens")
	}
}

func openStore(ctx context.Context, cfg *config.Config) (ledgerStore, func()) {
	switch cfg.Store.Driver {
	case "mysql":
		db, err := storage.OpenMySQL(ctx, cfg.Store.MySQLDSN)
		if err != nil {
			log.Fatalf("failed to connect mysql: %v", err)
		}
		db.SetMaxOpenConns(50)
		return storage.NewMySQLAdapter(db), func() { db.Close() }
	case "postgres":
		pool, err := storage.OpenPostgres(ctx, cfg.Store.PostgresURL)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		return storage.NewPostgresAdapter(pool), pool.Close
	default:
		return storage.NewMemoryAdapter(), func() {}
	}
}
