package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/canteen-ledger/internal/port"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestSetIdempotency_Success(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	// Setup
	adapter.ReleaseIdempotency(ctx, "test-idem-key")

	ok, err := adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected first call to succeed")
	}

	ok, err = adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second call to fail")
	}

	// Released keys can be claimed again
	if err := adapter.ReleaseIdempotency(ctx, "test-idem-key"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	ok, _ = adapter.SetIdempotency(ctx, "test-idem-key")
	if !ok {
		t.Error("expected claim after release to succeed")
	}
}

func TestSetIdempotency_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	adapter.ReleaseIdempotency(ctx, "concurrent-idem-key")

	var successCount atomic.Int32
	var wg sync.WaitGroup
	concurrency := 100

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.SetIdempotency(ctx, "concurrent-idem-key")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 success, got %d", successCount.Load())
	}
}

func TestLoginFailures_Window(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	adapter.ClearLoginFailures(ctx, "fries-admin")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := adapter.RegisterLoginFailure(ctx, "fries-admin", time.Minute); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	n, err := adapter.LoginFailures(ctx, "fries-admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 10 {
		t.Errorf("expected 10 failures, got %d", n)
	}
	ttl := client.PTTL(ctx, loginFailurePrefix+"fries-admin").Val()
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("expected window ttl set once, got %s", ttl)
	}

	adapter.ClearLoginFailures(ctx, "fries-admin")
	if n, _ := adapter.LoginFailures(ctx, "fries-admin"); n != 0 {
		t.Errorf("expected 0 after clear, got %d", n)
	}
}

func TestSession_Lifecycle(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	s := port.Session{ID: "test-session", Subject: "canteen-admin", Role: port.RoleAdmin, Category: "can"}
	if err := adapter.CreateSession(ctx, s, time.Minute); err != nil {
		t.Fatalf("create session: %v", err)
	}
	got, err := adapter.GetSession(ctx, s.ID)
	if err != nil || got == nil || *got != s {
		t.Fatalf("unexpected session: %+v %v", got, err)
	}

	adapter.DeleteSession(ctx, s.ID)
	got, err = adapter.GetSession(ctx, s.ID)
	if err != nil || got != nil {
		t.Errorf("expected missing session, got %+v %v", got, err)
	}
}

func TestPubSub_OrderEvents(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()
	adapter := NewRedisAdapter(client)

	events, cancel, err := adapter.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	sent := port.OrderEvent{EventID: "e1", Type: port.EventOrderStatusChanged, DisplayToken: "CAN001", Status: "ready"}
	if err := adapter.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-events:
		if got.EventID != sent.EventID || got.DisplayToken != "CAN001" {
			t.Errorf("unexpected event: %+v", got)
		}
	case <-ctx.Done():
		t.Fatal("event not received")
	}
}
