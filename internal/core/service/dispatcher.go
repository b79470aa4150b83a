package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rl1809/canteen-ledger/internal/core/domain"
	"github.com/rl1809/canteen-ledger/internal/metrics"
	"github.com/rl1809/canteen-ledger/internal/port"
)

type NotificationJob struct {
	OrderID     string
	Destination string
	Message     string
}

type dispatchRequest struct {
	job    NotificationJob
	result chan error
}

// Dispatcher delivers notifications on a fixed worker pool, detached from the request that triggered them.
type Dispatcher struct {
	notifier port.Notifier
	queue    chan dispatchRequest
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Ledger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(notifier port.Notifier, workers, queueSize int, timeout time.Duration, logger *slog.Logger, m *metrics.Ledger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		notifier: notifier,
		queue:    make(chan dispatchRequest, queueSize),
		timeout:  timeout,
		logger:   logger,
		metrics:  m,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.workerLoop(id)
		}(i)
	}
	return d
}

// Dispatch enqueues job without blocking. The returned channel receives exactly one result.
func (d *Dispatcher) Dispatch(job NotificationJob) <-chan error {
	res := make(chan error, 1)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		res <- fmt.Errorf("%w: dispatcher closed", domain.ErrNotificationFailed)
		return res
	}
	select {
	case d.queue <- dispatchRequest{job: job, result: res}:
	default:
		d.metrics.ObserveNotification(domain.ErrNotificationFailed)
		res <- fmt.Errorf("%w: queue full", domain.ErrNotificationFailed)
	}
	return res
}

// Close stops accepting jobs and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(id int) {
	for req := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.notifier.Send(ctx, req.job.Destination, req.job.Message)
		cancel()

		if err != nil {
			err = fmt.Errorf("%w: order %s: %v", domain.ErrNotificationFailed, req.job.OrderID, err)
			d.logger.Warn("notification failed", "worker", id, "order_id", req.job.OrderID, "err", err)
		} else {
			d.logger.Info("notification sent", "worker", id, "order_id", req.job.OrderID)
		}
		d.metrics.ObserveNotification(err)
		req.result <- err
	}
}

// ReadyMessage is the pickup text sent when an order reaches ready.
func ReadyMessage(cafeteria, displayToken string) string {
	return fmt.Sprintf("%s: Your order (Token: %s) is ready for collection. Please collect it from the counter.", cafeteria, displayToken)
}
