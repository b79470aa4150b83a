package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/canteen-ledger/internal/core/domain"
	"github.com/rl1809/canteen-ledger/internal/metrics"
	"github.com/rl1809/canteen-ledger/internal/port"
)

var (
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrInvalidRequest   = errors.New("invalid request")
)

type Config struct {
	Location            *time.Location
	MaxAllocateAttempts int
	RetryBackoff        time.Duration
	NotifyWait          time.Duration
	CafeteriaName       string
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.MaxAllocateAttempts <= 0 {
		c.MaxAllocateAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 10 * time.Millisecond
	}
	if c.NotifyWait <= 0 {
		c.NotifyWait = 3 * time.Second
	}
	if c.CafeteriaName == "" {
		c.CafeteriaName = "Cafeteria"
	}
	return c
}

type Option func(*OrderService)

func WithEvents(p port.EventPublisher) Option { return func(s *OrderService) { s.events = p } }

func WithMetrics(m *metrics.Ledger) Option { return func(s *OrderService) { s.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(s *OrderService) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *OrderService) { s.now = now } }

// OrderService is the order ledger: token allocation, checkout, the status lifecycle and resets.
type OrderService struct {
	db         port.DatabaseRepository
	menu       port.MenuRepository
	cache      port.CacheRepository
	dispatcher *Dispatcher
	events     port.EventPublisher
	metrics    *metrics.Ledger
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time
}

func NewOrderService(db port.DatabaseRepository, menu port.MenuRepository, cache port.CacheRepository, dispatcher *Dispatcher, cfg Config, opts ...Option) *OrderService {
	s := &OrderService{
		db:         db,
		menu:       menu,
		cache:      cache,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Today is the ledger day key in the configured time zone.
func (s *OrderService) Today() string {
	return domain.Day(s.now(), s.cfg.Location)
}

// Allocate hands out the next token for category on day, rolling the ledger over first if day is new.
func (s *OrderService) Allocate(ctx context.Context, category domain.Category, day string) (int64, string, error) {
	if !category.Valid() {
		return 0, "", fmt.Errorf("%w: %q", domain.ErrInvalidCategory, category)
	}
	token, err := withRollover(ctx, s, day, func() (int64, error) {
		return s.db.AllocateToken(ctx, category, day)
	})
	if err != nil {
		return 0, "", fmt.Errorf("allocate %s token: %w", category, err)
	}
	s.metrics.ObserveAllocation(string(category), 1)
	return token, domain.DisplayToken(category, token), nil
}

// withRollover retries op after a lazy daily reset or a retryable store conflict.
func withRollover[T any](ctx context.Context, s *OrderService, day string, op func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAllocateAttempts; attempt++ {
		v, err := op()
		switch {
		case err == nil:
			return v, nil
		case errors.Is(err, domain.ErrCounterStale):
			s.metrics.ObserveRetry("stale_counter")
			if _, rerr := s.resetDaily(ctx, day, "lazy"); rerr != nil {
				return zero, rerr
			}
		case errors.Is(err, domain.ErrConcurrentAllocationConflict):
			s.metrics.ObserveRetry("conflict")
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(time.Duration(attempt) * s.cfg.RetryBackoff):
			}
		default:
			return zero, err
		}
		lastErr = err
	}
	if errors.Is(lastErr, domain.ErrConcurrentAllocationConflict) {
		return zero, lastErr
	}
	return zero, fmt.Errorf("%w: gave up after %d attempts: %v", domain.ErrConcurrentAllocationConflict, s.cfg.MaxAllocateAttempts, lastErr)
}

type CheckoutLine struct {
	MenuItemID int64
	Quantity   int
}

type CheckoutRequest struct {
	RequestID string
	OwnerID   string
	OwnerName string
	Contact   string
	Lines     []CheckoutLine
}

// Checkout splits the cart into one order per category and records them in payment_pending.
func (s *OrderService) Checkout(ctx context.Context, req CheckoutRequest) ([]domain.Order, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	if len(req.Lines) == 0 {
		return nil, domain.ErrEmptyOrder
	}

	var idempotencyKey string
	if req.RequestID != "" {
		idempotencyKey = fmt.Sprintf("checkout:%s:%s", req.OwnerID, req.RequestID)
		ok, err := s.cache.SetIdempotency(ctx, idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", err)
		}
		if !ok {
			return nil, ErrDuplicateRequest
		}
	}

	orders, err := s.checkout(ctx, req)
	if err != nil {
		if idempotencyKey != "" {
			if rerr := s.cache.ReleaseIdempotency(ctx, idempotencyKey); rerr != nil {
				s.logger.Error("release idempotency key", "key", idempotencyKey, "err", rerr)
			}
		}
		return nil, err
	}
	return orders, nil
}

func (s *OrderService) checkout(ctx context.Context, req CheckoutRequest) ([]domain.Order, error) {
	drafts, err := s.buildDrafts(ctx, req)
	if err != nil {
		return nil, err
	}

	day := s.Today()
	orders, err := withRollover(ctx, s, day, func() ([]domain.Order, error) {
		return s.db.CreateOrders(ctx, day, drafts)
	})
	if err != nil {
		return nil, fmt.Errorf("create orders: %w", err)
	}

	for _, o := range orders {
		s.metrics.ObserveAllocation(string(o.Category), 1)
		s.logger.Info("order created", "order_id", o.ID, "category", o.Category, "token", o.DisplayToken, "owner_id", o.OwnerID)
		s.publish(ctx, port.EventOrderCreated, o)
	}
	return orders, nil
}

func (s *OrderService) buildDrafts(ctx context.Context, req CheckoutRequest) ([]domain.Order, error) {
	byCategory := make(map[domain.Category]int)
	var drafts []domain.Order
	for i, line := range req.Lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line %d quantity must be positive", domain.ErrInvalidItem, i)
		}
		item, err := s.menu.GetMenuItem(ctx, line.MenuItemID)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		if !item.Available {
			return nil, fmt.Errorf("%w: %s", domain.ErrMenuItemUnavailable, item.Name)
		}
		if !item.Category.Valid() {
			return nil, fmt.Errorf("line %d: %w: %q", i, domain.ErrInvalidCategory, item.Category)
		}

		idx, ok := byCategory[item.Category]
		if !ok {
			idx = len(drafts)
			byCategory[item.Category] = idx
			drafts = append(drafts, domain.Order{
				ID:        uuid.NewString(),
				Category:  item.Category,
				Status:    domain.OrderStatusPaymentPending,
				OwnerID:   req.OwnerID,
				OwnerName: req.OwnerName,
				Contact:   req.Contact,
			})
		}
		drafts[idx].Items = append(drafts[idx].Items, domain.Item{
			Name:      item.Name,
			UnitPrice: item.Price,
			Quantity:  line.Quantity,
		})
	}

	for i := range drafts {
		if err := domain.ValidateItems(drafts[i].Items); err != nil {
			return nil, err
		}
		drafts[i].Total = domain.ComputeTotal(drafts[i].Items)
	}
	return drafts, nil
}

type TransitionResult struct {
	Order domain.Order
	// Warning carries a non-fatal notification failure; the transition itself succeeded.
	Warning error
}

// Advance moves an order one step along the lifecycle on behalf of stall staff.
// Staff cannot release an order to pending; only ConfirmPayment does that.
func (s *OrderService) Advance(ctx context.Context, orderID string, to domain.OrderStatus) (*TransitionResult, error) {
	return s.transition(ctx, orderID, to, func(o *domain.Order) error {
		if to != domain.OrderStatusPending {
			return nil
		}
		err := domain.CheckTransition(o.Status, to)
		if err == nil {
			err = &domain.TransitionError{From: o.Status, To: to, Err: domain.ErrInvalidTransition}
		}
		s.metrics.ObserveTransition(string(to), transitionLabel(err))
		return err
	})
}

// ConfirmPickup lets the purchasing student mark a ready order as collected.
func (s *OrderService) ConfirmPickup(ctx context.Context, orderID, ownerID string) (*TransitionResult, error) {
	return s.transition(ctx, orderID, domain.OrderStatusCompleted, func(o *domain.Order) error {
		if o.OwnerID != ownerID {
			return domain.ErrNotOwner
		}
		return nil
	})
}

// ConfirmPayment consumes the payment signal for an order set and releases each order to the stall.
func (s *OrderService) ConfirmPayment(ctx context.Context, paymentRef string, orderIDs []string) ([]domain.Order, error) {
	if paymentRef == "" || len(orderIDs) == 0 {
		return nil, fmt.Errorf("%w: payment reference and orders are required", ErrInvalidRequest)
	}
	key := "payment:" + paymentRef
	ok, err := s.cache.SetIdempotency(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		return nil, ErrDuplicateRequest
	}

	var confirmed []domain.Order
	var errs []error
	for _, id := range orderIDs {
		res, err := s.transition(ctx, id, domain.OrderStatusPending, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", id, err))
			continue
		}
		confirmed = append(confirmed, res.Order)
	}

	if len(confirmed) == 0 {
		if rerr := s.cache.ReleaseIdempotency(ctx, key); rerr != nil {
			s.logger.Error("release idempotency key", "key", key, "err", rerr)
		}
	}
	return confirmed, errors.Join(errs...)
}

func (s *OrderService) transition(ctx context.Context, orderID string, to domain.OrderStatus, guard func(*domain.Order) error) (*TransitionResult, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if guard != nil {
		if err := guard(order); err != nil {
			return nil, err
		}
	}

	from := order.Status
	if err := domain.CheckTransition(from, to); err != nil {
		s.metrics.ObserveTransition(string(to), transitionLabel(err))
		return nil, err
	}

	if err := s.db.CompareAndSetStatus(ctx, orderID, from, to); err != nil {
		if !errors.Is(err, domain.ErrStatusConflict) {
			s.metrics.ObserveTransition(string(to), "error")
			return nil, fmt.Errorf("update order %s status: %w", orderID, err)
		}
		err = s.explainConflict(ctx, orderID, from, to)
		s.metrics.ObserveTransition(string(to), transitionLabel(err))
		return nil, err
	}
	s.metrics.ObserveTransition(string(to), "ok")

	order.Status = to
	order.UpdatedAt = s.now()
	s.logger.Info("order status changed", "order_id", order.ID, "token", order.DisplayToken, "from", from, "status", to)
	s.publish(ctx, port.EventOrderStatusChanged, *order)

	res := &TransitionResult{Order: *order}
	if to == domain.OrderStatusReady {
		res.Warning = s.notifyReady(ctx, *order)
	}
	return res, nil
}

// explainConflict reloads an order whose compare-and-set lost a race and reports why the edge is no longer valid.
func (s *OrderService) explainConflict(ctx context.Context, orderID string, from, to domain.OrderStatus) error {
	current, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if cerr := domain.CheckTransition(current.Status, to); cerr != nil {
		return cerr
	}
	return &domain.TransitionError{From: from, To: to, Err: domain.ErrStatusConflict}
}

func (s *OrderService) notifyReady(ctx context.Context, order domain.Order) error {
	if s.dispatcher == nil || order.Contact == "" {
		return nil
	}
	result := s.dispatcher.Dispatch(NotificationJob{
		OrderID:     order.ID,
		Destination: order.Contact,
		Message:     ReadyMessage(s.cfg.CafeteriaName, order.DisplayToken),
	})

	timer := time.NewTimer(s.cfg.NotifyWait)
	defer timer.Stop()

	var err error
	select {
	case err = <-result:
	case <-timer.C:
		err = fmt.Errorf("%w: no delivery confirmation within %s", domain.ErrNotificationFailed, s.cfg.NotifyWait)
	case <-ctx.Done():
		err = fmt.Errorf("%w: %v", domain.ErrNotificationFailed, ctx.Err())
	}
	if err != nil {
		s.logger.Warn("ready notification not confirmed", "order_id", order.ID, "token", order.DisplayToken, "err", err)
	}
	return err
}

// ResetDaily purges the ledger at most once per day. It backs both lazy rollover and the scheduled trigger.
func (s *OrderService) ResetDaily(ctx context.Context, day string) (bool, error) {
	return s.resetDaily(ctx, day, "daily")
}

func (s *OrderService) resetDaily(ctx context.Context, day, kind string) (bool, error) {
	applied, err := s.db.ResetDaily(ctx, day)
	if err != nil {
		return false, fmt.Errorf("daily reset: %w", err)
	}
	s.metrics.ObserveReset(kind, applied)
	if applied {
		s.logger.Info("ledger reset", "kind", kind, "day", day)
		s.publish(ctx, port.EventOrdersReset, domain.Order{})
	}
	return applied, nil
}

// ForceReset is the destructive admin reset; it always applies.
func (s *OrderService) ForceReset(ctx context.Context, opts domain.ResetOptions) (int64, error) {
	if opts.Category != "" && !opts.Category.Valid() {
		return 0, fmt.Errorf("%w: %q", domain.ErrInvalidCategory, opts.Category)
	}
	opts.DeleteOrders = opts.PurgesOrders()
	day := s.Today()
	purged, err := s.db.ForceReset(ctx, day, opts)
	if err != nil {
		return 0, fmt.Errorf("manual reset: %w", err)
	}
	s.metrics.ObserveReset("manual", true)
	s.logger.Info("ledger reset", "kind", "manual", "day", day, "category", opts.Category,
		"delete_orders", opts.DeleteOrders, "reset_counters", opts.ResetCounters, "purged", purged)
	s.publish(ctx, port.EventOrdersReset, domain.Order{Category: opts.Category})
	return purged, nil
}

func (s *OrderService) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.db.GetOrder(ctx, id)
}

func (s *OrderService) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	if filter.Category != "" && !filter.Category.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidCategory, filter.Category)
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 500
	}
	return s.db.ListOrders(ctx, filter)
}

func (s *OrderService) ListCounters(ctx context.Context) ([]domain.CategoryCounter, error) {
	return s.db.ListCounters(ctx)
}

func (s *OrderService) publish(ctx context.Context, eventType string, o domain.Order) {
	if s.events == nil {
		return
	}
	ev := port.OrderEvent{
		EventID:      uuid.NewString(),
		Type:         eventType,
		OrderID:      o.ID,
		Category:     string(o.Category),
		DisplayToken: o.DisplayToken,
		Status:       string(o.Status),
		OccurredAt:   s.now().UTC(),
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish order event", "type", eventType, "order_id", o.ID, "err", err)
	}
}

func transitionLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrAlreadyCompleted):
		return "already_completed"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrStatusConflict):
		return "conflict"
	default:
		return "error"
	}
}
