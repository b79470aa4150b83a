package domain

type OrderStatus string

const (
	OrderStatusPaymentPending OrderStatus = "payment_pending"
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusPreparing      OrderStatus = "preparing"
	OrderStatusReady          OrderStatus = "ready"
	OrderStatusCompleted      OrderStatus = "completed"
)

// nextStatus is the complete transition table; the lifecycle is strictly linear.
var nextStatus = map[OrderStatus]OrderStatus{
	OrderStatusPaymentPending: OrderStatusPending,
	OrderStatusPending:        OrderStatusPreparing,
	OrderStatusPreparing:      OrderStatusReady,
	OrderStatusReady:          OrderStatusCompleted,
}

var statusRank = map[OrderStatus]int{
	OrderStatusPaymentPending: 0,
	OrderStatusPending:        1,
	OrderStatusPreparing:      2,
	OrderStatusReady:          3,
	OrderStatusCompleted:      4,
}

func ParseOrderStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(s)
	_, ok := statusRank[st]
	return st, ok
}

func (s OrderStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Rank orders statuses along the lifecycle; unknown statuses rank -1.
func (s OrderStatus) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

func (s OrderStatus) Next() (OrderStatus, bool) {
	n, ok := nextStatus[s]
	return n, ok
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted
}

// Active reports whether the order is waiting at the counter (paid but not collected).
func (s OrderStatus) Active() bool {
	return s == OrderStatusPending || s == OrderStatusPreparing || s == OrderStatusReady
}

// CheckTransition validates a single edge against the transition table.
func CheckTransition(from, to OrderStatus) error {
	if from == OrderStatusCompleted {
		return &TransitionError{From: from, To: to, Err: ErrAlreadyCompleted}
	}
	next, ok := nextStatus[from]
	if !ok || next != to {
		return &TransitionError{From: from, To: to, Err: ErrInvalidTransition}
	}
	return nil
}
