// Package risk defines the account data model shared across the engine and
// the policy brain that turns one account snapshot into one enforcement
// action.
package risk

import "time"

// OrderSide mirrors the gateway wire encoding.
type OrderSide int

const (
	SideBuy  OrderSide = 0 // bid
	SideSell OrderSide = 1 // ask
)

// OrderType mirrors the gateway wire encoding. Value 3 (stop limit) exists
// on the wire even though the engine never places one.
type OrderType int

const (
	TypeUnknown      OrderType = 0
	TypeLimit        OrderType = 1
	TypeMarket       OrderType = 2
	TypeStopLimit    OrderType = 3
	TypeStop         OrderType = 4
	TypeTrailingStop OrderType = 5
	TypeJoinBid      OrderType = 6
	TypeJoinAsk      OrderType = 7
)

// OrderStatus mirrors the gateway wire encoding. Transitions are monotonic:
// an order never returns to Open once it has left it.
type OrderStatus int

const (
	StatusNone      OrderStatus = 0
	StatusOpen      OrderStatus = 1
	StatusFilled    OrderStatus = 2
	StatusCancelled OrderStatus = 3
	StatusExpired   OrderStatus = 4
	StatusRejected  OrderStatus = 5
	StatusPending   OrderStatus = 6
)

// PositionSide is derived from the sign of a position's size; it is never
// stored separately.
type PositionSide int

const (
	Flat  PositionSide = 0
	Long  PositionSide = 1
	Short PositionSide = 2
)

// Position is one open position as reported by the gateway. Size sign
// encodes direction: positive long, negative short.
type Position struct {
	ContractID   string  `json:"contractId"`
	Size         int     `json:"size"`
	AveragePrice float64 `json:"averagePrice"`
}

// Side derives the position direction from the size sign.
func (p Position) Side() PositionSide {
	switch {
	case p.Size > 0:
		return Long
	case p.Size < 0:
		return Short
	default:
		return Flat
	}
}

// AbsSize returns the unsigned contract count.
func (p Position) AbsSize() int {
	if p.Size < 0 {
		return -p.Size
	}
	return p.Size
}

// Order is one order as reported by the gateway. Limit, stop, and filled
// prices are optional on the wire.
type Order struct {
	OrderID     string      `json:"orderId"`
	ContractID  string      `json:"contractId"`
	Status      OrderStatus `json:"status"`
	Type        OrderType   `json:"type"`
	Side        OrderSide   `json:"side"`
	Size        int         `json:"size"`
	LimitPrice  *float64    `json:"limitPrice,omitempty"`
	StopPrice   *float64    `json:"stopPrice,omitempty"`
	FilledPrice *float64    `json:"filledPrice,omitempty"`
}

// EvaluationContext is the per-tick account snapshot handed to the brain.
// It is created fresh each tick and discarded after the audit record is
// written.
type EvaluationContext struct {
	AccountID     string     `json:"accountId"`
	Positions     []Position `json:"positions"`
	Orders        []Order    `json:"orders"`
	DayPnL        float64    `json:"dayPnl"`
	Timestamp     time.Time  `json:"timestamp"`
	CorrelationID string     `json:"correlationId"`
}

// ActionKind tags the enforcement action variants.
type ActionKind string

const (
	ActionNoop         ActionKind = "noop"
	ActionCancelOrders ActionKind = "cancel_orders"
	ActionReduce       ActionKind = "reduce"
	ActionFlatten      ActionKind = "flatten"
	ActionLockout      ActionKind = "lockout"
)

// Severity orders actions from benign to critical. The brain only ever
// escalates: a higher tier short-circuits everything below it.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Action is the tagged variant the executor dispatches on. ContractID
// scopes CancelOrders and names the Reduce target; Qty and Until apply to
// Reduce and Lockout respectively.
type Action struct {
	Kind       ActionKind `json:"kind"`
	ContractID string     `json:"contractId,omitempty"`
	Qty        int        `json:"qty,omitempty"`
	Until      time.Time  `json:"until,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// ActionPlan is the single decisive outcome of one evaluation.
type ActionPlan struct {
	AccountID     string   `json:"accountId"`
	Action        Action   `json:"action"`
	Severity      Severity `json:"severity"`
	Reason        string   `json:"reason"`
	CorrelationID string   `json:"correlationId"`
}

// TotalContracts sums unsigned position sizes.
func TotalContracts(positions []Position) int {
	total := 0
	for _, p := range positions {
		total += p.AbsSize()
	}
	return total
}

// Exposure sums |size| * averagePrice across positions.
func Exposure(positions []Position) float64 {
	total := 0.0
	for _, p := range positions {
		total += float64(p.AbsSize()) * p.AveragePrice
	}
	return total
}

// LargestPosition returns the position with the greatest unsigned size,
// or false when there are none. Ties keep the earliest snapshot entry so
// evaluation stays deterministic.
func LargestPosition(positions []Position) (Position, bool) {
	if len(positions) == 0 {
		return Position{}, false
	}
	best := positions[0]
	for _, p := range positions[1:] {
		if p.AbsSize() > best.AbsSize() {
			best = p
		}
	}
	return best, true
}

// OpenOrders filters the snapshot down to working orders. Pending orders
// are queued at the venue but still cancellable, so they count.
func OpenOrders(orders []Order) []Order {
	out := make([]Order, 0, len(orders))
	for _, o := range orders {
		if o.Status == StatusOpen || o.Status == StatusPending {
			out = append(out, o)
		}
	}
	return out
}
