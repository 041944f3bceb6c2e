// Package enforce turns a decided ActionPlan into gateway calls, honoring
// dry-run mode and idempotence.
package enforce

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"riskguard/internal/lockout"
	"riskguard/internal/metrics"
	"riskguard/internal/risk"
)

// Gateway is the slice of the broker client the executor needs. The
// concrete gateway.Client satisfies it; tests inject fakes.
type Gateway interface {
	OpenOrders(ctx context.Context, accountID string) ([]risk.Order, error)
	OpenPositions(ctx context.Context, accountID string) ([]risk.Position, error)
	CancelOrder(ctx context.Context, accountID, orderID string) error
	PlaceMarketOrder(ctx context.Context, accountID, contractID string, side risk.OrderSide, size int) (string, error)
	ClosePosition(ctx context.Context, accountID, contractID string) error
}

// Result tracks per-sub-step outcomes of one Apply. The gateway offers no
// multi-call atomicity, so counts and failures are reported individually
// rather than as one all-or-nothing verdict.
type Result struct {
	Applied         bool   `json:"applied"`
	DryRun          bool   `json:"dry_run"`
	Skipped         bool   `json:"skipped"`
	OrdersCancelled int    `json:"orders_cancelled"`
	PositionsClosed int    `json:"positions_closed"`
	OrdersPlaced    int    `json:"orders_placed"`
	Failures        int    `json:"failures"`
	Error           string `json:"error,omitempty"`

	// Err is fatal to the current tick; the plan must be retried on the
	// next cycle rather than silently dropped.
	Err error `json:"-"`
}

// Executor applies action plans against the gateway.
type Executor struct {
	gw    Gateway
	locks *lockout.Store
	log   zerolog.Logger
}

// New wires the executor.
func New(gw Gateway, locks *lockout.Store, log zerolog.Logger) *Executor {
	return &Executor{gw: gw, locks: locks, log: log}
}

// Apply executes one plan. Re-applying a plan that is already satisfied
// (flatten on a flat account, cancel with nothing open) is a success, not
// an error.
func (e *Executor) Apply(ctx context.Context, plan risk.ActionPlan, dryRun bool) Result {
	if plan.Action.Kind == risk.ActionNoop {
		return Result{Applied: true, DryRun: dryRun}
	}
	metrics.ActionsTotal.WithLabelValues(plan.AccountID, string(plan.Action.Kind)).Inc()

	if dryRun {
		e.log.Info().Str("account", plan.AccountID).Str("action", string(plan.Action.Kind)).
			Str("correlation", plan.CorrelationID).Str("reason", plan.Reason).
			Msg("dry run: action recorded, not submitted")
		return Result{Applied: true, DryRun: true}
	}

	// A locked account gets no further mutating calls. The Lockout action
	// itself only touches the lock store, so overwriting is allowed.
	if plan.Action.Kind != risk.ActionLockout {
		state, _, err := e.locks.Check(plan.AccountID)
		if err != nil {
			return Result{Err: fmt.Errorf("lockout check: %w", err)}
		}
		if state == lockout.Active {
			e.log.Warn().Str("account", plan.AccountID).Msg("account locked, enforcement skipped")
			return Result{Skipped: true}
		}
	}

	switch plan.Action.Kind {
	case risk.ActionCancelOrders:
		return e.cancelOrders(ctx, plan)
	case risk.ActionFlatten:
		return e.flatten(ctx, plan)
	case risk.ActionReduce:
		return e.reduce(ctx, plan)
	case risk.ActionLockout:
		return e.lock(plan)
	default:
		return Result{Err: fmt.Errorf("unknown action kind %q", plan.Action.Kind)}
	}
}

// cancelOrders cancels every open order matching the optional contract
// filter. No matching orders is success: the plan is already satisfied.
func (e *Executor) cancelOrders(ctx context.Context, plan risk.ActionPlan) Result {
	var res Result
	res.Applied = true

	orders, err := e.gw.OpenOrders(ctx, plan.AccountID)
	if err != nil {
		return Result{Err: fmt.Errorf("fetch open orders: %w", err)}
	}
	for _, order := range risk.OpenOrders(orders) {
		if plan.Action.ContractID != "" && order.ContractID != plan.Action.ContractID {
			continue
		}
		if err := e.gw.CancelOrder(ctx, plan.AccountID, order.OrderID); err != nil {
			res.Failures++
			e.log.Error().Err(err).Str("account", plan.AccountID).Str("order", order.OrderID).
				Msg("cancel failed")
			continue
		}
		res.OrdersCancelled++
	}
	return res
}

// flatten cancels everything, then market-closes every open position. A
// failed sub-step is logged and does not stop the remaining closes.
func (e *Executor) flatten(ctx context.Context, plan risk.ActionPlan) Result {
	res := e.cancelOrders(ctx, risk.ActionPlan{
		AccountID:     plan.AccountID,
		Action:        risk.Action{Kind: risk.ActionCancelOrders},
		CorrelationID: plan.CorrelationID,
	})
	if res.Err != nil {
		return res
	}

	positions, err := e.gw.OpenPositions(ctx, plan.AccountID)
	if err != nil {
		res.Err = fmt.Errorf("fetch open positions: %w", err)
		return res
	}
	for _, pos := range positions {
		if pos.Size == 0 {
			continue
		}
		if err := e.gw.ClosePosition(ctx, plan.AccountID, pos.ContractID); err != nil {
			res.Failures++
			e.log.Error().Err(err).Str("account", plan.AccountID).Str("contract", pos.ContractID).
				Msg("close failed")
			continue
		}
		res.PositionsClosed++
	}
	return res
}

// reduce submits one opposite-side market order against the largest
// position in the target contract. A missing or flat position means the
// plan is already satisfied.
func (e *Executor) reduce(ctx context.Context, plan risk.ActionPlan) Result {
	positions, err := e.gw.OpenPositions(ctx, plan.AccountID)
	if err != nil {
		return Result{Err: fmt.Errorf("fetch open positions: %w", err)}
	}

	var target risk.Position
	for _, pos := range positions {
		if pos.ContractID == plan.Action.ContractID && pos.AbsSize() > target.AbsSize() {
			target = pos
		}
	}
	if target.Size == 0 {
		return Result{Applied: true}
	}

	qty := plan.Action.Qty
	if qty > target.AbsSize() {
		qty = target.AbsSize()
	}
	side := risk.SideSell
	if target.Side() == risk.Short {
		side = risk.SideBuy
	}
	if _, err := e.gw.PlaceMarketOrder(ctx, plan.AccountID, target.ContractID, side, qty); err != nil {
		return Result{Applied: true, Failures: 1, Error: err.Error()}
	}
	e.log.Info().Str("account", plan.AccountID).Str("contract", target.ContractID).
		Int("qty", qty).Msg("position reduced")
	return Result{Applied: true, OrdersPlaced: 1}
}

// lock writes the lockout record. A persistence failure here is fatal to
// the tick: the monitor must retry on the next cycle instead of treating
// the account as locked.
func (e *Executor) lock(plan risk.ActionPlan) Result {
	rec := lockout.Record{
		AccountID: plan.AccountID,
		Reason:    plan.Reason,
		Until:     plan.Action.Until,
	}
	if err := e.locks.Create(rec); err != nil {
		return Result{Err: fmt.Errorf("persist lockout: %w", err)}
	}
	e.log.Warn().Str("account", plan.AccountID).Time("until", plan.Action.Until).
		Str("reason", plan.Reason).Msg("account locked out")
	return Result{Applied: true}
}
