package risk

import "fmt"

// Brain evaluates an account snapshot against the configured rules. It is a
// pure function of its input: no clock, no network, no mutable state, so
// identical contexts always produce identical plans.
type Brain struct {
	rules Rules
	hours hoursWindow
}

// NewBrain validates and compiles the rules. Invalid rules are a
// construction error, never a runtime surprise.
func NewBrain(rules Rules) (*Brain, error) {
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules: %w", err)
	}
	b := &Brain{rules: rules}
	if rules.Hours.Enabled {
		w, err := compileHours(rules.Hours)
		if err != nil {
			return nil, fmt.Errorf("invalid rules: %w", err)
		}
		b.hours = w
	}
	return b, nil
}

// Rules returns the rules the brain was compiled with.
func (b *Brain) Rules() Rules { return b.rules }

// tier is one entry in the static rule registry. Tiers are evaluated
// strictly in declaration order, highest severity first, and the first
// violated tier decides the tick.
type tier struct {
	name     string
	severity Severity
	eval     func(*Brain, EvaluationContext) (Action, bool)
}

var tiers = []tier{
	{name: "daily_loss", severity: SeverityCritical, eval: (*Brain).dailyLossTier},
	{name: "flatten", severity: SeverityHigh, eval: (*Brain).flattenTier},
	{name: "reduce", severity: SeverityMedium, eval: (*Brain).reduceTier},
	{name: "cancel_orders", severity: SeverityLow, eval: (*Brain).cancelOrdersTier},
}

// Evaluate walks the tier registry and returns the first violated tier's
// action, or a noop plan when the account is within limits.
func (b *Brain) Evaluate(ec EvaluationContext) ActionPlan {
	for _, t := range tiers {
		if action, violated := t.eval(b, ec); violated {
			return ActionPlan{
				AccountID:     ec.AccountID,
				Action:        action,
				Severity:      t.severity,
				Reason:        action.Reason,
				CorrelationID: ec.CorrelationID,
			}
		}
	}
	reason := "within limits"
	return ActionPlan{
		AccountID:     ec.AccountID,
		Action:        Action{Kind: ActionNoop, Reason: reason},
		Severity:      SeverityNone,
		Reason:        reason,
		CorrelationID: ec.CorrelationID,
	}
}

func (b *Brain) dailyLossTier(ec EvaluationContext) (Action, bool) {
	if b.rules.MaxDailyLoss <= 0 {
		return Action{}, false
	}
	if ec.DayPnL > -b.rules.MaxDailyLoss {
		return Action{}, false
	}
	reason := fmt.Sprintf("daily loss limit breached: %.2f <= -%.2f", ec.DayPnL, b.rules.MaxDailyLoss)
	return Action{
		Kind:   ActionLockout,
		Until:  ec.Timestamp.Add(b.rules.LockoutDuration()),
		Reason: reason,
	}, true
}

func (b *Brain) flattenTier(ec EvaluationContext) (Action, bool) {
	if b.rules.MaxExposure > 0 {
		if exp := Exposure(ec.Positions); exp > b.rules.MaxExposure {
			reason := fmt.Sprintf("exposure limit breached: %.2f > %.2f", exp, b.rules.MaxExposure)
			return Action{Kind: ActionFlatten, Reason: reason}, true
		}
	}
	if b.rules.DailyProfitTarget > 0 && len(ec.Positions) > 0 && ec.DayPnL >= b.rules.DailyProfitTarget {
		reason := fmt.Sprintf("daily profit target reached: %.2f >= %.2f", ec.DayPnL, b.rules.DailyProfitTarget)
		return Action{Kind: ActionFlatten, Reason: reason}, true
	}
	if b.rules.Hours.Enabled && len(ec.Positions) > 0 && !b.hours.contains(ec.Timestamp) {
		reason := fmt.Sprintf("open positions outside trading hours %s-%s %s",
			b.rules.Hours.Start, b.rules.Hours.End, b.rules.Hours.Timezone)
		return Action{Kind: ActionFlatten, Reason: reason}, true
	}
	return Action{}, false
}

func (b *Brain) reduceTier(ec EvaluationContext) (Action, bool) {
	if b.rules.MaxContractsPerSymbol > 0 {
		for _, p := range ec.Positions {
			if p.AbsSize() > b.rules.MaxContractsPerSymbol {
				overflow := p.AbsSize() - b.rules.MaxContractsPerSymbol
				reason := fmt.Sprintf("symbol size limit breached on %s: %d > %d",
					p.ContractID, p.AbsSize(), b.rules.MaxContractsPerSymbol)
				return Action{Kind: ActionReduce, ContractID: p.ContractID, Qty: overflow, Reason: reason}, true
			}
		}
	}
	if b.rules.MaxContracts > 0 {
		if total := TotalContracts(ec.Positions); total > b.rules.MaxContracts {
			biggest, ok := LargestPosition(ec.Positions)
			if !ok {
				return Action{}, false
			}
			overflow := total - b.rules.MaxContracts
			if overflow > biggest.AbsSize() {
				overflow = biggest.AbsSize()
			}
			reason := fmt.Sprintf("contract limit breached: %d > %d", total, b.rules.MaxContracts)
			return Action{Kind: ActionReduce, ContractID: biggest.ContractID, Qty: overflow, Reason: reason}, true
		}
	}
	return Action{}, false
}

func (b *Brain) cancelOrdersTier(ec EvaluationContext) (Action, bool) {
	open := OpenOrders(ec.Orders)
	if b.rules.MaxOpenOrders > 0 && len(open) > b.rules.MaxOpenOrders {
		reason := fmt.Sprintf("open order limit breached: %d > %d", len(open), b.rules.MaxOpenOrders)
		return Action{Kind: ActionCancelOrders, Reason: reason}, true
	}
	if b.rules.Hours.Enabled && len(open) > 0 && !b.hours.contains(ec.Timestamp) {
		reason := fmt.Sprintf("working orders outside trading hours %s-%s %s",
			b.rules.Hours.Start, b.rules.Hours.End, b.rules.Hours.Timezone)
		return Action{Kind: ActionCancelOrders, Reason: reason}, true
	}
	return Action{}, false
}
