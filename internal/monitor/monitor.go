// Package monitor runs the evaluation loop: fetch account state, decide,
// enforce, audit, sleep, repeat.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"riskguard/internal/audit"
	"riskguard/internal/enforce"
	"riskguard/internal/lockout"
	"riskguard/internal/metrics"
	"riskguard/internal/risk"
)

// Fetcher is the read-side slice of the gateway the loop needs.
type Fetcher interface {
	OpenPositions(ctx context.Context, accountID string) ([]risk.Position, error)
	OpenOrders(ctx context.Context, accountID string) ([]risk.Order, error)
	DayPnL(ctx context.Context, accountID string, now time.Time) (float64, error)
}

// Executor applies decided plans. Satisfied by enforce.Executor.
type Executor interface {
	Apply(ctx context.Context, plan risk.ActionPlan, dryRun bool) enforce.Result
}

// Config wires the loop.
type Config struct {
	Accounts []string
	Interval time.Duration
	DryRun   bool

	Gateway  Fetcher
	Brain    *risk.Brain
	Executor Executor
	Locks    *lockout.Store
	Recorder *audit.Recorder
	History  *audit.History // optional
	Log      zerolog.Logger
}

// AccountStatus tracks one account's recent monitoring history.
type AccountStatus struct {
	LastCheck  time.Time `json:"last_check"`
	LastAction time.Time `json:"last_action"`
	Violations int       `json:"violations"`
	Violated   bool      `json:"violated"`
}

// Status is a point-in-time snapshot of the loop.
type Status struct {
	Running     bool                     `json:"running"`
	DryRun      bool                     `json:"dry_run"`
	Ticks       uint64                   `json:"ticks"`
	Evaluations uint64                   `json:"evaluations"`
	Actions     uint64                   `json:"actions"`
	Skipped     uint64                   `json:"skipped"`
	Errors      uint64                   `json:"errors"`
	LastTick    time.Time                `json:"last_tick"`
	Accounts    map[string]AccountStatus `json:"accounts"`
}

// Loop drives all accounts from a single worker goroutine. One worker
// keeps enforcement ordered: no two actions for the same account can
// race each other.
type Loop struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	brain   *risk.Brain
	dryRun  bool
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	ticks       uint64
	evaluations uint64
	actions     uint64
	skipped     uint64
	errors      uint64
	lastTick    time.Time
	accounts    map[string]*AccountStatus
}

// New validates the wiring and returns a stopped loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Gateway == nil || cfg.Brain == nil || cfg.Executor == nil || cfg.Locks == nil || cfg.Recorder == nil {
		return nil, fmt.Errorf("monitor: missing dependency")
	}
	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("monitor: no accounts configured")
	}
	if cfg.Interval < 500*time.Millisecond || cfg.Interval > time.Second {
		cfg.Interval = 750 * time.Millisecond
	}
	return &Loop{
		cfg:      cfg,
		now:      time.Now,
		brain:    cfg.Brain,
		dryRun:   cfg.DryRun,
		accounts: make(map[string]*AccountStatus, len(cfg.Accounts)),
	}, nil
}

// Start launches the worker. Starting a running loop is an error.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("monitor already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true
	go l.run(ctx)
	return nil
}

// Stop cancels the worker and blocks until it has fully exited. After
// Stop returns, no further gateway calls are made.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done

	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
}

// SetDryRun flips dry-run mode for subsequent ticks.
func (l *Loop) SetDryRun(v bool) {
	l.mu.Lock()
	l.dryRun = v
	l.mu.Unlock()
}

// UpdateRules swaps in a new rule set between ticks. Invalid rules leave
// the current brain in place.
func (l *Loop) UpdateRules(rules risk.Rules) error {
	brain, err := risk.NewBrain(rules)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.brain = brain
	l.mu.Unlock()
	l.cfg.Log.Info().Msg("rules updated")
	return nil
}

// Status returns a snapshot of counters and mode.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	accounts := make(map[string]AccountStatus, len(l.accounts))
	for k, v := range l.accounts {
		accounts[k] = *v
	}
	return Status{
		Running:     l.running,
		DryRun:      l.dryRun,
		Ticks:       l.ticks,
		Evaluations: l.evaluations,
		Actions:     l.actions,
		Skipped:     l.skipped,
		Errors:      l.errors,
		LastTick:    l.lastTick,
		Accounts:    accounts,
	}
}

// run is the worker body. The timed wait between ticks is the only
// suspension point, so cancellation is observed within one interval.
func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		l.tick(ctx)
		timer.Reset(l.cfg.Interval)
	}
}

func (l *Loop) tick(ctx context.Context) {
	l.mu.Lock()
	brain, dryRun := l.brain, l.dryRun
	l.ticks++
	l.lastTick = l.now()
	l.mu.Unlock()

	for _, account := range l.cfg.Accounts {
		if ctx.Err() != nil {
			return
		}
		l.evaluate(ctx, brain, account, dryRun)
	}
}

// accountStatus returns the mutable per-account record. Callers hold l.mu.
func (l *Loop) accountStatus(account string) *AccountStatus {
	st, ok := l.accounts[account]
	if !ok {
		st = &AccountStatus{}
		l.accounts[account] = st
	}
	return st
}

func (l *Loop) evaluate(ctx context.Context, brain *risk.Brain, account string, dryRun bool) {
	log := l.cfg.Log.With().Str("account", account).Logger()

	l.mu.Lock()
	l.accountStatus(account).LastCheck = l.now()
	l.mu.Unlock()

	state, _, err := l.cfg.Locks.Check(account)
	if err != nil {
		log.Error().Err(err).Msg("lockout check failed")
		l.bumpErrors()
		return
	}
	if state == lockout.Active {
		metrics.AccountsSkipped.Inc()
		l.mu.Lock()
		l.skipped++
		l.mu.Unlock()
		return
	}

	corr := uuid.NewString()
	now := l.now()

	// Each fetch degrades independently: a failed read becomes empty
	// data for this cycle rather than aborting the tick. The rules see
	// a conservative view and catch up next interval.
	positions, err := l.cfg.Gateway.OpenPositions(ctx, account)
	if err != nil {
		log.Warn().Err(err).Str("correlation", corr).Msg("position fetch failed, assuming none")
		positions = nil
		l.bumpErrors()
	}
	orders, err := l.cfg.Gateway.OpenOrders(ctx, account)
	if err != nil {
		log.Warn().Err(err).Str("correlation", corr).Msg("order fetch failed, assuming none")
		orders = nil
		l.bumpErrors()
	}
	dayPnL, err := l.cfg.Gateway.DayPnL(ctx, account, now)
	if err != nil {
		log.Warn().Err(err).Str("correlation", corr).Msg("pnl fetch failed, assuming zero")
		dayPnL = 0
		l.bumpErrors()
	}

	ec := risk.EvaluationContext{
		AccountID:     account,
		Positions:     positions,
		Orders:        orders,
		DayPnL:        dayPnL,
		Timestamp:     now,
		CorrelationID: corr,
	}
	plan := brain.Evaluate(ec)
	metrics.EvaluationsTotal.Inc()
	l.mu.Lock()
	l.evaluations++
	l.mu.Unlock()

	if plan.Action.Kind == risk.ActionNoop {
		metrics.ViolationsCurrent.WithLabelValues(account).Set(0)
		l.mu.Lock()
		l.accountStatus(account).Violated = false
		l.mu.Unlock()
		return
	}

	metrics.ViolationsCurrent.WithLabelValues(account).Set(1)
	log.Warn().Str("correlation", corr).Str("action", string(plan.Action.Kind)).
		Str("reason", plan.Reason).Bool("dry_run", dryRun).Msg("violation detected")

	res := l.cfg.Executor.Apply(ctx, plan, dryRun)
	if res.Err != nil {
		log.Error().Err(res.Err).Str("correlation", corr).Msg("enforcement failed, will retry next cycle")
		l.bumpErrors()
	}

	l.mu.Lock()
	l.actions++
	st := l.accountStatus(account)
	st.Violations++
	st.Violated = true
	st.LastAction = l.now()
	l.mu.Unlock()

	entry := audit.Entry{
		CorrelationID: corr,
		Context:       ec,
		Plan:          plan,
		Outcome:       res,
	}
	if err := l.cfg.Recorder.Record(entry); err != nil {
		log.Error().Err(err).Str("correlation", corr).Msg("audit write failed")
		l.bumpErrors()
	}
	if l.cfg.History != nil {
		if err := l.cfg.History.Append(ctx, plan, res, now); err != nil {
			log.Error().Err(err).Str("correlation", corr).Msg("history write failed")
			l.bumpErrors()
		}
	}
}

func (l *Loop) bumpErrors() {
	l.mu.Lock()
	l.errors++
	l.mu.Unlock()
}
