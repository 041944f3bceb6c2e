package risk

import (
	"fmt"
	"time"
)

// TradingHours bounds the window in which positions and working orders are
// allowed. Outside the window the brain escalates to flatten/cancel tiers.
type TradingHours struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Start    string `yaml:"start" json:"start"` // "15:04" wall clock
	End      string `yaml:"end" json:"end"`
	Timezone string `yaml:"timezone" json:"timezone"`
}

// Rules collects every policy knob. A zero value disables the matching
// rule, so a partial config only enforces what it names.
type Rules struct {
	MaxDailyLoss          float64      `yaml:"max_daily_loss" json:"max_daily_loss"`
	DailyProfitTarget     float64      `yaml:"daily_profit_target" json:"daily_profit_target"`
	MaxExposure           float64      `yaml:"max_exposure" json:"max_exposure"`
	MaxContracts          int          `yaml:"max_contracts" json:"max_contracts"`
	MaxContractsPerSymbol int          `yaml:"max_contracts_per_symbol" json:"max_contracts_per_symbol"`
	MaxOpenOrders         int          `yaml:"max_open_orders" json:"max_open_orders"`
	LockoutHours          int          `yaml:"lockout_hours" json:"lockout_hours"`
	Hours                 TradingHours `yaml:"trading_hours" json:"trading_hours"`
}

// Validate rejects rule values the brain cannot act on. Called at startup
// and on every hot reload; a failure keeps the previous rules in force.
func (r Rules) Validate() error {
	if r.MaxDailyLoss < 0 {
		return fmt.Errorf("max_daily_loss must not be negative, got %.2f", r.MaxDailyLoss)
	}
	if r.DailyProfitTarget < 0 {
		return fmt.Errorf("daily_profit_target must not be negative, got %.2f", r.DailyProfitTarget)
	}
	if r.MaxExposure < 0 {
		return fmt.Errorf("max_exposure must not be negative, got %.2f", r.MaxExposure)
	}
	if r.MaxContracts < 0 || r.MaxContractsPerSymbol < 0 || r.MaxOpenOrders < 0 {
		return fmt.Errorf("contract and order caps must not be negative")
	}
	if r.LockoutHours < 0 {
		return fmt.Errorf("lockout_hours must not be negative, got %d", r.LockoutHours)
	}
	if r.Hours.Enabled {
		if _, err := compileHours(r.Hours); err != nil {
			return fmt.Errorf("trading_hours: %w", err)
		}
	}
	return nil
}

// LockoutDuration converts the configured hours into a duration, defaulting
// to a full day when unset.
func (r Rules) LockoutDuration() time.Duration {
	if r.LockoutHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(r.LockoutHours) * time.Hour
}

type hoursWindow struct {
	loc      *time.Location
	startMin int
	endMin   int
}

func compileHours(h TradingHours) (hoursWindow, error) {
	loc, err := time.LoadLocation(h.Timezone)
	if err != nil {
		return hoursWindow{}, fmt.Errorf("load timezone %q: %w", h.Timezone, err)
	}
	start, err := parseWallClock(h.Start)
	if err != nil {
		return hoursWindow{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseWallClock(h.End)
	if err != nil {
		return hoursWindow{}, fmt.Errorf("end: %w", err)
	}
	if start >= end {
		return hoursWindow{}, fmt.Errorf("start %q must precede end %q", h.Start, h.End)
	}
	return hoursWindow{loc: loc, startMin: start, endMin: end}, nil
}

func parseWallClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse wall clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// contains reports whether ts falls inside the window, evaluated in the
// window's own timezone.
func (w hoursWindow) contains(ts time.Time) bool {
	local := ts.In(w.loc)
	minute := local.Hour()*60 + local.Minute()
	return minute >= w.startMin && minute < w.endMin
}
