package aggregator

import (
	"github.com/shopspring/decimal"

	"candlewatch-go/internal/signal"
)

// Toggles is the operator-facing switch panel of one aggregator.
type Toggles struct {
	EntryEnabled     bool
	ExitEnabled      bool
	EntryAlerts      bool
	ExitAlerts       bool
	MinConfirmations int
}

// Toggles returns the current switches.
func (a *Aggregator) Toggles() Toggles {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Toggles{
		EntryEnabled:     a.cfg.EntryEnabled,
		ExitEnabled:      a.cfg.ExitEnabled,
		EntryAlerts:      a.cfg.EntryAlerts,
		ExitAlerts:       a.cfg.ExitAlerts,
		MinConfirmations: a.cfg.MinConfirmations,
	}
}

// SetToggles replaces all switches at once. MinConfirmations below one is raised to one.
func (a *Aggregator) SetToggles(t Toggles) {
	if t.MinConfirmations < 1 {
		t.MinConfirmations = 1
	}
	a.mu.Lock()
	a.cfg.EntryEnabled = t.EntryEnabled
	a.cfg.ExitEnabled = t.ExitEnabled
	a.cfg.EntryAlerts = t.EntryAlerts
	a.cfg.ExitAlerts = t.ExitAlerts
	a.cfg.MinConfirmations = t.MinConfirmations
	a.mu.Unlock()
	a.log.Info().Interface("toggles", t).Msg("toggles updated")
}

func (a *Aggregator) update(fn func(*Config)) {
	a.mu.Lock()
	fn(&a.cfg)
	a.mu.Unlock()
}

func (a *Aggregator) SetEntryEnabled(v bool) { a.update(func(c *Config) { c.EntryEnabled = v }) }
func (a *Aggregator) SetExitEnabled(v bool)  { a.update(func(c *Config) { c.ExitEnabled = v }) }
func (a *Aggregator) SetEntryAlerts(v bool)  { a.update(func(c *Config) { c.EntryAlerts = v }) }
func (a *Aggregator) SetExitAlerts(v bool)   { a.update(func(c *Config) { c.ExitAlerts = v }) }

// SetMinConfirmations changes the quorum; values below one are raised to one.
func (a *Aggregator) SetMinConfirmations(n int) {
	if n < 1 {
		n = 1
	}
	a.update(func(c *Config) { c.MinConfirmations = n })
}

// RealizedPnL is the signed profit of a round trip.
func RealizedPnL(dir signal.Direction, entry, exit float64, units int) decimal.Decimal {
	diff := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry))
	if dir == signal.Short {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(int64(units)))
}
