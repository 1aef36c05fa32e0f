package market

import (
	"context"

	"github.com/rs/zerolog"
)

// LogAlerter writes alerts to the structured log.
type LogAlerter struct{ log zerolog.Logger }

// NewLogAlerter wraps a logger.
func NewLogAlerter(log zerolog.Logger) *LogAlerter { return &LogAlerter{log: log} }

// Notify logs the alert at warn level so it stands out from routine output.
func (a *LogAlerter) Notify(_ context.Context, alert Alert) error {
	a.log.Warn().
		Str("kind", string(alert.Kind)).
		Str("instrument", alert.Instrument.Label()).
		Str("direction", alert.Direction.String()).
		Float64("px", alert.Price).
		Float64("stop", alert.StopPrice).
		Int("units", alert.Units).
		Time("at", alert.At).
		Msg("trade alert")
	return nil
}
