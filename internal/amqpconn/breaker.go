package amqpconn

import (
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// newDialBreaker trips after cfg.BreakerFailures consecutive dial failures
// and fails dials fast with gobreaker.ErrOpenState for BreakerCooldown.
func newDialBreaker(cfg Config) *gobreaker.CircuitBreaker {
	threshold := cfg.BreakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dial " + cfg.Endpoint,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("component", "amqpconn").Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).Msg("amqpconn.breaker state")
		},
	})
}
