package remote

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sony/gobreaker"

	"github.com/scrypster/locai/pkg/types"
)

// BreakerConfig holds the configuration for the client circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive transport failures required
	// to trip the circuit.
	// Default: 3
	MaxFailures uint32

	// Timeout is the duration the circuit stays open before transitioning to half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of requests let through while half-open.
	// Default: 2
	HalfOpenMaxSuccesses uint32
}

// DefaultBreakerConfig returns the defaults listed on BreakerConfig.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 3, Timeout: 30 * time.Second, HalfOpenMaxSuccesses: 2}
}

// breaker wraps gobreaker so an unreachable server fails fast instead of
// every caller paying for a dial timeout.
//
// Only transport failures count against the circuit. A NotFound or a
// Validation error is a healthy server answering.
type breaker struct {
	cb *gobreaker.CircuitBreaker
}

func newBreaker(name string, cfg BreakerConfig, logger *log.Logger) *breaker {
	def := DefaultBreakerConfig()
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HalfOpenMaxSuccesses == 0 {
		cfg.HalfOpenMaxSuccesses = def.HalfOpenMaxSuccesses
	}
	return &breaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransportError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})}
}

func isTransportError(err error) bool {
	return types.IsKind(err, types.KindConnection) || types.IsKind(err, types.KindTimeout)
}

// execute runs fn through the breaker. An open circuit surfaces as a
// Connection error.
func (b *breaker) execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return types.Wrap(types.KindTimeout, err, "remote: request cancelled")
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.Wrap(types.KindConnection, err, "remote: circuit open")
	}
	return err
}

// state returns "closed", "open" or "half-open".
func (b *breaker) state() string {
	return b.cb.State().String()
}
