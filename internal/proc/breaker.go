package proc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// DefaultBreakerThreshold is the number of consecutive start failures that
// opens an executable's breaker.
const DefaultBreakerThreshold = 3

// DefaultBreakerTimeout is how long an open breaker rejects launches.
const DefaultBreakerTimeout = 30 * time.Second

// breakerRegistry holds one circuit breaker per executable.
type breakerRegistry struct {
	threshold uint32
	timeout   time.Duration
	log       logrus.FieldLogger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerRegistry(threshold uint32, timeout time.Duration, log logrus.FieldLogger) *breakerRegistry {
	return &breakerRegistry{
		threshold: threshold,
		timeout:   timeout,
		log:       log,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// get returns the breaker for executable, creating it on first use.
func (r *breakerRegistry) get(executable string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[executable]; ok {
		return cb
	}

	threshold := r.threshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        executable,
		MaxRequests: 1,
		Timeout:     r.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.WithField("executable", name).Warnf("Launch breaker %s -> %s", from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[executable] = cb
	return cb
}

// state reports the current state of executable's breaker.
func (r *breakerRegistry) state(executable string) gobreaker.State {
	return r.get(executable).State()
}
