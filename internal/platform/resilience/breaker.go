package resilience

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings tune the per-endpoint circuit breakers wrapping outbound
// gateway calls.
type BreakerSettings struct {
	// FailureThreshold consecutive failures within the rolling window open
	// the breaker.
	FailureThreshold uint32
	// Window is the rolling interval over which failure counts reset while
	// the breaker is closed.
	Window time.Duration
	// Cooldown is how long the breaker stays open before allowing trial
	// calls.
	Cooldown time.Duration
	// HalfOpenMaxCalls bounds the trial calls allowed while half-open.
	HalfOpenMaxCalls uint32
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		Window:           30 * time.Second,
		Cooldown:         15 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// BreakerSet lazily creates one circuit breaker per logical endpoint key so
// a failing endpoint does not short-circuit healthy ones.
type BreakerSet struct {
	settings BreakerSettings
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakerSet(settings BreakerSettings, logger *slog.Logger) *BreakerSet {
	return &BreakerSet{
		settings: settings,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (s *BreakerSet) breaker(key string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	threshold := s.settings.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: s.settings.HalfOpenMaxCalls,
		Interval:    s.settings.Window,
		Timeout:     s.settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if s.logger != nil {
				s.logger.Warn("circuit breaker state change",
					"endpoint", name, "from", from.String(), "to", to.String())
			}
		},
	})
	s.breakers[key] = cb
	return cb
}

// Execute runs fn behind the breaker for key. When the breaker is open the
// call is rejected immediately with gobreaker.ErrOpenState.
func (s *BreakerSet) Execute(key string, fn func() error) error {
	_, err := s.breaker(key).Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// Open reports whether the breaker for key currently rejects calls.
func (s *BreakerSet) Open(key string) bool {
	return s.breaker(key).State() == gobreaker.StateOpen
}
