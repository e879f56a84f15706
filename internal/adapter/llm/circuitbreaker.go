package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"llm-relay/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	// If 0, failures never reset until the circuit opens.
	Interval time.Duration `yaml:"interval"`
}

// CircuitBreakerProvider wraps a ChatProvider with circuit breaker
// protection. When stream initiation fails repeatedly, the circuit opens
// and subsequent calls fail fast without reaching the vendor, preventing
// retry storms.
type CircuitBreakerProvider struct {
	inner   domain.ChatProvider
	breaker *gobreaker.CircuitBreaker[domain.Stream]
	logger  *slog.Logger
}

// Compile-time interface assertion.
var _ domain.ChatProvider = (*CircuitBreakerProvider)(nil)

// NewCircuitBreakerProvider wraps inner with a circuit breaker.
// Zero-valued cfg fields fall back to defaults.
func NewCircuitBreakerProvider(inner domain.ChatProvider, cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerProvider {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	name := inner.Name()
	cb := gobreaker.NewCircuitBreaker[domain.Stream](gobreaker.Settings{
		Name:        "llm:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				// A caller hanging up is not a vendor failure.
				return true
			}
			// Misconfiguration is permanent; counting it would open the
			// circuit and mask the real error category.
			return errors.Is(err, domain.ErrConfiguration)
		},
	})

	return &CircuitBreakerProvider{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Name implements domain.ChatProvider.
func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

// Models implements domain.ChatProvider. Discovery probes bypass the
// breaker: an unreachable vendor legitimately advertises zero models and
// must not poison the chat path.
func (p *CircuitBreakerProvider) Models(ctx context.Context) ([]domain.ModelDescriptor, error) {
	return p.inner.Models(ctx)
}

// ChatStream implements domain.ChatProvider. The breaker protects stream
// initiation; errors after the stream is open do not trip it (they surface
// through the handle).
func (p *CircuitBreakerProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (domain.Stream, error) {
	stream, err := p.breaker.Execute(func() (domain.Stream, error) {
		return p.inner.ChatStream(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("provider '%s': %w", p.inner.Name(), domain.ErrCircuitOpen)
		}
		return nil, err
	}
	return stream, nil
}

// State returns the current circuit breaker state for monitoring.
func (p *CircuitBreakerProvider) State() gobreaker.State {
	return p.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (p *CircuitBreakerProvider) Counts() gobreaker.Counts {
	return p.breaker.Counts()
}
