package llm

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"llm-relay/internal/domain"
)

// RateLimitConfig configures outbound request pacing for one vendor.
type RateLimitConfig struct {
	// RequestsPerMin is the sustained request budget.
	RequestsPerMin int `yaml:"requests_per_min"`
	// BurstSize is the token bucket depth; defaults to 1 when unset.
	BurstSize int `yaml:"burst_size"`
}

// RateLimitedProvider paces stream initiations with a token bucket so a
// busy caller stays under the vendor's request ceiling instead of burning
// quota on 429 responses. Open streams are never throttled.
type RateLimitedProvider struct {
	inner   domain.ChatProvider
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Compile-time interface assertion.
var _ domain.ChatProvider = (*RateLimitedProvider)(nil)

// NewRateLimitedProvider wraps inner with a token bucket limiter.
func NewRateLimitedProvider(inner domain.ChatProvider, cfg RateLimitConfig, logger *slog.Logger) *RateLimitedProvider {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	// Spread the per-minute budget over 60 seconds.
	limit := rate.Limit(float64(cfg.RequestsPerMin) / 60.0)

	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// Name implements domain.ChatProvider.
func (p *RateLimitedProvider) Name() string { return p.inner.Name() }

// Models implements domain.ChatProvider. Discovery probes are cheap and do
// not draw from the chat request budget.
func (p *RateLimitedProvider) Models(ctx context.Context) ([]domain.ModelDescriptor, error) {
	return p.inner.Models(ctx)
}

// ChatStream implements domain.ChatProvider. Wait blocks until a token is
// available or ctx is cancelled.
func (p *RateLimitedProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (domain.Stream, error) {
	if p.limiter.Tokens() < 1 {
		p.logger.Debug("pacing chat request", "vendor", p.inner.Name())
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.ChatStream(ctx, req)
}
