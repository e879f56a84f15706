package main

import (
	"fmt"
	"log/slog"

	"llm-relay/internal/adapter/llm"
	"llm-relay/internal/domain"
	"llm-relay/internal/infra/config"
)

// llmStack holds the provider registry and model directory plus the
// dispose handles it owns.
type llmStack struct {
	Registry  *llm.Registry
	Directory *llm.Directory

	disposers []func()
}

// Close unregisters every vendor and detaches the directory. Disposals run
// first so each one drops its snapshot through the subscription.
func (s *llmStack) Close() {
	for _, dispose := range s.disposers {
		dispose()
	}
}

// initLLM builds one provider per configured vendor, wraps it with the
// enabled decorators and registers it. The directory starts empty; the
// caller fills it with RefreshAll.
func initLLM(cfg *config.Config, log *slog.Logger) (*llmStack, error) {
	registry := llm.NewRegistry()
	directory := llm.NewDirectory(registry, log)
	stack := &llmStack{Registry: registry, Directory: directory}

	for _, vc := range cfg.Vendors {
		provider, err := createProvider(vc, log)
		if err != nil {
			stack.Close()
			return nil, fmt.Errorf("vendor %s: %w", vc.Name, err)
		}

		if cfg.CircuitBreaker.Enabled {
			provider = llm.NewCircuitBreakerProvider(provider, llm.CircuitBreakerConfig{
				MaxFailures: cfg.CircuitBreaker.MaxFailures,
				Timeout:     cfg.CircuitBreaker.Timeout,
				Interval:    cfg.CircuitBreaker.Interval,
			}, log)
		}
		if rl := rateLimitFor(cfg, vc); rl != nil {
			provider = llm.NewRateLimitedProvider(provider, *rl, log)
			log.Debug("rate limit enabled", "vendor", vc.Name, "requests_per_min", rl.RequestsPerMin)
		}

		dispose, err := registry.Register(vc.Name, provider)
		if err != nil {
			stack.Close()
			return nil, fmt.Errorf("vendor %s: %w", vc.Name, err)
		}
		stack.disposers = append(stack.disposers, dispose)
	}

	if cfg.CircuitBreaker.Enabled {
		log.Info("circuit breaker enabled",
			"max_failures", cfg.CircuitBreaker.MaxFailures,
			"timeout", cfg.CircuitBreaker.Timeout,
			"interval", cfg.CircuitBreaker.Interval,
		)
	}

	// Subscribed after the startup registrations so the initial catalog is
	// filled by one explicit RefreshAll instead of per-vendor probes.
	unsub := registry.Subscribe(func(evt llm.RegistryEvent) {
		if evt.Kind == llm.VendorRemoved {
			directory.Drop(evt.Vendor)
		}
	})
	stack.disposers = append(stack.disposers, unsub)

	return stack, nil
}

// createProvider builds a provider from the vendor's type field.
func createProvider(vc config.VendorConfig, log *slog.Logger) (domain.ChatProvider, error) {
	switch vc.Type {
	case "openai", "":
		return llm.NewOpenAIProvider(vc, log), nil
	case "anthropic":
		return llm.NewAnthropicProvider(vc, log), nil
	case "openrouter":
		return llm.NewOpenRouterProvider(vc, log), nil
	case "ollama":
		return llm.NewOllamaProvider(vc, log), nil
	case "bedrock":
		return createBedrockProvider(vc, log)
	default:
		return nil, fmt.Errorf("unknown vendor type: %s", vc.Type)
	}
}

// rateLimitFor resolves the pacing config for one vendor; a per-vendor
// block overrides the global one.
func rateLimitFor(cfg *config.Config, vc config.VendorConfig) *llm.RateLimitConfig {
	rl := cfg.RateLimit
	if vc.RateLimit != nil {
		rl = *vc.RateLimit
	}
	if !rl.Enabled {
		return nil
	}
	return &llm.RateLimitConfig{
		RequestsPerMin: rl.RequestsPerMin,
		BurstSize:      rl.BurstSize,
	}
}
