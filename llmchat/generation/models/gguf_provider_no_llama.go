//go:build !llama || no_llama

package models

import (
	"context"
	"fmt"
	"sync/atomic"

	ports "github.com/ZanzyTHEbar/llmchat/llmchat/generation/harness/ports"
	"github.com/rs/zerolog"
)

// GGUFProvider is the stand-in used when llama.cpp is not compiled in. It
// validates configuration and reports every session as unavailable.
type GGUFProvider struct {
	config *GGUFModelConfig
	health *healthTracker
	closed atomic.Bool
	logger zerolog.Logger
}

// NewGGUFProvider creates a new GGUF model provider (no-op for non-CGO)
func NewGGUFProvider(config *GGUFModelConfig, logger zerolog.Logger) (*GGUFProvider, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger = logger.With().Str("component", "GGUFProvider").Str("model_path", config.ModelPath).Logger()

	provider := &GGUFProvider{
		config: config,
		health: newHealthTracker(config.BreakerThreshold, config.BreakerCooldown, logger),
		logger: logger,
	}

	provider.logger.Warn().Int("pool_size", config.PoolSize).Msg("GGUFProvider initialized without llama.cpp; build with -tags llama to run inference")
	return provider, nil
}

// StartSession always fails in this build.
func (p *GGUFProvider) StartSession(ctx context.Context) (ports.Session, error) {
	if p.closed.Load() {
		return nil, ErrProviderClosed
	}
	if p.health.breakerOpen() {
		return nil, ErrBreakerOpen
	}
	p.health.recordFailure(ErrLlamaUnavailable)
	return nil, fmt.Errorf("failed to borrow model: %w", ErrLlamaUnavailable)
}

// GetHealth returns current model health status
func (p *GGUFProvider) GetHealth() ModelHealth {
	return p.health.snapshot()
}

// IsHealthy returns whether the model is considered healthy
func (p *GGUFProvider) IsHealthy() bool {
	h := p.health.snapshot()
	return h.IsHealthy && !h.BreakerOpen && !p.closed.Load()
}

// GetConfig returns the current configuration
func (p *GGUFProvider) GetConfig() *GGUFModelConfig {
	return p.config
}

// Close gracefully shuts down the provider (no-op)
func (p *GGUFProvider) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		p.health.markClosed()
		p.logger.Info().Msg("GGUFProvider closed")
	}
	return nil
}

var _ ports.Model = (*GGUFProvider)(nil)
