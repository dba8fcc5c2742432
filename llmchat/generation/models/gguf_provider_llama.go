//go:build llama && !no_llama

package models

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	ports "github.com/ZanzyTHEbar/llmchat/llmchat/generation/harness/ports"
	"github.com/go-skynet/go-llama.cpp"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// GGUFProvider wraps llama.cpp models with Go-friendly interface
type GGUFProvider struct {
	config *GGUFModelConfig
	pool   *instancePool[*llama.LLama]
	health *healthTracker
	closed atomic.Bool
	logger zerolog.Logger
}

// NewGGUFProvider loads PoolSize instances of the model concurrently.
func NewGGUFProvider(config *GGUFModelConfig, logger zerolog.Logger) (*GGUFProvider, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger = logger.With().Str("component", "GGUFProvider").Str("model_path", config.ModelPath).Logger()

	provider := &GGUFProvider{
		config: config,
		pool:   newInstancePool[*llama.LLama](config.PoolSize, config.BorrowTimeout),
		health: newHealthTracker(config.BreakerThreshold, config.BreakerCooldown, logger),
		logger: logger,
	}

	if err := provider.initializePool(); err != nil {
		return nil, fmt.Errorf("failed to initialize model pool: %w", err)
	}

	provider.logger.Info().Int("pool_size", config.PoolSize).Msg("GGUFProvider initialized")
	return provider, nil
}

func (p *GGUFProvider) loadModel() (*llama.LLama, error) {
	if _, err := os.Stat(p.config.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	model, err := llama.New(p.config.ModelPath,
		llama.SetContext(p.config.ContextSize),
		llama.SetGPULayers(p.config.GPULayers),
	)
	if err != nil {
		return nil, fmt.Errorf("llama.New failed: %w", err)
	}
	return model, nil
}

// initializePool loads every instance in parallel; any failure frees the rest.
func (p *GGUFProvider) initializePool() error {
	loaders := pool.NewWithResults[*llama.LLama]().WithErrors()
	for i := 0; i < p.config.PoolSize; i++ {
		loaders.Go(func() (*llama.LLama, error) {
			model, err := p.loadModel()
			if err != nil {
				p.logger.Error().Err(err).Int("instance", i).Msg("Failed to load model instance")
				return nil, fmt.Errorf("failed to load model instance %d: %w", i, err)
			}
			p.logger.Debug().Int("instance", i).Msg("Loaded model instance")
			return model, nil
		})
	}

	models, err := loaders.Wait()
	if err != nil {
		for _, m := range models {
			m.Free()
		}
		return err
	}
	for _, m := range models {
		p.pool.put(m)
	}
	return nil
}

// StartSession borrows a model instance for the lifetime of one session.
func (p *GGUFProvider) StartSession(ctx context.Context) (ports.Session, error) {
	if p.closed.Load() {
		return nil, ErrProviderClosed
	}
	if p.health.breakerOpen() {
		return nil, ErrBreakerOpen
	}

	model, err := p.pool.borrow(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.health.recordFailure(fmt.Errorf("borrow failed: %w", err))
		}
		return nil, fmt.Errorf("failed to borrow model: %w", err)
	}
	p.logger.Debug().Int("pool_remaining", p.pool.idle()).Msg("Borrowed model from pool")

	return &ggufSession{provider: p, model: model}, nil
}

// release returns model to the pool, or frees it once the provider is closed.
func (p *GGUFProvider) release(model *llama.LLama) {
	if p.closed.Load() || !p.pool.put(model) {
		model.Free()
		return
	}
	p.logger.Debug().Int("pool_size", p.pool.idle()).Msg("Returned model to pool")
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

// Close frees idle instances. Instances still in use are freed when their
// session closes.
func (p *GGUFProvider) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, m := range p.pool.drain() {
		m.Free()
	}
	p.health.markClosed()
	p.logger.Info().Msg("GGUFProvider closed")
	return nil
}

// ggufSession runs one prediction on a borrowed instance.
type ggufSession struct {
	provider *GGUFProvider
	model    *llama.LLama

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func predictOptions(params ports.Params, callback func(string) bool) []llama.PredictOption {
	seed := params.Seed
	if seed <= 0 {
		seed = -1 // random
	}
	opts := []llama.PredictOption{
		llama.SetTemperature(params.Temperature),
		llama.SetTopK(params.TopK),
		llama.SetTopP(params.TopP),
		llama.SetPenalty(params.RepeatPenalty),
		llama.SetRepeat(params.RepeatLastN),
		llama.SetSeed(seed),
		// zero lets llama.cpp run until end of sequence or context exhaustion
		llama.SetTokens(params.MaxTokens),
		llama.SetTokenCallback(callback),
	}
	if params.Threads > 0 {
		opts = append(opts, llama.SetThreads(params.Threads))
	}
	return opts
}

// Run streams tokens from a single Predict call.
func (s *ggufSession) Run(ctx context.Context, prompt string, params ports.Params) (<-chan ports.Chunk, error) {
	if prompt == "" {
		return nil, fmt.Errorf("prompt cannot be empty")
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, ErrSessionUsed
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	logger := s.provider.logger
	ch := make(chan ports.Chunk)

	go func() {
		defer close(s.done)
		defer close(ch)

		start := time.Now()
		tokens := 0
		callback := func(tok string) bool {
			select {
			case ch <- ports.Chunk{Text: tok}:
				tokens++
				return true
			case <-ctx.Done():
				return false
			}
		}

		logger.Debug().Int("prompt_length", len(prompt)).Msg("Starting text generation")
		_, err := s.model.Predict(prompt, predictOptions(params, callback)...)
		if err != nil {
			s.provider.health.recordFailure(fmt.Errorf("prediction failed: %w", err))
			select {
			case ch <- ports.Chunk{Err: fmt.Errorf("prediction failed: %w", err)}:
			case <-ctx.Done():
			}
			return
		}

		duration := time.Since(start)
		s.provider.health.recordSuccess(duration)
		logger.Debug().Dur("duration", duration).Int("tokens", tokens).Msg("Text generation completed")

		if ctx.Err() != nil {
			return
		}
		reason := ports.FinishNatural
		if params.MaxTokens > 0 && tokens >= params.MaxTokens {
			reason = ports.FinishMaxTokens
		}
		select {
		case ch <- ports.Chunk{Done: true, Reason: reason}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

// Close stops generation, waits for it to finish and returns the instance.
func (s *ggufSession) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		cancel, done := s.cancel, s.done
		s.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
		s.provider.release(s.model)
	})
	return nil
}

var (
	_ ports.Model   = (*GGUFProvider)(nil)
	_ ports.Session = (*ggufSession)(nil)
)
