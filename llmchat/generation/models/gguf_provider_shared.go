package models

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/llmchat/llmchat/config"
	"github.com/rs/zerolog"
)

var (
	ErrLlamaUnavailable = errors.New("llama.cpp not available in this build")
	ErrBreakerOpen      = errors.New("circuit breaker is open")
	ErrBorrowTimeout    = errors.New("timed out waiting for a model instance")
	ErrProviderClosed   = errors.New("provider closed")
	ErrSessionUsed      = errors.New("session already run")
)

// GGUFModelConfig holds configuration for GGUF model loading
type GGUFModelConfig struct {
	ModelPath   string
	ContextSize int
	GPULayers   int
	Threads     int
	// Pooling and resilience settings
	PoolSize         int
	BorrowTimeout    time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultGGUFConfig returns default configuration for a GGUF chat model
func DefaultGGUFConfig(modelPath string) *GGUFModelConfig {
	return &GGUFModelConfig{
		ModelPath:        modelPath,
		ContextSize:      2048,
		GPULayers:        0, // CPU-only by default
		Threads:          4,
		PoolSize:         1,
		BorrowTimeout:    5 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  60 * time.Second,
	}
}

// ConfigFromLLM maps the llm configuration section onto a provider config.
func ConfigFromLLM(c config.LLMConfig) *GGUFModelConfig {
	return &GGUFModelConfig{
		ModelPath:        c.ModelPath,
		ContextSize:      c.ContextSize,
		GPULayers:        c.GPULayers,
		Threads:          c.Threads,
		PoolSize:         c.PoolSize,
		BorrowTimeout:    c.BorrowTimeout,
		BreakerThreshold: c.BreakerThreshold,
		BreakerCooldown:  c.BreakerCooldown,
	}
}

// ValidateConfig validates the GGUF model configuration
func ValidateConfig(config *GGUFModelConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if config.ModelPath == "" {
		return fmt.Errorf("model path cannot be empty")
	}

	if config.ContextSize <= 0 {
		return fmt.Errorf("context size must be positive, got %d", config.ContextSize)
	}

	if config.GPULayers < 0 {
		return fmt.Errorf("GPU layers cannot be negative, got %d", config.GPULayers)
	}

	if config.Threads <= 0 {
		return fmt.Errorf("threads must be positive, got %d", config.Threads)
	}

	if config.PoolSize <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", config.PoolSize)
	}

	if config.BorrowTimeout <= 0 {
		return fmt.Errorf("borrow timeout must be positive, got %v", config.BorrowTimeout)
	}

	if config.BreakerThreshold <= 0 {
		return fmt.Errorf("breaker threshold must be positive, got %d", config.BreakerThreshold)
	}

	if config.BreakerCooldown <= 0 {
		return fmt.Errorf("breaker cooldown must be positive, got %v", config.BreakerCooldown)
	}

	return nil
}

// ModelHealth tracks the health status of a model
type ModelHealth struct {
	IsHealthy      bool          `json:"healthy"`
	SuccessRate    float64       `json:"success_rate"`
	AverageLatency time.Duration `json:"average_latency"`
	TotalCalls     int64         `json:"total_calls"`
	SuccessCalls   int64         `json:"success_calls"`
	FailureCalls   int64         `json:"failure_calls"`
	LastUsed       time.Time     `json:"last_used"`
	ErrorMessages  []string      `json:"errors,omitempty"`
	BreakerOpen    bool          `json:"breaker_open"`
}

// healthTracker records call outcomes and trips a breaker after
// threshold consecutive failures.
type healthTracker struct {
	mu          sync.Mutex
	health      ModelHealth
	failures    int
	lastFailure time.Time
	threshold   int
	cooldown    time.Duration
	now         func() time.Time
	logger      zerolog.Logger
}

func newHealthTracker(threshold int, cooldown time.Duration, logger zerolog.Logger) *healthTracker {
	return &healthTracker{
		health: ModelHealth{
			IsHealthy:     true,
			SuccessRate:   1.0,
			ErrorMessages: make([]string, 0),
		},
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger,
	}
}

// breakerOpen checks if the circuit breaker is tripped
func (h *healthTracker) breakerOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failures < h.threshold {
		return false
	}
	if h.now().Sub(h.lastFailure) <= h.cooldown {
		return true
	}
	h.failures = 0
	h.logger.Info().Msg("Circuit breaker reset after cooldown")
	return false
}

// recordSuccess updates health metrics on successful operation
func (h *healthTracker) recordSuccess(duration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failures = 0
	h.health.TotalCalls++
	h.health.SuccessCalls++
	h.health.LastUsed = h.now()

	if h.health.AverageLatency == 0 {
		h.health.AverageLatency = duration
	} else {
		alpha := 0.1
		h.health.AverageLatency = time.Duration(float64(h.health.AverageLatency)*(1-alpha) + float64(duration)*alpha)
	}

	h.health.SuccessRate = float64(h.health.SuccessCalls) / float64(h.health.TotalCalls)
	h.health.IsHealthy = true
}

// recordFailure updates health metrics on failed operation
func (h *healthTracker) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.health.TotalCalls++
	h.health.FailureCalls++
	h.health.LastUsed = h.now()
	h.health.IsHealthy = false

	if len(h.health.ErrorMessages) >= 10 {
		h.health.ErrorMessages = h.health.ErrorMessages[1:]
	}
	h.health.ErrorMessages = append(h.health.ErrorMessages, err.Error())
	h.health.SuccessRate = float64(h.health.SuccessCalls) / float64(h.health.TotalCalls)

	h.failures++
	h.lastFailure = h.now()

	h.logger.Warn().Err(err).Int("failure_count", h.failures).Msg("Operation failed")
}

func (h *healthTracker) markClosed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health.IsHealthy = false
	h.health.ErrorMessages = append(h.health.ErrorMessages, "Provider closed")
}

func (h *healthTracker) snapshot() ModelHealth {
	open := h.breakerOpen()

	h.mu.Lock()
	defer h.mu.Unlock()
	health := h.health
	health.ErrorMessages = append([]string(nil), h.health.ErrorMessages...)
	health.BreakerOpen = open
	return health
}

// instancePool hands out loaded model instances, one borrower at a time.
type instancePool[T any] struct {
	ch      chan T
	timeout time.Duration
}

func newInstancePool[T any](size int, timeout time.Duration) *instancePool[T] {
	return &instancePool[T]{ch: make(chan T, size), timeout: timeout}
}

// borrow waits up to the pool timeout, or until ctx ends, for a free instance.
func (p *instancePool[T]) borrow(ctx context.Context) (T, error) {
	var zero T
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case m := <-p.ch:
		return m, nil
	case <-timer.C:
		return zero, fmt.Errorf("%w after %v", ErrBorrowTimeout, p.timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// put returns m to the pool. It reports false when the pool is already full.
func (p *instancePool[T]) put(m T) bool {
	select {
	case p.ch <- m:
		return true
	default:
		return false
	}
}

// drain removes and returns every idle instance.
func (p *instancePool[T]) drain() []T {
	var out []T
	for {
		select {
		case m := <-p.ch:
			out = append(out, m)
		default:
			return out
		}
	}
}

func (p *instancePool[T]) idle() int {
	return len(p.ch)
}
