package harness

import (
	"context"
	"fmt"

	"github.com/ZanzyTHEbar/llmchat/llmchat/config"
	"github.com/ZanzyTHEbar/llmchat/llmchat/conversation"
	"github.com/ZanzyTHEbar/llmchat/llmchat/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/llmchat/llmchat/generation/harness/ports"
	"github.com/rs/zerolog"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	cfg    *config.Config
	logger zerolog.Logger
}

// NewFactory creates a new harness factory.
func NewFactory(cfg *config.Config, logger zerolog.Logger) *Factory {
	return &Factory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateOrchestrator creates a fully wired Orchestrator around model.
func (f *Factory) CreateOrchestrator(model ports.Model) (*Orchestrator, error) {
	persona, err := PersonaFromConfig(f.cfg.Persona)
	if err != nil {
		return nil, err
	}

	o := NewOrchestrator(
		model,
		NewPromptCompiler(persona),
		f.createTracer(),
		ParamsFromConfig(f.cfg.Sampling, f.cfg.LLM.Threads),
	)
	return o.WithTimeout(f.cfg.Harness.RequestTimeout), nil
}

// createTracer creates a tracer adapter from config.
func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Harness.EnableTracing {
		return &noOpTracer{}
	}
	return adapters.NewZerologTracer(f.logger.With().Str("component", "harness").Logger())
}

// ParamsFromConfig maps the sampling section onto inference parameters.
func ParamsFromConfig(s config.SamplingConfig, threads int) ports.Params {
	return ports.Params{
		Temperature:   s.Temperature,
		TopK:          s.TopK,
		TopP:          s.TopP,
		RepeatPenalty: s.RepeatPenalty,
		RepeatLastN:   s.RepeatLastN,
		Seed:          s.Seed,
		Threads:       threads,
		MaxTokens:     s.MaxTokens,
	}
}

// PersonaFromConfig builds and validates a persona from the persona section.
func PersonaFromConfig(pc config.PersonaConfig) (conversation.Persona, error) {
	p := conversation.Persona{
		AssistantMarker: pc.AssistantMarker,
		UserMarker:      pc.UserMarker,
		Description:     pc.Description,
		Seed:            make([]conversation.Turn, 0, len(pc.Seed)),
	}
	for _, s := range pc.Seed {
		p.Seed = append(p.Seed, conversation.Turn{Speaker: conversation.Role(s.Speaker), Text: s.Text})
	}
	if err := p.Validate(); err != nil {
		return conversation.Persona{}, fmt.Errorf("invalid persona: %w", err)
	}
	return p, nil
}

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

var _ ports.Tracer = (*noOpTracer)(nil)
