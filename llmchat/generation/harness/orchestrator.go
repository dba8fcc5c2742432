package harness

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ZanzyTHEbar/llmchat/llmchat/conversation"
	ports "github.com/ZanzyTHEbar/llmchat/llmchat/generation/harness/ports"
)

// Converser produces the assistant's reply for one round trip.
type Converser interface {
	Converse(ctx context.Context, conv conversation.Conversation) (string, error)
	ConverseOutcome(ctx context.Context, conv conversation.Conversation) (Outcome, error)
}

// Result is delivered by Go once a call completes.
type Result struct {
	Reply   string
	Outcome Outcome
	Err     error
}

// Orchestrator runs compile, session, run and reduce for each call. It holds
// no per-call state; every call gets its own session and buffers.
type Orchestrator struct {
	model    ports.Model
	compiler *PromptCompiler
	tracer   ports.Tracer
	timeout  time.Duration
	params   atomic.Pointer[ports.Params]
}

// NewOrchestrator creates a new orchestrator with dependencies.
func NewOrchestrator(model ports.Model, compiler *PromptCompiler, tracer ports.Tracer, params ports.Params) *Orchestrator {
	if tracer == nil {
		tracer = &noOpTracer{}
	}
	o := &Orchestrator{
		model:    model,
		compiler: compiler,
		tracer:   tracer,
	}
	o.params.Store(&params)
	return o
}

// WithTimeout bounds every call by d. Zero disables the bound.
func (o *Orchestrator) WithTimeout(d time.Duration) *Orchestrator {
	o.timeout = d
	return o
}

// SetParams swaps the sampling parameters used by calls started afterwards.
func (o *Orchestrator) SetParams(p ports.Params) {
	o.params.Store(&p)
}

// Params returns the current sampling parameters.
func (o *Orchestrator) Params() ports.Params {
	return *o.params.Load()
}

// Converse returns the reply text. An empty reply is not an error.
func (o *Orchestrator) Converse(ctx context.Context, conv conversation.Conversation) (string, error) {
	out, err := o.ConverseOutcome(ctx, conv)
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

// ConverseOutcome is Converse with the finish reason and token count.
// The caller's conversation is only read.
func (o *Orchestrator) ConverseOutcome(ctx context.Context, conv conversation.Conversation) (out Outcome, err error) {
	ctx, finish := o.tracer.StartSpan(ctx, "converse", map[string]any{
		"conversation_id": conv.ID,
		"turns":           len(conv.Turns),
	})
	defer func() { finish(err) }()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	if o.model == nil {
		return Outcome{Reason: ports.FinishFailed}, fmt.Errorf("%w: no model configured", ErrModelUnavailable)
	}

	prompt := o.compiler.Compile(conv)

	session, err := o.model.StartSession(ctx)
	if err != nil {
		return Outcome{Reason: ports.FinishFailed}, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			o.tracer.Event(ctx, "session_close_error", map[string]any{"error": cerr.Error()})
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	params := o.Params()
	stream, err := session.Run(runCtx, prompt, params)
	if err != nil {
		return Outcome{Reason: ports.FinishFailed}, fmt.Errorf("%w: %w", ErrInferenceFailure, err)
	}

	out = Reduce(ctx, cancel, stream, o.compiler.Persona().StopMarker())
	if out.Err != nil {
		return out, fmt.Errorf("%w: %w", ErrInferenceFailure, out.Err)
	}

	o.tracer.Event(ctx, "outcome", map[string]any{
		"finish_reason": string(out.Reason),
		"tokens":        out.Tokens,
		"prompt_bytes":  len(prompt),
	})
	if out.Text == "" {
		o.tracer.Event(ctx, "empty_outcome", map[string]any{"finish_reason": string(out.Reason)})
	}
	return out, nil
}

// Go runs Converse in the background. The channel receives exactly one
// Result and is then closed. Cancelling ctx stops generation.
func (o *Orchestrator) Go(ctx context.Context, conv conversation.Conversation) <-chan Result {
	return GoWith(ctx, o, conv)
}

// GoWith runs any Converser in the background, as Orchestrator.Go does.
// conv is copied before the call returns.
func GoWith(ctx context.Context, c Converser, conv conversation.Conversation) <-chan Result {
	conv = conv.Clone()
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		out, err := c.ConverseOutcome(ctx, conv)
		ch <- Result{Reply: out.Text, Outcome: out, Err: err}
	}()
	return ch
}

// IsCancellation reports whether err ended because the caller gave up.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

var _ Converser = (*Orchestrator)(nil)
