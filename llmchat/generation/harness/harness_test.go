package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/llmchat/llmchat/config"
	"github.com/ZanzyTHEbar/llmchat/llmchat/conversation"
	adapters "github.com/ZanzyTHEbar/llmchat/llmchat/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/llmchat/llmchat/generation/harness/ports"
)

// StubSession implements Session for testing. It streams tokens, then the
// terminal chunk, honouring cancellation between sends.
type StubSession struct {
	tokens    []string
	reason    ports.FinishReason
	streamErr error
	runErr    error
	block     bool // after the tokens, wait for cancellation instead of finishing

	mu        sync.Mutex
	prompt    string
	params    ports.Params
	closed    bool
	cancelled atomic.Bool
	done      chan struct{}
}

func (s *StubSession) Run(ctx context.Context, prompt string, params ports.Params) (<-chan ports.Chunk, error) {
	if s.runErr != nil {
		return nil, s.runErr
	}
	s.mu.Lock()
	s.prompt = prompt
	s.params = params
	s.done = make(chan struct{})
	s.mu.Unlock()

	ch := make(chan ports.Chunk)
	go func() {
		defer close(s.done)
		defer close(ch)
		for _, tok := range s.tokens {
			select {
			case ch <- ports.Chunk{Text: tok}:
			case <-ctx.Done():
				s.cancelled.Store(true)
				return
			}
		}
		if s.block {
			<-ctx.Done()
			s.cancelled.Store(true)
			return
		}
		term := ports.Chunk{Done: true, Reason: s.reason}
		if s.streamErr != nil {
			term = ports.Chunk{Err: s.streamErr}
		}
		select {
		case ch <- term:
		case <-ctx.Done():
			s.cancelled.Store(true)
		}
	}()
	return ch, nil
}

func (s *StubSession) Close() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *StubSession) Prompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt
}

func (s *StubSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// StubModel implements Model for testing.
type StubModel struct {
	newSession func() *StubSession
	startErr   error

	mu       sync.Mutex
	sessions []*StubSession
}

func (m *StubModel) StartSession(ctx context.Context) (ports.Session, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	s := &StubSession{tokens: []string{" stub reply"}, reason: ports.FinishNatural}
	if m.newSession != nil {
		s = m.newSession()
	}
	m.mu.Lock()
	m.sessions = append(m.sessions, s)
	m.mu.Unlock()
	return s, nil
}

func (m *StubModel) Last() *StubSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) == 0 {
		return nil
	}
	return m.sessions[len(m.sessions)-1]
}

func tokensSession(reason ports.FinishReason, tokens ...string) func() *StubSession {
	return func() *StubSession {
		return &StubSession{tokens: tokens, reason: reason}
	}
}

func newTestOrchestrator(model ports.Model) *Orchestrator {
	tracer := adapters.NewZerologTracer(zerolog.New(zerolog.Nop()))
	return NewOrchestrator(model, NewPromptCompiler(conversation.DefaultPersona()), tracer, ports.Params{Temperature: 0.8, TopK: 40})
}

func sampleConversation() conversation.Conversation {
	c := conversation.New()
	c.AppendUser("What is Go?")
	c.AppendAssistant("A programming language.")
	c.AppendUser("Who made it?")
	return c.Clone()
}

// streamOf returns a closed, buffered stream holding tokens and a terminal chunk.
func streamOf(terminal ports.Chunk, tokens ...string) <-chan ports.Chunk {
	ch := make(chan ports.Chunk, len(tokens)+1)
	for _, t := range tokens {
		ch <- ports.Chunk{Text: t}
	}
	ch <- terminal
	close(ch)
	return ch
}

// splitEvery cuts s into pieces of n bytes.
func splitEvery(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	return append(out, s)
}

func reduceTokens(t *testing.T, marker string, terminal ports.Chunk, tokens ...string) (Outcome, int) {
	t.Helper()
	var cancels int
	out := Reduce(context.Background(), func() { cancels++ }, streamOf(terminal, tokens...), marker)
	return out, cancels
}

var natural = ports.Chunk{Done: true, Reason: ports.FinishNatural}

// TestPromptCompiler_Format tests the exact rendered layout.
func TestPromptCompiler_Format(t *testing.T) {
	compiler := NewPromptCompiler(conversation.DefaultPersona())
	conv := conversation.Conversation{Turns: []conversation.Turn{
		{Speaker: conversation.RoleUser, Text: "Hi there"},
	}}

	want := "A chat between a human and an assistant\n" +
		"### Assistant: Hello - How may I help you?\n" +
		"### Human: How can you help me?\n" +
		"### Assistant: I am here to provide answers to your questions\n" +
		"### Human: Hi there\n" +
		"\n### Assistant:"
	assert.Equal(t, want, compiler.Compile(conv))
}

// TestPromptCompiler_TrailingCue tests that every prompt ends with the assistant cue.
func TestPromptCompiler_TrailingCue(t *testing.T) {
	persona := conversation.DefaultPersona()
	compiler := NewPromptCompiler(persona)
	cue := "\n" + persona.AssistantMarker + ":"

	convs := []conversation.Conversation{
		{},
		sampleConversation(),
		{Turns: []conversation.Turn{{Speaker: conversation.RoleUser, Text: "a"}, {Speaker: conversation.RoleUser, Text: "b"}}},
		{Turns: []conversation.Turn{{Speaker: conversation.RoleAssistant, Text: "  spaced  \r\n"}}},
	}
	for i, c := range convs {
		assert.True(t, strings.HasSuffix(compiler.Compile(c), cue), "conversation %d", i)
	}
}

// TestPromptCompiler_LineCount tests that each seed line and turn renders exactly one marker line.
func TestPromptCompiler_LineCount(t *testing.T) {
	persona := conversation.DefaultPersona()
	compiler := NewPromptCompiler(persona)

	for n := 0; n < 6; n++ {
		c := conversation.New()
		for i := 0; i < n; i++ {
			if i%2 == 0 {
				c.AppendUser(fmt.Sprintf("question %d", i))
			} else {
				c.AppendAssistant(fmt.Sprintf("answer %d", i))
			}
		}

		lines := 0
		for _, line := range strings.Split(compiler.Compile(c.Clone()), "\n") {
			if strings.HasPrefix(line, persona.UserMarker+": ") || strings.HasPrefix(line, persona.AssistantMarker+": ") {
				lines++
			}
		}
		assert.Equal(t, len(persona.Seed)+n, lines, "conversation with %d turns", n)
	}
}

// TestPromptCompiler_AppendKeepsHistory tests that a new turn never rewrites earlier ones.
func TestPromptCompiler_AppendKeepsHistory(t *testing.T) {
	persona := conversation.DefaultPersona()
	compiler := NewPromptCompiler(persona)
	cue := "\n" + persona.AssistantMarker + ":"

	before := sampleConversation()
	after := before.Clone()
	after.AppendUser("And when?")

	p1 := strings.TrimSuffix(compiler.Compile(before), cue)
	p2 := compiler.Compile(after)
	assert.True(t, strings.HasPrefix(p2, p1))
	assert.Equal(t, p1+"### Human: And when?\n"+cue, p2)
}

// TestPromptCompiler_Normalizes tests CRLF folding and whitespace trimming.
func TestPromptCompiler_Normalizes(t *testing.T) {
	compiler := NewPromptCompiler(conversation.Persona{AssistantMarker: "A", UserMarker: "U", Description: " desc \r\n"})
	conv := conversation.Conversation{Turns: []conversation.Turn{
		{Speaker: conversation.RoleUser, Text: "  line one\r\nline two  "},
	}}
	assert.Equal(t, "desc\nU: line one\nline two\n\nA:", compiler.Compile(conv))
}

// TestReduce_StopMarker tests truncation at the next speaker's marker for every tokenization.
func TestReduce_StopMarker(t *testing.T) {
	full := "Hello there\n### Human: what"
	for n := 1; n <= len(full); n++ {
		out, cancels := reduceTokens(t, "### Human", natural, splitEvery(full, n)...)
		assert.Equal(t, "Hello there", out.Text, "token size %d", n)
		assert.Equal(t, ports.FinishStopMarker, out.Reason, "token size %d", n)
		assert.NoError(t, out.Err)
		assert.Equal(t, 1, cancels)
	}
}

// TestReduce_SplitMarker tests a marker straddling two tokens.
func TestReduce_SplitMarker(t *testing.T) {
	out, _ := reduceTokens(t, "### Human", natural, "Sure thing.\n### ", "Human: more")
	assert.Equal(t, "Sure thing.", out.Text)
	assert.Equal(t, ports.FinishStopMarker, out.Reason)
	assert.Equal(t, 2, out.Tokens)

	out, _ = reduceTokens(t, "### Human", natural, "ok\n#", "#", "# H", "uma", "n:")
	assert.Equal(t, "ok", out.Text)
	assert.Equal(t, ports.FinishStopMarker, out.Reason)
}

// TestReduce_NaturalStop tests a stream that never contains the marker.
func TestReduce_NaturalStop(t *testing.T) {
	out, cancels := reduceTokens(t, "### Human", natural, " The", " answer", " is 42.\n", "### Hum")
	assert.Equal(t, "The answer is 42.\n### Hum", out.Text)
	assert.Equal(t, ports.FinishNatural, out.Reason)
	assert.Equal(t, 4, out.Tokens)
	assert.NoError(t, out.Err)
	assert.Equal(t, 1, cancels)
}

// TestReduce_MaxTokens tests that the session's finish reason is kept.
func TestReduce_MaxTokens(t *testing.T) {
	out, _ := reduceTokens(t, "### Human", ports.Chunk{Done: true, Reason: ports.FinishMaxTokens}, "a", "b")
	assert.Equal(t, "ab", out.Text)
	assert.Equal(t, ports.FinishMaxTokens, out.Reason)
}

// TestReduce_ClosedWithoutTerminal tests a stream closed with no terminal chunk.
func TestReduce_ClosedWithoutTerminal(t *testing.T) {
	ch := make(chan ports.Chunk, 1)
	ch <- ports.Chunk{Text: " fine "}
	close(ch)

	out := Reduce(context.Background(), func() {}, ch, "### Human")
	assert.Equal(t, "fine", out.Text)
	assert.Equal(t, ports.FinishNatural, out.Reason)
}

// TestReduce_Error tests that an error chunk fails the outcome.
func TestReduce_Error(t *testing.T) {
	boom := errors.New("kv cache exhausted")
	out, cancels := reduceTokens(t, "### Human", ports.Chunk{Err: boom}, "partial")
	assert.ErrorIs(t, out.Err, boom)
	assert.Equal(t, ports.FinishFailed, out.Reason)
	assert.Equal(t, "partial", out.Text)
	assert.Equal(t, 1, cancels)
}

// TestReduce_EdgeCases tests marker placement edge cases.
func TestReduce_EdgeCases(t *testing.T) {
	out, _ := reduceTokens(t, "### Human", natural, "### Human: hi")
	assert.Equal(t, "", out.Text, "marker first yields an empty reply")
	assert.Equal(t, ports.FinishStopMarker, out.Reason)

	out, _ = reduceTokens(t, "### Human", natural, "Done. ### Human: next")
	assert.Equal(t, "Done.", out.Text, "text before the marker on its line is kept")

	out, _ = reduceTokens(t, "### Human", natural, "line\n   \t### Human")
	assert.Equal(t, "line", out.Text)

	out, _ = reduceTokens(t, "### Human", natural, "# Hu", "man is not ### Huma")
	assert.Equal(t, "# Human is not ### Huma", out.Text, "partial markers are not matches")
	assert.Equal(t, ports.FinishNatural, out.Reason)

	out, _ = reduceTokens(t, "", natural, "### Human: kept")
	assert.Equal(t, "### Human: kept", out.Text, "empty marker disables detection")

	out, _ = reduceTokens(t, "X", natural, "abcXdef")
	assert.Equal(t, "abc", out.Text, "single byte marker")
}

// TestReduce_ContextCancelled tests that caller cancellation stops and drains.
func TestReduce_ContextCancelled(t *testing.T) {
	ctx, cancelCaller := context.WithCancel(context.Background())
	ch := make(chan ports.Chunk)
	released := make(chan struct{})

	// producer that only stops once the reducer cancels it
	var producerCancelled atomic.Bool
	stop := func() {
		if producerCancelled.CompareAndSwap(false, true) {
			close(released)
		}
	}
	go func() {
		defer close(ch)
		ch <- ports.Chunk{Text: "partial"}
		<-released
	}()

	done := make(chan Outcome, 1)
	go func() { done <- Reduce(ctx, stop, ch, "### Human") }()

	time.Sleep(20 * time.Millisecond)
	cancelCaller()

	select {
	case out := <-done:
		assert.ErrorIs(t, out.Err, context.Canceled)
		assert.Equal(t, ports.FinishFailed, out.Reason)
		assert.True(t, producerCancelled.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("reduce did not return after cancellation")
	}
}

// TestOrchestrator_EmptyConversation tests that the seed dialogue alone is enough context.
func TestOrchestrator_EmptyConversation(t *testing.T) {
	model := &StubModel{newSession: tokensSession(ports.FinishNatural, " I", " can", " help.")}
	orchestrator := newTestOrchestrator(model)

	reply, err := orchestrator.Converse(context.Background(), conversation.Conversation{})
	require.NoError(t, err)
	assert.Equal(t, "I can help.", reply)

	session := model.Last()
	assert.Equal(t, NewPromptCompiler(conversation.DefaultPersona()).Compile(conversation.Conversation{}), session.Prompt())
	assert.True(t, session.Closed())
}

// TestOrchestrator_StopMarker tests that generation is cut and the session stopped.
func TestOrchestrator_StopMarker(t *testing.T) {
	model := &StubModel{newSession: func() *StubSession {
		return &StubSession{tokens: []string{"Rob", " Pike", ".\n### ", "Human", ": and", " more"}, block: true}
	}}
	orchestrator := newTestOrchestrator(model)

	out, err := orchestrator.ConverseOutcome(context.Background(), sampleConversation())
	require.NoError(t, err)
	assert.Equal(t, "Rob Pike.", out.Text)
	assert.Equal(t, ports.FinishStopMarker, out.Reason)

	session := model.Last()
	assert.True(t, session.Closed())
	assert.True(t, session.cancelled.Load(), "session must be told to stop")
}

// TestOrchestrator_DoesNotMutateConversation tests that the caller's turns are left intact.
func TestOrchestrator_DoesNotMutateConversation(t *testing.T) {
	orchestrator := newTestOrchestrator(&StubModel{})

	conv := sampleConversation()
	conv.Turns[0].Text = "  padded  "
	snapshot := conv.Clone()

	_, err := orchestrator.Converse(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, snapshot, conv)
}

// TestOrchestrator_SequentialCallsKeepHistory tests that a second call extends the first prompt.
func TestOrchestrator_SequentialCallsKeepHistory(t *testing.T) {
	model := &StubModel{}
	orchestrator := newTestOrchestrator(model)
	cue := "\n### Assistant:"

	first := sampleConversation()
	_, err := orchestrator.Converse(context.Background(), first)
	require.NoError(t, err)
	p1 := model.Last().Prompt()

	second := first.Clone()
	second.AppendUser("Follow-up")
	_, err = orchestrator.Converse(context.Background(), second)
	require.NoError(t, err)
	p2 := model.Last().Prompt()

	assert.True(t, strings.HasPrefix(p2, strings.TrimSuffix(p1, cue)))
}

// TestOrchestrator_EmptyOutcome tests that an empty reply is success.
func TestOrchestrator_EmptyOutcome(t *testing.T) {
	model := &StubModel{newSession: tokensSession(ports.FinishNatural, "  \n", "### Human: hi")}
	orchestrator := newTestOrchestrator(model)

	reply, err := orchestrator.Converse(context.Background(), sampleConversation())
	assert.NoError(t, err)
	assert.Equal(t, "", reply)
}

// TestOrchestrator_Errors tests the error kinds surfaced to callers.
func TestOrchestrator_Errors(t *testing.T) {
	t.Run("start session", func(t *testing.T) {
		orchestrator := newTestOrchestrator(&StubModel{startErr: errors.New("pool exhausted")})
		_, err := orchestrator.Converse(context.Background(), sampleConversation())
		assert.ErrorIs(t, err, ErrModelUnavailable)
		assert.NotErrorIs(t, err, ErrInferenceFailure)
		assert.Contains(t, err.Error(), "pool exhausted")
	})

	t.Run("nil model", func(t *testing.T) {
		orchestrator := newTestOrchestrator(nil)
		_, err := orchestrator.Converse(context.Background(), sampleConversation())
		assert.ErrorIs(t, err, ErrModelUnavailable)
	})

	t.Run("run", func(t *testing.T) {
		model := &StubModel{newSession: func() *StubSession {
			return &StubSession{runErr: errors.New("prompt too long")}
		}}
		_, err := newTestOrchestrator(model).Converse(context.Background(), sampleConversation())
		assert.ErrorIs(t, err, ErrInferenceFailure)
		assert.True(t, model.Last().Closed())
	})

	t.Run("stream", func(t *testing.T) {
		boom := errors.New("decode failed")
		model := &StubModel{newSession: func() *StubSession {
			return &StubSession{tokens: []string{"half"}, streamErr: boom}
		}}
		out, err := newTestOrchestrator(model).ConverseOutcome(context.Background(), sampleConversation())
		assert.ErrorIs(t, err, ErrInferenceFailure)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, ports.FinishFailed, out.Reason)
	})
}

// TestOrchestrator_Cancellation tests that abandoning a call stops generation.
func TestOrchestrator_Cancellation(t *testing.T) {
	model := &StubModel{newSession: func() *StubSession {
		return &StubSession{tokens: []string{"thinking"}, block: true}
	}}
	orchestrator := newTestOrchestrator(model)

	ctx, cancel := context.WithCancel(context.Background())
	results := orchestrator.Go(ctx, sampleConversation())
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-results:
		assert.ErrorIs(t, res.Err, ErrInferenceFailure)
		assert.ErrorIs(t, res.Err, context.Canceled)
		assert.True(t, IsCancellation(res.Err))
	case <-time.After(2 * time.Second):
		t.Fatal("call did not finish after cancellation")
	}
	assert.True(t, model.Last().cancelled.Load())
	assert.True(t, model.Last().Closed())
}

// TestOrchestrator_Timeout tests the configured per-call deadline.
func TestOrchestrator_Timeout(t *testing.T) {
	model := &StubModel{newSession: func() *StubSession {
		return &StubSession{block: true}
	}}
	orchestrator := newTestOrchestrator(model).WithTimeout(30 * time.Millisecond)

	_, err := orchestrator.Converse(context.Background(), sampleConversation())
	assert.ErrorIs(t, err, ErrInferenceFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestOrchestrator_SetParams tests that swapped parameters reach the next session.
func TestOrchestrator_SetParams(t *testing.T) {
	model := &StubModel{}
	orchestrator := newTestOrchestrator(model)

	_, err := orchestrator.Converse(context.Background(), sampleConversation())
	require.NoError(t, err)
	assert.InDelta(t, 0.8, model.Last().params.Temperature, 1e-6)

	orchestrator.SetParams(ports.Params{Temperature: 0.1, MaxTokens: 16})
	_, err = orchestrator.Converse(context.Background(), sampleConversation())
	require.NoError(t, err)
	assert.InDelta(t, 0.1, model.Last().params.Temperature, 1e-6)
	assert.Equal(t, 16, model.Last().params.MaxTokens)
}

// TestOrchestrator_Concurrent tests independent calls sharing one model.
func TestOrchestrator_Concurrent(t *testing.T) {
	model := &StubModel{newSession: tokensSession(ports.FinishNatural, "same", " reply")}
	orchestrator := newTestOrchestrator(model)

	var wg conc.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 16; i++ {
		conv := sampleConversation()
		conv.AppendUser(fmt.Sprintf("question %d", i))
		wg.Go(func() {
			res := <-orchestrator.Go(context.Background(), conv)
			if res.Err == nil && res.Reply == "same reply" {
				ok.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(16), ok.Load())
	assert.Len(t, model.sessions, 16)
}

// TestFactory tests wiring from configuration.
func TestFactory(t *testing.T) {
	cfg := &config.Config{
		LLM: config.LLMConfig{Threads: 6},
		Sampling: config.SamplingConfig{
			Temperature: 0.5, TopK: 20, TopP: 0.9, RepeatPenalty: 1.1, RepeatLastN: 32, Seed: 7, MaxTokens: 64,
		},
		Persona: config.PersonaConfig{
			AssistantMarker: "BOT",
			UserMarker:      "YOU",
			Description:     "test persona",
			Seed:            []config.SeedTurn{{Speaker: "assistant", Text: "hey"}},
		},
		Harness: config.HarnessConfig{EnableTracing: true},
	}

	factory := NewFactory(cfg, zerolog.New(zerolog.Nop()))
	assert.NotNil(t, factory.createTracer())

	model := &StubModel{newSession: tokensSession(ports.FinishNatural, "fine\nYOU: next")}
	orchestrator, err := factory.CreateOrchestrator(model)
	require.NoError(t, err)

	reply, err := orchestrator.Converse(context.Background(), conversation.Conversation{})
	require.NoError(t, err)
	assert.Equal(t, "fine", reply)
	assert.Equal(t, "test persona\nBOT: hey\n\nBOT:", model.Last().Prompt())

	params := orchestrator.Params()
	assert.Equal(t, 6, params.Threads)
	assert.Equal(t, 20, params.TopK)
	assert.Equal(t, 7, params.Seed)
	assert.Equal(t, 64, params.MaxTokens)

	cfg.Persona.UserMarker = "BOT"
	_, err = factory.CreateOrchestrator(model)
	assert.Error(t, err)

	_, err = PersonaFromConfig(config.PersonaConfig{
		AssistantMarker: "A", UserMarker: "U",
		Seed: []config.SeedTurn{{Speaker: "narrator", Text: "x"}},
	})
	assert.Error(t, err)
}
