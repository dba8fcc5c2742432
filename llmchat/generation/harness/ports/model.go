package harnessports

import (
	"context"
)

// FinishReason records why a generation ended.
type FinishReason string

const (
	FinishStopMarker FinishReason = "stop_marker" // the next speaker's marker appeared
	FinishNatural    FinishReason = "natural"     // end of sequence
	FinishMaxTokens  FinishReason = "max_tokens"  // token cap reached
	FinishFailed     FinishReason = "failed"
)

// Params controls sampling for one inference run.
type Params struct {
	Temperature   float32
	TopK          int
	TopP          float32
	RepeatPenalty float32
	RepeatLastN   int
	Seed          int // 0 or negative picks a random seed
	Threads       int
	MaxTokens     int // 0 = unset, run until natural stop
}

// Chunk is one element of a session's token stream. One terminal chunk (Err
// set, or Done with a Reason) is sent before the channel closes, unless the
// run was cancelled.
type Chunk struct {
	Text   string
	Err    error
	Done   bool
	Reason FinishReason
}

// Session is a single-use inference session bound to a loaded model.
type Session interface {
	// Run starts generation. The returned channel is finite, consumed once,
	// and closed after the terminal chunk. Cancelling ctx stops token
	// production.
	Run(ctx context.Context, prompt string, params Params) (<-chan Chunk, error)
	// Close releases the session. It blocks until generation has stopped.
	Close() error
}

// Model hands out fresh sessions over already-loaded weights.
type Model interface {
	StartSession(ctx context.Context) (Session, error)
}
