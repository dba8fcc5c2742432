package harness

import (
	"context"
	"strings"

	ports "github.com/ZanzyTHEbar/llmchat/llmchat/generation/harness/ports"
)

// Outcome is the folded result of one token stream.
type Outcome struct {
	Text   string
	Reason ports.FinishReason
	Tokens int
	Err    error
}

// Reduce folds a token stream into reply text, stopping as soon as
// stopMarker appears in the generated output. The marker may straddle any
// number of tokens: each token is searched together with the trailing
// len(stopMarker)-1 bytes of earlier output. On a match, on an error chunk,
// or when ctx ends, cancel is called and the rest of the stream is drained.
// An empty stopMarker disables detection.
func Reduce(ctx context.Context, cancel context.CancelFunc, stream <-chan ports.Chunk, stopMarker string) Outcome {
	var (
		out    strings.Builder
		tail   string
		tokens int
	)
	keep := len(stopMarker) - 1

	stop := func(text string, reason ports.FinishReason, err error) Outcome {
		cancel()
		for range stream {
		}
		return Outcome{Text: strings.TrimSpace(text), Reason: reason, Tokens: tokens, Err: err}
	}

	for {
		select {
		case <-ctx.Done():
			return stop(out.String(), ports.FinishFailed, ctx.Err())

		case chunk, ok := <-stream:
			if !ok {
				// A cancelled session may close without a terminal chunk.
				if err := ctx.Err(); err != nil {
					return Outcome{Text: strings.TrimSpace(out.String()), Reason: ports.FinishFailed, Tokens: tokens, Err: err}
				}
				return Outcome{Text: strings.TrimSpace(out.String()), Reason: ports.FinishNatural, Tokens: tokens}
			}
			if chunk.Err != nil {
				return stop(out.String(), ports.FinishFailed, chunk.Err)
			}
			if chunk.Done {
				reason := chunk.Reason
				if reason == "" {
					reason = ports.FinishNatural
				}
				return stop(out.String(), reason, nil)
			}

			tokens++
			start := out.Len() - len(tail)
			out.WriteString(chunk.Text)
			if stopMarker == "" {
				continue
			}

			window := tail + chunk.Text
			if i := strings.Index(window, stopMarker); i >= 0 {
				// Trimming drops the marker line's dangling whitespace.
				return stop(out.String()[:start+i], ports.FinishStopMarker, nil)
			}
			if len(window) > keep {
				window = window[len(window)-keep:]
			}
			tail = window
		}
	}
}
