// Package repl is the terminal front-end: it owns the conversation, shows a
// placeholder while a reply is generated and swaps it for the reply.
package repl

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/ZanzyTHEbar/llmchat/llmchat/conversation"
	"github.com/ZanzyTHEbar/llmchat/llmchat/generation/harness"
	ports "github.com/ZanzyTHEbar/llmchat/llmchat/generation/harness/ports"
)

// FallbackText is displayed when the assistant produced an empty reply.
const FallbackText = "(no reply)"

// ErrReset is reported for replies that arrive after the conversation was reset.
var ErrReset = errors.New("conversation was reset")

// Reply is the completion of one submitted user turn.
type Reply struct {
	Text    string // as stored in the conversation
	Display string // Text, or FallbackText when empty
	Reason  ports.FinishReason
	Err     error
}

type ticket struct {
	cancel context.CancelFunc
}

// Session owns one conversation. Submissions may overlap; each one's
// placeholder is resolved in place when its reply arrives.
type Session struct {
	converser harness.Converser

	mu          sync.Mutex
	conv        *conversation.Conversation
	outstanding []*ticket // one per pending placeholder, in conversation order
}

func NewSession(c harness.Converser) *Session {
	return &Session{converser: c, conv: conversation.New()}
}

// Submit appends a user turn and a placeholder, then asks for the reply in
// the background. The channel receives one Reply and is closed.
func (s *Session) Submit(ctx context.Context, text string) <-chan Reply {
	ctx, cancel := context.WithCancel(ctx)
	t := &ticket{cancel: cancel}

	s.mu.Lock()
	s.conv.AppendUser(text)
	snapshot := s.conv.Settled()
	s.conv.AppendPlaceholder()
	s.outstanding = append(s.outstanding, t)
	s.mu.Unlock()

	ch := make(chan Reply, 1)
	go func() {
		defer close(ch)
		defer cancel()

		out, err := s.converser.ConverseOutcome(ctx, snapshot)
		ch <- s.settle(t, out, err)
	}()
	return ch
}

func (s *Session) settle(t *ticket, out harness.Outcome, err error) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.placeholderIndex(t)
	if !ok {
		return Reply{Reason: ports.FinishFailed, Err: ErrReset}
	}
	s.outstanding = slices.DeleteFunc(s.outstanding, func(o *ticket) bool { return o == t })

	if err != nil {
		_ = s.conv.Discard(idx)
		return Reply{Reason: ports.FinishFailed, Err: err}
	}
	_ = s.conv.Resolve(idx, out.Text)

	display := out.Text
	if display == "" {
		display = FallbackText
	}
	return Reply{Text: out.Text, Display: display, Reason: out.Reason}
}

// placeholderIndex finds t's placeholder: the n-th outstanding ticket owns
// the n-th pending turn.
func (s *Session) placeholderIndex(t *ticket) (int, bool) {
	rank := slices.Index(s.outstanding, t)
	if rank < 0 {
		return 0, false
	}
	for i, turn := range s.conv.Turns {
		if !turn.Pending {
			continue
		}
		if rank == 0 {
			return i, true
		}
		rank--
	}
	return 0, false
}

// Snapshot returns a copy of the conversation, placeholders included.
func (s *Session) Snapshot() conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Clone()
}

// InFlight returns the number of replies still awaited.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}

// Reset cancels in-flight replies and starts a new conversation.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.outstanding {
		t.cancel()
	}
	s.outstanding = nil
	s.conv.Reset()
}
