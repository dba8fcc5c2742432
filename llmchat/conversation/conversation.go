// Package conversation models the turn-by-turn dialogue between a user and
// the assistant.
package conversation

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Role identifies who spoke a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// UnmarshalJSON rejects unknown roles.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	role := Role(s)
	if !role.Valid() {
		return fmt.Errorf("unknown speaker role %q", s)
	}
	*r = role
	return nil
}

// PlaceholderText is shown in place of an assistant turn whose reply is still
// being generated.
const PlaceholderText = "..."

// Turn is one utterance.
type Turn struct {
	Text    string `json:"text"`
	Speaker Role   `json:"speaker"`

	// Pending marks a UI placeholder awaiting its reply. Never serialized.
	Pending bool `json:"-"`
}

// Conversation is the chronological list of turns. Speakers need not
// alternate.
type Conversation struct {
	ID    string `json:"id,omitempty"`
	Turns []Turn `json:"turns"`
}

// New returns an empty conversation with a fresh ID.
func New() *Conversation {
	return &Conversation{
		ID:    uuid.New().String(),
		Turns: make([]Turn, 0),
	}
}

// Len returns the number of turns, pending ones included.
func (c *Conversation) Len() int {
	return len(c.Turns)
}

// Append adds a turn at the end.
func (c *Conversation) Append(turn Turn) {
	c.Turns = append(c.Turns, turn)
}

// AppendUser adds a user turn at the end.
func (c *Conversation) AppendUser(text string) {
	c.Append(Turn{Text: text, Speaker: RoleUser})
}

// AppendAssistant adds a settled assistant turn at the end.
func (c *Conversation) AppendAssistant(text string) {
	c.Append(Turn{Text: text, Speaker: RoleAssistant})
}

// AppendPlaceholder adds a pending assistant turn and returns its index so
// the caller can resolve it once the reply is available.
func (c *Conversation) AppendPlaceholder() int {
	c.Append(Turn{Text: PlaceholderText, Speaker: RoleAssistant, Pending: true})
	return len(c.Turns) - 1
}

// Resolve replaces the pending turn at index with the final reply.
func (c *Conversation) Resolve(index int, text string) error {
	turn, err := c.pendingAt(index)
	if err != nil {
		return err
	}
	turn.Text = text
	turn.Pending = false
	return nil
}

// Discard removes the pending turn at index. Indexes of later turns shift
// down by one.
func (c *Conversation) Discard(index int) error {
	if _, err := c.pendingAt(index); err != nil {
		return err
	}
	c.Turns = append(c.Turns[:index], c.Turns[index+1:]...)
	return nil
}

func (c *Conversation) pendingAt(index int) (*Turn, error) {
	if index < 0 || index >= len(c.Turns) {
		return nil, fmt.Errorf("turn index %d out of range [0,%d)", index, len(c.Turns))
	}
	turn := &c.Turns[index]
	if !turn.Pending {
		return nil, fmt.Errorf("turn %d is not a pending placeholder", index)
	}
	return turn, nil
}

// Settled returns a copy of the conversation without pending placeholders.
func (c *Conversation) Settled() Conversation {
	out := Conversation{ID: c.ID, Turns: make([]Turn, 0, len(c.Turns))}
	for _, t := range c.Turns {
		if t.Pending {
			continue
		}
		out.Turns = append(out.Turns, t)
	}
	return out
}

// Clone returns a deep copy.
func (c *Conversation) Clone() Conversation {
	turns := make([]Turn, len(c.Turns))
	copy(turns, c.Turns)
	return Conversation{ID: c.ID, Turns: turns}
}

// Reset drops every turn and assigns a new ID.
func (c *Conversation) Reset() {
	c.ID = uuid.New().String()
	c.Turns = c.Turns[:0]
}
