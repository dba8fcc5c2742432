package harness

import (
	"strings"

	"github.com/ZanzyTHEbar/llmchat/llmchat/conversation"
)

// PromptCompiler renders a conversation into the single text prompt the
// model continues. Its persona supplies the markers the reducer later
// watches for, so both must come from the same value.
type PromptCompiler struct {
	persona conversation.Persona
}

func NewPromptCompiler(persona conversation.Persona) *PromptCompiler {
	return &PromptCompiler{persona: persona}
}

// Persona returns the persona the compiler frames prompts with.
func (c *PromptCompiler) Persona() conversation.Persona {
	return c.persona
}

// Compile renders description, seed dialogue and every turn in order,
// followed by the assistant cue. The full history is always rendered.
func (c *PromptCompiler) Compile(conv conversation.Conversation) string {
	var b strings.Builder
	b.WriteString(normalize(c.persona.Description))
	b.WriteByte('\n')

	for _, t := range c.persona.Seed {
		c.writeTurn(&b, t)
	}
	for _, t := range conv.Turns {
		c.writeTurn(&b, t)
	}

	b.WriteByte('\n')
	b.WriteString(c.persona.AssistantMarker)
	b.WriteByte(':')
	return b.String()
}

func (c *PromptCompiler) writeTurn(b *strings.Builder, t conversation.Turn) {
	b.WriteString(c.persona.Marker(t.Speaker))
	b.WriteString(": ")
	b.WriteString(normalize(t.Text))
	b.WriteByte('\n')
}

// normalize folds CRLF and trims surrounding whitespace.
func normalize(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}
