package conversation

import "fmt"

// Persona holds the fixed text that frames every prompt. The same value must
// drive both prompt compilation and stop detection so the markers agree.
type Persona struct {
	AssistantMarker string
	UserMarker      string
	Description     string
	Seed            []Turn
}

// DefaultPersona returns the built-in persona.
func DefaultPersona() Persona {
	return Persona{
		AssistantMarker: "### Assistant",
		UserMarker:      "### Human",
		Description:     "A chat between a human and an assistant",
		Seed: []Turn{
			{Speaker: RoleAssistant, Text: "Hello - How may I help you?"},
			{Speaker: RoleUser, Text: "How can you help me?"},
			{Speaker: RoleAssistant, Text: "I am here to provide answers to your questions"},
		},
	}
}

// Marker returns the speaker prefix for r.
func (p Persona) Marker(r Role) string {
	if r == RoleUser {
		return p.UserMarker
	}
	return p.AssistantMarker
}

// StopMarker is the marker whose appearance in generated text means the
// model has started writing the user's next turn.
func (p Persona) StopMarker() string {
	return p.UserMarker
}

// Validate checks the markers are usable for framing and detection.
func (p Persona) Validate() error {
	if p.AssistantMarker == "" || p.UserMarker == "" {
		return fmt.Errorf("persona markers cannot be empty")
	}
	if p.AssistantMarker == p.UserMarker {
		return fmt.Errorf("assistant and user markers must differ, both are %q", p.UserMarker)
	}
	for i, t := range p.Seed {
		if !t.Speaker.Valid() {
			return fmt.Errorf("seed turn %d has unknown speaker %q", i, t.Speaker)
		}
	}
	return nil
}
