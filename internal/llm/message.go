// Package llm holds the canonical request and message types shared by all
// provider adapters.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ContentPart is one typed segment of a message body.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// Image holds a URL or data URI when Type is "image".
	Image string `json:"image,omitempty"`
}

// Message is one conversation turn. Content carries the plain-string form;
// Parts carries the typed form. Callers may populate either; the
// preprocessor reduces both to Parts before any adapter sees the message.
type Message struct {
	Role    string        `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// UnmarshalJSON accepts the OpenAI-style schema where "content" is either a
// plain string or an array of typed parts.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Parts   []ContentPart   `json:"parts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Parts = raw.Parts
	m.Content = ""
	if len(raw.Content) == 0 {
		return nil
	}
	switch raw.Content[0] {
	case '"':
		return json.Unmarshal(raw.Content, &m.Content)
	case '[':
		var parts []ContentPart
		if err := json.Unmarshal(raw.Content, &parts); err != nil {
			return fmt.Errorf("llm: decode content parts: %w", err)
		}
		if m.Parts == nil {
			m.Parts = parts
		}
		return nil
	case 'n': // null
		return nil
	}
	return fmt.Errorf("llm: unsupported content shape: %s", string(raw.Content))
}

// Text flattens the message body to plain text, joining text parts.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// IsEmpty reports whether the message carries no content in either form.
func (m Message) IsEmpty() bool {
	return m.Content == "" && len(m.Parts) == 0
}
