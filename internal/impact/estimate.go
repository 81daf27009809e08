package impact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// CharsPerToken is the divisor of the character-count heuristic.
const CharsPerToken = 4

// EstimateTokens returns ceil(runes(text) / CharsPerToken). It is a crude
// approximation, not a tokenizer.
func EstimateTokens(text string) int64 {
	return fromRunes(utf8.RuneCountInString(text))
}

// Estimate is the defensive form of EstimateTokens for values whose type is
// not known statically. Unsupported types and nil yield 0.
func Estimate(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return EstimateTokens(t)
	case []byte:
		return fromRunes(utf8.RuneCount(t))
	case *string:
		if t == nil {
			return 0
		}
		return EstimateTokens(*t)
	case fmt.Stringer:
		return EstimateTokens(stringerText(t))
	default:
		return 0
	}
}

func fromRunes(n int) int64 {
	return int64((n + CharsPerToken - 1) / CharsPerToken)
}

// stringerText guards against typed nil receivers.
func stringerText(s fmt.Stringer) (text string) {
	defer func() {
		if recover() != nil {
			text = ""
		}
	}()
	return s.String()
}

// Content is a message content value: either a plain string or an ordered
// list of parts, each a string or an object with an optional "text" field.
// Parts that carry no text (images, tool calls) are skipped.
type Content struct {
	parts []string
}

// Text returns a Content holding a single string part.
func Text(s string) Content {
	return Content{parts: []string{s}}
}

// UnmarshalJSON accepts every JSON shape; unrecognised ones decode to an
// empty Content rather than failing the enclosing document.
func (c *Content) UnmarshalJSON(data []byte) error {
	c.parts = nil
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.parts = append(c.parts, s)
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err == nil {
		for _, part := range raw {
			if text, ok := partText(part); ok {
				c.parts = append(c.parts, text)
			}
		}
		return nil
	}

	if text, ok := partText(data); ok {
		c.parts = append(c.parts, text)
	}
	return nil
}

// MarshalJSON writes a single part as a string and anything else as an
// array of text parts.
func (c Content) MarshalJSON() ([]byte, error) {
	if len(c.parts) == 1 {
		return json.Marshal(c.parts[0])
	}
	type textPart struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	parts := make([]textPart, 0, len(c.parts))
	for _, p := range c.parts {
		parts = append(parts, textPart{Type: "text", Text: p})
	}
	return json.Marshal(parts)
}

func partText(data json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, true
	}
	var obj struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Text != nil {
		return *obj.Text, true
	}
	return "", false
}

// Parts returns the extracted text parts in order.
func (c Content) Parts() []string {
	return append([]string(nil), c.parts...)
}

// Empty reports whether no non-empty text was extracted.
func (c Content) Empty() bool {
	for _, p := range c.parts {
		if p != "" {
			return false
		}
	}
	return true
}

// Tokens sums the per-part estimates.
func (c Content) Tokens() int64 {
	var total int64
	for _, p := range c.parts {
		total += EstimateTokens(p)
	}
	return total
}

// Message is a chat message as sent by chat clients. AI SDK clients send the
// same text in both content and parts, so parts only count when content is
// empty.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
	Parts   Content `json:"parts,omitempty"`
}

// Tokens returns the estimate for the message text.
func (m Message) Tokens() int64 {
	if m.Content.Empty() {
		return m.Parts.Tokens()
	}
	return m.Content.Tokens()
}

// EstimateMessages counts every message exactly once.
func EstimateMessages(messages []Message) int64 {
	var total int64
	for _, m := range messages {
		total += m.Tokens()
	}
	return total
}
