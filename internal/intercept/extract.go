package intercept

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/goodtune/greengpt/internal/impact"
)

var (
	// ErrNoText is returned when a payload parses but carries no text
	ErrNoText = errors.New("no text found")

	// ErrUnsupported is returned for payload formats that are not understood
	ErrUnsupported = errors.New("unsupported payload")
)

type chatRequest struct {
	Messages []impact.Message `json:"messages"`
	Prompt   *impact.Content  `json:"prompt"`
}

// RequestTokens estimates the tokens of a chat request body: every entry of
// "messages" once, or else the "prompt" field.
func RequestTokens(body []byte) (int64, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return 0, ErrNoText
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, fmt.Errorf("failed to decode chat request: %w", err)
	}

	switch {
	case len(req.Messages) > 0:
		return impact.EstimateMessages(req.Messages), nil
	case req.Prompt != nil && !req.Prompt.Empty():
		return req.Prompt.Tokens(), nil
	default:
		return 0, ErrNoText
	}
}

// completion covers the response shapes of the common chat APIs, both
// whole responses and streamed chunks.
type completion struct {
	Content *impact.Content `json:"content"`
	Text    *string         `json:"text"`
	Message *struct {
		Content impact.Content `json:"content"`
	} `json:"message"`
	Response *string `json:"response"`
	Delta    *struct {
		Text *string `json:"text"`
	} `json:"delta"`
	Choices []struct {
		Message struct {
			Content impact.Content `json:"content"`
		} `json:"message"`
		Delta struct {
			Content impact.Content `json:"content"`
		} `json:"delta"`
		Text string `json:"text"`
	} `json:"choices"`
}

func (c completion) texts() []string {
	var out []string
	if c.Content != nil {
		out = append(out, c.Content.Parts()...)
	}
	if c.Text != nil {
		out = append(out, *c.Text)
	}
	if c.Message != nil {
		out = append(out, c.Message.Content.Parts()...)
	}
	if c.Response != nil {
		out = append(out, *c.Response)
	}
	if c.Delta != nil && c.Delta.Text != nil {
		out = append(out, *c.Delta.Text)
	}
	for _, choice := range c.Choices {
		out = append(out, choice.Message.Content.Parts()...)
		out = append(out, choice.Delta.Content.Parts()...)
		if choice.Text != "" {
			out = append(out, choice.Text)
		}
	}
	return out
}

// ResponseTokens estimates the tokens of a complete response body. Streamed
// formats are reassembled before estimating.
func ResponseTokens(contentType string, body []byte) (int64, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return 0, ErrNoText
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}

	var text string
	switch {
	case mediaType == "text/event-stream":
		text, err = sseText(body)
	case mediaType == "application/x-ndjson":
		text, err = ndjsonText(body)
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return jsonTokens(body)
	case mediaType == "text/plain":
		if isDataStream(body) {
			text, err = dataStreamText(body)
		} else {
			return impact.EstimateTokens(string(body)), nil
		}
	case mediaType == "" && json.Valid(body):
		return jsonTokens(body)
	default:
		return 0, fmt.Errorf("%w: content type %q", ErrUnsupported, contentType)
	}
	if err != nil {
		return 0, err
	}
	if text == "" {
		return 0, ErrNoText
	}
	return impact.EstimateTokens(text), nil
}

func jsonTokens(body []byte) (int64, error) {
	var c completion
	if err := json.Unmarshal(body, &c); err != nil {
		return 0, fmt.Errorf("failed to decode chat response: %w", err)
	}

	texts := c.texts()
	if len(texts) == 0 {
		return 0, ErrNoText
	}

	var total int64
	for _, t := range texts {
		total += impact.EstimateTokens(t)
	}
	return total, nil
}

// sseText joins the text carried by "data:" events. Events that are not
// JSON are taken as raw text.
func sseText(body []byte) (string, error) {
	var sb strings.Builder
	for _, line := range splitLines(body) {
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimPrefix(data, " ")
		if data == "" || data == "[DONE]" {
			continue
		}

		var c completion
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			sb.WriteString(data)
			continue
		}
		for _, t := range c.texts() {
			sb.WriteString(t)
		}
	}
	return sb.String(), nil
}

// ndjsonText joins the text of newline-delimited JSON chunks.
func ndjsonText(body []byte) (string, error) {
	var sb strings.Builder
	for _, line := range splitLines(body) {
		if line == "" {
			continue
		}
		var c completion
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			return "", fmt.Errorf("failed to decode stream chunk: %w", err)
		}
		for _, t := range c.texts() {
			sb.WriteString(t)
		}
	}
	return sb.String(), nil
}

// isDataStream detects the AI SDK data stream protocol, where every line is
// TYPE:JSON and text parts use type 0.
func isDataStream(body []byte) bool {
	sawText := false
	for _, line := range splitLines(body) {
		if line == "" {
			continue
		}
		prefix, _, ok := strings.Cut(line, ":")
		if !ok || len(prefix) != 1 {
			return false
		}
		if prefix == "0" {
			sawText = true
		}
	}
	return sawText
}

func dataStreamText(body []byte) (string, error) {
	var sb strings.Builder
	for _, line := range splitLines(body) {
		payload, ok := strings.CutPrefix(line, "0:")
		if !ok {
			continue
		}
		var text string
		if err := json.Unmarshal([]byte(payload), &text); err != nil {
			return "", fmt.Errorf("failed to decode text part: %w", err)
		}
		sb.WriteString(text)
	}
	return sb.String(), nil
}

func splitLines(body []byte) []string {
	lines := strings.Split(string(body), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}
