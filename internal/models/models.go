// Package models holds the chat model catalog and attachment rules served
// to chat clients.
package models

import (
	"errors"
	"fmt"
	"mime"
	"slices"
)

// DefaultModel is selected when a request names no model
const DefaultModel = "gpt-4o"

// MaxAttachmentSize is the largest accepted attachment in bytes
const MaxAttachmentSize = 10 << 20

// Model describes a selectable chat model
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Vendor      string `json:"vendor"`
	Description string `json:"description"`
}

var catalog = []Model{
	{ID: "gpt-4o", Name: "GPT-4o", Vendor: "openai", Description: "Most capable model for complex tasks"},
	{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", Vendor: "openai", Description: "Fast and efficient for everyday tasks"},
	{ID: "claude-3-opus", Name: "Claude 3 Opus", Vendor: "anthropic", Description: "Anthropic's most powerful model"},
	{ID: "claude-3-sonnet", Name: "Claude 3 Sonnet", Vendor: "anthropic", Description: "Balanced performance and efficiency"},
}

// SupportedFileTypes are the accepted attachment media types
var SupportedFileTypes = []string{
	"image/jpeg",
	"image/png",
	"image/webp",
	"text/plain",
	"text/markdown",
	"application/pdf",
}

// ArtifactKind is the kind of document a chat can produce
type ArtifactKind string

const (
	ArtifactText  ArtifactKind = "text"
	ArtifactCode  ArtifactKind = "code"
	ArtifactSheet ArtifactKind = "sheet"
	ArtifactImage ArtifactKind = "image"
)

// ArtifactKinds lists every artifact kind
var ArtifactKinds = []ArtifactKind{ArtifactText, ArtifactCode, ArtifactSheet, ArtifactImage}

var (
	// ErrUnknownModel is returned for model IDs outside the catalog
	ErrUnknownModel = errors.New("unknown model")

	// ErrAttachmentTooLarge is returned for attachments over MaxAttachmentSize
	ErrAttachmentTooLarge = errors.New("attachment too large")

	// ErrUnsupportedFileType is returned for attachment types not in SupportedFileTypes
	ErrUnsupportedFileType = errors.New("unsupported file type")
)

// List returns a copy of the catalog
func List() []Model {
	return slices.Clone(catalog)
}

// Lookup finds a model by ID; an empty ID resolves to DefaultModel.
func Lookup(id string) (Model, error) {
	if id == "" {
		id = DefaultModel
	}
	for _, m := range catalog {
		if m.ID == id {
			return m, nil
		}
	}
	return Model{}, fmt.Errorf("%w: %s", ErrUnknownModel, id)
}

// ValidateAttachment checks an attachment's media type and size. A negative
// size means unknown and skips the size check.
func ValidateAttachment(contentType string, size int64) error {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !slices.Contains(SupportedFileTypes, mediaType) {
		return fmt.Errorf("%w: %q", ErrUnsupportedFileType, contentType)
	}
	if size > MaxAttachmentSize {
		return fmt.Errorf("%w: %d bytes", ErrAttachmentTooLarge, size)
	}
	return nil
}
