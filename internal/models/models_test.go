package models

import (
	"errors"
	"testing"
)

func TestLookup(t *testing.T) {
	m, err := Lookup("")
	if err != nil || m.ID != DefaultModel {
		t.Fatalf("Lookup(\"\") = %+v, %v", m, err)
	}

	m, err = Lookup("claude-3-opus")
	if err != nil || m.Vendor != "anthropic" {
		t.Errorf("Lookup(claude-3-opus) = %+v, %v", m, err)
	}

	if _, err := Lookup("gpt-9"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
}

func TestListIsACopy(t *testing.T) {
	list := List()
	if len(list) != 4 {
		t.Fatalf("catalog has %d models, want 4", len(list))
	}
	list[0].ID = "changed"
	if List()[0].ID != "gpt-4o" {
		t.Error("List exposed the catalog")
	}
}

func TestValidateAttachment(t *testing.T) {
	tests := []struct {
		contentType string
		size        int64
		want        error
	}{
		{"image/png", 1024, nil},
		{"text/plain; charset=utf-8", 10, nil},
		{"application/pdf", -1, nil},
		{"application/pdf", MaxAttachmentSize, nil},
		{"application/pdf", MaxAttachmentSize + 1, ErrAttachmentTooLarge},
		{"video/mp4", 10, ErrUnsupportedFileType},
		{"", 10, ErrUnsupportedFileType},
	}

	for _, tt := range tests {
		err := ValidateAttachment(tt.contentType, tt.size)
		if tt.want == nil && err != nil {
			t.Errorf("ValidateAttachment(%q, %d) = %v", tt.contentType, tt.size, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("ValidateAttachment(%q, %d) = %v, want %v", tt.contentType, tt.size, err, tt.want)
		}
	}
}
