package impact

import (
	"encoding/json"
	"fmt"
)

// Document is the persisted JSON form of the aggregator state.
type Document struct {
	SessionHistory []SessionRecord `json:"sessionHistory"`
	CurrentSession *State          `json:"currentSession,omitempty"`
	Daily          []DailyRecord   `json:"daily,omitempty"`
}

// Persist serializes a document.
func Persist(doc Document) ([]byte, error) {
	if doc.SessionHistory == nil {
		doc.SessionHistory = []SessionRecord{}
	}
	return json.Marshal(doc)
}

// Restore parses a persisted document. Derived figures in currentSession are
// recomputed from its token count with r, and negative counts are clamped.
func Restore(data []byte, r Ratios) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("failed to parse impact state: %w", err)
	}

	r = r.orDefault()
	tokens := int64(0)
	if doc.CurrentSession != nil && doc.CurrentSession.Tokens > 0 {
		tokens = doc.CurrentSession.Tokens
	}
	current := r.State(tokens)
	doc.CurrentSession = &current

	if doc.SessionHistory == nil {
		doc.SessionHistory = []SessionRecord{}
	}
	for i := range doc.SessionHistory {
		if doc.SessionHistory[i].Tokens < 0 {
			doc.SessionHistory[i].Tokens = 0
		}
	}

	return doc, nil
}
