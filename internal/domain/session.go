package domain

import (
	"fmt"
	"time"
)

// Role identifies who authored a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Mode is the input modality of the most recent submission.
type Mode string

const (
	ModeText  Mode = "text"
	ModeVoice Mode = "voice"
)

// TranscriptEntry is a single utterance in the running conversation.
type TranscriptEntry struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// RefinementMarker records that a refinement replaced a result set.
// AfterEntryIndex is the transcript index of the last entry before the
// refining utterance; SupersededCount is how many results were replaced.
type RefinementMarker struct {
	AfterEntryIndex int `json:"after_entry_index"`
	SupersededCount int `json:"superseded_count"`
}

// Session is the persisted state of one browsing context's discovery session.
type Session struct {
	Transcript []TranscriptEntry  `json:"transcript"`
	Results    []Product          `json:"results"`
	Cursor     string             `json:"cursor,omitempty"`
	Complete   bool               `json:"complete"`
	Markers    []RefinementMarker `json:"markers"`
	Mode       Mode               `json:"mode"`
	Generation uint64             `json:"generation"`
	Query      string             `json:"query,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// NewSession returns an empty text-mode session.
func NewSession() *Session {
	return &Session{
		Transcript: []TranscriptEntry{},
		Results:    []Product{},
		Markers:    []RefinementMarker{},
		Mode:       ModeText,
	}
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Transcript = append([]TranscriptEntry{}, s.Transcript...)
	out.Markers = append([]RefinementMarker{}, s.Markers...)
	out.Results = make([]Product, len(s.Results))
	for i, p := range s.Results {
		out.Results[i] = p.Clone()
	}
	return &out
}

// HasResults reports whether any products are currently shown.
func (s *Session) HasResults() bool {
	return len(s.Results) > 0
}

// FindProduct returns the product with the given id from the current results.
func (s *Session) FindProduct(id string) (Product, bool) {
	for _, p := range s.Results {
		if p.ID == id {
			return p.Clone(), true
		}
	}
	return Product{}, false
}

// Validate checks the structural invariants a restored snapshot must hold.
func (s *Session) Validate() error {
	if s.Complete && s.Cursor != "" {
		return fmt.Errorf("session is complete but has cursor %q", s.Cursor)
	}
	seen := make(map[string]struct{}, len(s.Results))
	for _, p := range s.Results {
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate product id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	prev := -1
	for i, m := range s.Markers {
		if m.AfterEntryIndex < prev {
			return fmt.Errorf("marker %d index %d precedes %d", i, m.AfterEntryIndex, prev)
		}
		if m.AfterEntryIndex >= len(s.Transcript) {
			return fmt.Errorf("marker %d index %d out of range", i, m.AfterEntryIndex)
		}
		prev = m.AfterEntryIndex
	}
	switch s.Mode {
	case ModeText, ModeVoice:
	default:
		return fmt.Errorf("unknown mode %q", s.Mode)
	}
	return nil
}
