package speech

import (
	"strings"
	"sync"
)

// transcriptAggregator folds per-segment provider output into the running
// utterance the voice machine expects.
type transcriptAggregator struct {
	mu      sync.Mutex
	finals  []string
	partial string
}

func newTranscriptAggregator() *transcriptAggregator {
	return &transcriptAggregator{}
}

// Add records event and reports the text to surface to the listener.
func (a *transcriptAggregator) Add(event TranscriptEvent) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	text := strings.TrimSpace(event.Text)
	if text == "" {
		return ""
	}
	if event.Kind == TranscriptKindFinal {
		a.finals = append(a.finals, text)
		a.partial = ""
		return strings.Join(a.finals, " ")
	}
	a.partial = text
	return strings.TrimSpace(strings.Join(append(append([]string{}, a.finals...), text), " "))
}

// Raw returns the settled utterance so far.
func (a *transcriptAggregator) Raw() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.TrimSpace(strings.Join(a.finals, " "))
}
