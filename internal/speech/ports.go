// Package speech adapts streaming transcription providers to the voice
// capture state machine.
package speech

import "context"

// TranscriptKind identifies whether a stream event is partial or final text.
type TranscriptKind string

const (
	TranscriptKindPartial TranscriptKind = "partial"
	TranscriptKindFinal   TranscriptKind = "final"
)

// TranscriptEvent represents incremental transcription output from a provider.
// Final events carry one settled segment, not the whole utterance.
type TranscriptEvent struct {
	Kind          TranscriptKind
	Text          string
	IsSpeechFinal bool
}

// StreamConfig describes provider-agnostic streaming settings.
type StreamConfig struct {
	Language       string
	SampleRate     int
	Channels       int
	Encoding       string
	InterimResults bool
}

// Stream is an active provider session.
type Stream interface {
	SendAudio(chunk []byte) error
	CloseSend() error
	Events() <-chan TranscriptEvent
	Wait() error
	Close() error
}

// Provider starts streaming transcription sessions.
type Provider interface {
	StartStreaming(ctx context.Context, cfg StreamConfig) (Stream, error)
}
