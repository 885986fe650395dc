// Package voice drives live speech capture: it owns the microphone handle and
// recognition session for each listen cycle and commits an utterance after a
// window of silence.
package voice

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrCapabilityUnavailable is returned when no recognition engine or audio
	// source can serve a listen cycle.
	ErrCapabilityUnavailable = errors.New("speech capture is not available")
	// ErrRecognition wraps failures reported by the recognition engine.
	ErrRecognition = errors.New("speech recognition failed")
)

// State is the voice capture lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateListening  State = "listening"
	StateCommitting State = "committing"
	StateError      State = "error"
)

// EventKind identifies a recognition engine event.
type EventKind string

const (
	EventInterim EventKind = "interim"
	EventFinal   EventKind = "final"
	EventError   EventKind = "error"
	EventEnded   EventKind = "ended"
)

// Event is emitted by a Recognition. Final events carry the whole utterance
// recognized so far, not a delta.
type Event struct {
	Kind EventKind
	Text string
	Code string
	Err  error
}

// Engine starts recognition sessions over an audio stream.
type Engine interface {
	Available() bool
	Start(ctx context.Context, language string, audio io.Reader) (Recognition, error)
}

// Recognition is one running recognition session. Events is closed once the
// session ends or Stop returns.
type Recognition interface {
	Events() <-chan Event
	Stop() error
}

// AudioSource hands out exclusive audio input handles.
type AudioSource interface {
	Acquire(ctx context.Context) (AudioHandle, error)
}

// AudioHandle is an acquired audio input. Release frees the device.
type AudioHandle interface {
	io.Reader
	Release() error
}

// Listener observes the machine. Callbacks run outside the machine lock.
type Listener interface {
	VoiceStateChanged(state State)
	VoiceInterim(text string)
	VoiceError(err error)
}

// CommitFunc receives an utterance once the silence window elapses.
type CommitFunc func(utterance string)

// Timer is a stoppable pending callback.
type Timer interface {
	Stop() bool
}

// Clock schedules silence timers.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type noopListener struct{}

func (noopListener) VoiceStateChanged(State) {}
func (noopListener) VoiceInterim(string)     {}
func (noopListener) VoiceError(error)        {}
