package audio

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/ashureev/shoplens/internal/voice"
)

// ErrInputBusy is returned when a relay handle is already held.
var ErrInputBusy = errors.New("audio input already in use")

// Relay is an audio source fed by frames pushed from the browser.
// At most one handle is outstanding; frames written while no handle is held
// are dropped.
type Relay struct {
	mu      sync.Mutex
	current *relayHandle
}

// NewRelay creates an idle relay.
func NewRelay() *Relay {
	return &Relay{}
}

// Acquire opens a new handle.
func (r *Relay) Acquire(ctx context.Context) (voice.AudioHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return nil, ErrInputBusy
	}
	pr, pw := io.Pipe()
	h := &relayHandle{relay: r, reader: pr, writer: pw}
	r.current = h
	return h, nil
}

// Active reports whether a handle is currently held.
func (r *Relay) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// Write forwards one audio frame to the held handle. It returns false when
// the frame was dropped.
func (r *Relay) Write(frame []byte) bool {
	r.mu.Lock()
	h := r.current
	r.mu.Unlock()
	if h == nil || len(frame) == 0 {
		return false
	}
	_, err := h.writer.Write(frame)
	return err == nil
}

// End signals end of input to the held handle's reader.
func (r *Relay) End() {
	r.mu.Lock()
	h := r.current
	r.mu.Unlock()
	if h != nil {
		_ = h.writer.Close()
	}
}

type relayHandle struct {
	relay  *Relay
	reader *io.PipeReader
	writer *io.PipeWriter
	once   sync.Once
}

func (h *relayHandle) Read(p []byte) (int, error) {
	return h.reader.Read(p)
}

func (h *relayHandle) Release() error {
	h.once.Do(func() {
		h.relay.mu.Lock()
		if h.relay.current == h {
			h.relay.current = nil
		}
		h.relay.mu.Unlock()
		_ = h.writer.Close()
		_ = h.reader.Close()
	})
	return nil
}
