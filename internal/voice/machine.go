package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultSilenceWindow is how long the machine waits after a final result
// before committing the utterance.
const DefaultSilenceWindow = 1500 * time.Millisecond

// Config controls a Machine.
type Config struct {
	Language      string
	SilenceWindow time.Duration
	Clock         Clock
}

// Machine is the voice capture state machine. One Machine serves one
// discovery session; at most one listen cycle is active at a time.
type Machine struct {
	engine   Engine
	audio    AudioSource
	listener Listener
	commit   CommitFunc
	cfg      Config

	mu     sync.Mutex
	state  State
	active *listenCycle
	cycles uint64
}

// listenCycle owns the resources of one Start..Idle round trip.
type listenCycle struct {
	id          uint64
	cancel      context.CancelFunc
	audio       AudioHandle
	recognition Recognition

	buffer    string
	timer     Timer
	timerSeq  uint64
	committed bool
	closed    bool
}

// NewMachine creates an idle machine. engine or audio may be nil, in which
// case Start reports ErrCapabilityUnavailable.
func NewMachine(engine Engine, audio AudioSource, listener Listener, commit CommitFunc, cfg Config) *Machine {
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = DefaultSilenceWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if listener == nil {
		listener = noopListener{}
	}
	if commit == nil {
		commit = func(string) {}
	}
	return &Machine{
		engine:   engine,
		audio:    audio,
		listener: listener,
		commit:   commit,
		cfg:      cfg,
		state:    StateIdle,
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Available reports whether a listen cycle could be started.
func (m *Machine) Available() bool {
	return m.engine != nil && m.audio != nil && m.engine.Available()
}

// Start begins a listen cycle. It is a no-op unless the machine is idle.
// An empty language uses the configured default.
func (m *Machine) Start(ctx context.Context, language string) error {
	if language == "" {
		language = m.cfg.Language
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return nil
	}
	if !m.Available() {
		m.mu.Unlock()
		return ErrCapabilityUnavailable
	}
	m.cycles++
	cycleCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cycle := &listenCycle{id: m.cycles, cancel: cancel}
	m.active = cycle
	m.state = StateStarting
	m.mu.Unlock()
	m.listener.VoiceStateChanged(StateStarting)

	handle, err := m.audio.Acquire(cycleCtx)
	if err != nil {
		if cycleCtx.Err() != nil {
			return nil
		}
		wrapped := fmt.Errorf("%w: acquire audio: %v", ErrCapabilityUnavailable, err)
		m.fail(cycle, wrapped)
		return wrapped
	}

	m.mu.Lock()
	if cycle.closed {
		m.mu.Unlock()
		_ = handle.Release()
		return nil
	}
	cycle.audio = handle
	m.mu.Unlock()

	recognition, err := m.engine.Start(cycleCtx, language, handle)
	if err != nil {
		if cycleCtx.Err() != nil {
			return nil
		}
		wrapped := fmt.Errorf("%w: %v", ErrRecognition, err)
		m.fail(cycle, wrapped)
		return wrapped
	}

	m.mu.Lock()
	if cycle.closed {
		m.mu.Unlock()
		_ = recognition.Stop()
		return nil
	}
	cycle.recognition = recognition
	m.state = StateListening
	m.mu.Unlock()
	m.listener.VoiceStateChanged(StateListening)

	go m.consume(cycleCtx, cycle, recognition.Events())
	return nil
}

// Stop cancels the active cycle without emitting its utterance.
func (m *Machine) Stop() error {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return nil
	}
	var cycle *listenCycle
	var handle AudioHandle
	var recognition Recognition
	if m.active != nil {
		cycle = m.active
		handle, recognition = m.detachLocked(cycle)
	}
	m.state = StateIdle
	m.mu.Unlock()

	err := release(handle, recognition)
	m.listener.VoiceStateChanged(StateIdle)
	return err
}

func (m *Machine) consume(ctx context.Context, cycle *listenCycle, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.handle(cycle, Event{Kind: EventEnded})
				return
			}
			m.handle(cycle, ev)
		}
	}
}

func (m *Machine) handle(cycle *listenCycle, ev Event) {
	m.mu.Lock()
	if m.active != cycle || m.state != StateListening {
		m.mu.Unlock()
		return
	}

	switch ev.Kind {
	case EventInterim:
		m.mu.Unlock()
		if text := strings.TrimSpace(ev.Text); text != "" {
			m.listener.VoiceInterim(text)
		}

	case EventFinal:
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			m.mu.Unlock()
			return
		}
		cycle.buffer = text
		m.armSilenceTimerLocked(cycle)
		m.mu.Unlock()
		m.listener.VoiceInterim(text)

	case EventError:
		m.mu.Unlock()
		err := ev.Err
		if err == nil {
			err = errors.New(ev.Code)
		}
		if ev.Code != "" {
			err = fmt.Errorf("%w (%s): %v", ErrRecognition, ev.Code, err)
		} else {
			err = fmt.Errorf("%w: %v", ErrRecognition, err)
		}
		m.fail(cycle, err)

	case EventEnded:
		if cycle.buffer != "" {
			m.mu.Unlock()
			m.commitCycle(cycle, 0)
			return
		}
		handle, recognition := m.detachLocked(cycle)
		m.state = StateIdle
		m.mu.Unlock()
		_ = release(handle, recognition)
		m.listener.VoiceStateChanged(StateIdle)

	default:
		m.mu.Unlock()
	}
}

func (m *Machine) armSilenceTimerLocked(cycle *listenCycle) {
	if cycle.timer != nil {
		cycle.timer.Stop()
	}
	cycle.timerSeq++
	seq := cycle.timerSeq
	cycle.timer = m.cfg.Clock.AfterFunc(m.cfg.SilenceWindow, func() {
		m.commitCycle(cycle, seq)
	})
}

// commitCycle emits the buffered utterance exactly once. seq 0 bypasses the
// timer check and is used when the engine ends on its own.
func (m *Machine) commitCycle(cycle *listenCycle, seq uint64) {
	m.mu.Lock()
	if m.active != cycle || m.state != StateListening || cycle.committed {
		m.mu.Unlock()
		return
	}
	if seq != 0 && seq != cycle.timerSeq {
		m.mu.Unlock()
		return
	}
	cycle.committed = true
	utterance := cycle.buffer
	handle, recognition := m.detachLocked(cycle)
	m.state = StateCommitting
	m.mu.Unlock()

	m.listener.VoiceStateChanged(StateCommitting)
	_ = release(handle, recognition)

	m.commit(utterance)

	m.mu.Lock()
	if m.state != StateCommitting || m.active != nil {
		m.mu.Unlock()
		return
	}
	m.state = StateIdle
	m.mu.Unlock()
	m.listener.VoiceStateChanged(StateIdle)
}

// fail releases the cycle, passes through the error state and resets to idle.
func (m *Machine) fail(cycle *listenCycle, err error) {
	m.mu.Lock()
	if m.active != cycle {
		m.mu.Unlock()
		return
	}
	handle, recognition := m.detachLocked(cycle)
	m.state = StateError
	m.mu.Unlock()

	_ = release(handle, recognition)
	m.listener.VoiceStateChanged(StateError)
	m.listener.VoiceError(err)

	m.mu.Lock()
	if m.state != StateError || m.active != nil {
		m.mu.Unlock()
		return
	}
	m.state = StateIdle
	m.mu.Unlock()
	m.listener.VoiceStateChanged(StateIdle)
}

// detachLocked marks cycle closed and hands its resources to the caller,
// who must release them after dropping the lock.
func (m *Machine) detachLocked(cycle *listenCycle) (AudioHandle, Recognition) {
	cycle.closed = true
	if cycle.timer != nil {
		cycle.timer.Stop()
		cycle.timer = nil
	}
	cycle.cancel()
	handle, recognition := cycle.audio, cycle.recognition
	cycle.audio, cycle.recognition = nil, nil
	if m.active == cycle {
		m.active = nil
	}
	return handle, recognition
}

func release(handle AudioHandle, recognition Recognition) error {
	var errs []error
	if recognition != nil {
		if err := recognition.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop recognition: %w", err))
		}
	}
	if handle != nil {
		if err := handle.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release audio: %w", err))
		}
	}
	return errors.Join(errs...)
}
