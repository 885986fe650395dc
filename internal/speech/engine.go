package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ashureev/shoplens/internal/voice"
)

// Error codes attached to voice error events.
const (
	CodeNetwork      = "network"
	CodeAudioCapture = "audio-capture"
	CodeLanguage     = "language-not-supported"
)

// EngineConfig controls the recognition engine.
type EngineConfig struct {
	Stream    StreamConfig
	Languages []string
	ChunkSize int
}

// Engine implements voice.Engine on top of a streaming Provider.
type Engine struct {
	provider Provider
	cfg      EngineConfig
	logger   *slog.Logger
}

// NewEngine wraps provider. A nil provider yields an unavailable engine.
func NewEngine(provider Provider, cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.ChunkSize < 256 {
		cfg.ChunkSize = 4096
	}
	if cfg.Stream.SampleRate <= 0 {
		cfg.Stream.SampleRate = 16000
	}
	if cfg.Stream.Channels <= 0 {
		cfg.Stream.Channels = 1
	}
	if cfg.Stream.Encoding == "" {
		cfg.Stream.Encoding = "linear16"
	}
	cfg.Stream.InterimResults = true
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{provider: provider, cfg: cfg, logger: logger}
}

// Available reports whether a provider is configured.
func (e *Engine) Available() bool {
	return e != nil && e.provider != nil
}

// Start opens a provider stream for language and pumps audio into it.
func (e *Engine) Start(ctx context.Context, language string, audio io.Reader) (voice.Recognition, error) {
	if !e.Available() {
		return nil, voice.ErrCapabilityUnavailable
	}
	if language == "" {
		language = e.cfg.Stream.Language
	}
	if !e.languageAllowed(language) {
		return nil, fmt.Errorf("%s: %q", CodeLanguage, language)
	}

	streamCfg := e.cfg.Stream
	streamCfg.Language = language
	stream, err := e.provider.StartStreaming(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("start streaming: %w", err)
	}

	rec := &recognition{
		stream:     stream,
		aggregator: newTranscriptAggregator(),
		events:     make(chan voice.Event, 32),
		quit:       make(chan struct{}),
		eventsDone: make(chan struct{}),
		audioDone:  make(chan struct{}),
		logger:     e.logger,
	}
	go rec.consumeTranscriptionEvents()
	go rec.pumpAudioChunks(audio, e.cfg.ChunkSize)

	e.logger.Debug("Speech recognition started", "language", language)
	return rec, nil
}

func (e *Engine) languageAllowed(language string) bool {
	if len(e.cfg.Languages) == 0 {
		return true
	}
	for _, l := range e.cfg.Languages {
		if l == language {
			return true
		}
	}
	return false
}

type recognition struct {
	stream     Stream
	aggregator *transcriptAggregator
	events     chan voice.Event
	quit       chan struct{}
	eventsDone chan struct{}
	audioDone  chan struct{}
	logger     *slog.Logger

	stopOnce sync.Once
	stopErr  error

	audioMu  sync.Mutex
	audioErr error
}

func (r *recognition) Events() <-chan voice.Event {
	return r.events
}

// Stop closes the provider stream and waits for event delivery to finish.
// The audio pump exits once its reader is released.
func (r *recognition) Stop() error {
	r.stopOnce.Do(func() {
		close(r.quit)
		r.stopErr = r.stream.Close()
		<-r.eventsDone
	})
	return r.stopErr
}

func (r *recognition) emit(ev voice.Event) {
	select {
	case r.events <- ev:
	case <-r.quit:
	}
}

func (r *recognition) consumeTranscriptionEvents() {
	defer close(r.eventsDone)
	defer close(r.events)

	for event := range r.stream.Events() {
		text := r.aggregator.Add(event)
		if text == "" {
			continue
		}
		kind := voice.EventInterim
		if event.Kind == TranscriptKindFinal {
			kind = voice.EventFinal
		}
		r.emit(voice.Event{Kind: kind, Text: text})
	}

	streamErr := r.stream.Wait()
	select {
	case <-r.quit:
		return
	default:
	}
	if audioErr := r.audioFailure(); audioErr != nil {
		r.emit(voice.Event{Kind: voice.EventError, Code: CodeAudioCapture, Err: audioErr})
		return
	}
	if streamErr != nil {
		r.emit(voice.Event{Kind: voice.EventError, Code: CodeNetwork, Err: streamErr})
	}
}

func (r *recognition) audioFailure() error {
	r.audioMu.Lock()
	defer r.audioMu.Unlock()
	return r.audioErr
}

func (r *recognition) pumpAudioChunks(audio io.Reader, chunkSize int) {
	defer close(r.audioDone)

	buf := make([]byte, chunkSize)
	for {
		n, err := audio.Read(buf)
		if n > 0 {
			if sendErr := r.stream.SendAudio(buf[:n]); sendErr != nil {
				r.logger.Debug("Audio send stopped", "error", sendErr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				_ = r.stream.CloseSend()
				return
			}
			r.audioMu.Lock()
			r.audioErr = err
			r.audioMu.Unlock()
			_ = r.stream.Close()
			return
		}
	}
}
