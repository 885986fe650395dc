// Package audio provides audio input handles for voice capture.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/shoplens/internal/voice"
)

// CaptureConfig describes how the host microphone should be captured.
type CaptureConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// FFMPEGCapture streams host microphone PCM audio using ffmpeg.
type FFMPEGCapture struct {
	command string
	cfg     CaptureConfig
}

// NewFFMPEGCapture returns an audio source backed by an ffmpeg subprocess.
func NewFFMPEGCapture(command string, cfg CaptureConfig) *FFMPEGCapture {
	if command == "" {
		command = "ffmpeg"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return &FFMPEGCapture{command: command, cfg: cfg}
}

// Acquire starts ffmpeg and returns its stdout as the audio handle.
func (c *FFMPEGCapture) Acquire(ctx context.Context) (voice.AudioHandle, error) {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.cfg.InputFormat,
		"-i", c.cfg.InputDevice,
		"-ac", strconv.Itoa(c.cfg.Channels),
		"-ar", strconv.Itoa(c.cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(250 * time.Millisecond):
	}

	return &ffmpegHandle{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

type ffmpegHandle struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	releaseOnce sync.Once
	releaseErr  error
}

func (h *ffmpegHandle) Read(p []byte) (int, error) {
	return h.stdout.Read(p)
}

// Release interrupts ffmpeg, killing it if it does not exit promptly.
func (h *ffmpegHandle) Release() error {
	h.releaseOnce.Do(func() {
		if h.process != nil {
			_ = h.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-h.waitErr:
			if ok {
				h.releaseErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if h.process != nil {
				_ = h.process.Kill()
			}
			if err, ok := <-h.waitErr; ok {
				h.releaseErr = normalizeStopErr(err)
			}
		}

		if closeErr := h.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if h.releaseErr == nil {
				h.releaseErr = closeErr
			}
		}

		if h.releaseErr != nil && h.stderr != nil && h.stderr.Len() > 0 {
			h.releaseErr = fmt.Errorf("%w: %s", h.releaseErr, bytes.TrimSpace(h.stderr.Bytes()))
		}
	})

	return h.releaseErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
