// Package discovery coordinates a conversational product discovery session:
// text and voice submissions, refinement of the current result set,
// incremental pagination, and snapshot persistence across navigation.
package discovery

import (
	"errors"

	"github.com/ashureev/shoplens/internal/voice"
)

var (
	// ErrInvalidInput is returned for empty or oversized submissions.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNetworkFailure wraps search backend failures. The request can be retried.
	ErrNetworkFailure = errors.New("search request failed")
	// ErrCapabilityUnavailable is returned when voice capture cannot start.
	ErrCapabilityUnavailable = voice.ErrCapabilityUnavailable
	// ErrRecognition wraps speech engine failures.
	ErrRecognition = voice.ErrRecognition
	// ErrClosed is returned by a controller after Close.
	ErrClosed = errors.New("discovery session closed")
)
