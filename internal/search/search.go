// Package search adapts the external product search service to the discovery core.
package search

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ashureev/shoplens/internal/domain"
)

const (
	// DefaultLimit is the page size used when a query does not set one.
	DefaultLimit = 20
	// MaxLimit is the largest page the search service accepts.
	MaxLimit = 80
)

// ErrInvalidCursor is returned when a cursor was not produced by this package.
var ErrInvalidCursor = errors.New("invalid search cursor")

// Query is one page request.
type Query struct {
	Text   string
	Cursor string // empty requests the first page
	Limit  int
}

// Backend fetches one page of products for a query.
type Backend interface {
	Search(ctx context.Context, q Query) (domain.ResultPage, error)
}

// ClampLimit maps a requested page size into [1, MaxLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

const cursorPrefix = "offset:"

// EncodeCursor returns the opaque cursor for a result offset.
func EncodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(offset)))
}

// DecodeCursor returns the offset a cursor points at. The empty cursor is offset 0.
func DecodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	value, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, ErrInvalidCursor
	}
	offset, err := strconv.Atoi(value)
	if err != nil || offset < 0 {
		return 0, ErrInvalidCursor
	}
	return offset, nil
}

// nextCursor decides whether another page exists after a response of got
// items at offset. A short page always ends the set; when the service
// reports a total the offset must also stay below it.
func nextCursor(offset, got, limit int, total int64) string {
	if got == 0 || got < limit {
		return ""
	}
	next := offset + got
	if total > 0 && int64(next) >= total {
		return ""
	}
	return EncodeCursor(next)
}
