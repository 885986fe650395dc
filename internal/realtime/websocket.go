package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/shoplens/internal/audio"
	"github.com/ashureev/shoplens/internal/discovery"
	"github.com/ashureev/shoplens/internal/domain"
	"github.com/ashureev/shoplens/internal/identity"
	"github.com/ashureev/shoplens/internal/metrics"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	writeTimeout = 10 * time.Second
	// commandTimeout bounds one command. Commands outlive the connection so
	// a search finishes and persists even when the page navigates away.
	commandTimeout = 30 * time.Second
	// maxMessageBytes bounds one inbound message; audio frames are small.
	maxMessageBytes = 256 << 10
	voiceQueueSize  = 8
)

// Command types accepted from the client.
const (
	cmdSubmit     = "submit"
	cmdLoadMore   = "load_more"
	cmdReset      = "reset"
	cmdVoiceStart = "voice_start"
	cmdVoiceStop  = "voice_stop"
	cmdAudioEnd   = "audio_end"
	cmdPing       = "ping"
)

// command is one JSON message from the client.
type command struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
}

// sessionMessage is the first message on every connection.
type sessionMessage struct {
	Type           string          `json:"type"`
	Snapshot       domain.Snapshot `json:"snapshot"`
	Restored       bool            `json:"restored"`
	VoiceAvailable bool            `json:"voice_available"`
}

// Config configures a Handler.
type Config struct {
	Registry      *discovery.Registry
	Connections   *Connections
	Audio         *audio.Hub // nil when audio is captured on the host
	Metrics       *metrics.Metrics
	Languages     []string
	AllowedOrigin string
	IsDev         bool
}

// Handler serves the discovery websocket.
type Handler struct {
	cfg Config
}

// NewHandler creates a websocket handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Connections == nil {
		cfg.Connections = NewConnections()
	}
	return &Handler{cfg: cfg}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := identity.SessionKey(r.Context())
	slog.Info("WebSocket connection request", "session_key", key, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_key", key)
		return
	}
	ws.SetReadLimit(maxMessageBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_key", key)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ctrl, restored, err := h.cfg.Registry.Open(ctx, key)
	if err != nil {
		slog.Error("Failed to open discovery session", "error", err, "session_key", key)
		_ = writeJSON(ctx, ws, discovery.Event{Type: discovery.EventError, Code: "internal", Error: "failed to open session"})
		return
	}

	h.cfg.Connections.Register(key, ws)
	defer h.cfg.Connections.Unregister(key, ws)
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.WSConnections.Inc()
		defer h.cfg.Metrics.WSConnections.Dec()
	}

	events, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	if err := writeJSON(ctx, ws, sessionMessage{
		Type:           "session",
		Snapshot:       ctrl.Snapshot(),
		Restored:       restored,
		VoiceAvailable: ctrl.VoiceAvailable(),
	}); err != nil {
		slog.Debug("Failed to send session message", "error", err, "session_key", key)
		return
	}

	var relay *audio.Relay
	if h.cfg.Audio != nil {
		relay = h.cfg.Audio.Relay(key)
	}

	var wg sync.WaitGroup
	wg.Add(1)

	// Output loop: session events -> WebSocket.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, events, key)
	}()

	// Input loop: WebSocket -> controller. Submissions and resets take
	// effect in arrival order on this goroutine; only the waits on the search
	// backend run in the background, so a reset or a newer query is never
	// stuck behind an in-flight search. Voice commands keep their own order
	// on a single worker.
	var cmds sync.WaitGroup
	voiceCmds := make(chan command, voiceQueueSize)
	cmds.Add(1)
	go func() {
		defer cmds.Done()
		for cmd := range voiceCmds {
			h.run(ctx, ws, ctrl, cmd)
		}
	}()
	h.inputLoop(ctx, ws, ctrl, relay, voiceCmds, &cmds)
	close(voiceCmds)
	cancel()
	cmds.Wait()

	if relay != nil && relay.Active() {
		if _, err := ctrl.StopVoice(); err != nil && !errors.Is(err, discovery.ErrClosed) {
			slog.Debug("Failed to stop voice on disconnect", "error", err, "session_key", key)
		}
	}
	unsubscribe()
	wg.Wait()
	slog.Info("Discovery socket ended", "session_key", key)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, ctrl *discovery.Controller, relay *audio.Relay, voiceCmds chan<- command, cmds *sync.WaitGroup) {
	key := ctrl.Key()
	for {
		typ, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed", "session_key", key)
			} else {
				slog.Warn("WebSocket read error", "error", err, "session_key", key)
			}
			return
		}

		if typ == websocket.MessageBinary {
			if relay != nil {
				relay.Write(message)
			}
			continue
		}

		var cmd command
		if err := json.Unmarshal(message, &cmd); err != nil {
			h.sendError(ctx, ws, key, fmt.Errorf("%w: malformed command", discovery.ErrInvalidInput))
			continue
		}

		switch cmd.Type {
		case cmdPing:
			if err := writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		case cmdAudioEnd:
			if relay != nil {
				relay.End()
			}
		case cmdSubmit:
			sub, err := h.beginSubmit(ctx, ctrl, cmd.Text)
			if err != nil {
				h.sendError(ctx, ws, key, err)
				continue
			}
			cmds.Add(1)
			go func() {
				defer cmds.Done()
				h.await(ctx, ws, key, sub)
			}()
		case cmdReset:
			h.run(ctx, ws, ctrl, cmd)
		case cmdLoadMore:
			cmds.Add(1)
			go func(cmd command) {
				defer cmds.Done()
				h.run(ctx, ws, ctrl, cmd)
			}(cmd)
		case cmdVoiceStart, cmdVoiceStop:
			select {
			case voiceCmds <- cmd:
			case <-ctx.Done():
				return
			}
		default:
			h.sendError(ctx, ws, key, fmt.Errorf("%w: unknown command %q", discovery.ErrInvalidInput, cmd.Type))
		}
	}
}

// beginSubmit records a typed query without waiting on the backend.
func (h *Handler) beginSubmit(ctx context.Context, ctrl *discovery.Controller, text string) (*discovery.Submission, error) {
	cmdCtx, cancel := commandContext(ctx)
	defer cancel()
	return ctrl.BeginSubmit(cmdCtx, text, domain.ModeText)
}

// await finishes a submission. The result reaches the client as a snapshot.
func (h *Handler) await(ctx context.Context, ws *websocket.Conn, key string, sub *discovery.Submission) {
	cmdCtx, cancel := commandContext(ctx)
	defer cancel()
	if _, err := sub.Await(cmdCtx); err != nil {
		h.sendError(ctx, ws, key, err)
	}
}

func (h *Handler) run(ctx context.Context, ws *websocket.Conn, ctrl *discovery.Controller, cmd command) {
	if err := h.dispatch(ctx, ctrl, cmd); err != nil {
		h.sendError(ctx, ws, ctrl.Key(), err)
	}
}

// dispatch runs one command. Successful commands answer through the
// snapshot events the controller publishes.
func (h *Handler) dispatch(ctx context.Context, ctrl *discovery.Controller, cmd command) error {
	ctx, cancel := commandContext(ctx)
	defer cancel()

	var err error
	switch cmd.Type {
	case cmdLoadMore:
		_, err = ctrl.LoadMore(ctx)
	case cmdReset:
		_, err = ctrl.Reset(ctx)
	case cmdVoiceStart:
		if cmd.Language != "" && !h.languageAllowed(cmd.Language) {
			return fmt.Errorf("%w: unsupported language %q", discovery.ErrInvalidInput, cmd.Language)
		}
		_, err = ctrl.StartVoice(context.WithoutCancel(ctx), cmd.Language)
	case cmdVoiceStop:
		_, err = ctrl.StopVoice()
	}
	return err
}

// commandContext detaches a command from the connection. Commands outlive
// the socket so a search still lands in the snapshot.
func commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), commandTimeout)
}

// sendError reports a failed command. Network failures are already pushed
// as snapshots carrying a notice, so the error event only adds the code.
func (h *Handler) sendError(ctx context.Context, ws *websocket.Conn, key string, err error) {
	if ctx.Err() != nil {
		return
	}
	ev := discovery.Event{Type: discovery.EventError, Code: discovery.ErrorCode(err), Error: clientMessage(err)}
	if ev.Code == "internal" {
		slog.Error("Discovery command failed", "error", err, "session_key", key)
	}
	if writeErr := writeJSON(ctx, ws, ev); writeErr != nil {
		slog.Debug("Failed to send error event", "error", writeErr, "session_key", key)
	}
}

func (h *Handler) outputLoop(ctx context.Context, ws *websocket.Conn, events <-chan discovery.Event, key string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Controller closed; let the client reconnect to a restored session.
				_ = ws.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			if err := writeJSON(ctx, ws, ev); err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket write error", "error", err, "session_key", key)
				}
				return
			}
		}
	}
}

func (h *Handler) languageAllowed(lang string) bool {
	if len(h.cfg.Languages) == 0 {
		return true
	}
	for _, l := range h.cfg.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

func clientMessage(err error) string {
	switch {
	case errors.Is(err, discovery.ErrInvalidInput):
		return err.Error()
	case errors.Is(err, discovery.ErrCapabilityUnavailable):
		return "voice input is not available"
	case errors.Is(err, discovery.ErrNetworkFailure):
		return "search is unavailable right now"
	case errors.Is(err, discovery.ErrRecognition):
		return "speech recognition failed"
	case errors.Is(err, discovery.ErrClosed):
		return "session closed"
	default:
		return "internal error"
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, ws, v)
}
