package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/shoplens/internal/discovery"
	"github.com/ashureev/shoplens/internal/domain"
	"github.com/ashureev/shoplens/internal/identity"
	"github.com/go-chi/chi/v5"
)

// requestTimeout bounds one discovery command. Commands are detached from
// the request so a search still lands in the snapshot when the client
// navigates away mid-request.
const requestTimeout = 30 * time.Second

// DiscoveryHandler exposes discovery sessions over HTTP. Every request acts
// on the session of its browsing context (device cookie plus tab id).
type DiscoveryHandler struct {
	reg       *discovery.Registry
	languages []string
}

// NewDiscoveryHandler creates a discovery handler. languages lists the
// transcription languages a client may request; empty accepts any.
func NewDiscoveryHandler(reg *discovery.Registry, languages []string) *DiscoveryHandler {
	return &DiscoveryHandler{reg: reg, languages: languages}
}

// RegisterRoutes registers discovery routes.
func (h *DiscoveryHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/discovery", func(r chi.Router) {
		r.Get("/session", h.Open)
		r.Post("/submit", h.Submit)
		r.Post("/load-more", h.LoadMore)
		r.Post("/reset", h.Reset)
		r.Post("/voice/start", h.StartVoice)
		r.Post("/voice/stop", h.StopVoice)
		r.Get("/products/{id}", h.Product)
		r.Post("/close", h.Close)
	})
}

type sessionResponse struct {
	Session        domain.Snapshot `json:"session"`
	Restored       bool            `json:"restored,omitempty"`
	VoiceAvailable bool            `json:"voice_available"`
	Code           string          `json:"code,omitempty"`
	Error          string          `json:"error,omitempty"`
}

type submitRequest struct {
	Text string `json:"text"`
}

type voiceStartRequest struct {
	Language string `json:"language"`
}

type closeRequest struct {
	Discard bool `json:"discard"`
}

// Open returns the session of the browsing context, restoring it from
// storage when the process has no live controller. A q parameter seeds the
// first query of a fresh conversation.
func (h *DiscoveryHandler) Open(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := detach(r)
	defer cancel()

	key := identity.SessionKey(ctx)
	ctrl, restored, err := h.reg.Open(ctx, key)
	if err != nil {
		slog.Error("Failed to open discovery session", "session_key", key, "error", err)
		Error(w, http.StatusInternalServerError, "failed to open session")
		return
	}

	snap := ctrl.Snapshot()
	if q := r.URL.Query().Get("q"); q != "" && !restored {
		snap, err = ctrl.Seed(ctx, q)
	}
	h.respond(w, ctrl, snap, restored, err)
}

// Submit sends a typed query or refinement.
func (h *DiscoveryHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	h.run(w, r, func(ctx context.Context, ctrl *discovery.Controller) (domain.Snapshot, error) {
		return ctrl.Submit(ctx, req.Text, domain.ModeText)
	})
}

// LoadMore fetches the next page of the current results.
func (h *DiscoveryHandler) LoadMore(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, func(ctx context.Context, ctrl *discovery.Controller) (domain.Snapshot, error) {
		return ctrl.LoadMore(ctx)
	})
}

// Reset clears the conversation.
func (h *DiscoveryHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, func(ctx context.Context, ctrl *discovery.Controller) (domain.Snapshot, error) {
		return ctrl.Reset(ctx)
	})
}

// StartVoice begins a listen cycle in the requested language.
func (h *DiscoveryHandler) StartVoice(w http.ResponseWriter, r *http.Request) {
	var req voiceStartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Language != "" && !h.languageAllowed(req.Language) {
		Error(w, http.StatusBadRequest, "unsupported language")
		return
	}
	h.run(w, r, func(ctx context.Context, ctrl *discovery.Controller) (domain.Snapshot, error) {
		// The cycle outlives this request; it ends on silence or StopVoice.
		return ctrl.StartVoice(context.WithoutCancel(ctx), req.Language)
	})
}

// StopVoice cancels the active listen cycle.
func (h *DiscoveryHandler) StopVoice(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, func(_ context.Context, ctrl *discovery.Controller) (domain.Snapshot, error) {
		return ctrl.StopVoice()
	})
}

// Product returns one product of the current results.
func (h *DiscoveryHandler) Product(w http.ResponseWriter, r *http.Request) {
	key := identity.SessionKey(r.Context())
	ctrl := h.reg.Get(key)
	if ctrl == nil {
		var err error
		if ctrl, _, err = h.reg.Open(r.Context(), key); err != nil {
			Error(w, http.StatusInternalServerError, "failed to open session")
			return
		}
	}
	product, ok := ctrl.Product(chi.URLParam(r, "id"))
	if !ok {
		Error(w, http.StatusNotFound, "product not found")
		return
	}
	JSON(w, http.StatusOK, product)
}

// Close ends the session of the browsing context. With discard its snapshot
// is deleted; otherwise it can be restored later.
func (h *DiscoveryHandler) Close(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	key := identity.SessionKey(r.Context())
	if err := h.reg.Close(r.Context(), key, req.Discard); err != nil {
		slog.Error("Failed to close discovery session", "session_key", key, "error", err)
		Error(w, http.StatusInternalServerError, "failed to close session")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// run opens the controller and applies op. A controller closed between
// lookup and use (idle eviction) is reopened once.
func (h *DiscoveryHandler) run(w http.ResponseWriter, r *http.Request, op func(context.Context, *discovery.Controller) (domain.Snapshot, error)) {
	ctx, cancel := detach(r)
	defer cancel()

	key := identity.SessionKey(ctx)
	for attempt := 0; ; attempt++ {
		ctrl, _, err := h.reg.Open(ctx, key)
		if err != nil {
			slog.Error("Failed to open discovery session", "session_key", key, "error", err)
			Error(w, http.StatusInternalServerError, "failed to open session")
			return
		}
		snap, err := op(ctx, ctrl)
		if errors.Is(err, discovery.ErrClosed) && attempt == 0 {
			continue
		}
		h.respond(w, ctrl, snap, false, err)
		return
	}
}

// detach returns a context that keeps the request's values but not its
// cancellation.
func detach(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), requestTimeout)
}

func (h *DiscoveryHandler) respond(w http.ResponseWriter, ctrl *discovery.Controller, snap domain.Snapshot, restored bool, err error) {
	resp := sessionResponse{
		Session:        snap,
		Restored:       restored,
		VoiceAvailable: ctrl.VoiceAvailable(),
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
		resp.Code = discovery.ErrorCode(err)
		resp.Error = userMessage(err)
		if status == http.StatusInternalServerError {
			slog.Error("Discovery request failed", "session_key", ctrl.Key(), "error", err)
		}
	}
	JSON(w, status, resp)
}

func (h *DiscoveryHandler) languageAllowed(lang string) bool {
	if len(h.languages) == 0 {
		return true
	}
	for _, l := range h.languages {
		if l == lang {
			return true
		}
	}
	return false
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, discovery.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, discovery.ErrCapabilityUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, discovery.ErrNetworkFailure), errors.Is(err, discovery.ErrRecognition):
		return http.StatusBadGateway
	case errors.Is(err, discovery.ErrClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// userMessage keeps transport details out of responses.
func userMessage(err error) string {
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
