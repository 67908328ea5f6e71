// Package httpapi binds the chain engine to HTTP. It exposes the two-verb
// protocol (start, perform) as JSON endpoints and maps engine errors to
// status codes. Session identity comes from a SessionResolver supplied by
// the embedding application; this package never reads cookies itself.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	authchain "github.com/mfauth/authchain"
	"github.com/mfauth/authchain/credential"
	"github.com/mfauth/authchain/transient"
)

// ChainResponse is the wire shape of every protocol reply.
type ChainResponse struct {
	Success         bool                   `json:"success"`
	Complete        bool                   `json:"complete"`
	Restarted       bool                   `json:"restarted,omitempty"`
	SlotIndex       int                    `json:"slotIndex"`
	StepType        string                 `json:"stepType,omitempty"`
	Payload         *authchain.StepPayload `json:"payload,omitempty"`
	Alternatives    []authchain.MethodInfo `json:"alternatives,omitempty"`
	CompletionToken string                 `json:"completionToken,omitempty"`
	Redirect        string                 `json:"redirect,omitempty"`
	Message         string                 `json:"message,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// PerformRequest is the body of a perform call. Switch requests change the
// slot's active method without verifying Data.
type PerformRequest struct {
	StepType string            `json:"stepType"`
	Switch   bool              `json:"switch,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

// SessionResolver maps an incoming request to the partially authenticated
// session driving the chain. Returning an error yields 401.
type SessionResolver interface {
	Resolve(r *http.Request) (authchain.Scope, authchain.User, error)
}

// Handler serves the chain protocol endpoints.
type Handler struct {
	engine   *authchain.Engine
	sessions SessionResolver
	redirect string
	log      *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithRedirect sets the URL clients are sent to after completion.
func WithRedirect(url string) Option {
	return func(h *Handler) { h.redirect = url }
}

// WithLogger sets the handler's logger; defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// NewHandler builds the HTTP binding for an engine.
func NewHandler(engine *authchain.Engine, sessions SessionResolver, opts ...Option) *Handler {
	h := &Handler{engine: engine, sessions: sessions, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Mount registers the protocol endpoints on mux under prefix, typically
// "/auth/chain".
func (h *Handler) Mount(mux *http.ServeMux, prefix string) {
	mux.HandleFunc("POST "+prefix+"/start", h.Start)
	mux.HandleFunc("POST "+prefix+"/perform", h.Perform)
	mux.HandleFunc("POST "+prefix+"/reset", h.Reset)
}

// Start begins or restarts the session's chain run.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	scope, user, ok := h.session(w, r)
	if !ok {
		return
	}
	res, err := h.engine.Start(r.Context(), scope, user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, res)
}

// Perform submits data for the current step, or switches its active method.
func (h *Handler) Perform(w http.ResponseWriter, r *http.Request) {
	scope, user, ok := h.session(w, r)
	if !ok {
		return
	}

	var req PerformRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeStatus(w, http.StatusBadRequest, "malformed request body")
		return
	}

	res, err := h.engine.Perform(r.Context(), scope, user, req.StepType, req.Switch, req.Data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, res)
}

// Reset abandons the session's current run.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	scope, _, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := h.engine.Reset(r.Context(), scope); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, &ChainResponse{Success: true})
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (authchain.Scope, authchain.User, bool) {
	scope, user, err := h.sessions.Resolve(r)
	if err != nil {
		h.writeStatus(w, http.StatusUnauthorized, "no partial session")
		return authchain.Scope{}, authchain.User{}, false
	}
	return scope, user, true
}

func (h *Handler) writeResult(w http.ResponseWriter, res *authchain.ChainResult) {
	out := &ChainResponse{
		Success:         res.Success,
		Complete:        res.Complete,
		Restarted:       res.Restarted,
		SlotIndex:       res.SlotIndex,
		StepType:        res.MethodType,
		Payload:         res.Payload,
		Alternatives:    res.Alternatives,
		CompletionToken: res.CompletionToken,
		Message:         res.Message,
	}
	if res.Complete {
		out.Redirect = h.redirect
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, authchain.ErrNotElevated):
		status = http.StatusForbidden
	case errors.Is(err, authchain.ErrAttemptsExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, authchain.ErrMethodUnknown),
		errors.Is(err, authchain.ErrMethodNotInSlot),
		errors.Is(err, authchain.ErrEmailAddressMissing):
		status = http.StatusBadRequest
	case errors.Is(err, authchain.ErrUserRequired),
		errors.Is(err, authchain.ErrSessionRequired):
		status = http.StatusUnauthorized
	case errors.Is(err, credential.ErrUnavailable),
		errors.Is(err, transient.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		h.log.Error("chain request failed", "path", r.URL.Path, "error", err)
	}
	h.writeStatus(w, status, err.Error())
}

func (h *Handler) writeStatus(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, &ChainResponse{Error: message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body *ChainResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("encode response", "error", err)
	}
}
