// Package client implements the client side of the chain protocol: a state
// machine that walks a session through start, step interaction, and
// completion, delegating each step type's presentation and input collection
// to a registered StepHandler.
package client

import (
	"context"
	"errors"
	"sync"

	authchain "github.com/mfauth/authchain"
	"github.com/mfauth/authchain/httpapi"
)

// State is the handler's position in the protocol.
type State int

const (
	// StateIdle means no run is in progress.
	StateIdle State = iota
	// StateStepActive means a step is presented and awaiting input.
	StateStepActive
	// StateSubmitting means collected data is in flight.
	StateSubmitting
	// StateComplete means the chain finished; the completion token has been
	// handed to OnComplete.
	StateComplete
)

// Driver performs protocol calls against a server. HTTPDriver is the
// standard implementation; tests may drive the engine directly.
type Driver interface {
	Start(ctx context.Context) (*httpapi.ChainResponse, error)
	Perform(ctx context.Context, req httpapi.PerformRequest) (*httpapi.ChainResponse, error)
	Reset(ctx context.Context) error
}

// StepHandler drives one step type's interaction surface.
type StepHandler interface {
	// Activate presents the step. It is called again with a fresh payload
	// when the same step re-renders, e.g. after a failed attempt.
	Activate(ctx context.Context, payload *authchain.StepPayload) error

	// Collect blocks until submission data is available: a typed code, an
	// authenticator response. The context is cancelled when the step
	// deactivates; return the context's error in that case.
	Collect(ctx context.Context) (map[string]string, error)

	// Deactivate tears the presentation down.
	Deactivate()
}

// ErrNoHandler is returned when a step activates with no handler registered
// for its type.
var ErrNoHandler = errors.New("no handler registered for step type")

// Handler is the client-side chain driver. All exported methods are safe for
// concurrent use; collection runs on its own goroutine and is cancelled
// whenever the active step changes.
type Handler struct {
	driver   Driver
	handlers map[string]StepHandler

	mu      sync.Mutex
	state   State
	active  string
	last    *httpapi.ChainResponse
	cancel  context.CancelFunc
	gen     uint64
	pending sync.WaitGroup

	// OnComplete receives the completion token and redirect target. After a
	// successful completion with a redirect the active step stays torn down;
	// the page is about to navigate away.
	OnComplete func(token, redirect string)
	// OnMessage receives non-fatal protocol messages (wrong code, restart).
	OnMessage func(string)
	// OnError receives collection and submission failures.
	OnError func(error)
}

// NewHandler builds a client handler on a driver.
func NewHandler(driver Driver) *Handler {
	return &Handler{
		driver:   driver,
		handlers: make(map[string]StepHandler),
	}
}

// Register installs the handler for one step type. Must be called before
// Start.
func (h *Handler) Register(stepType string, handler StepHandler) {
	h.handlers[stepType] = handler
}

// State reports the current protocol position.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Current returns the last protocol response, nil before Start.
func (h *Handler) Current() *httpapi.ChainResponse {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Start begins the run and activates the first step.
func (h *Handler) Start(ctx context.Context) error {
	res, err := h.driver.Start(ctx)
	if err != nil {
		return err
	}
	return h.apply(ctx, res)
}

// Submit sends data for the active step. StepHandlers whose Collect blocks
// never call this; it exists for form-driven surfaces that submit directly.
func (h *Handler) Submit(ctx context.Context, data map[string]string) error {
	h.mu.Lock()
	stepType := h.active
	h.state = StateSubmitting
	h.mu.Unlock()

	res, err := h.driver.Perform(ctx, httpapi.PerformRequest{StepType: stepType, Data: data})
	if err != nil {
		h.mu.Lock()
		h.state = StateStepActive
		h.mu.Unlock()
		return err
	}
	return h.apply(ctx, res)
}

// Switch changes the active slot method without submitting anything.
func (h *Handler) Switch(ctx context.Context, stepType string) error {
	res, err := h.driver.Perform(ctx, httpapi.PerformRequest{StepType: stepType, Switch: true})
	if err != nil {
		return err
	}
	return h.apply(ctx, res)
}

// Restart abandons the current run server-side and starts over.
func (h *Handler) Restart(ctx context.Context) error {
	h.deactivate()
	if err := h.driver.Reset(ctx); err != nil {
		return err
	}
	return h.Start(ctx)
}

// Close cancels any pending collection and tears down the active step.
func (h *Handler) Close() {
	h.deactivate()
	h.pending.Wait()
}

// apply folds a protocol response into the state machine: completion tears
// the active step down for good, anything else (re)activates the response's
// step and restarts collection.
func (h *Handler) apply(ctx context.Context, res *httpapi.ChainResponse) error {
	if res.Message != "" && h.OnMessage != nil {
		h.OnMessage(res.Message)
	}

	if res.Complete {
		h.deactivate()
		h.mu.Lock()
		h.state = StateComplete
		h.last = res
		h.mu.Unlock()
		if h.OnComplete != nil {
			h.OnComplete(res.CompletionToken, res.Redirect)
		}
		return nil
	}

	handler, ok := h.handlers[res.StepType]
	if !ok {
		return ErrNoHandler
	}
	h.deactivate()

	if err := handler.Activate(ctx, res.Payload); err != nil {
		return err
	}

	collectCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.state = StateStepActive
	h.active = res.StepType
	h.last = res
	h.cancel = cancel
	h.gen++
	gen := h.gen
	h.mu.Unlock()

	h.pending.Add(1)
	go h.collect(collectCtx, handler, gen)
	return nil
}

// collect waits on the step handler for input and submits it, unless the
// step was deactivated in the meantime.
func (h *Handler) collect(ctx context.Context, handler StepHandler, gen uint64) {
	defer h.pending.Done()

	data, err := handler.Collect(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) && h.OnError != nil {
			h.OnError(err)
		}
		return
	}

	h.mu.Lock()
	stale := gen != h.gen
	h.mu.Unlock()
	if stale {
		return
	}

	if err := h.Submit(context.Background(), data); err != nil && h.OnError != nil {
		h.OnError(err)
	}
}

func (h *Handler) deactivate() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	active := h.active
	h.active = ""
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if active != "" {
		if handler, ok := h.handlers[active]; ok {
			handler.Deactivate()
		}
	}
}
