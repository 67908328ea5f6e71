package authchain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mfauth/authchain/credential"
	"github.com/mfauth/authchain/transient"
)

// Engine is the server-side chain orchestrator. Given a user and the
// deployment's configured chain, it determines the current required step,
// dispatches verification to the active method, and decides advancement to
// the next slot or completion. Engines are built once through Builder and
// safe for concurrent use afterwards.
type Engine struct {
	config     Config
	registry   *Registry
	states     *chainStateStore
	creds      credential.Store
	transients *transient.Store
	limiter    *attemptLimiter
	metrics    *Metrics
	audit      AuditSink
	issuer     *completionIssuer
	recovery   *recoveryMethod
	skip       SkipPolicy
	clock      func() time.Time
}

// ChainResult is the outcome of one Start or Perform call. Success false
// with a non-empty Message is a non-fatal re-render of the same step; fatal
// conditions surface as errors instead.
type ChainResult struct {
	Success         bool
	Complete        bool
	Restarted       bool
	SlotIndex       int
	MethodType      string
	Payload         *StepPayload
	Alternatives    []MethodInfo
	CompletionToken string
	Message         string
}

// Metrics exposes the engine counters.
func (e *Engine) Metrics() *Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

// Registry exposes the method registry for inspection.
func (e *Engine) Registry() *Registry {
	if e == nil {
		return nil
	}
	return e.registry
}

// Start begins (or restarts) a chain run for the scope. It resolves the
// first pending slot, persists fresh run state, and returns the payload for
// that slot's active method. When every slot is already satisfied the chain
// completes immediately.
func (e *Engine) Start(ctx context.Context, scope Scope, user User) (*ChainResult, error) {
	if err := e.guard(scope, user); err != nil {
		return nil, err
	}
	now := e.clock()

	idx, found, err := e.firstPendingSlot(ctx, user, 0, nil)
	if err != nil {
		return nil, err
	}
	if !found {
		return e.complete(ctx, scope, user, uuid.NewString(), now)
	}

	method, err := e.chooseMethod(ctx, user, e.config.Chain.Slots[idx])
	if err != nil {
		return nil, err
	}

	state := &chainState{
		RunID:     uuid.NewString(),
		SlotIndex: uint16(idx),
		Method:    method.Type(),
		StartedAt: now.Unix(),
	}
	if err := e.states.Save(ctx, scope, state); err != nil {
		return nil, err
	}

	payload, err := e.payloadFor(ctx, scope, user, method)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricChainStarted)
	e.emitAudit(ctx, auditChainStarted, scope, user, method.Type(), true, nil)

	return &ChainResult{
		Success:      true,
		SlotIndex:    idx,
		MethodType:   method.Type(),
		Payload:      payload,
		Alternatives: e.registry.Infos(e.config.Chain.Slots[idx].Methods),
	}, nil
}

// Perform drives one step of an in-progress run. With switchReq (or a
// methodType different from the active one) it only changes the slot's
// active method and re-renders — no data is verified and no credential is
// touched. Otherwise it verifies the submission against the active method
// and, on success, advances or completes the chain.
func (e *Engine) Perform(ctx context.Context, scope Scope, user User, methodType string, switchReq bool, data map[string]string) (*ChainResult, error) {
	if err := e.guard(scope, user); err != nil {
		return nil, err
	}

	state, err := e.states.Get(ctx, scope)
	if err != nil {
		if errors.Is(err, errChainStateNotFound) {
			// Session or state expired mid-run: restart rather than crash.
			res, serr := e.Start(ctx, scope, user)
			if serr != nil {
				return nil, serr
			}
			res.Restarted = true
			if !res.Complete {
				res.Success = false
				res.Message = "verification session expired, starting over"
			}
			return res, nil
		}
		return nil, err
	}

	slotIdx := int(state.SlotIndex)
	slot := e.config.Chain.Slots[slotIdx]
	if methodType == "" {
		methodType = state.Method
	}
	if !slot.has(methodType) {
		return nil, ErrMethodNotInSlot
	}
	method, err := e.registry.Get(methodType)
	if err != nil {
		return nil, err
	}

	if switchReq || methodType != state.Method {
		return e.switchMethod(ctx, scope, user, state, method)
	}

	if err := e.limiter.Check(ctx, user.ID, methodType); err != nil {
		if errors.Is(err, ErrAttemptsExceeded) {
			e.metrics.Inc(MetricAttemptsExceeded)
			e.emitAudit(ctx, auditStepFailed, scope, user, methodType, false, err)
		}
		return nil, err
	}

	wasSetUp, err := method.IsSetUp(ctx, user)
	if err != nil {
		return nil, err
	}

	ok, err := method.Verify(ctx, scope, user, data)
	if err != nil {
		if errors.Is(err, ErrSetupExpired) {
			// Staged state is gone; re-issue the step from scratch.
			payload, perr := e.payloadFor(ctx, scope, user, method)
			if perr != nil {
				return nil, perr
			}
			return &ChainResult{
				SlotIndex:    slotIdx,
				MethodType:   methodType,
				Payload:      payload,
				Alternatives: e.registry.Infos(slot.Methods),
				Message:      "this step expired, please try again",
			}, nil
		}
		return nil, err
	}

	if !ok {
		_ = e.limiter.Fail(ctx, user.ID, methodType)
		e.metrics.Inc(MetricStepFailed)
		e.emitAudit(ctx, auditStepFailed, scope, user, methodType, false, nil)

		payload, perr := e.payloadFor(ctx, scope, user, method)
		if perr != nil {
			return nil, perr
		}
		return &ChainResult{
			SlotIndex:    slotIdx,
			MethodType:   methodType,
			Payload:      payload,
			Alternatives: e.registry.Infos(slot.Methods),
			Message:      "verification failed",
		}, nil
	}

	_ = e.limiter.Reset(ctx, user.ID, methodType)
	e.metrics.Inc(MetricStepVerified)
	if !wasSetUp {
		e.metrics.Inc(MetricSecretPromoted)
	}
	e.emitAudit(ctx, auditStepVerified, scope, user, methodType, true, nil)

	state.markDone(slotIdx)
	next, found, err := e.firstPendingSlot(ctx, user, slotIdx+1, state)
	if err != nil {
		return nil, err
	}
	if !found {
		_ = e.states.Delete(ctx, scope)
		return e.complete(ctx, scope, user, state.RunID, e.clock())
	}

	nextMethod, err := e.chooseMethod(ctx, user, e.config.Chain.Slots[next])
	if err != nil {
		return nil, err
	}
	state.SlotIndex = uint16(next)
	state.Method = nextMethod.Type()
	if err := e.states.Save(ctx, scope, state); err != nil {
		return nil, err
	}

	payload, err := e.payloadFor(ctx, scope, user, nextMethod)
	if err != nil {
		return nil, err
	}
	return &ChainResult{
		Success:      true,
		SlotIndex:    next,
		MethodType:   nextMethod.Type(),
		Payload:      payload,
		Alternatives: e.registry.Infos(e.config.Chain.Slots[next].Methods),
	}, nil
}

// Reset discards the in-progress run. Single-use secrets consumed earlier in
// the run stay consumed.
func (e *Engine) Reset(ctx context.Context, scope Scope) error {
	if e == nil || e.states == nil {
		return ErrEngineNotReady
	}
	if err := e.states.Delete(ctx, scope); err != nil {
		return err
	}
	e.metrics.Inc(MetricChainReset)
	e.emitAudit(ctx, auditChainReset, scope, User{}, "", true, nil)
	return nil
}

// MethodStatus reports one registered method's configuration state for a user.
type MethodStatus struct {
	Info    MethodInfo
	SetUp   bool
	Actions []ActionItem
}

// MethodStatuses describes every registered method for a settings surface.
func (e *Engine) MethodStatuses(ctx context.Context, user User) ([]MethodStatus, error) {
	if e == nil || e.registry == nil {
		return nil, ErrEngineNotReady
	}
	statuses := make([]MethodStatus, 0, len(e.registry.Types()))
	for _, t := range e.registry.Types() {
		m, err := e.registry.Get(t)
		if err != nil {
			return nil, err
		}
		setUp, err := m.IsSetUp(ctx, user)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, MethodStatus{Info: m.Info(), SetUp: setUp, Actions: m.ActionItems()})
	}
	return statuses, nil
}

// RemoveMethod deletes the user's credential for one method; idempotent.
func (e *Engine) RemoveMethod(ctx context.Context, user User, methodType string) error {
	if e == nil || e.registry == nil {
		return ErrEngineNotReady
	}
	if user.ID == "" {
		return ErrUserRequired
	}
	method, err := e.registry.Get(methodType)
	if err != nil {
		return err
	}
	if err := method.Remove(ctx, user); err != nil {
		e.emitAudit(ctx, auditMethodRemoved, Scope{UserID: user.ID}, user, methodType, false, err)
		return err
	}
	e.emitAudit(ctx, auditMethodRemoved, Scope{UserID: user.ID}, user, methodType, true, nil)
	return nil
}

// RegenerateRecoveryCodes atomically replaces the user's recovery code set,
// invalidating every previous code, and returns the new plaintext codes —
// the only time they are visible. Requires an elevated session when an
// Elevation collaborator is configured.
func (e *Engine) RegenerateRecoveryCodes(ctx context.Context, scope Scope, user User) ([]string, error) {
	if e == nil || e.recovery == nil {
		return nil, ErrEngineNotReady
	}
	if user.ID == "" {
		return nil, ErrUserRequired
	}
	if e.recovery.elevation != nil && !e.recovery.elevation.IsElevated(ctx, scope) {
		return nil, ErrNotElevated
	}
	codes, err := e.recovery.generate(ctx, user)
	if err != nil {
		return nil, err
	}
	e.metrics.Inc(MetricCodesRegenerated)
	e.emitAudit(ctx, auditCodesRegenerate, scope, user, MethodRecoveryCodes, true, nil)
	return codes, nil
}

// ResendEmailCode discards any staged emailed code and dispatches a fresh one.
func (e *Engine) ResendEmailCode(ctx context.Context, scope Scope, user User) (*StepPayload, error) {
	if err := e.guard(scope, user); err != nil {
		return nil, err
	}
	method, err := e.registry.Get(MethodEmailCode)
	if err != nil {
		return nil, err
	}
	if err := e.transients.Delete(ctx, scope, stagingEmailCode); err != nil {
		return nil, err
	}
	return method.VerifyPayload(ctx, scope, user)
}

func (e *Engine) guard(scope Scope, user User) error {
	if e == nil || e.registry == nil || e.states == nil {
		return ErrEngineNotReady
	}
	if user.ID == "" {
		return ErrUserRequired
	}
	if scope.SessionID == "" {
		return ErrSessionRequired
	}
	return nil
}

// firstPendingSlot scans forward from index from for the next slot the user
// still has to satisfy in this run. Slots already satisfied this run, slots
// the skip policy clears, and — for users the chain is not mandatory for —
// slots with no configured method are passed over.
func (e *Engine) firstPendingSlot(ctx context.Context, user User, from int, state *chainState) (int, bool, error) {
	slots := e.config.Chain.Slots
	for i := from; i < len(slots); i++ {
		if state != nil && state.isDone(i) {
			continue
		}
		if e.skip != nil && e.skip(ctx, user, i, slots[i]) {
			continue
		}
		if !user.RequireChain {
			anySetUp, err := e.anyMethodSetUp(ctx, user, slots[i])
			if err != nil {
				return 0, false, err
			}
			if !anySetUp {
				continue
			}
		}
		return i, true, nil
	}
	return 0, false, nil
}

func (e *Engine) anyMethodSetUp(ctx context.Context, user User, slot Slot) (bool, error) {
	for _, t := range slot.Methods {
		method, err := e.registry.Get(t)
		if err != nil {
			continue
		}
		setUp, err := method.IsSetUp(ctx, user)
		if err != nil {
			return false, err
		}
		if setUp {
			return true, nil
		}
	}
	return false, nil
}

// chooseMethod picks the slot's active method: the first alternative the
// user has already set up, else the slot's default.
func (e *Engine) chooseMethod(ctx context.Context, user User, slot Slot) (Method, error) {
	var fallback Method
	for _, t := range slot.Methods {
		method, err := e.registry.Get(t)
		if err != nil {
			continue
		}
		if fallback == nil {
			fallback = method
		}
		setUp, err := method.IsSetUp(ctx, user)
		if err != nil {
			return nil, err
		}
		if setUp {
			return method, nil
		}
	}
	if fallback == nil {
		return nil, ErrMethodUnknown
	}
	return fallback, nil
}

func (e *Engine) switchMethod(ctx context.Context, scope Scope, user User, state *chainState, method Method) (*ChainResult, error) {
	state.Method = method.Type()
	if err := e.states.Save(ctx, scope, state); err != nil {
		return nil, err
	}

	payload, err := e.payloadFor(ctx, scope, user, method)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricMethodSwitched)
	e.emitAudit(ctx, auditMethodSwitched, scope, user, method.Type(), true, nil)

	slot := e.config.Chain.Slots[state.SlotIndex]
	return &ChainResult{
		Success:      true,
		SlotIndex:    int(state.SlotIndex),
		MethodType:   method.Type(),
		Payload:      payload,
		Alternatives: e.registry.Infos(slot.Methods),
	}, nil
}

// payloadFor renders the setup payload for methods not yet confirmed and the
// verify payload for established ones.
func (e *Engine) payloadFor(ctx context.Context, scope Scope, user User, method Method) (*StepPayload, error) {
	setUp, err := method.IsSetUp(ctx, user)
	if err != nil {
		return nil, err
	}
	if setUp {
		return method.VerifyPayload(ctx, scope, user)
	}
	return method.SetupPayload(ctx, scope, user)
}

func (e *Engine) complete(ctx context.Context, scope Scope, user User, runID string, now time.Time) (*ChainResult, error) {
	token, err := e.issuer.Issue(user, runID, now)
	if err != nil {
		return nil, err
	}
	e.metrics.Inc(MetricChainCompleted)
	e.emitAudit(ctx, auditChainCompleted, scope, user, "", true, nil)
	return &ChainResult{Success: true, Complete: true, CompletionToken: token}, nil
}

func (e *Engine) emitAudit(ctx context.Context, eventType string, scope Scope, user User, method string, success bool, err error) {
	if e.audit == nil {
		return
	}
	event := AuditEvent{
		Timestamp: e.clock(),
		EventType: eventType,
		UserID:    user.ID,
		SessionID: scope.SessionID,
		Method:    method,
		Success:   success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	e.audit.Emit(ctx, event)
}
