package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authchain "github.com/mfauth/authchain"
	"github.com/mfauth/authchain/httpapi"
)

const waitFor = 5 * time.Second

type captureSender struct {
	mu    sync.Mutex
	codes []string
}

func (s *captureSender) Send(_ context.Context, _ authchain.User, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, code)
	return nil
}

func (s *captureSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.codes) == 0 {
		return ""
	}
	return s.codes[len(s.codes)-1]
}

type staticResolver struct {
	scope authchain.Scope
	user  authchain.User
}

func (r *staticResolver) Resolve(*http.Request) (authchain.Scope, authchain.User, error) {
	return r.scope, r.user, nil
}

// scriptedStep is a StepHandler fed from the test: activations surface on a
// channel, Collect blocks until the test supplies input.
type scriptedStep struct {
	activations chan *authchain.StepPayload
	inputs      chan map[string]string
	deactivated atomic.Int32
}

func newScriptedStep() *scriptedStep {
	return &scriptedStep{
		activations: make(chan *authchain.StepPayload, 8),
		inputs:      make(chan map[string]string, 8),
	}
}

func (s *scriptedStep) Activate(_ context.Context, payload *authchain.StepPayload) error {
	s.activations <- payload
	return nil
}

func (s *scriptedStep) Collect(ctx context.Context) (map[string]string, error) {
	select {
	case data := <-s.inputs:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *scriptedStep) Deactivate() { s.deactivated.Add(1) }

func (s *scriptedStep) awaitActivation(t *testing.T) *authchain.StepPayload {
	t.Helper()
	select {
	case payload := <-s.activations:
		return payload
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for step activation")
		return nil
	}
}

func newTestStack(t *testing.T, chain string) (*Handler, *captureSender) {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	slots, err := authchain.ParseChain(chain)
	require.NoError(t, err)
	cfg := authchain.DefaultConfig()
	cfg.Chain.Slots = slots
	cfg.Completion.Secret = []byte("0123456789abcdef0123456789abcdef")

	sender := &captureSender{}
	engine, err := authchain.New().
		WithConfig(cfg).
		WithRedis(redisClient).
		WithSender(sender).
		Build()
	require.NoError(t, err)

	resolver := &staticResolver{
		scope: authchain.Scope{SessionID: "sess-1", UserID: "u1"},
		user:  authchain.User{ID: "u1", Email: "alice@example.com", RequireChain: true},
	}
	mux := http.NewServeMux()
	httpapi.NewHandler(engine, resolver, httpapi.WithRedirect("/account")).Mount(mux, "/auth/chain")
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h := NewHandler(&HTTPDriver{BaseURL: srv.URL + "/auth/chain"})
	t.Cleanup(h.Close)
	return h, sender
}

func await[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestEmailChainEndToEnd(t *testing.T) {
	h, sender := newTestStack(t, "email-code")
	step := newScriptedStep()
	h.Register("email-code", step)

	completions := make(chan [2]string, 1)
	h.OnComplete = func(token, redirect string) { completions <- [2]string{token, redirect} }

	require.NoError(t, h.Start(context.Background()))
	payload := step.awaitActivation(t)
	assert.Equal(t, "a****@example.com", payload.Fields["sentTo"])

	step.inputs <- map[string]string{"code": sender.last()}
	done := await(t, completions, "completion")
	assert.NotEmpty(t, done[0])
	assert.Equal(t, "/account", done[1])
	assert.Equal(t, StateComplete, h.State())

	// The step stays torn down after a completing redirect.
	assert.GreaterOrEqual(t, step.deactivated.Load(), int32(1))
	assert.Empty(t, step.activations)
}

func TestWrongCodeReactivatesStep(t *testing.T) {
	h, sender := newTestStack(t, "email-code")
	step := newScriptedStep()
	h.Register("email-code", step)

	messages := make(chan string, 4)
	h.OnMessage = func(m string) { messages <- m }
	completions := make(chan [2]string, 1)
	h.OnComplete = func(token, redirect string) { completions <- [2]string{token, redirect} }

	require.NoError(t, h.Start(context.Background()))
	step.awaitActivation(t)

	step.inputs <- map[string]string{"code": "00000000"}
	assert.NotEmpty(t, await(t, messages, "failure message"))

	// The re-rendered step carries a freshly dispatched code.
	step.awaitActivation(t)
	step.inputs <- map[string]string{"code": sender.last()}
	await(t, completions, "completion")
}

func TestSwitchDeactivatesOldStep(t *testing.T) {
	h, sender := newTestStack(t, "totp|email-code")
	totpStep := newScriptedStep()
	emailStep := newScriptedStep()
	h.Register("totp", totpStep)
	h.Register("email-code", emailStep)

	completions := make(chan [2]string, 1)
	h.OnComplete = func(token, redirect string) { completions <- [2]string{token, redirect} }

	require.NoError(t, h.Start(context.Background()))
	totpPayload := totpStep.awaitActivation(t)
	assert.True(t, totpPayload.Setup)

	require.NoError(t, h.Switch(context.Background(), "email-code"))
	emailStep.awaitActivation(t)
	assert.Equal(t, int32(1), totpStep.deactivated.Load())
	assert.Equal(t, "email-code", h.Current().StepType)

	emailStep.inputs <- map[string]string{"code": sender.last()}
	await(t, completions, "completion")
}

func TestRestartStartsFresh(t *testing.T) {
	h, _ := newTestStack(t, "email-code")
	step := newScriptedStep()
	h.Register("email-code", step)

	require.NoError(t, h.Start(context.Background()))
	step.awaitActivation(t)

	require.NoError(t, h.Restart(context.Background()))
	step.awaitActivation(t)
	assert.Equal(t, StateStepActive, h.State())
	assert.GreaterOrEqual(t, step.deactivated.Load(), int32(1))
}

func TestUnregisteredStepFails(t *testing.T) {
	h, _ := newTestStack(t, "email-code")
	err := h.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoHandler)
}
