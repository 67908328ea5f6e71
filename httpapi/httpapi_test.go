package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authchain "github.com/mfauth/authchain"
)

var testNow = time.Unix(1700000000, 0)

type staticResolver struct {
	scope authchain.Scope
	user  authchain.User
	err   error
}

func (r *staticResolver) Resolve(*http.Request) (authchain.Scope, authchain.User, error) {
	return r.scope, r.user, r.err
}

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

type deniedElevation struct{}

func (deniedElevation) IsElevated(context.Context, authchain.Scope) bool { return false }

func testChainConfig(t *testing.T, chain string) authchain.Config {
	t.Helper()
	slots, err := authchain.ParseChain(chain)
	require.NoError(t, err)

	cfg := authchain.DefaultConfig()
	cfg.Chain.Slots = slots
	cfg.Completion.Secret = []byte("0123456789abcdef0123456789abcdef")
	return cfg
}

func newTestServer(t *testing.T, chain string, resolver *staticResolver, mutate func(*authchain.Builder), opts ...Option) (*httptest.Server, *captureSender) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sender := &captureSender{}
	b := authchain.New().
		WithConfig(testChainConfig(t, chain)).
		WithRedis(client).
		WithSender(sender).
		WithClock(func() time.Time { return testNow })
	if mutate != nil {
		mutate(b)
	}
	engine, err := b.Build()
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHandler(engine, resolver, opts...).Mount(mux, "/auth/chain")

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, sender
}

func defaultResolver() *staticResolver {
	return &staticResolver{
		scope: authchain.Scope{SessionID: "sess-1", UserID: "u1"},
		user:  authchain.User{ID: "u1", Email: "alice@example.com", RequireChain: true},
	}
}

func postJSON(t *testing.T, url string, body any) (*http.Response, *ChainResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var out ChainResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, &out
}

func TestStartAndPerformEmailChain(t *testing.T) {
	srv, sender := newTestServer(t, "email-code", defaultResolver(), nil, WithRedirect("/account"))

	resp, out := postJSON(t, srv.URL+"/auth/chain/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success)
	assert.False(t, out.Complete)
	assert.Equal(t, "email-code", out.StepType)
	require.NotNil(t, out.Payload)
	assert.Equal(t, "a****@example.com", out.Payload.Fields["sentTo"])

	resp, out = postJSON(t, srv.URL+"/auth/chain/perform", PerformRequest{
		StepType: "email-code",
		Data:     map[string]string{"code": sender.last()},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Complete)
	assert.NotEmpty(t, out.CompletionToken)
	assert.Equal(t, "/account", out.Redirect)

	claims, err := authchain.ParseCompletionToken([]byte("0123456789abcdef0123456789abcdef"), out.CompletionToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
}

func TestPerformWrongCodeReRenders(t *testing.T) {
	srv, _ := newTestServer(t, "email-code", defaultResolver(), nil)

	_, _ = postJSON(t, srv.URL+"/auth/chain/start", nil)
	resp, out := postJSON(t, srv.URL+"/auth/chain/perform", PerformRequest{
		StepType: "email-code",
		Data:     map[string]string{"code": "00000000"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, out.Success)
	assert.False(t, out.Complete)
	assert.NotEmpty(t, out.Message)
	assert.NotNil(t, out.Payload)
}

func TestPerformMethodOutsideSlotIsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t, "totp,email-code", defaultResolver(), nil)

	_, _ = postJSON(t, srv.URL+"/auth/chain/start", nil)
	resp, out := postJSON(t, srv.URL+"/auth/chain/perform", PerformRequest{
		StepType: "email-code",
		Data:     map[string]string{"code": "00000000"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, out.Error)
}

func TestSwitchChangesActiveMethod(t *testing.T) {
	srv, _ := newTestServer(t, "totp|email-code", defaultResolver(), nil)

	_, out := postJSON(t, srv.URL+"/auth/chain/start", nil)
	require.Equal(t, "totp", out.StepType)

	resp, out := postJSON(t, srv.URL+"/auth/chain/perform", PerformRequest{
		StepType: "email-code",
		Switch:   true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success)
	assert.Equal(t, "email-code", out.StepType)
}

func TestElevationRejectionIsForbidden(t *testing.T) {
	srv, _ := newTestServer(t, "recovery-codes", defaultResolver(), func(b *authchain.Builder) {
		b.WithElevation(deniedElevation{})
	})

	// Rendering the recovery setup requires elevation; the engine error must
	// surface as 403, not 500.
	resp, out := postJSON(t, srv.URL+"/auth/chain/start", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.NotEmpty(t, out.Error)
}

func TestAttemptLimitIsTooManyRequests(t *testing.T) {
	resolver := defaultResolver()
	srv, _ := newTestServer(t, "email-code", resolver, func(b *authchain.Builder) {
		cfg := testChainConfig(t, "email-code")
		cfg.Attempts.Max = 1
		b.WithConfig(cfg)
	})

	_, _ = postJSON(t, srv.URL+"/auth/chain/start", nil)
	_, _ = postJSON(t, srv.URL+"/auth/chain/perform", PerformRequest{
		StepType: "email-code",
		Data:     map[string]string{"code": "00000000"},
	})
	resp, out := postJSON(t, srv.URL+"/auth/chain/perform", PerformRequest{
		StepType: "email-code",
		Data:     map[string]string{"code": "00000000"},
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, out.Error)
}

func TestUnresolvedSessionIsUnauthorized(t *testing.T) {
	resolver := &staticResolver{err: errors.New("no session")}
	srv, _ := newTestServer(t, "email-code", resolver, nil)

	resp, out := postJSON(t, srv.URL+"/auth/chain/start", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, out.Error)
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t, "email-code", defaultResolver(), nil)

	resp, err := http.Post(srv.URL+"/auth/chain/perform", "application/json",
		bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResetAbandonsRun(t *testing.T) {
	srv, _ := newTestServer(t, "email-code", defaultResolver(), nil)

	_, _ = postJSON(t, srv.URL+"/auth/chain/start", nil)
	resp, out := postJSON(t, srv.URL+"/auth/chain/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success)

	// A perform after reset restarts the run.
	resp, out = postJSON(t, srv.URL+"/auth/chain/perform", PerformRequest{
		StepType: "email-code",
		Data:     map[string]string{"code": "00000000"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Restarted)
}
