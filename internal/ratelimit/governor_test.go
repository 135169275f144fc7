package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func setupGovernor(t *testing.T, cfg Config) (*Governor, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if cfg.Now == nil {
		cfg.Now = func() time.Time { return fixedNow }
	}
	return NewGovernor(client, cfg), mr
}

type countingObserver struct {
	mu       sync.Mutex
	rejected map[string]int
	allowed  map[string]int
}

func (o *countingObserver) RecordRateDecision(scope string, allowed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if allowed {
		o.allowed[scope]++
	} else {
		o.rejected[scope]++
	}
}

func TestNewGovernorDefaults(t *testing.T) {
	g, _ := setupGovernor(t, Config{})

	assert.Equal(t, "innoweaver:ratelimit:", g.prefix)
	assert.Equal(t, Policy{Limit: 60, Window: time.Minute}, g.Policy("/anything"))
	assert.Equal(t, Policy{Limit: 100, Window: time.Minute}, g.ip)
}

func TestRegisterEndpointLimit(t *testing.T) {
	g, _ := setupGovernor(t, Config{})

	require.NoError(t, g.RegisterEndpointLimit("/api/query", 5, time.Minute))
	assert.Equal(t, Policy{Limit: 5, Window: time.Minute}, g.Policy("/api/query"))
	assert.Equal(t, Policy{Limit: 60, Window: time.Minute}, g.Policy("/api/other"))

	assert.Error(t, g.RegisterEndpointLimit("", 5, time.Minute))
	assert.Error(t, g.RegisterEndpointLimit("/x", 0, time.Minute))
	assert.Error(t, g.RegisterEndpointLimit("/x", 5, time.Millisecond))
}

// TestCheckWindow covers limit passes, limit+1 rejected, reset after window
func TestCheckWindow(t *testing.T) {
	g, mr := setupGovernor(t, Config{})
	require.NoError(t, g.RegisterEndpointLimit("/api/complete/rag", 3, time.Minute))
	ctx := context.Background()
	id := Identity{UserID: "u1", Address: "10.0.0.1", Endpoint: "/api/complete/rag"}

	for i := 1; i <= 3; i++ {
		d, err := g.Check(ctx, id)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should pass", i)
		assert.Equal(t, int64(i), d.Count)
		assert.Equal(t, ScopeUser, d.Scope)
		assert.Equal(t, int64(3-i), d.Remaining())
	}

	d, err := g.Check(ctx, id)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ScopeUser, d.Scope)
	assert.Equal(t, 3, d.Limit)
	assert.Equal(t, int64(0), d.Remaining())
	assert.Equal(t, fixedNow.Add(time.Minute), d.ResetAt)

	mr.FastForward(time.Minute + time.Second)

	d, err = g.Check(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Count)
}

func TestCheckUsersAreIndependent(t *testing.T) {
	g, _ := setupGovernor(t, Config{DefaultPolicy: Policy{Limit: 1, Window: time.Minute}})
	ctx := context.Background()

	d, err := g.Check(ctx, Identity{UserID: "a", Address: "1.1.1.1", Endpoint: "/e"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = g.Check(ctx, Identity{UserID: "b", Address: "1.1.1.1", Endpoint: "/e"})
	require.NoError(t, err)
	assert.True(t, d.Allowed, "another user has its own counter")

	d, err = g.Check(ctx, Identity{UserID: "a", Address: "1.1.1.1", Endpoint: "/other"})
	require.NoError(t, err)
	assert.True(t, d.Allowed, "another endpoint has its own counter")
}

func TestCheckIPCeiling(t *testing.T) {
	g, mr := setupGovernor(t, Config{IPPolicy: Policy{Limit: 2, Window: 30 * time.Second}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := g.Check(ctx, Identity{UserID: "u" + strconv.Itoa(i), Address: "9.9.9.9", Endpoint: "/e"})
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := g.Check(ctx, Identity{UserID: "fresh", Address: "9.9.9.9", Endpoint: "/e"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ScopeIP, d.Scope)
	assert.Equal(t, 2, d.Limit)
	assert.Equal(t, 30*time.Second, d.Window)

	// rejected at the address ceiling: the scoped counter is untouched
	assert.False(t, mr.Exists(g.userKey("fresh", "/e")))
}

func TestCheckAnonymousFingerprint(t *testing.T) {
	g, mr := setupGovernor(t, Config{DefaultPolicy: Policy{Limit: 1, Window: time.Minute}})
	ctx := context.Background()

	id := Identity{Address: "2.2.2.2", UserAgent: "curl/8", Endpoint: "/e"}
	d, err := g.Check(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ScopeAnonymous, d.Scope)
	assert.True(t, mr.Exists(g.prefix+"anon:"+Fingerprint("2.2.2.2", "curl/8", "/e")))

	d, err = g.Check(ctx, id)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// a different client signature from the same address is a different caller
	id.UserAgent = "Mozilla/5.0"
	d, err = g.Check(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("1.2.3.4", "ua", "/p")
	assert.Len(t, a, 32)
	assert.Equal(t, a, Fingerprint("1.2.3.4", "ua", "/p"))
	assert.NotEqual(t, a, Fingerprint("1.2.3.4", "ua", "/q"))
}

func TestCheckStoreUnavailable(t *testing.T) {
	t.Run("fail open", func(t *testing.T) {
		g, mr := setupGovernor(t, Config{FailOpen: true})
		mr.Close()

		d, err := g.Check(context.Background(), Identity{Address: "1.1.1.1", Endpoint: "/e"})
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("fail closed", func(t *testing.T) {
		g, mr := setupGovernor(t, Config{FailOpen: false})
		mr.Close()

		_, err := g.Check(context.Background(), Identity{Address: "1.1.1.1", Endpoint: "/e"})
		assert.True(t, errors.Is(err, ErrStoreUnavailable))
	})
}

func TestPreflight(t *testing.T) {
	g, _ := setupGovernor(t, Config{DefaultPolicy: Policy{Limit: 1, Window: time.Minute}})
	ctx := context.Background()
	id := Identity{UserID: "u", Address: "1.1.1.1", Endpoint: "/e"}

	_, err := g.Preflight(ctx, id)
	require.NoError(t, err)

	_, err = g.Preflight(ctx, id)
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, ScopeUser, limitErr.Decision.Scope)
	assert.Contains(t, limitErr.Error(), "user ceiling 1/1m0s")
}

func TestObserver(t *testing.T) {
	g, _ := setupGovernor(t, Config{DefaultPolicy: Policy{Limit: 1, Window: time.Minute}})
	obs := &countingObserver{rejected: map[string]int{}, allowed: map[string]int{}}
	g.SetObserver(obs)
	ctx := context.Background()

	id := Identity{UserID: "u", Address: "1.1.1.1", Endpoint: "/e"}
	_, _ = g.Check(ctx, id)
	_, _ = g.Check(ctx, id)

	assert.Equal(t, 1, obs.allowed["user"])
	assert.Equal(t, 1, obs.rejected["user"])
}

func TestDecisionRetryAfter(t *testing.T) {
	d := Decision{ResetAt: fixedNow.Add(42 * time.Second)}
	assert.Equal(t, 42*time.Second, d.RetryAfter(fixedNow))

	d = Decision{ResetAt: fixedNow}
	assert.Equal(t, time.Second, d.RetryAfter(fixedNow))
}

func TestMiddlewareHeaders(t *testing.T) {
	g, _ := setupGovernor(t, Config{})
	require.NoError(t, g.RegisterEndpointLimit("/api/login", 2, time.Minute))

	handler := g.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
		req.RemoteAddr = "192.0.2.1:54321"
		req.Header.Set("User-Agent", "test-agent")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	w := send()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get(HeaderLimit))
	assert.Equal(t, "1", w.Header().Get(HeaderRemaining))
	assert.Equal(t, strconv.FormatInt(fixedNow.Add(time.Minute).Unix(), 10), w.Header().Get(HeaderReset))
	assert.Empty(t, w.Header().Get(HeaderRetryAfter))

	send()
	w = send()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get(HeaderRemaining))
	assert.Equal(t, "60", w.Header().Get(HeaderRetryAfter))
	assert.Contains(t, w.Body.String(), `"scope":"anonymous"`)
}

func TestMiddlewareUsesResolver(t *testing.T) {
	g, mr := setupGovernor(t, Config{})
	handler := g.Middleware(func(r *http.Request) string {
		return r.Header.Get("X-Test-User")
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/complete/rag", nil)
	req.Header.Set("X-Test-User", "user-7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.True(t, mr.Exists(g.userKey("user-7", "/api/complete/rag")))
}

func TestMiddlewareFailClosed(t *testing.T) {
	g, mr := setupGovernor(t, Config{FailOpen: false})
	mr.Close()

	called := false
	handler := g.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/e", nil))

	assert.False(t, called)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestIdentityFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/x?y=1", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	req.Header.Set("User-Agent", "ua")

	id := IdentityFromRequest(req)
	assert.Equal(t, "2001:db8::1", id.Address)
	assert.Equal(t, "ua", id.UserAgent)
	assert.Equal(t, "/api/x", id.Endpoint)
	assert.Empty(t, id.UserID)
}
