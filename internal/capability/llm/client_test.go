package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/H1yori233/innoweaver/internal/capability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "sk-default", Model: "default-model", Timeout: 5 * time.Second})
	c.httpClient = srv.Client()
	return c
}

func userMsg(s string) []capability.Message {
	return []capability.Message{{Role: capability.RoleUser, Content: s}}
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-default", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "default-model", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 1)

		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"{\"solutions\":[]}"}}]}`)
	}))
	defer srv.Close()

	out, err := newTestClient(srv).Complete(context.Background(), capability.CompletionRequest{Messages: userMsg("hi")})
	require.NoError(t, err)
	assert.Equal(t, `{"solutions":[]}`, out)
}

func TestCompleteUsesCallerCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-user", r.Header.Get("Authorization"))
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "user-model", req.Model)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	out, err := c.Complete(context.Background(), capability.CompletionRequest{
		Messages: userMsg("hi"),
		Credentials: capability.Credentials{
			APIKey:  "sk-user",
			BaseURL: srv.URL + "/v2/",
			Model:   "user-model",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestCompleteErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"http error", http.StatusBadGateway, `upstream down`, "status 502"},
		{"api error", http.StatusOK, `{"error":{"message":"quota"}}`, "API error: quota"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "no completion returned"},
		{"bad json", http.StatusOK, `{`, "failed to parse response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTestClient(srv).Complete(context.Background(), capability.CompletionRequest{Messages: userMsg("x")})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCompleteWithoutKey(t *testing.T) {
	c := NewClient(Config{})
	_, err := c.Complete(context.Background(), capability.CompletionRequest{Messages: userMsg("x")})
	assert.True(t, errors.Is(err, ErrNoCredentials))

	content, errs := c.Stream(context.Background(), capability.CompletionRequest{Messages: userMsg("x")})
	for range content {
	}
	assert.True(t, errors.Is(<-errs, ErrNoCredentials))
}

func sseChunk(delta string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]string{"content": delta}}},
	})
	return "data: " + string(b) + "\n\n"
}

func TestStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, sseChunk("Hel"))
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{}}]}`+"\n\n")
		fmt.Fprint(w, sseChunk("lo"))
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, sseChunk("after done"))
	}))
	defer srv.Close()

	content, errs := newTestClient(srv).Stream(context.Background(), capability.CompletionRequest{Messages: userMsg("x")})

	var parts []string
	for delta := range content {
		parts = append(parts, delta)
	}
	assert.NoError(t, <-errs)
	assert.Equal(t, []string{"Hel", "lo"}, parts)
}

func TestStreamAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseChunk("partial"))
		fmt.Fprint(w, `data: {"error":{"message":"overloaded"}}`+"\n\n")
	}))
	defer srv.Close()

	content, errs := newTestClient(srv).Stream(context.Background(), capability.CompletionRequest{Messages: userMsg("x")})
	var got strings.Builder
	for delta := range content {
		got.WriteString(delta)
	}
	err := <-errs
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
	assert.Equal(t, "partial", got.String())
}

func TestStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"bad key"}`)
	}))
	defer srv.Close()

	content, errs := newTestClient(srv).Stream(context.Background(), capability.CompletionRequest{Messages: userMsg("x")})
	for range content {
		t.Error("no content expected")
	}
	err := <-errs
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

// TestStreamCancel stops reading after the first delta; the producer must
// exit even though the server never finishes the body
func TestStreamCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, sseChunk("first"))
		flusher.Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	content, errs := newTestClient(srv).Stream(ctx, capability.CompletionRequest{Messages: userMsg("x")})

	first := <-content
	assert.Equal(t, "first", first)
	cancel()

	select {
	case _, ok := <-content:
		assert.False(t, ok, "no further deltas after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not stop after cancel")
	}
	assert.True(t, errors.Is(<-errs, context.Canceled))
}
