package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"
)

// fakeAPI records calls and answers like the real server
type fakeAPI struct {
	mu     sync.Mutex
	calls  []string
	bodies map[string]map[string]interface{}
	fail   map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{bodies: map[string]map[string]interface{}{}, fail: map[string]int{}}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	f.bodies[r.URL.Path] = body
	status, failing := f.fail[r.URL.Path]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if failing {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "error", "stage": "domain", "task_id": "task_1",
			"message": "model overloaded", "retryable": true,
		})
		return
	}

	switch r.URL.Path {
	case "/api/login":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token": "tok-1",
			"user":  map[string]string{"id": "user-alice", "email": "alice@example.com", "user_type": "designer"},
		})
	case "/api/complete/status/task_1":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "RAG search completed", "progress": 30})
	case "/api/complete/final":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"query": "chairs", "solutions": []interface{}{}})
	case "/api/inspiration/chat":
		if body["stream"] == true {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"delta\":\"Hel\",\"content\":\"Hel\"}\n\n")
			fmt.Fprint(w, "data: {\"delta\":\"lo\",\"content\":\"Hello\"}\n\n")
			if body["new_message"] == "break" {
				fmt.Fprint(w, "data: {\"error\":\"upstream closed\"}\n\n")
			}
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": "Hello"})
	case "/api/query":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"Query": body["query"], "Target User": "elderly users"})
	case "/api/knowledge_extraction":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"Title": "Seating ergonomics"})
	case "/api/user/test_api":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "message": "API connection successful", "response": "OK"})
	case "/health":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "healthy"})
	default:
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "in_progress", "task_id": "task_1", "progress": 30,
		})
	}
}

func (f *fakeAPI) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestClient(t *testing.T) (*Client, *fakeAPI) {
	t.Helper()
	api := newFakeAPI()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c, api
}

func TestNew(t *testing.T) {
	c, err := New(Config{BaseURL: "http://localhost:5001/", Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if c.config.BaseURL != "http://localhost:5001" {
		t.Errorf("Expected trailing slash trimmed, got %s", c.config.BaseURL)
	}
	if c.http.Timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %v", c.http.Timeout)
	}
}

func TestNewWithEmptyBaseURL(t *testing.T) {
	c, err := New(Config{})
	if err == nil {
		t.Error("Expected error when base URL is empty")
	}
	if c != nil {
		t.Error("Expected nil client on error")
	}
}

func TestNewWithDefaultTimeout(t *testing.T) {
	c, err := New(Config{BaseURL: "http://localhost:5001"})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if c.config.Timeout != 15*time.Minute {
		t.Errorf("Expected default timeout 15m, got %v", c.config.Timeout)
	}
}

func TestLoginKeepsToken(t *testing.T) {
	c, _ := newTestClient(t)

	user, err := c.Login(context.Background(), "alice@example.com", "pw")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if user.ID != "user-alice" || user.UserType != "designer" {
		t.Errorf("Unexpected user: %+v", user)
	}
	if c.config.Token != "tok-1" {
		t.Errorf("Expected token to be kept, got %q", c.config.Token)
	}
}

func TestRun(t *testing.T) {
	c, api := newTestClient(t)

	var seen []string
	final, err := c.Run(context.Background(), map[string]interface{}{"Query": "chairs"}, RunOptions{
		SolutionIDs: []string{"s1"},
		OnStage:     func(stage string, _ *StageResult) { seen = append(seen, stage) },
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final["query"] != "chairs" {
		t.Errorf("Unexpected final body: %v", final)
	}

	want := []string{"initialize", "rag", "example", "domain", "interdisciplinary", "evaluation"}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("Expected stages %v, got %v", want, seen)
	}
	calls := api.callList()
	if calls[len(calls)-1] != "POST /api/complete/final" {
		t.Errorf("Expected final call last, got %v", calls)
	}

	api.mu.Lock()
	data := api.bodies["/api/complete/example"]["data"]
	api.mu.Unlock()
	if data != `["s1"]` {
		t.Errorf("Expected example ids as a JSON string, got %v", data)
	}
}

func TestStageErrorIsAPIError(t *testing.T) {
	c, api := newTestClient(t)
	api.fail["/api/complete/domain"] = http.StatusBadGateway

	_, err := c.Stage(context.Background(), "domain", "task_1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || !apiErr.Retryable || apiErr.Stage != "domain" {
		t.Errorf("Unexpected error: %+v", apiErr)
	}
	if apiErr.Error() != "domain stage failed (502): model overloaded" {
		t.Errorf("Unexpected message: %s", apiErr.Error())
	}
}

func TestGetStatus(t *testing.T) {
	c, _ := newTestClient(t)

	st, err := c.GetStatus(context.Background(), "task_1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if st.Status != "RAG search completed" || st.Progress != 30 {
		t.Errorf("Unexpected status: %+v", st)
	}
}

func TestChatStream(t *testing.T) {
	c, _ := newTestClient(t)

	var got []ChatDelta
	err := c.ChatStream(context.Background(), "s1", "hi", nil, func(d ChatDelta) { got = append(got, d) })
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	if len(got) != 2 || got[1].Content != "Hello" {
		t.Errorf("Unexpected deltas: %+v", got)
	}

	err = c.ChatStream(context.Background(), "s1", "break", nil, func(ChatDelta) {})
	if err == nil || err.Error() != "upstream closed" {
		t.Errorf("Expected stream error frame, got %v", err)
	}
}

func TestChatAndHealth(t *testing.T) {
	c, _ := newTestClient(t)

	reply, err := c.Chat(context.Background(), "s1", "hi", []Message{{Role: "user", Content: "hello"}})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if reply["response"] != "Hello" {
		t.Errorf("Unexpected reply: %v", reply)
	}
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health failed: %v", err)
	}
}

func TestContextCancellation(t *testing.T) {
	c, _ := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.GetStatus(ctx, "task_1"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestSingleCompletions(t *testing.T) {
	c, api := newTestClient(t)
	ctx := context.Background()

	analysis, err := c.AnalyzeQuery(ctx, "chairs", "notes")
	if err != nil {
		t.Fatalf("AnalyzeQuery failed: %v", err)
	}
	if analysis["Query"] != "chairs" {
		t.Errorf("Unexpected analysis %v", analysis)
	}
	api.mu.Lock()
	sent := api.bodies["/api/query"]
	api.mu.Unlock()
	if sent["design_doc"] != "notes" {
		t.Errorf("Expected design_doc to be sent, got %v", sent)
	}

	doc, err := c.ExtractKnowledge(ctx, "Abstract")
	if err != nil {
		t.Fatalf("ExtractKnowledge failed: %v", err)
	}
	if doc["Title"] != "Seating ergonomics" {
		t.Errorf("Unexpected knowledge %v", doc)
	}

	check, err := c.TestAPIKey(ctx, "sk-fresh-key-12345", "", "")
	if err != nil {
		t.Fatalf("TestAPIKey failed: %v", err)
	}
	if !check.Success || check.Response != "OK" {
		t.Errorf("Unexpected check %+v", check)
	}
}
