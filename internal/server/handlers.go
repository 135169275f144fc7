package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/H1yori233/innoweaver/internal/auth"
	"github.com/H1yori233/innoweaver/internal/capability"
	"github.com/H1yori233/innoweaver/internal/logger"
	"github.com/H1yori233/innoweaver/internal/pipeline"
	"github.com/H1yori233/innoweaver/internal/task"
)

type initializeRequest struct {
	// An analysis object, or a string holding one
	Data task.Document `json:"data"`
}

type stageRequest struct {
	TaskID string `json:"task_id"`
}

type paperRequest struct {
	TaskID   string   `json:"task_id"`
	PaperIDs []string `json:"paper_ids"`
}

type exampleRequest struct {
	TaskID string `json:"task_id"`

	// JSON-encoded array of solution ids
	Data string `json:"data"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type apiKeyRequest struct {
	APIKey    string `json:"api_key"`
	APIURL    string `json:"api_url"`
	ModelName string `json:"model_name"`
}

type queryRequest struct {
	Query     string `json:"query"`
	DesignDoc string `json:"design_doc"`
}

type knowledgeRequest struct {
	Paper string `json:"paper"`
}

type chatRequest struct {
	InspirationID string               `json:"inspiration_id"`
	NewMessage    string               `json:"new_message"`
	ChatHistory   []capability.Message `json:"chat_history"`
	Stream        bool                 `json:"stream"`
}

// decode reads a single JSON object, rejecting unknown fields
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "invalid request body"
		if !errors.Is(err, io.EOF) {
			msg = fmt.Sprintf("invalid request body: %v", err)
		}
		s.logger.Warn("Failed to decode request", logger.Fields{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		s.writeError(w, http.StatusBadRequest, msg)
		return false
	}
	return true
}

func callerFrom(id auth.Identity) pipeline.Caller {
	return pipeline.Caller{
		UserID:      id.UserID,
		UserType:    id.UserType,
		Credentials: id.Credentials,
	}
}

// handleStage runs one pipeline stage
func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	stage := pipeline.Stage(r.PathValue("stage"))
	req := pipeline.Request{Stage: stage, Caller: callerFrom(id)}

	switch stage {
	case pipeline.StageInitialize:
		var body initializeRequest
		if !s.decode(w, r, &body) {
			return
		}
		req.Input.Analysis = body.Data

	case pipeline.StagePaper:
		var body paperRequest
		if !s.decode(w, r, &body) {
			return
		}
		req.TaskID = body.TaskID
		req.Input.IDs = body.PaperIDs

	case pipeline.StageExample:
		var body exampleRequest
		if !s.decode(w, r, &body) {
			return
		}
		ids, err := parseIDList(body.Data)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.TaskID = body.TaskID
		req.Input.IDs = ids

	case pipeline.StageRAG, pipeline.StageDomain, pipeline.StageInterdisciplinary,
		pipeline.StageEvaluation, pipeline.StageDrawing, pipeline.StageFinal:
		var body stageRequest
		if !s.decode(w, r, &body) {
			return
		}
		req.TaskID = body.TaskID

	default:
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown stage %q", stage))
		return
	}

	out, err := s.pipeline.Run(r.Context(), req)
	if err != nil {
		s.writeStageError(w, stage, req.TaskID, err)
		return
	}

	if stage == pipeline.StageFinal {
		s.writeJSON(w, http.StatusOK, out.Body)
		return
	}

	resp := map[string]interface{}{
		"status":   out.Status,
		"task_id":  out.TaskID,
		"progress": out.Progress,
	}
	if out.Solution != nil {
		resp["solution"] = out.Solution
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// parseIDList decodes the example stage's id array. An empty string is no
// ids. Numeric ids keep their literal digits.
func parseIDList(data string) ([]string, error) {
	if strings.TrimSpace(data) == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var raw []interface{}
	if err := dec.Decode(&raw); err != nil || dec.More() {
		return nil, fmt.Errorf("invalid JSON array in 'data' field for example IDs")
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		switch id := v.(type) {
		case string:
			ids = append(ids, id)
		case json.Number:
			ids = append(ids, id.String())
		default:
			return nil, fmt.Errorf("example IDs must be strings or numbers")
		}
	}
	return ids, nil
}

// handleStatus returns the poll view of a task
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view := s.pipeline.Status(r.Context(), r.PathValue("task_id"))
	s.writeJSON(w, http.StatusOK, view)
}

// handleLogin exchanges a password for a token
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !s.decode(w, r, &body) {
		return
	}
	if body.Email == "" || body.Password == "" {
		s.writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	token, id, err := s.auth.Login(r.Context(), body.Email, body.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		s.writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if err != nil {
		s.logger.Error("Login failed", logger.Fields{
			"error": err.Error(),
		})
		s.writeError(w, http.StatusServiceUnavailable, "login unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user": map[string]interface{}{
			"id":        id.UserID,
			"email":     id.Email,
			"user_type": id.UserType,
		},
	})
}

// handleAPIKey stores the caller's completion credentials
func (s *Server) handleAPIKey(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var body apiKeyRequest
	if !s.decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.APIKey) == "" {
		s.writeError(w, http.StatusBadRequest, "API Key is required")
		return
	}

	if err := s.auth.SetAPICredentials(r.Context(), id.Email, body.APIKey, body.APIURL, body.ModelName); err != nil {
		s.logger.Error("Failed to store API credentials", logger.Fields{
			"user_id": id.UserID,
			"error":   err.Error(),
		})
		s.writeError(w, http.StatusServiceUnavailable, "failed to update API key")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "API key updated",
	})
}

// handleQuery analyses a design query into the initialize payload
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var body queryRequest
	if !s.decode(w, r, &body) {
		return
	}
	analysis, err := s.pipeline.AnalyzeQuery(r.Context(), callerFrom(id), body.Query, body.DesignDoc)
	if err != nil {
		s.writeStageError(w, pipeline.StageQuery, "", err)
		return
	}
	s.writeJSON(w, http.StatusOK, analysis)
}

// handleKnowledge extracts structured findings from a paper
func (s *Server) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var body knowledgeRequest
	if !s.decode(w, r, &body) {
		return
	}
	doc, err := s.pipeline.ExtractKnowledge(r.Context(), callerFrom(id), body.Paper)
	if err != nil {
		s.writeStageError(w, pipeline.StageKnowledge, "", err)
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

// handleTestAPI checks completion credentials without storing them. The
// outcome is reported in the body; only a missing key is a 400.
func (s *Server) handleTestAPI(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var body apiKeyRequest
	if !s.decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.APIKey) == "" {
		s.writeError(w, http.StatusBadRequest, "API Key is required")
		return
	}

	reply, err := s.pipeline.CheckCredentials(r.Context(), callerFrom(id), capability.Credentials{
		APIKey:  body.APIKey,
		BaseURL: body.APIURL,
		Model:   body.ModelName,
	})
	if err != nil {
		resp := map[string]interface{}{
			"success": false,
			"message": "API connection failed: " + err.Error(),
		}
		var se *pipeline.StageError
		if errors.As(err, &se) {
			resp["retryable"] = se.Retryable()
			if se.Class == pipeline.ClassValidation {
				resp["message"] = "Invalid API key format"
			}
		}
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"message":  "API connection successful",
		"response": reply,
	})
}

// handleChat answers one inspiration chat turn, optionally as SSE
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var body chatRequest
	if !s.decode(w, r, &body) {
		return
	}
	req := pipeline.ChatRequest{
		InspirationID: body.InspirationID,
		Message:       body.NewMessage,
		History:       body.ChatHistory,
		Caller:        callerFrom(id),
	}

	if !body.Stream {
		reply, err := s.pipeline.Chat(r.Context(), req)
		if err != nil {
			s.writeStageError(w, pipeline.StageChat, "", err)
			return
		}
		s.writeJSON(w, http.StatusOK, reply)
		return
	}

	deltas, errs, err := s.pipeline.ChatStream(r.Context(), req)
	if err != nil {
		s.writeStageError(w, pipeline.StageChat, "", err)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	// Streams may outlive the server's write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	for d := range deltas {
		if !s.writeEvent(w, rc, d) {
			// client went away; the producer stops on context cancellation
			for range deltas {
			}
			break
		}
	}
	if err := <-errs; err != nil {
		s.writeEvent(w, rc, map[string]string{"error": err.Error()})
	}
}

func (s *Server) writeEvent(w io.Writer, rc *http.ResponseController, v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	return rc.Flush() == nil
}

// handleMetrics returns a metrics snapshot
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeError(w, http.StatusNotFound, "metrics not enabled")
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// handleHealth returns health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	}
	status := http.StatusOK

	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.logger.Error("Redis health check failed", logger.Fields{
				"error": err.Error(),
			})
			health["status"] = "unhealthy"
			health["redis_error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	s.writeJSON(w, status, health)
}
