package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/H1yori233/innoweaver/internal/logger"
	"github.com/H1yori233/innoweaver/internal/pipeline"
)

// statusClientClosedRequest marks a request the client abandoned (nginx's 499)
const statusClientClosedRequest = 499

// statusForClass maps a stage error class to its HTTP status
func statusForClass(class pipeline.ErrorClass) int {
	switch class {
	case pipeline.ClassValidation:
		return http.StatusBadRequest
	case pipeline.ClassForbidden:
		return http.StatusForbidden
	case pipeline.ClassState:
		return http.StatusNotFound
	case pipeline.ClassPrecondition, pipeline.ClassConflict:
		return http.StatusConflict
	case pipeline.ClassTimeout:
		return http.StatusGatewayTimeout
	case pipeline.ClassCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusBadGateway
	}
}

// writeStageError writes the structured body for a failed stage call
func (s *Server) writeStageError(w http.ResponseWriter, stage pipeline.Stage, taskID string, err error) {
	var se *pipeline.StageError
	if !errors.As(err, &se) {
		se = &pipeline.StageError{Stage: stage, TaskID: taskID, Class: pipeline.ClassUpstream, Err: err}
	}
	if se.TaskID != "" {
		taskID = se.TaskID
	}

	s.writeJSON(w, statusForClass(se.Class), map[string]interface{}{
		"status":    "error",
		"stage":     string(se.Stage),
		"task_id":   taskID,
		"message":   se.Err.Error(),
		"retryable": se.Retryable(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"status":  "error",
		"message": message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", logger.Fields{
			"error": err.Error(),
		})
	}
}
