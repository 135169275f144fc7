package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/H1yori233/innoweaver/internal/capability"
	"github.com/H1yori233/innoweaver/internal/logger"
	"github.com/H1yori233/innoweaver/internal/task"
)

// Labels for single-call operations outside the task pipeline
const (
	StageQuery     Stage = "query"
	StageKnowledge Stage = "knowledge_extraction"
	StageTestAPI   Stage = "test_api"
)

const (
	credentialCheckTimeout = 10 * time.Second
	credentialCheckPrompt  = "Hello, this is a test message. Please respond with 'OK' if you receive this."
)

var apiKeyPattern = regexp.MustCompile(`^sk-[A-Za-z0-9_-]{10,}$`)

// ValidAPIKey reports whether key looks like a completion API key
func ValidAPIKey(key string) bool {
	return apiKeyPattern.MatchString(key)
}

// AnalyzeQuery turns a free-text design query, with optional supporting
// documents, into the analysis initialize accepts
func (e *Engine) AnalyzeQuery(ctx context.Context, caller Caller, query, designDoc string) (task.Document, error) {
	if strings.TrimSpace(query) == "" {
		return nil, newStageError(StageQuery, "", ClassValidation, fmt.Errorf("%w: query is required", ErrInvalidInput))
	}
	if designDoc == "" {
		designDoc = "No additional context provided"
	}
	content := fmt.Sprintf("query: %s\ncontext: %s", query, designDoc)
	return e.assist(ctx, StageQuery, caller, PromptQueryExplain, content)
}

// ExtractKnowledge summarises a paper into structured findings
func (e *Engine) ExtractKnowledge(ctx context.Context, caller Caller, paper string) (task.Document, error) {
	if strings.TrimSpace(paper) == "" {
		return nil, newStageError(StageKnowledge, "", ClassValidation, fmt.Errorf("%w: paper is required", ErrInvalidInput))
	}
	return e.assist(ctx, StageKnowledge, caller, PromptKnowledgeExtraction, paper)
}

func (e *Engine) assist(ctx context.Context, stage Stage, caller Caller, prompt, content string) (task.Document, error) {
	if caller.UserID == "" {
		return nil, newStageError(stage, "", ClassForbidden, ErrForbidden)
	}

	start := time.Now()
	doc, err := e.expert(ctx, &StageContext{Caller: caller}, prompt, content)
	e.recorder.RecordStage(string(stage), time.Since(start), err != nil)
	if err != nil {
		se := newStageError(stage, "", classify(ctx, err), err)
		e.logger.Error("Completion failed", logger.Fields{
			"stage":     string(stage),
			"user_id":   caller.UserID,
			"user_type": caller.UserType,
			"class":     string(se.Class),
			"error":     err,
		})
		return nil, se
	}

	e.logger.Info("Completion served", logger.Fields{
		"stage":     string(stage),
		"user_id":   caller.UserID,
		"user_type": caller.UserType,
	})
	return doc, nil
}

// CheckCredentials sends a short completion with creds and returns the
// reply. Empty url or model fall back to the caller's stored values.
func (e *Engine) CheckCredentials(ctx context.Context, caller Caller, creds capability.Credentials) (string, error) {
	if caller.UserID == "" {
		return "", newStageError(StageTestAPI, "", ClassForbidden, ErrForbidden)
	}
	if !ValidAPIKey(creds.APIKey) {
		return "", newStageError(StageTestAPI, "", ClassValidation, fmt.Errorf("%w: invalid API key format", ErrInvalidInput))
	}
	if creds.BaseURL == "" {
		creds.BaseURL = caller.Credentials.BaseURL
	}
	if creds.Model == "" {
		creds.Model = caller.Credentials.Model
	}

	checkCtx, cancel := context.WithTimeout(ctx, credentialCheckTimeout)
	defer cancel()

	reply, err := e.llm.Complete(checkCtx, capability.CompletionRequest{
		Messages:    []capability.Message{{Role: capability.RoleUser, Content: credentialCheckPrompt}},
		Credentials: creds,
	})
	if err != nil {
		e.logger.Warn("API connection check failed", logger.Fields{
			"user_id":  caller.UserID,
			"base_url": creds.BaseURL,
			"model":    creds.Model,
			"error":    err,
		})
		return "", newStageError(StageTestAPI, "", classify(checkCtx, err), err)
	}

	e.logger.Info("API connection check passed", logger.Fields{
		"user_id":  caller.UserID,
		"base_url": creds.BaseURL,
		"model":    creds.Model,
	})
	return reply, nil
}
