package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/H1yori233/innoweaver/internal/capability"
	"github.com/H1yori233/innoweaver/internal/logger"
	"github.com/H1yori233/innoweaver/internal/task"
)

// ChatRequest is one turn of a conversation about a stored solution
type ChatRequest struct {
	InspirationID string
	Message       string
	History       []capability.Message
	Caller        Caller
}

// ChatDelta is one streamed piece of a reply. Content accumulates every
// delta sent so far.
type ChatDelta struct {
	Delta   string `json:"delta"`
	Content string `json:"content"`
}

// Chat answers one turn and returns the parsed reply. The raw reply is
// always available under "response" and "message".
func (e *Engine) Chat(ctx context.Context, req ChatRequest) (task.Document, error) {
	msgs, err := e.chatMessages(ctx, req)
	if err != nil {
		return nil, err
	}

	content, err := e.llm.Complete(ctx, capability.CompletionRequest{
		Messages:    msgs,
		Credentials: req.Caller.Credentials,
	})
	if err != nil {
		return nil, e.chatError(ctx, req, err)
	}

	message := task.Document{"role": capability.RoleAssistant, "content": content}
	doc := task.ParseLLMContent(content)
	if text, ok := doc["text"].(string); ok && len(doc) == 1 {
		return task.Document{"response": text, "message": message}, nil
	}
	doc["message"] = message
	if _, ok := doc["response"]; !ok {
		doc["response"] = content
	}
	return doc, nil
}

// ChatStream answers one turn as a stream of deltas. Setup failures are
// returned directly; later failures arrive on the error channel. Both
// channels close when the reply ends or ctx is cancelled.
func (e *Engine) ChatStream(ctx context.Context, req ChatRequest) (<-chan ChatDelta, <-chan error, error) {
	msgs, err := e.chatMessages(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	chunks, upstreamErrs := e.llm.Stream(ctx, capability.CompletionRequest{
		Messages:    msgs,
		Credentials: req.Caller.Credentials,
	})

	out := make(chan ChatDelta)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		var full strings.Builder
		for chunk := range chunks {
			if chunk == "" {
				continue
			}
			full.WriteString(chunk)
			select {
			case out <- ChatDelta{Delta: chunk, Content: full.String()}:
			case <-ctx.Done():
				// drain so the producer can exit
				for range chunks {
				}
				return
			}
		}
		if err := <-upstreamErrs; err != nil {
			errs <- e.chatError(ctx, req, err)
		}
	}()

	return out, errs, nil
}

func (e *Engine) chatMessages(ctx context.Context, req ChatRequest) ([]capability.Message, error) {
	if req.Caller.UserID == "" {
		return nil, newStageError(StageChat, "", ClassForbidden, ErrForbidden)
	}
	if req.InspirationID == "" || strings.TrimSpace(req.Message) == "" {
		return nil, newStageError(StageChat, "", ClassValidation,
			fmt.Errorf("%w: inspiration_id and new_message are required", ErrInvalidInput))
	}

	inspiration, err := e.solutions.LookupSolution(ctx, req.InspirationID)
	if errors.Is(err, capability.ErrNotFound) {
		return nil, newStageError(StageChat, "", ClassState, fmt.Errorf("%w: %s", ErrUnknownSource, req.InspirationID))
	}
	if err != nil {
		return nil, e.chatError(ctx, req, err)
	}

	e.logger.Info("Inspiration chat", logger.Fields{
		"inspiration_id": req.InspirationID,
		"user_id":        req.Caller.UserID,
		"user_type":      req.Caller.UserType,
		"history":        len(req.History),
	})

	msgs := []capability.Message{
		{Role: capability.RoleSystem, Content: e.prompts.Prompt(PromptInspirationChat)},
	}
	if len(req.History) > 0 {
		msgs = append(msgs, req.History...)
		msgs = append(msgs, capability.Message{Role: capability.RoleUser, Content: req.Message})
	} else {
		msgs = append(msgs, capability.Message{
			Role:    capability.RoleUser,
			Content: fmt.Sprintf("Inspiration: %s\nContext: %s", toJSON(inspiration), req.Message),
		})
	}
	return msgs, nil
}

func (e *Engine) chatError(ctx context.Context, req ChatRequest, err error) *StageError {
	se := newStageError(StageChat, "", classify(ctx, err), err)
	e.logger.Error("Inspiration chat failed", logger.Fields{
		"inspiration_id": req.InspirationID,
		"user_id":        req.Caller.UserID,
		"user_type":      req.Caller.UserType,
		"class":          string(se.Class),
		"error":          err,
	})
	return se
}
