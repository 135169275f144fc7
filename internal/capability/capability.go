// Package capability declares the external services the stage pipeline
// depends on. Concrete adapters live in the search, llm and image
// subpackages.
package capability

import (
	"context"
	"errors"

	"github.com/H1yori233/innoweaver/internal/task"
)

// ErrNotFound is returned by lookups when the document does not exist
var ErrNotFound = errors.New("document not found")

// Message is one chat turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Credentials override the default completion endpoint for one caller.
// Empty fields fall back to the adapter's configuration.
type Credentials struct {
	APIKey  string
	BaseURL string
	Model   string
}

// CompletionRequest is a single chat completion call
type CompletionRequest struct {
	Messages    []Message
	Credentials Credentials
}

// Searcher runs a free-text search over the paper index
type Searcher interface {
	Search(ctx context.Context, terms string) ([]task.Document, error)
}

// PaperLookup fetches one paper by id
type PaperLookup interface {
	LookupPaper(ctx context.Context, id string) (task.Document, error)
}

// SolutionLookup fetches one stored solution by id
type SolutionLookup interface {
	LookupSolution(ctx context.Context, id string) (task.Document, error)
}

// Completer calls a chat-completion model.
//
// Stream delivers content deltas in order on the first channel. Both
// channels are closed when the producer stops; at most one error is sent.
// Cancelling ctx stops the producer promptly.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Stream(ctx context.Context, req CompletionRequest) (<-chan string, <-chan error)
}

// ImageGenerator turns a prompt into a temporary image URL
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ImageUploader re-hosts an image and returns its permanent URL and name
type ImageUploader interface {
	Upload(ctx context.Context, imageURL string) (url string, name string, err error)
}
