package taskstore

import (
	"context"
	"errors"

	"github.com/H1yori233/innoweaver/internal/task"
)

// Common errors
var (
	ErrNotFound = errors.New("task not found")
	ErrConflict = errors.New("task update conflict: too many concurrent writers")
	ErrEmptyID  = errors.New("task ID cannot be empty")
)

// Store defines typed read/merge/write operations over task records
type Store interface {
	// Create allocates a fresh record in the started state
	Create(ctx context.Context, ownerID string, seed task.Result) (*task.Record, error)

	// Get retrieves a record, or ErrNotFound
	Get(ctx context.Context, taskID string) (*task.Record, error)

	// Update shallow-merges partial into the record and sets status/progress.
	// A missing or expired record yields ErrNotFound.
	Update(ctx context.Context, taskID, status string, progress int, partial *task.Result) (*task.Record, error)

	// Mutate applies fn to the current record under compare-and-swap
	Mutate(ctx context.Context, taskID string, fn func(*task.Record) error) (*task.Record, error)

	// MarkFailed writes a terminal failure status kept for the failure grace period
	MarkFailed(ctx context.Context, taskID, status string, progress int, cause error) error

	// Delete removes a record; deleting a missing record is not an error
	Delete(ctx context.Context, taskID string) error

	// Status never fails: unknown ids resolve to the unknown sentinel
	Status(ctx context.Context, taskID string) task.StatusView

	// Close releases resources owned by the store
	Close() error
}
