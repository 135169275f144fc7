package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Progress checkpoints reached by each stage
const (
	ProgressStarted           = 0
	ProgressInitialized       = 10
	ProgressRetrieved         = 30
	ProgressExamplesAdded     = 35
	ProgressDomain            = 60
	ProgressInterdisciplinary = 70
	ProgressEvaluated         = 80
	ProgressDrawingStart      = 90
	ProgressComplete          = 100
)

// Status labels written by the engine
const (
	StatusStarted = "started"
	StatusUnknown = "unknown"
)

// Record is the externalized state of one in-flight pipeline run
type Record struct {
	ID        string    `json:"task_id"`
	OwnerID   string    `json:"user_id"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Version   int64     `json:"version"`
	Failed    bool      `json:"failed,omitempty"`
	Error     string    `json:"error,omitempty"`
	Result    Result    `json:"result"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusView is the poll-facing projection of a Record
type StatusView struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// UnknownStatus is returned for ids that were never created, were deleted, or expired
func UnknownStatus() StatusView {
	return StatusView{Status: StatusUnknown, Progress: 0}
}

// NewID returns a fresh task identifier. The millisecond prefix keeps ids
// roughly sortable; the uuid suffix makes them collision resistant.
func NewID() string {
	return fmt.Sprintf("task_%d_%s", time.Now().UnixMilli(), uuid.NewString())
}

// NewRecord creates a record in the started state
func NewRecord(ownerID string, seed Result) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:        NewID(),
		OwnerID:   ownerID,
		Status:    StatusStarted,
		Progress:  ProgressStarted,
		Result:    seed,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// View returns the status projection
func (r *Record) View() StatusView {
	return StatusView{Status: r.Status, Progress: r.Progress}
}

// Apply merges a stage outcome into the record. Progress never moves
// backwards: a stale writer cannot lower a value written by a newer stage.
// A successful write clears an earlier failure.
func (r *Record) Apply(status string, progress int, partial *Result) {
	r.Status = status
	r.Failed = false
	r.Error = ""
	if progress > r.Progress {
		r.Progress = progress
	}
	if partial != nil {
		r.Result.Merge(*partial)
	}
	r.Version++
	r.UpdatedAt = time.Now().UTC()
}

// MarkFailed records a terminal failure status
func (r *Record) MarkFailed(status string, progress int, err error) {
	r.Apply(status, progress, nil)
	r.Failed = true
	if err != nil {
		r.Error = err.Error()
	}
}

// OwnedBy reports whether ownerID may drive this task
func (r *Record) OwnedBy(ownerID string) bool {
	return ownerID != "" && r.OwnerID == ownerID
}
