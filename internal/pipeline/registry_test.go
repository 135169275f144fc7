package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/H1yori233/innoweaver/internal/capability"
	"github.com/H1yori233/innoweaver/internal/taskstore"
)

func noopStage(context.Context, *StageContext) (*StageOutput, error) {
	return &StageOutput{}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(Definition{Stage: "b", Run: noopStage}))
	require.NoError(t, r.Register(Definition{Stage: "a", Run: noopStage, Progress: 5}))

	assert.Error(t, r.Register(Definition{Stage: "a", Run: noopStage}))
	assert.Error(t, r.Register(Definition{Stage: "", Run: noopStage}))
	assert.Error(t, r.Register(Definition{Stage: "c"}))

	def, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 5, def.Progress)

	_, err = r.Get("z")
	assert.ErrorIs(t, err, ErrUnknownStage)

	assert.Equal(t, []Stage{"a", "b"}, r.Stages())
}

func TestEngineRegistersEveryStage(t *testing.T) {
	h := newHarness(t, Config{})
	assert.Equal(t, []Stage{
		StageDomain, StageDrawing, StageEvaluation, StageExample, StageFinal,
		StageInitialize, StageInterdisciplinary, StagePaper, StageRAG,
	}, h.engine.Registry().Stages())

	drawing, err := h.engine.Registry().Get(StageDrawing)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, drawing.Deadline)
}

func TestLoadPrompts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PromptDomainExpert+".txt"), []byte("  custom domain prompt \n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, PromptInterdisciplinary+".txt"), []byte("   "), 0o644))

	set, err := LoadPrompts(dir)
	require.NoError(t, err)
	assert.Equal(t, "custom domain prompt", set.Prompt(PromptDomainExpert))
	assert.Equal(t, builtinPrompts[PromptInterdisciplinary], set.Prompt(PromptInterdisciplinary))
	assert.Equal(t, builtinPrompts[PromptInspirationChat], set.Prompt(PromptInspirationChat))
	assert.Empty(t, set.Prompt("nonexistent"))

	builtin, err := LoadPrompts("")
	require.NoError(t, err)
	assert.Equal(t, builtinPrompts[PromptDomainExpert], builtin.Prompt(PromptDomainExpert))
}

func TestLoadPromptsErrors(t *testing.T) {
	_, err := LoadPrompts(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = LoadPrompts(file)
	assert.Error(t, err)
}

func TestDrawingPrompt(t *testing.T) {
	got := drawingPrompt("gait sensing", "nurses", "fewer falls")
	assert.Contains(t, got, "Create a professional illustration showing gait sensing being used by nurses to achieve fewer falls.")
}

func TestClassify(t *testing.T) {
	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	abandoned, abandon := context.WithCancel(context.Background())
	abandon()

	tests := []struct {
		name  string
		ctx   context.Context
		err   error
		class ErrorClass
	}{
		{"missing input", context.Background(), fmt.Errorf("x: %w", ErrMissingInput), ClassPrecondition},
		{"no solutions", context.Background(), ErrNoSolutions, ClassPrecondition},
		{"invalid input", context.Background(), ErrInvalidInput, ClassValidation},
		{"forbidden", context.Background(), ErrForbidden, ClassForbidden},
		{"task gone", context.Background(), fmt.Errorf("w: %w", taskstore.ErrNotFound), ClassState},
		{"conflict", context.Background(), taskstore.ErrConflict, ClassConflict},
		{"deadline error", context.Background(), context.DeadlineExceeded, ClassTimeout},
		{"expired stage context", expired, errors.New("read tcp: i/o timeout"), ClassTimeout},
		{"canceled", context.Background(), context.Canceled, ClassCanceled},
		{"abandoned stage context", abandoned, errors.New("read tcp: use of closed connection"), ClassCanceled},
		{"document gone", context.Background(), capability.ErrNotFound, ClassState},
		{"other", context.Background(), errors.New("bad gateway"), ClassUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, classify(tt.ctx, tt.err))
		})
	}
}

func TestStageErrorRetryable(t *testing.T) {
	for class, want := range map[ErrorClass]bool{
		ClassValidation:   false,
		ClassForbidden:    false,
		ClassState:        false,
		ClassPrecondition: false,
		ClassConflict:     true,
		ClassUpstream:     true,
		ClassTimeout:      true,
		ClassCanceled:     true,
	} {
		se := newStageError(StageRAG, "task_1", class, errors.New("boom"))
		assert.Equal(t, want, se.Retryable(), class)
	}

	se := newStageError(StageRAG, "task_1", ClassUpstream, ErrNoSolutions)
	assert.Equal(t, "rag stage for task_1: final solution has no solutions", se.Error())
	assert.ErrorIs(t, se, ErrNoSolutions)
	assert.Equal(t, "rag stage: boom", newStageError(StageRAG, "", ClassUpstream, errors.New("boom")).Error())
}
