// Package pipeline runs the staged design-generation workflow. Each HTTP
// call executes exactly one stage against a task record held in the task
// store; the record carries everything a later stage needs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/H1yori233/innoweaver/internal/capability"
	"github.com/H1yori233/innoweaver/internal/logger"
	"github.com/H1yori233/innoweaver/internal/task"
	"github.com/H1yori233/innoweaver/internal/taskstore"
)

// Stage names a pipeline step
type Stage string

const (
	StageInitialize        Stage = "initialize"
	StageRAG               Stage = "rag"
	StagePaper             Stage = "paper"
	StageExample           Stage = "example"
	StageDomain            Stage = "domain"
	StageInterdisciplinary Stage = "interdisciplinary"
	StageEvaluation        Stage = "evaluation"
	StageDrawing           Stage = "drawing"
	StageFinal             Stage = "final"

	// not a registered stage; used to label chat errors
	StageChat Stage = "chat"
)

// Response status labels
const (
	OutcomeStarted    = "started"
	OutcomeInProgress = "in_progress"
	OutcomeCompleted  = "completed"
)

const cleanupTimeout = 5 * time.Second

// Caller is the authenticated user driving a task
type Caller struct {
	UserID      string
	UserType    string
	Credentials capability.Credentials
}

// Input carries per-stage request fields
type Input struct {
	// Query analysis submitted to initialize
	Analysis task.Document

	// Paper ids for paper, solution ids for example
	IDs []string
}

// Request is one stage call
type Request struct {
	Stage  Stage
	TaskID string
	Caller Caller
	Input  Input
}

// Outcome is what a successful stage call returns
type Outcome struct {
	TaskID   string
	Status   string
	Progress int

	// Solution returned by domain, interdisciplinary, evaluation and drawing
	Solution task.Document

	// Body returned by final
	Body task.Document
}

// StageContext is a stage's view of the task
type StageContext struct {
	TaskID string
	Caller Caller
	Input  Input

	// Snapshot of the record's result when the stage started
	Result task.Result

	report func(ctx context.Context, status string, progress int) error
}

// Report writes an intermediate status without touching the result
func (sc *StageContext) Report(ctx context.Context, status string, progress int) error {
	if sc.report == nil {
		return nil
	}
	return sc.report(ctx, status, progress)
}

// StageOutput is what a stage asks the engine to write
type StageOutput struct {
	Status string

	// Shallow-merged into the stored result
	Partial *task.Result

	// Applied to the freshest stored result before Partial; use it to
	// extend a value rather than replace it
	Extend func(*task.Result)

	// Returned to the caller as "solution"
	Reply task.Document

	// Set only by the final stage; the record is deleted after it is built
	Body task.Document
}

// StageFunc computes a stage's output from the task snapshot and port calls
type StageFunc func(ctx context.Context, sc *StageContext) (*StageOutput, error)

// Recorder receives pipeline metrics
type Recorder interface {
	RecordStage(stage string, duration time.Duration, failed bool)
	RecordTaskCreated()
	RecordTaskDeleted()
}

type nopRecorder struct{}

func (nopRecorder) RecordStage(string, time.Duration, bool) {}
func (nopRecorder) RecordTaskCreated()                      {}
func (nopRecorder) RecordTaskDeleted()                      {}

// Deps are the engine's collaborators
type Deps struct {
	Store     taskstore.Store
	Searcher  capability.Searcher
	Papers    capability.PaperLookup
	Solutions capability.SolutionLookup
	LLM       capability.Completer
	Images    capability.ImageGenerator
	Uploader  capability.ImageUploader
	Prompts   Prompts
	Recorder  Recorder
	Logger    *logger.Logger
}

// Config holds engine settings
type Config struct {
	StageDeadline     time.Duration
	DrawingDeadline   time.Duration
	LookupConcurrency int
}

// Engine executes stages
type Engine struct {
	store     taskstore.Store
	searcher  capability.Searcher
	papers    capability.PaperLookup
	solutions capability.SolutionLookup
	llm       capability.Completer
	images    capability.ImageGenerator
	uploader  capability.ImageUploader
	prompts   Prompts
	recorder  Recorder
	logger    *logger.Logger

	registry    *Registry
	deadline    time.Duration
	concurrency int
}

// NewEngine wires the engine and registers the standard stages
func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("pipeline requires a task store")
	case deps.Searcher == nil || deps.Papers == nil || deps.Solutions == nil:
		return nil, fmt.Errorf("pipeline requires search and lookup capabilities")
	case deps.LLM == nil:
		return nil, fmt.Errorf("pipeline requires a completion capability")
	case deps.Images == nil || deps.Uploader == nil:
		return nil, fmt.Errorf("pipeline requires image capabilities")
	}

	if deps.Prompts == nil {
		deps.Prompts, _ = LoadPrompts("")
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if cfg.StageDeadline <= 0 {
		cfg.StageDeadline = 3 * time.Minute
	}
	if cfg.DrawingDeadline <= 0 {
		cfg.DrawingDeadline = 10 * time.Minute
	}
	if cfg.LookupConcurrency <= 0 {
		cfg.LookupConcurrency = 8
	}

	e := &Engine{
		store:       deps.Store,
		searcher:    deps.Searcher,
		papers:      deps.Papers,
		solutions:   deps.Solutions,
		llm:         deps.LLM,
		images:      deps.Images,
		uploader:    deps.Uploader,
		prompts:     deps.Prompts,
		recorder:    deps.Recorder,
		logger:      deps.Logger.WithComponent("pipeline"),
		registry:    NewRegistry(),
		deadline:    cfg.StageDeadline,
		concurrency: cfg.LookupConcurrency,
	}

	for _, def := range e.definitions(cfg.DrawingDeadline) {
		if err := e.registry.Register(def); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Registry exposes the registered stages
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Status returns the poll view of a task. It never fails.
func (e *Engine) Status(ctx context.Context, taskID string) task.StatusView {
	return e.store.Status(ctx, taskID)
}

// Run executes one stage call. Errors are always *StageError.
func (e *Engine) Run(ctx context.Context, req Request) (*Outcome, error) {
	def, err := e.registry.Get(req.Stage)
	if err != nil {
		return nil, newStageError(req.Stage, req.TaskID, ClassValidation, err)
	}

	start := time.Now()
	out, err := e.run(ctx, def, req)
	e.recorder.RecordStage(string(def.Stage), time.Since(start), err != nil)
	return out, err
}

func (e *Engine) run(ctx context.Context, def Definition, req Request) (*Outcome, error) {
	if req.Caller.UserID == "" {
		return nil, newStageError(def.Stage, req.TaskID, ClassForbidden, ErrForbidden)
	}
	if def.Stage == StageInitialize {
		return e.initialize(ctx, def, req)
	}
	if req.TaskID == "" {
		return nil, newStageError(def.Stage, "", ClassValidation, fmt.Errorf("%w: task_id is required", ErrInvalidInput))
	}

	rec, err := e.store.Get(ctx, req.TaskID)
	if err != nil {
		class := ClassUpstream
		if errors.Is(err, taskstore.ErrNotFound) {
			class = ClassState
		}
		return nil, newStageError(def.Stage, req.TaskID, class, err)
	}
	if !rec.OwnedBy(req.Caller.UserID) {
		e.logger.Warn("Stage call by non-owner", logger.Fields{
			"stage":   string(def.Stage),
			"task_id": req.TaskID,
			"caller":  req.Caller.UserID,
		})
		return nil, newStageError(def.Stage, req.TaskID, ClassForbidden, ErrForbidden)
	}
	for _, key := range def.Requires {
		if !rec.Result.Has(key) {
			return nil, newStageError(def.Stage, req.TaskID, ClassPrecondition,
				fmt.Errorf("%w: %s needs %s", ErrMissingInput, def.Stage, key))
		}
	}

	deadline := e.deadline
	if def.Deadline > 0 {
		deadline = def.Deadline
	}
	stageCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	sc := &StageContext{
		TaskID: req.TaskID,
		Caller: req.Caller,
		Input:  req.Input,
		Result: rec.Result,
		report: func(ctx context.Context, status string, progress int) error {
			_, err := e.store.Update(ctx, req.TaskID, status, progress, nil)
			return err
		},
	}

	output, err := def.Run(stageCtx, sc)
	if err != nil {
		return nil, e.fail(ctx, stageCtx, def, req.TaskID, err)
	}

	if output.Body != nil {
		if err := e.store.Delete(ctx, req.TaskID); err != nil {
			e.logger.Warn("Failed to delete finished task", logger.Fields{
				"task_id": req.TaskID,
				"error":   err,
			})
		} else {
			e.recorder.RecordTaskDeleted()
		}
		e.logger.Info("Task completed", logger.Fields{
			"task_id": req.TaskID,
		})
		return &Outcome{
			TaskID:   req.TaskID,
			Status:   OutcomeCompleted,
			Progress: task.ProgressComplete,
			Body:     output.Body,
		}, nil
	}

	_, err = e.store.Mutate(ctx, req.TaskID, func(r *task.Record) error {
		if output.Extend != nil {
			output.Extend(&r.Result)
		}
		r.Apply(output.Status, def.Progress, output.Partial)
		return nil
	})
	if err != nil {
		return nil, e.fail(ctx, stageCtx, def, req.TaskID, err)
	}

	e.logger.Info("Stage completed", logger.Fields{
		"stage":     string(def.Stage),
		"task_id":   req.TaskID,
		"progress":  def.Progress,
		"user_type": req.Caller.UserType,
	})
	return &Outcome{
		TaskID:   req.TaskID,
		Status:   OutcomeInProgress,
		Progress: def.Progress,
		Solution: output.Reply,
	}, nil
}

func (e *Engine) initialize(ctx context.Context, def Definition, req Request) (*Outcome, error) {
	output, err := def.Run(ctx, &StageContext{Caller: req.Caller, Input: req.Input})
	if err != nil {
		return nil, newStageError(def.Stage, "", classify(ctx, err), err)
	}

	rec, err := e.store.Create(ctx, req.Caller.UserID, task.Result{})
	if err != nil {
		return nil, newStageError(def.Stage, "", ClassUpstream, err)
	}
	e.recorder.RecordTaskCreated()

	if _, err := e.store.Update(ctx, rec.ID, output.Status, def.Progress, output.Partial); err != nil {
		return nil, e.fail(ctx, ctx, def, rec.ID, err)
	}

	e.logger.Info("Task initialized", logger.Fields{
		"task_id":   rec.ID,
		"owner":     req.Caller.UserID,
		"user_type": req.Caller.UserType,
	})
	return &Outcome{
		TaskID:   rec.ID,
		Status:   OutcomeStarted,
		Progress: def.Progress,
	}, nil
}

// fail logs a stage failure and, for failures the caller did not cause,
// marks the task failed so polls see it until the grace period ends
func (e *Engine) fail(ctx, stageCtx context.Context, def Definition, taskID string, err error) *StageError {
	se := newStageError(def.Stage, taskID, classify(stageCtx, err), err)

	fields := logger.Fields{
		"stage":     string(def.Stage),
		"task_id":   taskID,
		"class":     string(se.Class),
		"retryable": se.Retryable(),
		"error":     err,
	}
	if se.Class == ClassCanceled {
		e.logger.Warn("Stage abandoned by caller", fields)
		return se
	}
	e.logger.Error("Stage failed", fields)

	if !se.failsTask() {
		return se
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := e.store.MarkFailed(cleanupCtx, taskID, def.FailStatus, 0, err); err != nil && !errors.Is(err, taskstore.ErrNotFound) {
		e.logger.Warn("Failure cleanup could not update task", logger.Fields{
			"stage":   string(def.Stage),
			"task_id": taskID,
			"error":   err,
		})
	}
	return se
}
