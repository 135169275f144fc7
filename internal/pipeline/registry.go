package pipeline

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Definition describes one stage: what it needs, how far it moves the
// task, and what to write when it fails.
type Definition struct {
	Stage Stage

	// Result keys that must be present before the stage runs
	Requires []string

	// Progress written on success
	Progress int

	// Status written by the failure-cleanup sequence
	FailStatus string

	// Overrides the engine's stage deadline when set
	Deadline time.Duration

	Run StageFunc
}

// Registry manages stage definitions
type Registry struct {
	mu     sync.RWMutex
	stages map[Stage]Definition
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		stages: make(map[Stage]Definition),
	}
}

// Register adds a stage definition
func (r *Registry) Register(def Definition) error {
	if def.Stage == "" {
		return fmt.Errorf("stage name cannot be empty")
	}
	if def.Run == nil {
		return fmt.Errorf("stage '%s' has no run function", def.Stage)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stages[def.Stage]; exists {
		return fmt.Errorf("stage '%s' already registered", def.Stage)
	}
	r.stages[def.Stage] = def
	return nil
}

// Get retrieves a stage definition
func (r *Registry) Get(stage Stage) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.stages[stage]
	if !exists {
		return Definition{}, fmt.Errorf("%w: '%s'", ErrUnknownStage, stage)
	}
	return def, nil
}

// Stages returns all registered stage names, sorted
func (r *Registry) Stages() []Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stages := make([]Stage, 0, len(r.stages))
	for s := range r.stages {
		stages = append(stages, s)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })
	return stages
}
