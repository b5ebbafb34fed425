package domain

import (
	"slices"
	"sync"
	"time"
)

// RunState is the overall position of a pipeline run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
)

// StageRecord is one row of a run's stage table.
type StageRecord struct {
	Name      string  `json:"name"`
	Auxiliary bool    `json:"auxiliary,omitempty"`
	Outcome   Outcome `json:"outcome"`
}

// PipelineRun tracks stage outcomes for the duration of a single run. It is
// safe for concurrent use: the runner writes while status readers take snapshots.
type PipelineRun struct {
	mu          sync.RWMutex
	state       RunState
	stages      []StageRecord
	failedStage string
	reason      string
	outputs     []string
	startedAt   time.Time
	finishedAt  time.Time
}

// NewPipelineRun creates a run in the running state with no stages yet.
func NewPipelineRun() *PipelineRun {
	return &PipelineRun{state: RunRunning, startedAt: Now()}
}

// SetStages installs the stage table, every entry pending.
func (r *PipelineRun) SetStages(stages []Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = make([]StageRecord, len(stages))
	for i, s := range stages {
		r.stages[i] = StageRecord{Name: s.Name, Auxiliary: s.Auxiliary, Outcome: Outcome{Status: StatusPending}}
	}
}

// MarkRunning moves the named stage to running.
func (r *PipelineRun) MarkRunning(name string) {
	r.Record(name, Outcome{Status: StatusRunning})
}

// Record stores the outcome for the named stage.
func (r *PipelineRun) Record(name string, o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.stages {
		if r.stages[i].Name == name {
			r.stages[i].Outcome = o
			return
		}
	}
}

// Fail ends the run in the failed state. stage is empty for failures outside
// the stage table, such as request validation or namelist rendering.
func (r *PipelineRun) Fail(stage, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = RunFailed
	r.failedStage = stage
	r.reason = reason
	r.finishedAt = Now()
}

// Succeed ends the run in the succeeded state with the published outputs.
func (r *PipelineRun) Succeed(outputs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = RunSucceeded
	r.outputs = slices.Clone(outputs)
	r.finishedAt = Now()
}

// Outcome returns the recorded outcome of the named stage.
func (r *PipelineRun) Outcome(name string) (Outcome, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.stages {
		if s.Name == name {
			return s.Outcome, true
		}
	}
	return Outcome{}, false
}

// State returns the overall run state.
func (r *PipelineRun) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Snapshot copies the run into a plain value for reporting.
func (r *PipelineRun) Snapshot() RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RunSnapshot{
		State:       r.state,
		Stages:      slices.Clone(r.stages),
		FailedStage: r.failedStage,
		Reason:      r.reason,
		Outputs:     slices.Clone(r.outputs),
		StartedAt:   r.startedAt,
		FinishedAt:  r.finishedAt,
	}
}

// RunSnapshot is an immutable view of a PipelineRun.
type RunSnapshot struct {
	State       RunState      `json:"state"`
	Stages      []StageRecord `json:"stages"`
	FailedStage string        `json:"failed_stage,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Outputs     []string      `json:"outputs,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at,omitzero"`
}

// StageEvent is published for each terminal stage outcome and for run completion.
type StageEvent struct {
	ID         string    `json:"id"`
	RunStarted time.Time `json:"run_started"`
	Stage      string    `json:"stage,omitempty"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Outputs    []string  `json:"outputs,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
