package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/wrf-run-service/internal/config"
	"github.com/couchcryptid/wrf-run-service/internal/domain"
	"github.com/couchcryptid/wrf-run-service/internal/observability"
	"github.com/couchcryptid/wrf-run-service/internal/process"
)

var (
	// ErrInstallUnavailable is returned by Install when no install script is configured.
	ErrInstallUnavailable = errors.New("no install script configured")
	// ErrInvalidRequest wraps every validation failure of a run request.
	ErrInvalidRequest = errors.New("invalid run request")
)

// GfsFetcher stages the GFS input of a run.
type GfsFetcher interface {
	Fetch(ctx context.Context, w domain.SimulationWindow) ([]string, error)
	Links(paths []string) []string
	CleanPullDir() int
}

// ProcessRunner is a Supervisor that can also start detached processes.
type ProcessRunner interface {
	Supervisor
	RunDetached(c process.Command, logPath string) (*process.Detached, error)
}

// OutputCollector publishes the model output of a finished run.
type OutputCollector interface {
	Collect(ctx context.Context, runDir string) []string
}

// EventPublisher receives stage and run events.
type EventPublisher interface {
	Publish(ctx context.Context, events ...domain.StageEvent) error
}

// Options are the run-independent settings of an Orchestrator.
type Options struct {
	Paths           domain.RunPaths
	Stages          StageConfig
	AvailabilityLag time.Duration
	Retention       time.Duration
	DefaultRanks    int
	InstallScript   string
	LogsDir         string
}

// OptionsFromConfig derives Options from the service configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Paths: cfg.Paths(),
		Stages: StageConfig{
			StageTimeout: cfg.StageTimeout,
			WrfTimeout:   cfg.WrfTimeout,
			PlotTimeout:  cfg.PlotTimeout,
		},
		AvailabilityLag: cfg.GfsAvailabilityLag,
		Retention:       cfg.GfsRetention,
		DefaultRanks:    cfg.DefaultRanks,
		InstallScript:   cfg.InstallScript,
		LogsDir:         cfg.LogsDir,
	}
}

type runJob struct {
	run *domain.PipelineRun
	req domain.RunRequest
}

// Orchestrator owns the single run slot: it validates requests, prepares the
// working directories, fetches input, drives the stage runner and publishes
// the outputs.
type Orchestrator struct {
	opts       Options
	fetcher    GfsFetcher
	supervisor ProcessRunner
	collector  OutputCollector
	publisher  EventPublisher
	logger     *slog.Logger
	metrics    *observability.Metrics

	busy     atomic.Bool
	jobs     chan runJob
	done     chan struct{}
	doneOnce sync.Once

	mu      sync.RWMutex
	current *domain.PipelineRun
}

// NewOrchestrator wires an Orchestrator. publisher may be nil.
func NewOrchestrator(opts Options, f GfsFetcher, s ProcessRunner, c OutputCollector, p EventPublisher, logger *slog.Logger, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		opts:       opts,
		fetcher:    f,
		supervisor: s,
		collector:  c,
		publisher:  p,
		logger:     logger,
		metrics:    metrics,
		jobs:       make(chan runJob, 1),
		done:       make(chan struct{}),
	}
}

// Serve executes runs accepted by Start until ctx is cancelled. A run in
// flight at cancellation is terminated and finished before Serve returns.
func (o *Orchestrator) Serve(ctx context.Context) error {
	defer o.doneOnce.Do(func() { close(o.done) })
	o.logger.Info("orchestrator started")
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopping", "reason", ctx.Err())
			return nil
		case job := <-o.jobs:
			if err := o.execute(ctx, job.run, job.req); err != nil {
				o.logger.Error("pipeline run failed", "error", err)
			}
			o.busy.Store(false)
		}
	}
}

// Done is closed once Serve has returned, after any in-flight run has
// stopped its stage processes and published its final event.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Start validates req and queues it for Serve. It returns ErrRunInProgress
// while another run or an install holds the slot.
func (o *Orchestrator) Start(req domain.RunRequest) error {
	req, err := o.prepare(req)
	if err != nil {
		return err
	}
	if !o.busy.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	run := o.newRun()
	o.jobs <- runJob{run: run, req: req}
	return nil
}

// Run validates req and executes it synchronously.
func (o *Orchestrator) Run(ctx context.Context, req domain.RunRequest) (*domain.PipelineRun, error) {
	req, err := o.prepare(req)
	if err != nil {
		return nil, err
	}
	if !o.busy.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer o.busy.Store(false)

	run := o.newRun()
	return run, o.execute(ctx, run, req)
}

// Status reports the current run, or the last one when idle.
func (o *Orchestrator) Status() domain.RunSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.current == nil {
		return domain.RunSnapshot{State: domain.RunPending}
	}
	return o.current.Snapshot()
}

// Busy reports whether a run or install holds the slot.
func (o *Orchestrator) Busy() bool {
	return o.busy.Load()
}

// CheckReadiness reports whether the WPS and WRF installations are in place.
func (o *Orchestrator) CheckReadiness(_ context.Context) error {
	for _, dir := range []string{o.opts.Paths.WPSDir, o.opts.Paths.WRFRunDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("installation not ready: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("installation not ready: %s is not a directory", dir)
		}
	}
	return nil
}

// Install starts the WRF install script detached, logging to a timestamped
// file under the logs directory, and returns the log path. The run slot is
// held until the script exits.
func (o *Orchestrator) Install(ctx context.Context) (string, error) {
	if o.opts.InstallScript == "" {
		return "", ErrInstallUnavailable
	}
	if !o.busy.CompareAndSwap(false, true) {
		return "", ErrRunInProgress
	}

	script, err := filepath.Abs(o.opts.InstallScript)
	if err != nil {
		o.busy.Store(false)
		return "", fmt.Errorf("resolve install script: %w", err)
	}

	logPath := filepath.Join(o.opts.LogsDir, "install_wrf_"+domain.Now().Format("20060102_150405")+".log")
	d, err := o.supervisor.RunDetached(process.Command{Program: script, Dir: filepath.Dir(script)}, logPath)
	if err != nil {
		o.busy.Store(false)
		return "", fmt.Errorf("start install: %w", err)
	}

	go func() {
		defer o.busy.Store(false)
		res, err := d.Wait(context.WithoutCancel(ctx))
		if err != nil {
			o.logger.Error("install script failed", "log", logPath, "error", err)
			return
		}
		o.logger.Info("install script finished", "log", logPath, "exit_code", res.ExitCode, "duration", res.Duration)
	}()
	return logPath, nil
}

func (o *Orchestrator) prepare(req domain.RunRequest) (domain.RunRequest, error) {
	if req.Ranks == 0 {
		req.Ranks = o.opts.DefaultRanks
	}
	if err := req.Validate(domain.Now(), o.opts.AvailabilityLag, o.opts.Retention); err != nil {
		return req, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return req, nil
}

func (o *Orchestrator) newRun() *domain.PipelineRun {
	run := domain.NewPipelineRun()
	o.mu.Lock()
	o.current = run
	o.mu.Unlock()
	return run
}

func (o *Orchestrator) execute(ctx context.Context, run *domain.PipelineRun, req domain.RunRequest) error {
	o.metrics.RunInProgress.Set(1)
	defer o.metrics.RunInProgress.Set(0)

	log := o.logger.With("window_start", req.Window.Start, "window_end", req.Window.End, "ranks", req.Ranks)
	log.Info("pipeline run started")

	o.housekeeping()

	staged, err := o.fetcher.Fetch(ctx, req.Window)
	if err != nil {
		return o.finish(ctx, run, "", fmt.Errorf("fetch input: %w", err))
	}

	if err := o.writeNamelists(req); err != nil {
		return o.finish(ctx, run, "", err)
	}

	stages := BuildStages(RunContext{
		Paths:     o.opts.Paths,
		GribLinks: o.fetcher.Links(staged),
		Ranks:     req.Ranks,
	}, o.opts.Stages)

	runner := NewRunner(o.supervisor, o.logger, o.metrics, o.stageEvents(ctx, run))
	if err := runner.Execute(ctx, run, stages); err != nil {
		var serr *StageError
		if errors.As(err, &serr) {
			// The runner already recorded the failed stage.
			return o.finish(ctx, run, serr.Stage, err)
		}
		return o.finish(ctx, run, "", err)
	}

	run.Succeed(o.collector.Collect(ctx, o.opts.Paths.WRFRunDir))
	return o.finish(ctx, run, "", nil)
}

// finish closes out a run, records metrics and emits the run event.
func (o *Orchestrator) finish(ctx context.Context, run *domain.PipelineRun, stage string, err error) error {
	if err != nil && run.State() != domain.RunFailed {
		run.Fail(stage, err.Error())
	}

	snap := run.Snapshot()
	o.metrics.RunsTotal.WithLabelValues(string(snap.State)).Inc()
	if err != nil {
		o.logger.Warn("pipeline run finished", "state", snap.State, "failed_stage", snap.FailedStage, "reason", snap.Reason)
	} else {
		o.logger.Info("pipeline run finished", "state", snap.State, "outputs", len(snap.Outputs))
	}

	o.publish(context.WithoutCancel(ctx), domain.StageEvent{
		ID:         uuid.NewString(),
		RunStarted: snap.StartedAt,
		Stage:      snap.FailedStage,
		Status:     string(snap.State),
		Reason:     snap.Reason,
		DurationMs: snap.FinishedAt.Sub(snap.StartedAt).Milliseconds(),
		Outputs:    snap.Outputs,
		OccurredAt: snap.FinishedAt,
	})
	return err
}

func (o *Orchestrator) stageEvents(ctx context.Context, run *domain.PipelineRun) OutcomeFunc {
	started := run.Snapshot().StartedAt
	return func(st domain.Stage, out domain.Outcome) {
		o.publish(ctx, domain.StageEvent{
			ID:         uuid.NewString(),
			RunStarted: started,
			Stage:      st.Name,
			Status:     string(out.Status),
			Reason:     out.Reason,
			DurationMs: out.Duration.Milliseconds(),
			OccurredAt: domain.Now(),
		})
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev domain.StageEvent) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.Warn("publish event failed", "stage", ev.Stage, "status", ev.Status, "error", err)
	}
}

// housekeeping removes links and intermediates left by a previous run.
func (o *Orchestrator) housekeeping() {
	if n := o.fetcher.CleanPullDir(); n > 0 {
		o.logger.Info("removed stale gfs links", "count", n)
	}
	o.removeMatching(o.opts.Paths.WPSDir, "FILE", "met_em")
	o.removeMatching(o.opts.Paths.WRFRunDir, "met_em")
}

func (o *Orchestrator) removeMatching(dir string, substrings ...string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		o.logger.Warn("read dir for cleanup failed", "dir", dir, "error", err)
		return
	}
	for _, e := range entries {
		if !containsAny(e.Name(), substrings) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if err := os.Remove(p); err != nil {
			o.logger.Warn("remove leftover failed", "path", p, "error", err)
			continue
		}
		o.logger.Info("removed leftover", "path", p)
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// writeNamelists renders both namelists into place. Each file is rendered
// fully in memory first so a template error leaves the old file intact.
func (o *Orchestrator) writeNamelists(req domain.RunRequest) error {
	var wps bytes.Buffer
	if err := domain.RenderWPSNamelist(&wps, req, o.opts.Paths.GeogDir); err != nil {
		return fmt.Errorf("render namelist.wps: %w", err)
	}
	var input bytes.Buffer
	if err := domain.RenderInputNamelist(&input, req); err != nil {
		return fmt.Errorf("render namelist.input: %w", err)
	}

	if err := os.WriteFile(o.opts.Paths.WPSNamelist(), wps.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write namelist.wps: %w", err)
	}
	if err := os.WriteFile(o.opts.Paths.InputNamelist(), input.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write namelist.input: %w", err)
	}
	o.logger.Info("namelists written", "wps", o.opts.Paths.WPSNamelist(), "input", o.opts.Paths.InputNamelist())
	return nil
}
