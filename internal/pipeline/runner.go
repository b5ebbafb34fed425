package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/couchcryptid/wrf-run-service/internal/domain"
	"github.com/couchcryptid/wrf-run-service/internal/observability"
	"github.com/couchcryptid/wrf-run-service/internal/process"
)

// Supervisor runs one stage process and reports what it left behind.
type Supervisor interface {
	RunWithTimeout(ctx context.Context, c process.Command, d time.Duration) (*process.Result, error)
	RunParallel(ctx context.Context, c process.Command, ranks int, d time.Duration) (*process.Result, error)
}

// OutcomeFunc is called with every terminal stage outcome.
type OutcomeFunc func(stage domain.Stage, o domain.Outcome)

// Runner executes a stage table in order, stopping at the first critical failure.
type Runner struct {
	supervisor Supervisor
	logger     *slog.Logger
	metrics    *observability.Metrics
	onOutcome  OutcomeFunc
}

// NewRunner creates a Runner. onOutcome may be nil.
func NewRunner(s Supervisor, logger *slog.Logger, metrics *observability.Metrics, onOutcome OutcomeFunc) *Runner {
	return &Runner{
		supervisor: s,
		logger:     logger,
		metrics:    metrics,
		onOutcome:  onOutcome,
	}
}

// Execute runs stages sequentially against run. A critical stage starts only
// after the previous critical stage succeeded; on the first failure the run is
// marked failed, the remaining stages stay pending and a *StageError is
// returned. Auxiliary stages are recorded but never stop the run.
func (r *Runner) Execute(ctx context.Context, run *domain.PipelineRun, stages []domain.Stage) error {
	run.SetStages(stages)

	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			run.Fail(st.Name, "cancelled before start")
			return fmt.Errorf("pipeline cancelled before %s: %w", st.Name, err)
		}

		o := r.runStage(ctx, run, st)
		if o.OK() {
			continue
		}

		if st.Auxiliary {
			r.logger.Warn("auxiliary stage failed, continuing", "stage", st.Name, "reason", o.Reason)
			continue
		}

		run.Fail(st.Name, o.Reason)
		kind := KindExecution
		if o.Status == domain.StatusTimedOut {
			kind = KindTimeout
		}
		return &StageError{Stage: st.Name, Kind: kind, Reason: o.Reason, Log: o.Log}
	}
	return nil
}

func (r *Runner) runStage(ctx context.Context, run *domain.PipelineRun, st domain.Stage) domain.Outcome {
	log := r.logger.With("stage", st.Name)
	log.Info("stage started", "command", st.CommandLine(), "dir", st.Dir, "timeout", st.Timeout)

	run.MarkRunning(st.Name)
	started := domain.Now()

	res, err := r.invoke(ctx, st)
	o := evaluate(st, res, err)
	o.Duration = domain.Now().Sub(started)
	run.Record(st.Name, o)

	r.metrics.StageDuration.WithLabelValues(st.Name).Observe(o.Duration.Seconds())
	r.metrics.StageOutcomes.WithLabelValues(st.Name, string(o.Status)).Inc()

	if o.OK() {
		log.Info("stage succeeded", "duration", o.Duration)
	} else {
		log.Warn("stage did not succeed", "status", o.Status, "reason", o.Reason, "output", excerpt(o.Log))
	}

	if r.onOutcome != nil {
		r.onOutcome(st, o)
	}
	return o
}

func (r *Runner) invoke(ctx context.Context, st domain.Stage) (*process.Result, error) {
	c := process.Command{Program: st.Program, Args: st.Args, Dir: st.Dir}
	if st.Ranks > 0 {
		return r.supervisor.RunParallel(ctx, c, st.Ranks, st.Timeout)
	}
	return r.supervisor.RunWithTimeout(ctx, c, st.Timeout)
}

// evaluate applies the stage's timeout policy and success rule to a process result.
func evaluate(st domain.Stage, res *process.Result, err error) domain.Outcome {
	var out string
	if res != nil {
		out = res.Output
	}

	if err != nil {
		return domain.Failed(fmt.Sprintf("supervisor error: %v", err), out)
	}

	if res.TimedOut {
		if st.TimeoutPolicy == domain.TimeoutSoftSuccess {
			return domain.Succeeded(out)
		}
		return domain.TimedOut(st.Timeout, out)
	}

	switch st.Rule {
	case domain.RuleExitStatus:
		if res.ExitCode != 0 {
			return domain.Failed(fmt.Sprintf("exit status %d", res.ExitCode), out)
		}
	case domain.RuleMarker:
		if !strings.Contains(out, st.Marker) {
			return domain.Failed(fmt.Sprintf("output lacks %q", st.Marker), out)
		}
	case domain.RuleResidual:
		// Anything left after removing the benign line, whitespace included, fails.
		if residual := strings.ReplaceAll(out, st.Marker, ""); residual != "" {
			return domain.Failed("unexpected output: "+residualLine(residual), out)
		}
	case domain.RuleLenient:
		// Exit status and output are not inspected.
	}
	return domain.Succeeded(out)
}

// residualLine is the first non-blank line of s, or s quoted when s is only
// whitespace.
func residualLine(s string) string {
	for line := range strings.Lines(s) {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return strconv.Quote(s)
}

// excerpt keeps the tail of a stage log for warn-level log lines.
func excerpt(s string) string {
	const maxLen = 2048
	if len(s) <= maxLen {
		return s
	}
	cut := len(s) - maxLen
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "..." + s[cut:]
}
