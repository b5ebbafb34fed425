package domain

import (
	"strings"
	"time"
)

// Stage names, in execution order.
const (
	StageLinkVtable = "link_vtable"
	StageLinkGrib   = "link_grib"
	StageUngrib     = "ungrib"
	StagePlotDomain = "plot_domain"
	StageGeogrid    = "geogrid"
	StageMetgrid    = "metgrid"
	StageLinkMetEm  = "link_met_em"
	StageReal       = "real"
	StageWrf        = "wrf"
)

// Success markers and benign output the stage checks rely on.
const (
	GeogridMarker = "Successful completion of geogrid."
	MetgridMarker = "Successful completion of metgrid."
	RealBenign    = "starting wrf task            0  of            1\n"
)

// SuccessRule selects how a stage's captured output is judged.
type SuccessRule int

const (
	// RuleExitStatus succeeds on a zero exit code.
	RuleExitStatus SuccessRule = iota
	// RuleMarker succeeds iff the output contains Stage.Marker.
	RuleMarker
	// RuleResidual succeeds iff nothing but whitespace remains after
	// removing Stage.Marker from the output.
	RuleResidual
	// RuleLenient succeeds whenever the process could be run at all.
	RuleLenient
)

func (r SuccessRule) String() string {
	switch r {
	case RuleMarker:
		return "marker"
	case RuleResidual:
		return "residual"
	case RuleLenient:
		return "lenient"
	default:
		return "exit_status"
	}
}

// TimeoutPolicy decides what an expired time bound means for a stage.
type TimeoutPolicy int

const (
	// TimeoutFail turns expiry into a TimedOut outcome.
	TimeoutFail TimeoutPolicy = iota
	// TimeoutSoftSuccess treats expiry as success. Used for tools known to
	// hang after producing their artifact.
	TimeoutSoftSuccess
)

// Stage is one external invocation in the pipeline.
type Stage struct {
	Name    string
	Program string
	Args    []string
	Dir     string

	Rule   SuccessRule
	Marker string // success substring for RuleMarker, benign fragment for RuleResidual

	Timeout       time.Duration
	TimeoutPolicy TimeoutPolicy

	// Ranks > 0 launches the program through the parallel launcher.
	Ranks int

	// Auxiliary stages are best effort and never abort the run.
	Auxiliary bool
}

// CommandLine renders the stage invocation for logs.
func (s Stage) CommandLine() string {
	return strings.TrimSpace(s.Program + " " + strings.Join(s.Args, " "))
}

// Status is a stage's lifecycle position.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

// Outcome is the evaluated result of one stage: Succeeded, Failed(reason, log)
// or TimedOut. Log always carries the captured merged output.
type Outcome struct {
	Status   Status        `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Log      string        `json:"log,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Succeeded builds a success outcome.
func Succeeded(log string) Outcome {
	return Outcome{Status: StatusSucceeded, Log: log}
}

// Failed builds a failure outcome.
func Failed(reason, log string) Outcome {
	return Outcome{Status: StatusFailed, Reason: reason, Log: log}
}

// TimedOut builds a timeout outcome.
func TimedOut(bound time.Duration, log string) Outcome {
	return Outcome{Status: StatusTimedOut, Reason: "exceeded " + bound.String(), Log: log}
}

// OK reports whether the outcome lets the pipeline continue.
func (o Outcome) OK() bool {
	return o.Status == StatusSucceeded
}
