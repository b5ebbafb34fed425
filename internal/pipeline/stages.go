package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/couchcryptid/wrf-run-service/internal/domain"
)

// StageConfig bounds how long each class of stage may run.
type StageConfig struct {
	StageTimeout time.Duration
	WrfTimeout   time.Duration
	PlotTimeout  time.Duration
}

// RunContext carries the run-scoped inputs the stage table is built from.
type RunContext struct {
	Paths     domain.RunPaths
	GribLinks []string // pull-directory links handed to link_grib.csh
	Ranks     int
}

// BuildStages returns the fixed WPS/WRF stage order for one run. The domain
// plot is included only when a plot script is configured.
func BuildStages(rc RunContext, cfg StageConfig) []domain.Stage {
	p := rc.Paths

	stages := []domain.Stage{
		{
			Name:    domain.StageLinkVtable,
			Program: "ln",
			Args:    []string{"-sf", p.GfsVtable(), p.Vtable()},
			Dir:     p.WPSDir,
			Rule:    domain.RuleExitStatus,
			Timeout: cfg.StageTimeout,
		},
		{
			Name:    domain.StageLinkGrib,
			Program: "./link_grib.csh",
			Args:    append([]string(nil), rc.GribLinks...),
			Dir:     p.WPSDir,
			Rule:    domain.RuleExitStatus,
			Timeout: cfg.StageTimeout,
		},
		{
			Name:    domain.StageUngrib,
			Program: "./ungrib.exe",
			Dir:     p.WPSDir,
			Rule:    domain.RuleExitStatus,
			Timeout: cfg.StageTimeout,
		},
	}

	if p.PlotScript != "" {
		stages = append(stages, domain.Stage{
			Name:          domain.StagePlotDomain,
			Program:       "ncl",
			Args:          []string{"-pQ", p.PlotScript},
			Dir:           p.PlotDir,
			Rule:          domain.RuleExitStatus,
			Timeout:       cfg.PlotTimeout,
			TimeoutPolicy: domain.TimeoutSoftSuccess,
			Auxiliary:     true,
		})
	}

	return append(stages,
		domain.Stage{
			Name:    domain.StageGeogrid,
			Program: "./geogrid.exe",
			Dir:     p.WPSDir,
			Rule:    domain.RuleMarker,
			Marker:  domain.GeogridMarker,
			Timeout: cfg.StageTimeout,
		},
		domain.Stage{
			Name:    domain.StageMetgrid,
			Program: "./metgrid.exe",
			Dir:     p.WPSDir,
			Rule:    domain.RuleMarker,
			Marker:  domain.MetgridMarker,
			Timeout: cfg.StageTimeout,
		},
		domain.Stage{
			Name:    domain.StageLinkMetEm,
			Program: "sh",
			Args:    []string{"-c", linkMetEmScript(p)},
			Dir:     p.WRFRunDir,
			Rule:    domain.RuleExitStatus,
			Timeout: cfg.StageTimeout,
		},
		domain.Stage{
			Name:    domain.StageReal,
			Program: "./real.exe",
			Dir:     p.WRFRunDir,
			Rule:    domain.RuleResidual,
			Marker:  domain.RealBenign,
			Timeout: cfg.StageTimeout,
		},
		domain.Stage{
			Name:    domain.StageWrf,
			Program: "./wrf.exe",
			Dir:     p.WRFRunDir,
			Rule:    domain.RuleLenient,
			Timeout: cfg.WrfTimeout,
			Ranks:   max(rc.Ranks, 1),
		},
	)
}

// linkMetEmScript links every met_em file into the WRF run directory. The
// glob stays outside the quotes so the shell expands it.
func linkMetEmScript(p domain.RunPaths) string {
	return fmt.Sprintf("ln -sf %s/met_em.* %s/", shellQuote(p.WPSDir), shellQuote(filepath.Clean(p.WRFRunDir)))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
