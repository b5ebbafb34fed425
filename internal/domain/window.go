package domain

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors for run requests.
var (
	ErrWindowOrder        = errors.New("window end must be after start")
	ErrInputInterval      = errors.New("input interval must be positive")
	ErrOutputInterval     = errors.New("output interval must be positive")
	ErrWindowAlignment    = errors.New("window length must be a whole number of input intervals")
	ErrWindowUnavailable  = errors.New("window end is later than the latest published GFS cycle")
	ErrWindowExpired      = errors.New("window start is older than upstream GFS retention")
	ErrProjectionLatitude = errors.New("center latitude must lie between true latitudes")
	ErrGridSize           = errors.New("grid point counts and spacing must be positive")
	ErrRankCount          = errors.New("rank count must be at least 1")
)

// SimulationWindow is the simulated period and its input/output cadence.
type SimulationWindow struct {
	Start                 time.Time `json:"start"`
	End                   time.Time `json:"end"`
	InputIntervalHours    int       `json:"input_interval_hours"`
	OutputIntervalMinutes int       `json:"output_interval_minutes"`
}

// Validate checks the window against its invariants. now, lag and retention
// bound the window to GFS data that can plausibly be downloaded.
func (w SimulationWindow) Validate(now time.Time, lag, retention time.Duration) error {
	if !w.End.After(w.Start) {
		return ErrWindowOrder
	}
	if w.InputIntervalHours <= 0 {
		return ErrInputInterval
	}
	if w.OutputIntervalMinutes <= 0 {
		return ErrOutputInterval
	}
	// end_date in namelist.wps must coincide with the last fetched step.
	if w.End.Sub(w.Start)%w.InputInterval() != 0 {
		return fmt.Errorf("%w: %s is not a multiple of %dh", ErrWindowAlignment,
			w.End.Sub(w.Start), w.InputIntervalHours)
	}
	if latest := LatestAvailable(now, lag); w.End.After(latest) {
		return fmt.Errorf("%w: end %s, latest %s", ErrWindowUnavailable,
			w.End.UTC().Format(time.RFC3339), latest.Format(time.RFC3339))
	}
	if retention > 0 && w.Start.Before(now.Add(-retention)) {
		return fmt.Errorf("%w: start %s", ErrWindowExpired, w.Start.UTC().Format(time.RFC3339))
	}
	return nil
}

// InputInterval is the GFS input spacing as a duration.
func (w SimulationWindow) InputInterval() time.Duration {
	return time.Duration(w.InputIntervalHours) * time.Hour
}

// Steps returns the valid times from Start to End inclusive at the input
// interval. A non-positive interval yields nil.
func (w SimulationWindow) Steps() []time.Time {
	step := w.InputInterval()
	if step <= 0 || w.End.Before(w.Start) {
		return nil
	}
	var steps []time.Time
	for t := w.Start.UTC(); !t.After(w.End.UTC()); t = t.Add(step) {
		steps = append(steps, t)
	}
	return steps
}

// FrameCount is the number of history frames WRF writes for the window,
// including the initial one.
func (w SimulationWindow) FrameCount() int {
	if w.OutputIntervalMinutes <= 0 {
		return 1
	}
	out := time.Duration(w.OutputIntervalMinutes) * time.Minute
	return int(w.End.Sub(w.Start)/out) + 1
}

// GridDomain is a single Lambert conformal WRF domain.
type GridDomain struct {
	GridSpacingKm int     `json:"grid_spacing_km"`
	WestEast      int     `json:"e_we"`
	SouthNorth    int     `json:"e_sn"`
	CenterLat     float64 `json:"ref_lat"`
	CenterLon     float64 `json:"ref_lon"`
	TrueLat1      float64 `json:"truelat1"`
	TrueLat2      float64 `json:"truelat2"`
}

// Validate checks grid sizes and the projection's true latitude ordering.
func (g GridDomain) Validate() error {
	if g.GridSpacingKm <= 0 || g.WestEast <= 0 || g.SouthNorth <= 0 {
		return ErrGridSize
	}
	if g.TrueLat1 > g.CenterLat || g.CenterLat > g.TrueLat2 {
		return fmt.Errorf("%w: %.2f <= %.2f <= %.2f", ErrProjectionLatitude, g.TrueLat1, g.CenterLat, g.TrueLat2)
	}
	return nil
}

// GridSpacingMeters is dx/dy as written to the namelists.
func (g GridDomain) GridSpacingMeters() int {
	return g.GridSpacingKm * 1000
}

// Physics holds WRF physics scheme identifiers. They are opaque to the
// pipeline and forwarded verbatim into namelist.input.
type Physics struct {
	Microphysics int `json:"mp_physics"`
	PBL          int `json:"bl_pbl_physics"`
	Cumulus      int `json:"cu_physics"`
}

// RunRequest is everything the surrounding system supplies for one run.
type RunRequest struct {
	Window  SimulationWindow `json:"window"`
	Grid    GridDomain       `json:"grid"`
	Physics Physics          `json:"physics"`
	Ranks   int              `json:"ranks"`
}

// Validate checks the whole request.
func (r RunRequest) Validate(now time.Time, lag, retention time.Duration) error {
	if err := r.Window.Validate(now, lag, retention); err != nil {
		return err
	}
	if err := r.Grid.Validate(); err != nil {
		return err
	}
	if r.Ranks < 1 {
		return ErrRankCount
	}
	return nil
}
