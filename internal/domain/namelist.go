package domain

import (
	"embed"
	"fmt"
	"io"
	"text/template"
	"time"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var namelists = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// namelistTime is the WPS date layout.
const namelistTime = "2006-01-02_15:04:05"

// timeStepPerKm is the WRF rule of thumb: at most 6 seconds per km of grid spacing.
const timeStepPerKm = 6

type wpsValues struct {
	MaxDom          int
	StartDate       string
	EndDate         string
	IntervalSeconds int
	GeogDataPath    string
	EWE, ESN        int
	DX, DY          int
	RefLat, RefLon  float64
	TrueLat1        float64
	TrueLat2        float64
	StandLon        float64
}

type inputValues struct {
	MaxDom           int
	RunDays          int
	RunHours         int
	Start, End       time.Time
	IntervalSeconds  int
	HistoryInterval  int
	FramesPerOutfile int
	EWE, ESN         int
	DX, DY           int
	TimeStep         int
	Physics          Physics
}

// RenderWPSNamelist writes namelist.wps for the request.
func RenderWPSNamelist(w io.Writer, req RunRequest, geogDir string) error {
	g := req.Grid
	v := wpsValues{
		MaxDom:          1,
		StartDate:       req.Window.Start.UTC().Format(namelistTime),
		EndDate:         req.Window.End.UTC().Format(namelistTime),
		IntervalSeconds: req.Window.InputIntervalHours * 3600,
		GeogDataPath:    geogDir,
		EWE:             g.WestEast,
		ESN:             g.SouthNorth,
		DX:              g.GridSpacingMeters(),
		DY:              g.GridSpacingMeters(),
		RefLat:          g.CenterLat,
		RefLon:          g.CenterLon,
		TrueLat1:        g.TrueLat1,
		TrueLat2:        g.TrueLat2,
		StandLon:        g.CenterLon,
	}
	if err := namelists.ExecuteTemplate(w, "namelist.wps.tmpl", v); err != nil {
		return fmt.Errorf("render namelist.wps: %w", err)
	}
	return nil
}

// RenderInputNamelist writes namelist.input for the request.
func RenderInputNamelist(w io.Writer, req RunRequest) error {
	win := req.Window
	length := win.End.Sub(win.Start)
	days := int(length / (24 * time.Hour))
	hours := int((length % (24 * time.Hour)) / time.Hour)

	g := req.Grid
	v := inputValues{
		MaxDom:           1,
		RunDays:          days,
		RunHours:         hours,
		Start:            win.Start.UTC(),
		End:              win.End.UTC(),
		IntervalSeconds:  win.InputIntervalHours * 3600,
		HistoryInterval:  win.OutputIntervalMinutes,
		FramesPerOutfile: win.FrameCount(),
		EWE:              g.WestEast,
		ESN:              g.SouthNorth,
		DX:               g.GridSpacingMeters(),
		DY:               g.GridSpacingMeters(),
		TimeStep:         g.GridSpacingKm * timeStepPerKm,
		Physics:          req.Physics,
	}
	if err := namelists.ExecuteTemplate(w, "namelist.input.tmpl", v); err != nil {
		return fmt.Errorf("render namelist.input: %w", err)
	}
	return nil
}
