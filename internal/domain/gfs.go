package domain

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// GfsFile is one GFS GRIB2 file needed by a run. Only the valid time is
// stored; cycle, offset and every derived name are recomputed on access.
type GfsFile struct {
	ValidTime  time.Time
	Resolution string // e.g. "1p00", "0p25"
	BaseURL    string
	StageRoot  string // parent of the per-date staging directories
}

// Cycle returns the cycle covering the file's valid time.
func (f GfsFile) Cycle() Cycle {
	return CycleFor(f.ValidTime)
}

// Name is the canonical remote file name, e.g. "gfs.t12z.pgrb2.1p00.f002".
func (f GfsFile) Name() string {
	c := f.Cycle()
	return fmt.Sprintf("gfs.t%sz.pgrb2.%s.f%s", c.HourString(), f.Resolution, c.OffsetString())
}

// RemotePath is the path below the base URL: gfs.YYYYMMDD/HH/atmos/<name>.
func (f GfsFile) RemotePath() string {
	c := f.Cycle()
	return fmt.Sprintf("gfs.%s/%s/atmos/%s", c.DateString(), c.HourString(), f.Name())
}

// RemoteURL joins the base URL and RemotePath.
func (f GfsFile) RemoteURL() string {
	return strings.TrimRight(f.BaseURL, "/") + "/" + f.RemotePath()
}

// DateDir is the per-date staging directory, named YYYYMMDD after the cycle day.
func (f GfsFile) DateDir() string {
	return filepath.Join(f.StageRoot, f.Cycle().DateString())
}

// LocalPath is where the downloaded file is staged.
func (f GfsFile) LocalPath() string {
	return filepath.Join(f.DateDir(), f.Name())
}
