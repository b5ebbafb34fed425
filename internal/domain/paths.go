package domain

import "path/filepath"

// RunPaths is the directory layout a run reads and writes. It is built once
// from configuration and passed into every stage builder.
type RunPaths struct {
	WPSDir     string // WPS install: link_grib.csh, ungrib.exe, geogrid.exe, metgrid.exe
	WRFRunDir  string // WRF run directory: real.exe, wrf.exe
	GeogDir    string // static geography data
	GfsDir     string // parent of per-date GFS staging directories
	PullDir    string // flat directory of links consumed by link_grib.csh
	OutputDir  string // published wrfout store
	PlotDir    string // working directory for the domain plot
	PlotScript string // NCL domain plot script; empty disables the plot stage
}

// WPSNamelist is the path of namelist.wps.
func (p RunPaths) WPSNamelist() string {
	return filepath.Join(p.WPSDir, "namelist.wps")
}

// InputNamelist is the path of namelist.input.
func (p RunPaths) InputNamelist() string {
	return filepath.Join(p.WRFRunDir, "namelist.input")
}

// GfsVtable is the GFS variable table shipped with ungrib.
func (p RunPaths) GfsVtable() string {
	return filepath.Join(p.WPSDir, "ungrib", "Variable_Tables", "Vtable.GFS")
}

// Vtable is the link ungrib reads its variable table from.
func (p RunPaths) Vtable() string {
	return filepath.Join(p.WPSDir, "Vtable")
}
