// Package domain models a single WRF simulation run: the requested time
// window and grid, the GFS input files it needs, and the ordered WPS/WRF
// stages that turn those inputs into wrfout files.
//
// # GFS Cycles
//
// NCEP initializes the Global Forecast System four times a day, at 00, 06, 12
// and 18 UTC. Each initialization ("cycle") publishes one GRIB2 file per
// forecast hour:
//
//	{base}/gfs.YYYYMMDD/HH/atmos/gfs.tHHz.pgrb2.{res}.fOOO
//
// where HH is the cycle hour and OOO the forecast-hour offset. The pipeline
// always asks for the most recent cycle at or before a valid time, so the
// offset is in [0,6): 14Z maps to the 12Z cycle, file f002. A valid time on a
// cycle boundary maps to that cycle with offset f000, never to the previous
// cycle with f006. See [CycleFor].
//
// Files appear on the NOMADS server a few hours after the cycle time and are
// kept for roughly ten days, which bounds the windows a run may request. See
// [LatestAvailable] and [SimulationWindow.Validate].
//
// # Stages
//
// A run executes a fixed stage table in order. Each stage names an external
// program, the directory it runs in, how its merged stdout/stderr is judged
// ([SuccessRule]) and what happens when it outlives its time bound
// ([TimeoutPolicy]). Stages are evaluated into an [Outcome], which is
// Succeeded, Failed (with reason and log) or TimedOut.
//
// # Namelists
//
// WPS and WRF read their configuration from Fortran namelists. The run
// request is rendered into namelist.wps and namelist.input from embedded
// templates; physics scheme identifiers are forwarded verbatim.
package domain
