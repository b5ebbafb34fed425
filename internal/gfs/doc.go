// Package gfs stages NOAA GFS GRIB2 input files for a simulation window.
//
// Files are downloaded once into per-date directories below the staging root
// and exposed to WPS through a flat directory of symbolic links. Download
// failures are logged and counted but never abort a fetch: the ungrib stage
// reports missing input on its own.
package gfs
