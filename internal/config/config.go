package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/wrf-run-service/internal/domain"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// WRF installation layout.
	BuildDir      string
	WPSDir        string
	WRFDir        string
	GeogDir       string
	GfsDir        string
	PullDir       string
	OutputDir     string
	LogsDir       string
	PlotDir       string
	PlotScript    string
	InstallScript string

	// GFS acquisition.
	GfsBaseURL          string
	GfsResolution       string
	GfsHTTPTimeout      time.Duration
	GfsDownloadRetries  int
	GfsFetchConcurrency int
	GfsAvailabilityLag  time.Duration
	GfsRetention        time.Duration

	// External process control.
	MPILauncher  string
	DefaultRanks int
	StageTimeout time.Duration
	WrfTimeout   time.Duration
	PlotTimeout  time.Duration
	KillGrace    time.Duration

	// Stage event publishing; disabled when KafkaBrokers is empty.
	KafkaBrokers     []string
	KafkaEventsTopic string

	// Object store mirror for published outputs; disabled when S3Endpoint is empty.
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
	S3UseSSL    bool
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		BuildDir:      sharedcfg.EnvOrDefault("WRF_BUILD_DIR", "Build_WRF"),
		PlotScript:    os.Getenv("PLOT_SCRIPT"),
		InstallScript: os.Getenv("INSTALL_SCRIPT"),

		GfsBaseURL:    sharedcfg.EnvOrDefault("GFS_BASE_URL", "https://nomads.ncep.noaa.gov/pub/data/nccf/com/gfs/prod"),
		GfsResolution: sharedcfg.EnvOrDefault("GFS_RESOLUTION", "1p00"),

		MPILauncher: sharedcfg.EnvOrDefault("MPI_LAUNCHER", "mpirun"),

		KafkaBrokers:     sharedcfg.ParseBrokers(os.Getenv("KAFKA_BROKERS")),
		KafkaEventsTopic: sharedcfg.EnvOrDefault("KAFKA_EVENTS_TOPIC", "wrf-run-events"),

		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3Bucket:    sharedcfg.EnvOrDefault("S3_BUCKET", "wrfout"),
		S3Region:    os.Getenv("S3_REGION"),
		S3UseSSL:    sharedcfg.EnvOrDefault("S3_USE_SSL", "true") == "true",
	}

	// Directory defaults follow the WRF build tree layout.
	dataDir := filepath.Join(cfg.BuildDir, "DATA")
	cfg.WPSDir = sharedcfg.EnvOrDefault("WPS_DIR", filepath.Join(cfg.BuildDir, "WPS-4.5"))
	cfg.WRFDir = sharedcfg.EnvOrDefault("WRF_DIR", filepath.Join(cfg.BuildDir, "WRF-4.5-ARW"))
	cfg.GeogDir = sharedcfg.EnvOrDefault("GEOG_DATA_DIR", filepath.Join(cfg.BuildDir, "WPS_GEOG"))
	cfg.GfsDir = sharedcfg.EnvOrDefault("GFS_DIR", filepath.Join(dataDir, "GFS_BACKUP"))
	cfg.PullDir = sharedcfg.EnvOrDefault("GFS_PULL_DIR", filepath.Join(dataDir, "GFS"))
	cfg.OutputDir = sharedcfg.EnvOrDefault("WRF_OUTPUT_DIR", filepath.Join(dataDir, "WRFOUT"))
	cfg.LogsDir = sharedcfg.EnvOrDefault("LOGS_DIR", "logs")
	cfg.PlotDir = sharedcfg.EnvOrDefault("PLOT_DIR", filepath.Join(dataDir, "PLOTS"))

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"GFS_HTTP_TIMEOUT", "10m", &cfg.GfsHTTPTimeout},
		{"GFS_AVAILABILITY_LAG", "5h", &cfg.GfsAvailabilityLag},
		{"GFS_RETENTION", "240h", &cfg.GfsRetention},
		{"STAGE_TIMEOUT", "2h", &cfg.StageTimeout},
		{"WRF_TIMEOUT", "48h", &cfg.WrfTimeout},
		{"PLOT_TIMEOUT", "3s", &cfg.PlotTimeout},
		{"KILL_GRACE", "10s", &cfg.KillGrace},
	}
	for _, d := range durations {
		if *d.dst, err = parsePositiveDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if cfg.GfsDownloadRetries, err = parseInt("GFS_DOWNLOAD_RETRIES", 2, 0); err != nil {
		return nil, err
	}
	if cfg.GfsFetchConcurrency, err = parseInt("GFS_FETCH_CONCURRENCY", 1, 1); err != nil {
		return nil, err
	}
	if cfg.DefaultRanks, err = parseInt("MPI_DEFAULT_RANKS", 2, 1); err != nil {
		return nil, err
	}

	if cfg.GfsBaseURL == "" {
		return nil, errors.New("GFS_BASE_URL is required")
	}
	if cfg.GfsResolution == "" {
		return nil, errors.New("GFS_RESOLUTION is required")
	}
	if cfg.S3Endpoint != "" && (cfg.S3AccessKey == "" || cfg.S3SecretKey == "") {
		return nil, errors.New("S3_ENDPOINT is set but S3_ACCESS_KEY or S3_SECRET_KEY is not")
	}

	return cfg, nil
}

// Paths builds the run directory layout from the configuration.
func (c *Config) Paths() domain.RunPaths {
	return domain.RunPaths{
		WPSDir:     c.WPSDir,
		WRFRunDir:  filepath.Join(c.WRFDir, "run"),
		GeogDir:    c.GeogDir,
		GfsDir:     c.GfsDir,
		PullDir:    c.PullDir,
		OutputDir:  c.OutputDir,
		PlotDir:    c.PlotDir,
		PlotScript: c.PlotScript,
	}
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseInt(key string, def, minimum int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < minimum {
		return 0, fmt.Errorf("invalid %s: must be an integer >= %d", key, minimum)
	}
	return n, nil
}
