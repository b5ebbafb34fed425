package gfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/wrf-run-service/internal/config"
	"github.com/couchcryptid/wrf-run-service/internal/domain"
	"github.com/couchcryptid/wrf-run-service/internal/observability"
)

// gribMagic opens every GRIB edition 1 and 2 message.
const gribMagic = "GRIB"

// ErrNotGrib is returned when a downloaded payload does not start with the GRIB header.
var ErrNotGrib = errors.New("payload is not a GRIB message")

// FetchError records a download that failed after all retries.
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher downloads the GFS files covering a simulation window.
type Fetcher struct {
	httpClient  *http.Client
	baseURL     string
	resolution  string
	stageRoot   string
	pullDir     string
	retries     int
	concurrency int
	backoff     time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewFetcher creates a Fetcher from the GFS settings in cfg.
func NewFetcher(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{
			Timeout: cfg.GfsHTTPTimeout,
		},
		baseURL:     cfg.GfsBaseURL,
		resolution:  cfg.GfsResolution,
		stageRoot:   cfg.GfsDir,
		pullDir:     cfg.PullDir,
		retries:     cfg.GfsDownloadRetries,
		concurrency: max(cfg.GfsFetchConcurrency, 1),
		backoff:     time.Second,
		maxBackoff:  30 * time.Second,
		logger:      logger,
		metrics:     metrics,
	}
}

// Plan lists the files a window needs, one per input step, in step order.
func (f *Fetcher) Plan(w domain.SimulationWindow) []domain.GfsFile {
	steps := w.Steps()
	files := make([]domain.GfsFile, len(steps))
	for i, t := range steps {
		files[i] = domain.GfsFile{
			ValidTime:  t,
			Resolution: f.resolution,
			BaseURL:    f.baseURL,
			StageRoot:  f.stageRoot,
		}
	}
	return files
}

// Fetch stages every file of the window and refreshes its pull-directory link.
// It returns the staged path of each step in order; a path whose download
// failed is still returned but does not exist. The only error is context
// cancellation.
func (f *Fetcher) Fetch(ctx context.Context, w domain.SimulationWindow) ([]string, error) {
	files := f.Plan(w)
	paths := make([]string, len(files))

	f.logger.Info("gfs fetch started", "files", len(files), "concurrency", f.concurrency)

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for i, file := range files {
		paths[i] = file.LocalPath()
	}
	for _, file := range files {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			f.stage(ctx, file)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return paths, fmt.Errorf("gfs fetch: %w", err)
	}
	return paths, nil
}

// Links returns the pull-directory link of every staged path that exists.
func (f *Fetcher) Links(paths []string) []string {
	links := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		links = append(links, f.pullLink(p))
	}
	return links
}

// pullLink is the pull-directory entry for a staged file. Cycle names repeat
// every day, so the staging date directory prefixes the file name.
func (f *Fetcher) pullLink(staged string) string {
	return filepath.Join(f.pullDir, filepath.Base(filepath.Dir(staged))+"."+filepath.Base(staged))
}

// CleanPullDir removes stale gfs entries from the pull directory and
// returns how many were removed.
func (f *Fetcher) CleanPullDir() int {
	matches, err := filepath.Glob(filepath.Join(f.pullDir, "*gfs.t*"))
	if err != nil {
		f.logger.Warn("glob pull dir failed", "dir", f.pullDir, "error", err)
		return 0
	}
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			f.logger.Warn("remove stale gfs link failed", "path", m, "error", err)
			continue
		}
		removed++
		f.logger.Debug("removed stale gfs link", "path", m)
	}
	return removed
}

func (f *Fetcher) stage(ctx context.Context, file domain.GfsFile) {
	dst := file.LocalPath()
	log := f.logger.With("file", file.Name())

	if err := os.MkdirAll(file.DateDir(), 0o755); err != nil {
		log.Error("create staging dir failed", "dir", file.DateDir(), "error", err)
		f.metrics.GfsFiles.WithLabelValues("failed").Inc()
		return
	}

	if _, err := os.Stat(dst); err == nil {
		log.Info("gfs file already staged", "path", dst)
		f.metrics.GfsFiles.WithLabelValues("cached").Inc()
	} else if err := f.download(ctx, file); err != nil {
		log.Error("gfs download failed", "url", file.RemoteURL(), "error", err)
		f.metrics.GfsFiles.WithLabelValues("failed").Inc()
		return
	}

	if err := f.link(dst); err != nil {
		log.Warn("refresh pull link failed", "error", err)
	}
}

// download fetches one file with exponential backoff between attempts.
func (f *Fetcher) download(ctx context.Context, file domain.GfsFile) error {
	url := file.RemoteURL()
	backoff := f.backoff
	attempts := 0

	var lastErr error
	for attempts <= f.retries {
		if attempts > 0 {
			if !sleepWithContext(ctx, backoff) {
				lastErr = ctx.Err()
				break
			}
			backoff = nextBackoff(backoff, f.maxBackoff)
		}
		attempts++

		n, err := f.get(ctx, url, file.LocalPath())
		if err == nil {
			f.logger.Info("gfs file downloaded", "url", url, "bytes", n, "attempts", attempts)
			f.metrics.GfsFiles.WithLabelValues("downloaded").Inc()
			f.metrics.GfsDownloadBytes.Add(float64(n))
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		f.logger.Warn("gfs download attempt failed", "url", url, "attempt", attempts, "error", err)
	}
	return &FetchError{URL: url, Attempts: attempts, Err: lastErr}
}

// get streams url into a temporary file next to dst and renames it into
// place once the GRIB header checks out.
func (f *Fetcher) get(ctx context.Context, url, dst string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("gfs request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("gfs server error: status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".part-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("write %s: %w", tmp.Name(), err)
	}

	if err := checkGrib(tmp.Name()); err != nil {
		return n, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return n, fmt.Errorf("rename into place: %w", err)
	}
	return n, nil
}

// link creates or refreshes {pullDir}/{YYYYMMDD}.{name} pointing at the staged file.
func (f *Fetcher) link(staged string) error {
	target, err := filepath.Abs(staged)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.pullDir, 0o755); err != nil {
		return err
	}
	link := f.pullLink(staged)
	if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.Symlink(target, link)
}

func checkGrib(path string) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()

	header := make([]byte, len(gribMagic))
	if _, err := io.ReadFull(fh, header); err != nil {
		return fmt.Errorf("%w: read header: %v", ErrNotGrib, err)
	}
	if string(header) != gribMagic {
		return fmt.Errorf("%w: header %q", ErrNotGrib, header)
	}
	return nil
}
