package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/couchcryptid/wrf-run-service/internal/observability"
)

// OutputPattern matches the history files wrf.exe writes into its run directory.
const OutputPattern = "wrfout_*"

// Mirror receives a copy of every published output file.
type Mirror interface {
	Upload(ctx context.Context, path string) error
}

// Collector moves finished model output into the output store.
type Collector struct {
	outputDir string
	mirror    Mirror
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewCollector creates a Collector. mirror may be nil.
func NewCollector(outputDir string, mirror Mirror, logger *slog.Logger, metrics *observability.Metrics) *Collector {
	return &Collector{
		outputDir: outputDir,
		mirror:    mirror,
		logger:    logger,
		metrics:   metrics,
	}
}

// Collect moves every wrfout_* file from runDir into the output store and
// returns the new paths. A file that cannot be moved is logged and skipped;
// the rest are still moved.
func (c *Collector) Collect(ctx context.Context, runDir string) []string {
	matches, err := filepath.Glob(filepath.Join(runDir, OutputPattern))
	if err != nil {
		c.logger.Error("glob outputs failed", "dir", runDir, "error", err)
		return nil
	}
	if len(matches) == 0 {
		c.logger.Warn("no output files found", "dir", runDir)
		return nil
	}
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		c.logger.Error("create output dir failed", "dir", c.outputDir, "error", err)
		c.metrics.OutputsMoved.WithLabelValues("failed").Add(float64(len(matches)))
		return nil
	}

	moved := make([]string, 0, len(matches))
	for _, src := range matches {
		dst := filepath.Join(c.outputDir, filepath.Base(src))
		if err := moveFile(src, dst); err != nil {
			c.logger.Warn("move output failed, skipping", "from", src, "to", dst, "error", err)
			c.metrics.OutputsMoved.WithLabelValues("failed").Inc()
			continue
		}
		c.logger.Info("moved output", "from", src, "to", dst)
		c.metrics.OutputsMoved.WithLabelValues("moved").Inc()
		moved = append(moved, dst)
	}

	if c.mirror != nil {
		for _, p := range moved {
			if err := c.mirror.Upload(ctx, p); err != nil {
				c.logger.Warn("mirror output failed", "path", p, "error", err)
				continue
			}
			c.metrics.OutputsMoved.WithLabelValues("mirrored").Inc()
		}
	}
	return moved
}

// moveFile renames src to dst, falling back to copy-and-remove when they sit
// on different filesystems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}

	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("cross-device copy: %w", err)
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
