package pipeline_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/wrf-run-service/internal/domain"
	"github.com/couchcryptid/wrf-run-service/internal/pipeline"
	"github.com/couchcryptid/wrf-run-service/internal/process"
)

// --- mocks ---

type mockFetcher struct {
	paths   []string
	err     error
	cleaned int
}

func (m *mockFetcher) Fetch(context.Context, domain.SimulationWindow) ([]string, error) {
	return m.paths, m.err
}

func (m *mockFetcher) Links(paths []string) []string {
	links := make([]string, len(paths))
	for i, p := range paths {
		links[i] = "/pull/" + filepath.Base(p)
	}
	return links
}

func (m *mockFetcher) CleanPullDir() int {
	m.cleaned++
	return 0
}

// mockProcessRunner scripts stage results and starts detached processes for real.
type mockProcessRunner struct {
	*mockSupervisor
	real *process.Supervisor
}

func (m *mockProcessRunner) RunDetached(c process.Command, logPath string) (*process.Detached, error) {
	return m.real.RunDetached(c, logPath)
}

type mockCollector struct {
	outputs []string
	runDir  string
}

func (m *mockCollector) Collect(_ context.Context, runDir string) []string {
	m.runDir = runDir
	return m.outputs
}

type mockPublisher struct {
	mu     sync.Mutex
	events []domain.StageEvent
}

func (m *mockPublisher) Publish(_ context.Context, events ...domain.StageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

// --- helpers ---

type orchestratorFixture struct {
	orch      *pipeline.Orchestrator
	opts      pipeline.Options
	paths     domain.RunPaths
	fetcher   *mockFetcher
	sup       *mockSupervisor
	collector *mockCollector
	publisher *mockPublisher
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()

	fake := clockwork.NewFakeClockAt(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
	domain.SetClock(fake)
	t.Cleanup(func() { domain.SetClock(nil) })

	root := t.TempDir()
	paths := testPaths(root)
	require.NoError(t, os.MkdirAll(paths.WPSDir, 0o755))
	require.NoError(t, os.MkdirAll(paths.WRFRunDir, 0o755))

	f := &orchestratorFixture{
		paths:     paths,
		fetcher:   &mockFetcher{paths: []string{root + "/GFS_BACKUP/20240301/gfs.t12z.pgrb2.1p00.f000"}},
		sup:       happySupervisor(),
		collector: &mockCollector{outputs: []string{root + "/WRFOUT/wrfout_d01_2024-03-01_12:00:00"}},
		publisher: &mockPublisher{},
	}

	opts := pipeline.Options{
		Paths:           paths,
		Stages:          pipeline.StageConfig{StageTimeout: time.Hour, WrfTimeout: time.Hour, PlotTimeout: time.Second},
		AvailabilityLag: 5 * time.Hour,
		Retention:       240 * time.Hour,
		DefaultRanks:    2,
		LogsDir:         filepath.Join(root, "logs"),
	}
	f.opts = opts
	runner := &mockProcessRunner{mockSupervisor: f.sup, real: process.New("mpirun", time.Second, discardLogger())}
	f.orch = pipeline.NewOrchestrator(opts, f.fetcher, runner, f.collector, f.publisher, discardLogger(), newTestMetrics())
	return f
}

func validRequest() domain.RunRequest {
	return domain.RunRequest{
		Window: domain.SimulationWindow{
			Start:                 time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			End:                   time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC),
			InputIntervalHours:    3,
			OutputIntervalMinutes: 60,
		},
		Grid: domain.GridDomain{
			GridSpacingKm: 27,
			WestEast:      100,
			SouthNorth:    80,
			CenterLat:     41,
			CenterLon:     29,
			TrueLat1:      30,
			TrueLat2:      60,
		},
		Physics: domain.Physics{Microphysics: 6, PBL: 1, Cumulus: 1},
	}
}

// --- tests ---

func TestOrchestrator_RunHappyPath(t *testing.T) {
	f := newOrchestratorFixture(t)

	run, err := f.orch.Run(context.Background(), validRequest())
	require.NoError(t, err)

	snap := run.Snapshot()
	assert.Equal(t, domain.RunSucceeded, snap.State)
	assert.Equal(t, f.collector.outputs, snap.Outputs)
	assert.Equal(t, f.paths.WRFRunDir, f.collector.runDir)
	assert.Equal(t, 1, f.fetcher.cleaned)

	wps, err := os.ReadFile(f.paths.WPSNamelist())
	require.NoError(t, err)
	assert.Contains(t, string(wps), "2024-03-01_12:00:00")

	input, err := os.ReadFile(f.paths.InputNamelist())
	require.NoError(t, err)
	assert.Contains(t, string(input), "mp_physics")

	// Default rank count applies when the request leaves it unset.
	assert.Equal(t, 2, f.sup.parallel["./wrf.exe"])

	// link_grib receives the pull-directory links.
	for _, c := range f.sup.calls {
		if c.Program == "./link_grib.csh" {
			assert.Equal(t, []string{"/pull/gfs.t12z.pgrb2.1p00.f000"}, c.Args)
		}
	}

	// One event per stage plus the run event.
	require.Len(t, f.publisher.events, len(snap.Stages)+1)
	last := f.publisher.events[len(f.publisher.events)-1]
	assert.Equal(t, string(domain.RunSucceeded), last.Status)
	assert.Empty(t, last.Stage)
	assert.NotEmpty(t, last.ID)

	assert.Equal(t, domain.RunSucceeded, f.orch.Status().State)
}

func TestOrchestrator_RunStageFailure(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.sup.script("./metgrid.exe", "ERROR: missing FILE:2024-03-01_12\n", 0)

	run, err := f.orch.Run(context.Background(), validRequest())
	require.ErrorIs(t, err, pipeline.ErrStageExecution)

	snap := run.Snapshot()
	assert.Equal(t, domain.RunFailed, snap.State)
	assert.Equal(t, domain.StageMetgrid, snap.FailedStage)
	assert.Empty(t, snap.Outputs)
	assert.Empty(t, f.collector.runDir, "collector must not run after a failure")

	last := f.publisher.events[len(f.publisher.events)-1]
	assert.Equal(t, string(domain.RunFailed), last.Status)
	assert.Equal(t, domain.StageMetgrid, last.Stage)
}

func TestOrchestrator_InvalidRequest(t *testing.T) {
	f := newOrchestratorFixture(t)
	req := validRequest()
	req.Window.End = req.Window.Start

	_, err := f.orch.Run(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrWindowOrder)
	assert.ErrorIs(t, err, pipeline.ErrInvalidRequest)
	assert.Empty(t, f.sup.programs())
	assert.Equal(t, domain.RunPending, f.orch.Status().State)
}

func TestOrchestrator_RejectsConcurrentRun(t *testing.T) {
	f := newOrchestratorFixture(t)

	// Serve is not running, so the first run stays queued and holds the slot.
	require.NoError(t, f.orch.Start(validRequest()))
	assert.True(t, f.orch.Busy())

	require.ErrorIs(t, f.orch.Start(validRequest()), pipeline.ErrRunInProgress)
	_, err := f.orch.Run(context.Background(), validRequest())
	require.ErrorIs(t, err, pipeline.ErrRunInProgress)
	_, err = f.orch.Install(context.Background())
	require.Error(t, err)
}

func TestOrchestrator_ServeExecutesQueuedRun(t *testing.T) {
	f := newOrchestratorFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.orch.Serve(ctx) }()

	require.NoError(t, f.orch.Start(validRequest()))
	require.Eventually(t, func() bool {
		return !f.orch.Busy() && f.orch.Status().State == domain.RunSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	// The slot is free again.
	require.NoError(t, f.orch.Start(validRequest()))
	require.Eventually(t, func() bool { return !f.orch.Busy() }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

// stallingRunner blocks the wrf stage until the run context is cancelled and
// release is closed, like a supervisor working through its kill grace.
type stallingRunner struct {
	*mockProcessRunner
	started chan struct{}
	release chan struct{}
}

func (s *stallingRunner) RunParallel(ctx context.Context, _ process.Command, _ int, _ time.Duration) (*process.Result, error) {
	close(s.started)
	<-ctx.Done()
	<-s.release
	return &process.Result{Output: "partial"}, fmt.Errorf("wrf terminated: %w", ctx.Err())
}

func TestOrchestrator_ServeWaitsForInFlightRun(t *testing.T) {
	f := newOrchestratorFixture(t)
	runner := &stallingRunner{
		mockProcessRunner: &mockProcessRunner{mockSupervisor: f.sup},
		started:           make(chan struct{}),
		release:           make(chan struct{}),
	}
	orch := pipeline.NewOrchestrator(f.opts, f.fetcher, runner, f.collector, f.publisher, discardLogger(), newTestMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = orch.Serve(ctx) }()

	require.NoError(t, orch.Start(validRequest()))
	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("wrf stage never started")
	}

	cancel()
	select {
	case <-orch.Done():
		t.Fatal("Serve returned while the wrf stage was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)
	select {
	case <-orch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the run finished")
	}

	snap := orch.Status()
	assert.Equal(t, domain.RunFailed, snap.State)
	assert.Equal(t, domain.StageWrf, snap.FailedStage)

	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	require.NotEmpty(t, f.publisher.events)
	last := f.publisher.events[len(f.publisher.events)-1]
	assert.Equal(t, string(domain.RunFailed), last.Status)
	assert.Equal(t, domain.StageWrf, last.Stage)
}

func TestOrchestrator_Housekeeping(t *testing.T) {
	f := newOrchestratorFixture(t)

	leftovers := map[string]bool{
		filepath.Join(f.paths.WPSDir, "FILE:2024-03-01_12"):                   false,
		filepath.Join(f.paths.WPSDir, "GRIBFILE.AAA"):                         false,
		filepath.Join(f.paths.WPSDir, "met_em.d01.2024-03-01_12:00:00.nc"):    false,
		filepath.Join(f.paths.WRFRunDir, "met_em.d01.2024-03-01_12:00:00.nc"): false,
		filepath.Join(f.paths.WPSDir, "geo_em.d01.nc"):                        true,
		filepath.Join(f.paths.WRFRunDir, "wrfinput_d01"):                      true,
	}
	for p := range leftovers {
		require.NoError(t, os.WriteFile(p, nil, 0o644))
	}

	_, err := f.orch.Run(context.Background(), validRequest())
	require.NoError(t, err)

	for p, kept := range leftovers {
		_, err := os.Stat(p)
		assert.Equal(t, kept, err == nil, p)
	}
}

func TestOrchestrator_CheckReadiness(t *testing.T) {
	f := newOrchestratorFixture(t)
	require.NoError(t, f.orch.CheckReadiness(context.Background()))

	require.NoError(t, os.RemoveAll(f.paths.WRFRunDir))
	require.Error(t, f.orch.CheckReadiness(context.Background()))
}

func TestOrchestrator_InstallWithoutScript(t *testing.T) {
	f := newOrchestratorFixture(t)
	_, err := f.orch.Install(context.Background())
	require.ErrorIs(t, err, pipeline.ErrInstallUnavailable)
}

func TestOrchestrator_Install(t *testing.T) {
	fake := clockwork.NewFakeClockAt(time.Date(2024, 3, 2, 9, 30, 0, 0, time.UTC))
	domain.SetClock(fake)
	t.Cleanup(func() { domain.SetClock(nil) })

	root := t.TempDir()
	script := filepath.Join(root, "install_wrf.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho compiling WRF\n"), 0o755))

	opts := pipeline.Options{InstallScript: script, LogsDir: filepath.Join(root, "logs")}
	runner := &mockProcessRunner{mockSupervisor: newMockSupervisor(), real: process.New("mpirun", time.Second, discardLogger())}
	orch := pipeline.NewOrchestrator(opts, &mockFetcher{}, runner, &mockCollector{}, nil, discardLogger(), newTestMetrics())

	logPath, err := orch.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "logs", "install_wrf_20240302_093000.log"), logPath)

	require.Eventually(t, func() bool { return !orch.Busy() }, 5*time.Second, 10*time.Millisecond)
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "compiling WRF\n", string(data))
}
