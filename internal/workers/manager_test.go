package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/common"
	"github.com/ternarybob/hearth/internal/models"
)

type fakeDetector struct {
	capacityMB int
}

func (d *fakeDetector) Snapshot(ctx context.Context, forceRefresh bool) *models.CapabilitySnapshot {
	return &models.CapabilitySnapshot{TotalMemoryMB: d.capacityMB, AvailableMemoryMB: d.capacityMB}
}

func (d *fakeDetector) CanRun(requiredMB int) models.Admission {
	return models.Admission{Allowed: requiredMB <= d.capacityMB}
}

type fakeProcess struct {
	pid        int
	done       chan struct{}
	once       sync.Once
	code       int
	terminated atomic.Bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.code = code
		close(p.done)
	})
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) ExitCode() int         { <-p.done; return p.code }

func (p *fakeProcess) Terminate() error {
	p.terminated.Store(true)
	p.exit(-1)
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit(-1)
	return nil
}

// fakeLauncher records launches. onLaunch runs after the process is created.
type fakeLauncher struct {
	mu        sync.Mutex
	launches  map[string]int
	processes map[string][]*fakeProcess
	nextPID   int
	onLaunch  func(spec LaunchSpec, p *fakeProcess)
	err       error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		launches:  make(map[string]int),
		processes: make(map[string][]*fakeProcess),
		nextPID:   1000,
	}
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	l.launches[spec.WorkerID]++
	if l.err != nil {
		l.mu.Unlock()
		return nil, l.err
	}
	l.nextPID++
	p := newFakeProcess(l.nextPID)
	l.processes[spec.WorkerID] = append(l.processes[spec.WorkerID], p)
	hook := l.onLaunch
	l.mu.Unlock()

	if hook != nil {
		hook(spec, p)
	}
	return p, nil
}

func (l *fakeLauncher) count(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches[id]
}

func (l *fakeLauncher) last(id string) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	ps := l.processes[id]
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

type fakeProber struct {
	mu      sync.Mutex
	healthy map[string]bool
	probes  atomic.Int32
}

func newFakeProber() *fakeProber {
	return &fakeProber{healthy: make(map[string]bool)}
}

func (p *fakeProber) Probe(ctx context.Context, url string, schema models.HealthSchema) bool {
	p.probes.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy[url]
}

func (p *fakeProber) set(url string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy[url] = healthy
}

func testDefinition(id string, port, memoryMB int) models.WorkerDefinition {
	return models.WorkerDefinition{
		ID:             id,
		Label:          id,
		Command:        "python3",
		Args:           []string{id + ".py"},
		Port:           port,
		HealthPath:     "/health",
		Health:         statusHealthy,
		StartupTimeout: 2 * time.Second,
		MemoryMB:       memoryMB,
		ReadyPatterns:  ReadyPatterns,
	}
}

type harness struct {
	manager  *Manager
	registry *Registry
	launcher *fakeLauncher
	prober   *fakeProber
}

func newHarness(t *testing.T, capacityMB int, defs []models.WorkerDefinition, mutate func(*common.WorkersConfig)) *harness {
	t.Helper()

	registry, err := NewRegistry(defs, nil)
	require.NoError(t, err)

	config := common.NewDefaultConfig().Workers
	config.PollInterval = "10ms"
	config.HealthTimeout = "100ms"
	config.StopGracePeriod = "100ms"
	if mutate != nil {
		mutate(&config)
	}

	h := &harness{
		registry: registry,
		launcher: newFakeLauncher(),
		prober:   newFakeProber(),
	}
	h.manager = NewManager(arbor.NewLogger(), registry, &fakeDetector{capacityMB: capacityMB}, &config, Options{
		Launcher: h.launcher,
		Prober:   h.prober,
	})
	t.Cleanup(func() { _ = h.manager.StopAll(context.Background()) })
	return h
}

// healthyOnLaunch makes every launched worker answer healthy immediately
func (h *harness) healthyOnLaunch() {
	h.launcher.onLaunch = func(spec LaunchSpec, p *fakeProcess) {
		h.prober.set(h.registry.HealthURL(spec.WorkerID), true)
	}
}

func (h *harness) state(t *testing.T, id string) models.WorkerState {
	t.Helper()
	status, err := h.manager.Status(id)
	require.NoError(t, err)
	return status.State
}

func TestStartConcurrentCallersShareOneSpawn(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{testDefinition("sam2", 8006, 6144)}, nil)
	h.healthyOnLaunch()

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.manager.Start(context.Background(), "sam2")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, h.launcher.count("sam2"))
	assert.Equal(t, models.WorkerStateReady, h.state(t, "sam2"))
}

func TestStartReadyWorkerIsNoop(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{testDefinition("sam2", 8006, 6144)}, nil)
	h.healthyOnLaunch()
	ctx := context.Background()

	require.NoError(t, h.manager.Start(ctx, "sam2"))
	require.NoError(t, h.manager.Start(ctx, "sam2"))
	assert.Equal(t, 1, h.launcher.count("sam2"))
}

func TestStartUnknownWorker(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{testDefinition("sam2", 8006, 6144)}, nil)
	err := h.manager.Start(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownWorker)
}

func TestStartRefusedWhenBudgetExceeded(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{
		testDefinition("a", 9001, 8192),
		testDefinition("b", 9002, 8192),
		testDefinition("c", 9003, 8192),
		testDefinition("d", 9004, 8192),
	}, nil)
	h.healthyOnLaunch()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.manager.Start(ctx, id))
	}

	err := h.manager.Start(ctx, "d")
	var budgetErr *BudgetExceededError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, 8192, budgetErr.ShortfallMB)
	assert.Equal(t, 24576, budgetErr.CommittedMB)
	assert.Contains(t, err.Error(), "8192MB over")

	assert.Equal(t, 0, h.launcher.count("d"), "refused start must not spawn")
	assert.Equal(t, models.WorkerStateStopped, h.state(t, "d"))
}

func TestConcurrentStartsCannotOvercommit(t *testing.T) {
	h := newHarness(t, 16384, []models.WorkerDefinition{
		testDefinition("x", 9001, 8192),
		testDefinition("y", 9002, 8192),
		testDefinition("z", 9003, 8192),
	}, nil)
	ctx := context.Background()

	ids := []string{"x", "y", "z"}
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = h.manager.Start(ctx, id)
		}(i, id)
	}

	// Two starts hold their reservation while unhealthy; the third is refused
	require.Eventually(t, func() bool {
		return h.launcher.count("x")+h.launcher.count("y")+h.launcher.count("z") == 2
	}, time.Second, 5*time.Millisecond)

	for _, id := range ids {
		h.prober.set(h.registry.HealthURL(id), true)
	}
	wg.Wait()

	refused := 0
	for _, err := range errs {
		var budgetErr *BudgetExceededError
		if errors.As(err, &budgetErr) {
			refused++
			continue
		}
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, refused)

	budget := h.manager.Budget(ctx)
	assert.Equal(t, 16384, budget.CommittedMB)
	assert.Equal(t, 0, budget.AvailableMB)
}

func TestStopReleasesMemory(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{testDefinition("heart", 8001, 12288)}, nil)
	h.healthyOnLaunch()
	ctx := context.Background()

	require.NoError(t, h.manager.Start(ctx, "heart"))
	budget := h.manager.Budget(ctx)
	assert.Equal(t, 12288, budget.CommittedMB)
	assert.Equal(t, map[string]int{"heart": 12288}, budget.Allocations)

	proc := h.launcher.last("heart")
	require.NoError(t, h.manager.Stop(ctx, "heart"))

	budget = h.manager.Budget(ctx)
	assert.Equal(t, 0, budget.CommittedMB)
	assert.Equal(t, 24576, budget.AvailableMB)
	assert.True(t, proc.terminated.Load())

	status, err := h.manager.Status("heart")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStateStopped, status.State)
	assert.False(t, status.IsRunning)
	assert.Zero(t, status.PID)
}

func TestCrashWhileReadyReleasesMemory(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{testDefinition("sam2", 8006, 6144)}, func(c *common.WorkersConfig) {
		c.MaxStartAttempts = 1
	})
	h.healthyOnLaunch()
	ctx := context.Background()

	require.NoError(t, h.manager.Start(ctx, "sam2"))
	h.launcher.last("sam2").exit(1)

	require.Eventually(t, func() bool {
		return h.state(t, "sam2") == models.WorkerStateStopped
	}, time.Second, 5*time.Millisecond)

	status, err := h.manager.Status("sam2")
	require.NoError(t, err)
	assert.Contains(t, status.LastError, "exited with code 1")
	assert.Equal(t, 0, status.FailedStarts, "a crash is only charged when a relaunch is attempted")
	assert.Equal(t, 0, h.manager.Budget(ctx).CommittedMB)

	// With a single allowed attempt the charged crash exhausts the worker
	err = h.manager.Start(ctx, "sam2")
	var startErr *StartupError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, StartupTerminal, startErr.Reason)
	assert.Equal(t, models.WorkerStateError, h.state(t, "sam2"))
	assert.Equal(t, 1, h.launcher.count("sam2"))
}

func TestExitDuringStartupCountsTowardErrorState(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{testDefinition("sam2", 8006, 6144)}, nil)
	h.launcher.onLaunch = func(spec LaunchSpec, p *fakeProcess) {
		p.exit(1)
	}
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		err := h.manager.Start(ctx, "sam2")
		var startErr *StartupError
		require.ErrorAs(t, err, &startErr, "attempt %d", attempt)
		assert.Equal(t, StartupExited, startErr.Reason)

		status, err := h.manager.Status("sam2")
		require.NoError(t, err)
		assert.Equal(t, attempt, status.FailedStarts)
	}
	assert.Equal(t, models.WorkerStateError, h.state(t, "sam2"))

	err := h.manager.Start(ctx, "sam2")
	var startErr *StartupError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, StartupTerminal, startErr.Reason)
	assert.Equal(t, 3, h.launcher.count("sam2"), "error state refuses without spawning")
	assert.Equal(t, 0, h.manager.Budget(ctx).CommittedMB)

	require.NoError(t, h.manager.ResetState(ctx, "sam2"))
	h.healthyOnLaunch()
	require.NoError(t, h.manager.Start(ctx, "sam2"))

	status, err := h.manager.Status("sam2")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStateReady, status.State)
	assert.Equal(t, 0, status.FailedStarts)
}

func TestCleanExitDuringStartupIsNotCharged(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{testDefinition("sam2", 8006, 6144)}, nil)
	h.launcher.onLaunch = func(spec LaunchSpec, p *fakeProcess) {
		p.exit(0)
	}
	ctx := context.Background()

	for attempt := 1; attempt <= 4; attempt++ {
		err := h.manager.Start(ctx, "sam2")
		var startErr *StartupError
		require.ErrorAs(t, err, &startErr, "attempt %d", attempt)
		assert.Equal(t, StartupExited, startErr.Reason)
		assert.Contains(t, startErr.Detail, "code 0")

		status, err := h.manager.Status("sam2")
		require.NoError(t, err)
		assert.Equal(t, models.WorkerStateStopped, status.State)
		assert.Equal(t, 0, status.FailedStarts)
		assert.Contains(t, status.LastError, "code 0")
	}
	assert.Equal(t, 4, h.launcher.count("sam2"), "clean exits never reach the error state")
	assert.Equal(t, 0, h.manager.Budget(ctx).CommittedMB)
}

func TestWaitUntilReadyFailsFastWhenProcessExits(t *testing.T) {
	def := testDefinition("sam2", 8006, 6144)
	def.StartupTimeout = 10 * time.Second
	h := newHarness(t, 24576, []models.WorkerDefinition{def}, nil)
	launched := make(chan *fakeProcess, 1)
	h.launcher.onLaunch = func(spec LaunchSpec, p *fakeProcess) {
		launched <- p
	}
	ctx := context.Background()

	startErr := make(chan error, 1)
	go func() { startErr <- h.manager.Start(ctx, "sam2") }()

	var proc *fakeProcess
	select {
	case proc = <-launched:
	case <-time.After(time.Second):
		t.Fatal("worker was not launched")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		proc.exit(1)
	}()

	began := time.Now()
	err := h.manager.WaitUntilReady(ctx, "sam2", 10*time.Second)
	var waitErr *StartupError
	require.ErrorAs(t, err, &waitErr)
	assert.Equal(t, StartupExited, waitErr.Reason)
	assert.Less(t, time.Since(began), time.Second)

	select {
	case err := <-startErr:
		var se *StartupError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StartupExited, se.Reason)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after the process exited")
	}

	status, err := h.manager.Status("sam2")
	require.NoError(t, err)
	assert.Equal(t, 1, status.FailedStarts)
	assert.Equal(t, 0, h.manager.Budget(ctx).CommittedMB)
}

func TestStartTimeoutTerminatesProcess(t *testing.T) {
	def := testDefinition("sam2", 8006, 6144)
	def.StartupTimeout = 100 * time.Millisecond
	h := newHarness(t, 24576, []models.WorkerDefinition{def}, nil)
	ctx := context.Background()

	err := h.manager.Start(ctx, "sam2")
	var startErr *StartupError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, StartupTimeout, startErr.Reason)

	require.Eventually(t, func() bool {
		return h.launcher.last("sam2").terminated.Load()
	}, time.Second, 5*time.Millisecond)

	status, err := h.manager.Status("sam2")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStateStopped, status.State)
	assert.Equal(t, 1, status.FailedStarts)
	assert.Equal(t, 0, h.manager.Budget(ctx).CommittedMB)
}

func TestLaunchFailureCountsAttempt(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{testDefinition("sam2", 8006, 6144)}, nil)
	h.launcher.err = fmt.Errorf("exec: python3: not found")

	err := h.manager.Start(context.Background(), "sam2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	status, err := h.manager.Status("sam2")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStateStopped, status.State)
	assert.Equal(t, 1, status.FailedStarts)
}

func TestReadyLineTriggersProbe(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{testDefinition("sam2", 8006, 6144)}, func(c *common.WorkersConfig) {
		c.PollInterval = "1h"
	})
	h.launcher.onLaunch = func(spec LaunchSpec, p *fakeProcess) {
		h.prober.set(h.registry.HealthURL(spec.WorkerID), true)
		go spec.OnOutput("INFO:     Uvicorn running on http://0.0.0.0:8006")
	}

	start := time.Now()
	require.NoError(t, h.manager.Start(context.Background(), "sam2"))
	assert.Less(t, time.Since(start), time.Second)
}

func TestStopCancelsInFlightStart(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{testDefinition("sam2", 8006, 6144)}, nil)
	ctx := context.Background()

	result := make(chan error, 1)
	go func() { result <- h.manager.Start(ctx, "sam2") }()

	require.Eventually(t, func() bool {
		return h.launcher.count("sam2") == 1 && h.launcher.last("sam2") != nil
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		status, _ := h.manager.Status("sam2")
		return status.PID != 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.manager.Stop(ctx, "sam2"))

	select {
	case err := <-result:
		var startErr *StartupError
		require.ErrorAs(t, err, &startErr)
		assert.Equal(t, StartupFailed, startErr.Reason)
	case <-time.After(time.Second):
		t.Fatal("start did not return after stop")
	}

	assert.True(t, h.launcher.last("sam2").terminated.Load())
	assert.Equal(t, models.WorkerStateStopped, h.state(t, "sam2"))
	assert.Equal(t, 0, h.manager.Budget(ctx).CommittedMB)
}

func TestExternalWorkerIsNeverSpawned(t *testing.T) {
	external := models.WorkerDefinition{
		ID:             "comfyui",
		Label:          "ComfyUI",
		Port:           8188,
		HealthPath:     "/system_stats",
		StartupTimeout: time.Second,
	}
	h := newHarness(t, 24576, []models.WorkerDefinition{external}, nil)
	ctx := context.Background()

	err := h.manager.Start(ctx, "comfyui")
	var startErr *StartupError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, StartupExternal, startErr.Reason)
	assert.Contains(t, err.Error(), "http://localhost:8188")

	h.prober.set(h.registry.HealthURL("comfyui"), true)
	require.NoError(t, h.manager.Start(ctx, "comfyui"))

	status, err := h.manager.Status("comfyui")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStateReady, status.State)
	assert.True(t, status.External)
	assert.Equal(t, "Variable", status.MemoryLabel)
	assert.Equal(t, 0, h.launcher.count("comfyui"))
}

func TestWaitUntilReadyFailsFastWithoutProcess(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{testDefinition("sam2", 8006, 6144)}, nil)

	start := time.Now()
	err := h.manager.WaitUntilReady(context.Background(), "sam2", 10*time.Second)
	var startErr *StartupError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, StartupExited, startErr.Reason)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitUntilReadyHealthy(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{testDefinition("sam2", 8006, 6144)}, nil)
	h.healthyOnLaunch()
	ctx := context.Background()

	require.NoError(t, h.manager.Start(ctx, "sam2"))
	assert.NoError(t, h.manager.WaitUntilReady(ctx, "sam2", time.Second))
}

func TestHealthCheckStampsTime(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{testDefinition("sam2", 8006, 6144)}, nil)
	ctx := context.Background()

	assert.False(t, h.manager.HealthCheck(ctx, "sam2"))
	status, err := h.manager.Status("sam2")
	require.NoError(t, err)
	assert.Nil(t, status.LastHealthCheck)

	h.prober.set(h.registry.HealthURL("sam2"), true)
	assert.True(t, h.manager.HealthCheck(ctx, "sam2"))
	status, err = h.manager.Status("sam2")
	require.NoError(t, err)
	assert.NotNil(t, status.LastHealthCheck)

	assert.False(t, h.manager.HealthCheck(ctx, "missing"))
}

func TestSweepHealthDropsUnhealthyWorkers(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{
		testDefinition("a", 9001, 4096),
		testDefinition("b", 9002, 4096),
	}, nil)
	h.healthyOnLaunch()
	ctx := context.Background()

	require.NoError(t, h.manager.Start(ctx, "a"))
	require.NoError(t, h.manager.Start(ctx, "b"))

	h.prober.set(h.registry.HealthURL("a"), false)
	assert.Equal(t, 1, h.manager.SweepHealth(ctx))

	status, err := h.manager.Status("a")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStateStopped, status.State)
	assert.Equal(t, "health check failed", status.LastError)
	assert.True(t, h.launcher.last("a").terminated.Load())
	assert.Equal(t, models.WorkerStateReady, h.state(t, "b"))
	assert.Equal(t, 4096, h.manager.Budget(ctx).CommittedMB)
}

func TestStartReplacesUnhealthyReadyWorker(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{testDefinition("sam2", 8006, 6144)}, nil)
	h.healthyOnLaunch()
	ctx := context.Background()

	require.NoError(t, h.manager.Start(ctx, "sam2"))
	first := h.launcher.last("sam2")

	h.prober.set(h.registry.HealthURL("sam2"), false)
	require.NoError(t, h.manager.Start(ctx, "sam2"))

	assert.Equal(t, 2, h.launcher.count("sam2"))
	assert.True(t, first.terminated.Load())
}

func TestEnsureReadyStartsDependenciesFirst(t *testing.T) {
	base := testDefinition("audio-processor", 8002, 4096)
	dependent := testDefinition("qwen-tts", 8003, 8192)
	dependent.DependsOn = []string{"audio-processor"}

	h := newHarness(t, 24576, []models.WorkerDefinition{dependent, base}, nil)

	var order []string
	var mu sync.Mutex
	h.launcher.onLaunch = func(spec LaunchSpec, p *fakeProcess) {
		mu.Lock()
		order = append(order, spec.WorkerID)
		mu.Unlock()
		h.prober.set(h.registry.HealthURL(spec.WorkerID), true)
	}

	require.NoError(t, h.manager.EnsureReady(context.Background(), "qwen-tts"))
	assert.Equal(t, []string{"audio-processor", "qwen-tts"}, order)
	assert.Equal(t, models.WorkerStateReady, h.state(t, "audio-processor"))
}

func TestCheckBudgetExcludesOwnAllocation(t *testing.T) {
	h := newHarness(t, 8192, []models.WorkerDefinition{
		testDefinition("a", 9001, 8192),
		testDefinition("b", 9002, 8192),
	}, nil)
	h.healthyOnLaunch()
	ctx := context.Background()

	require.NoError(t, h.manager.Start(ctx, "a"))
	assert.NoError(t, h.manager.CheckBudget(ctx, "a"))

	var budgetErr *BudgetExceededError
	assert.ErrorAs(t, h.manager.CheckBudget(ctx, "b"), &budgetErr)
}

func TestActiveMemoryUsage(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{
		testDefinition("a", 9001, 8192),
		testDefinition("b", 9002, 12288),
	}, nil)
	h.healthyOnLaunch()
	ctx := context.Background()

	assert.Equal(t, "0GB", h.manager.ActiveMemoryUsage())

	require.NoError(t, h.manager.Start(ctx, "a"))
	require.NoError(t, h.manager.Start(ctx, "b"))
	assert.Equal(t, "8GB + 12GB", h.manager.ActiveMemoryUsage())
}

func TestStopAllStopsEveryRunningWorker(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{
		testDefinition("a", 9001, 4096),
		testDefinition("b", 9002, 4096),
		testDefinition("c", 9003, 4096),
	}, nil)
	h.healthyOnLaunch()
	ctx := context.Background()

	require.NoError(t, h.manager.Start(ctx, "a"))
	require.NoError(t, h.manager.Start(ctx, "b"))

	require.NoError(t, h.manager.StopAll(ctx))
	for _, s := range h.manager.Statuses() {
		assert.Equal(t, models.WorkerStateStopped, s.State, s.ID)
	}
	assert.True(t, h.launcher.last("a").terminated.Load())
	assert.True(t, h.launcher.last("b").terminated.Load())
	assert.Equal(t, 0, h.manager.Budget(ctx).CommittedMB)
}

func TestRestartRelaunchesWorker(t *testing.T) {
	h := newHarness(t, 24576, []models.WorkerDefinition{testDefinition("sam2", 8006, 6144)}, nil)
	h.healthyOnLaunch()
	ctx := context.Background()

	require.NoError(t, h.manager.Start(ctx, "sam2"))
	first := h.launcher.last("sam2")

	require.NoError(t, h.manager.Restart(ctx, "sam2"))

	assert.True(t, first.terminated.Load())
	assert.Equal(t, 2, h.launcher.count("sam2"))
	assert.NotSame(t, first, h.launcher.last("sam2"))
	assert.Equal(t, models.WorkerStateReady, h.state(t, "sam2"))
	assert.Equal(t, 6144, h.manager.Budget(ctx).CommittedMB)
}
