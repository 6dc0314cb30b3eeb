// Package workers owns the lifecycle of the local model workers: it admits
// starts against the accelerator memory budget, spawns and supervises the
// processes, and tracks health.
package workers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/common"
	"github.com/ternarybob/hearth/internal/interfaces"
	"github.com/ternarybob/hearth/internal/models"
	"github.com/ternarybob/hearth/internal/tracing"
)

var errProcessExited = errors.New("process exited")

// Options inject collaborators; nil fields use the real implementations
type Options struct {
	Launcher Launcher
	Prober   HealthProber
	Now      func() time.Time
}

type workerState struct {
	status          models.WorkerState
	process         Process
	pid             int
	lastHealthCheck time.Time
	failedStarts    int
	lastError       string
	readySince      time.Time
	pendingCrash    bool // exited abnormally while ready; charged on the next start
	start           *startAttempt
}

type startAttempt struct {
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

func (a *startAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return fmt.Errorf("waiting for worker start: %w", ctx.Err())
	}
}

// Manager supervises every registered worker. A single mutex guards the
// runtime state map, and with it the memory ledger derived from it.
type Manager struct {
	registry *Registry
	detector interfaces.CapabilityDetector
	launcher Launcher
	prober   HealthProber
	logger   arbor.ILogger
	now      func() time.Time

	maxAttempts   int
	pollInterval  time.Duration
	healthTimeout time.Duration
	stopGrace     time.Duration

	mu     sync.Mutex
	states map[string]*workerState
}

var _ interfaces.WorkerManager = (*Manager)(nil)

// NewManager creates a manager with every worker stopped
func NewManager(logger arbor.ILogger, registry *Registry, detector interfaces.CapabilityDetector, config *common.WorkersConfig, opts Options) *Manager {
	m := &Manager{
		registry:      registry,
		detector:      detector,
		launcher:      opts.Launcher,
		prober:        opts.Prober,
		logger:        logger,
		now:           opts.Now,
		maxAttempts:   config.MaxStartAttempts,
		pollInterval:  common.ParseDuration(config.PollInterval, 2*time.Second),
		healthTimeout: common.ParseDuration(config.HealthTimeout, 5*time.Second),
		stopGrace:     common.ParseDuration(config.StopGracePeriod, 5*time.Second),
		states:        make(map[string]*workerState),
	}
	if m.launcher == nil {
		m.launcher = NewExecLauncher(logger)
	}
	if m.prober == nil {
		m.prober = NewHTTPProber()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = 3
	}

	for _, id := range registry.IDs() {
		m.states[id] = &workerState{status: models.WorkerStateStopped}
	}
	return m
}

// Definition returns a worker definition
func (m *Manager) Definition(id string) (models.WorkerDefinition, bool) {
	return m.registry.Get(id)
}

// Definitions returns every worker definition
func (m *Manager) Definitions() []models.WorkerDefinition {
	return m.registry.All()
}

// URL returns a worker's base URL
func (m *Manager) URL(id string) string {
	return m.registry.URL(id)
}

// EnsureReady makes id and its declared dependencies ready
func (m *Manager) EnsureReady(ctx context.Context, id string) error {
	def, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}

	for _, dep := range def.DependsOn {
		if err := m.EnsureReady(ctx, dep); err != nil {
			return fmt.Errorf("dependency %s of %s: %w", dep, id, err)
		}
	}

	return m.Start(ctx, id)
}

// Start makes a worker ready. A ready worker that passes a fresh probe is
// left alone; a start already in flight is joined rather than duplicated.
// The memory budget is checked and reserved atomically before any spawn.
func (m *Manager) Start(ctx context.Context, id string) (err error) {
	def, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}

	ctx, span := tracing.StartSpan(ctx, "workers.Start")
	span.WithAttributes(map[string]string{"worker.id": id})
	span.SetInt("worker.memory_mb", def.MemoryMB)
	defer func() { tracing.EndSpan(span, err) }()

	if def.External() {
		return m.startExternal(ctx, def)
	}

	if m.stateOf(id) == models.WorkerStateReady {
		if m.HealthCheck(ctx, id) {
			return nil
		}
		m.dropUnhealthy(id, "health check failed")
	}

	// Staleness is unsafe for admission, so capacity is always re-probed
	snap := m.detector.Snapshot(ctx, true)

	m.mu.Lock()
	st := m.states[id]

	if attempt := st.start; attempt != nil {
		m.mu.Unlock()
		m.logger.Debug().Str("worker", id).Msg("Joining in-flight start")
		return attempt.wait(ctx)
	}
	if st.status == models.WorkerStateReady {
		m.mu.Unlock()
		return nil
	}

	if st.pendingCrash {
		st.pendingCrash = false
		m.recordFailureLocked(st, st.lastError)
	}
	if st.status == models.WorkerStateError {
		detail := fmt.Sprintf("failed %d start attempts, reset required", st.failedStarts)
		if st.lastError != "" {
			detail += ": " + st.lastError
		}
		m.mu.Unlock()
		return &StartupError{WorkerID: id, Reason: StartupTerminal, Detail: detail}
	}

	if err := m.checkBudgetLocked(def, snap.TotalMemoryMB); err != nil {
		m.mu.Unlock()
		m.logger.Warn().Err(err).Str("worker", id).Msg("Start refused")
		return err
	}

	attemptCtx, cancel := context.WithTimeout(context.Background(), def.StartupTimeout)
	attempt := &startAttempt{done: make(chan struct{}), cancel: cancel}
	st.start = attempt
	st.status = models.WorkerStateStarting
	attemptNo := st.failedStarts + 1
	m.mu.Unlock()

	m.logger.Info().
		Str("worker", id).
		Int("attempt", attemptNo).
		Int("memory_mb", def.MemoryMB).
		Msg("Starting worker")

	common.SafeGo(m.logger, "worker-start-"+id, func() {
		m.runStart(attemptCtx, def, attempt)
	})

	return attempt.wait(ctx)
}

func (m *Manager) startExternal(ctx context.Context, def models.WorkerDefinition) error {
	if m.HealthCheck(ctx, def.ID) {
		return nil
	}

	m.mu.Lock()
	m.states[def.ID].lastError = "not reachable"
	m.mu.Unlock()

	return &StartupError{
		WorkerID: def.ID,
		Reason:   StartupExternal,
		Detail:   fmt.Sprintf("%s is not running at %s; start it externally", def.Label, m.registry.URL(def.ID)),
	}
}

func (m *Manager) runStart(ctx context.Context, def models.WorkerDefinition, attempt *startAttempt) {
	defer attempt.cancel()

	hints := make(chan struct{}, 1)
	proc, err := m.launcher.Launch(LaunchSpec{
		WorkerID: def.ID,
		Command:  def.Command,
		Args:     def.Args,
		Env:      []string{PortEnv(def)},
		OnOutput: func(line string) {
			if containsAny(line, def.ReadyPatterns) {
				select {
				case hints <- struct{}{}:
				default:
				}
			}
		},
	})

	m.mu.Lock()
	st := m.states[def.ID]
	current := st.start == attempt

	if err != nil {
		if current {
			st.start = nil
			m.recordFailureLocked(st, err.Error())
		}
		m.mu.Unlock()
		m.logger.Error().Err(err).Str("worker", def.ID).Msg("Failed to launch worker")
		m.finishAttempt(attempt, fmt.Errorf("failed to launch worker %s: %w", def.ID, err))
		return
	}

	if !current {
		m.mu.Unlock()
		terminate(m.logger, def.ID, proc, m.stopGrace)
		m.finishAttempt(attempt, &StartupError{WorkerID: def.ID, Reason: StartupFailed, Detail: "start cancelled"})
		return
	}

	st.process = proc
	st.pid = proc.PID()
	m.mu.Unlock()

	m.logger.Debug().Str("worker", def.ID).Int("pid", proc.PID()).Msg("Worker process launched")

	common.SafeGo(m.logger, "worker-exit-"+def.ID, func() {
		<-proc.Done()
		m.handleExit(def.ID, proc)
	})

	waitErr := m.awaitHealthy(ctx, def, proc, hints)

	m.mu.Lock()
	current = st.start == attempt
	if current {
		st.start = nil
	}

	switch {
	case !current:
		// Stopped while starting; Stop owns the process now
		m.mu.Unlock()
		m.finishAttempt(attempt, &StartupError{WorkerID: def.ID, Reason: StartupFailed, Detail: "start cancelled"})

	case waitErr == nil && st.process == proc:
		now := m.now()
		st.status = models.WorkerStateReady
		st.readySince = now
		st.lastHealthCheck = now
		st.failedStarts = 0
		st.lastError = ""
		m.mu.Unlock()

		m.logger.Info().Str("worker", def.ID).Int("pid", proc.PID()).Msg("Worker is ready")
		m.finishAttempt(attempt, nil)

	case waitErr == nil || errors.Is(waitErr, errProcessExited):
		code := proc.ExitCode()
		detail := startupExitDetail(code)
		if m.detachLocked(st, proc) {
			m.recordStartupExitLocked(st, code)
		}
		m.mu.Unlock()

		m.logger.Warn().Str("worker", def.ID).Msg(detail)
		m.finishAttempt(attempt, &StartupError{WorkerID: def.ID, Reason: StartupExited, Detail: detail})

	default:
		detail := fmt.Sprintf("%s did not become healthy within %s", def.Label, def.StartupTimeout)
		detached := m.detachLocked(st, proc)
		if detached {
			m.recordFailureLocked(st, detail)
		}
		m.mu.Unlock()

		m.logger.Warn().Str("worker", def.ID).Msg(detail)
		m.finishAttempt(attempt, &StartupError{WorkerID: def.ID, Reason: StartupTimeout, Detail: detail})
		if detached {
			terminate(m.logger, def.ID, proc, m.stopGrace)
		}
	}
}

func (m *Manager) finishAttempt(a *startAttempt, err error) {
	a.err = err
	close(a.done)
}

// awaitHealthy polls until the worker is healthy. A ready line in the
// output triggers an immediate probe; the probe alone decides readiness.
func (m *Manager) awaitHealthy(ctx context.Context, def models.WorkerDefinition, proc Process, hints <-chan struct{}) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-proc.Done():
			return errProcessExited
		case <-hints:
			m.logger.Debug().Str("worker", def.ID).Msg("Ready line seen, probing")
		case <-ticker.C:
		}

		if m.probe(ctx, def) {
			return nil
		}
	}
}

// WaitUntilReady polls the worker's health endpoint until it answers healthy.
// It fails immediately when the worker has no live process.
func (m *Manager) WaitUntilReady(ctx context.Context, id string, timeout time.Duration) error {
	def, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		if m.HealthCheck(ctx, id) {
			return nil
		}

		m.mu.Lock()
		st := m.states[id]
		var exited <-chan struct{}
		if st.process != nil {
			exited = st.process.Done()
		}
		dead := !def.External() && st.process == nil && st.start == nil && st.status != models.WorkerStateReady
		lastError := st.lastError
		m.mu.Unlock()

		if dead {
			if lastError == "" {
				lastError = "worker process is not running"
			}
			return &StartupError{WorkerID: id, Reason: StartupExited, Detail: lastError}
		}

		select {
		case <-ctx.Done():
			return &StartupError{
				WorkerID: id,
				Reason:   StartupTimeout,
				Detail:   fmt.Sprintf("%s not healthy after %s", def.Label, timeout),
			}
		case <-exited:
		case <-ticker.C:
		}
	}
}

func (m *Manager) handleExit(id string, proc Process) {
	code := proc.ExitCode()

	m.mu.Lock()
	st := m.states[id]
	if !m.detachLocked(st, proc) {
		// Already stopped, timed out or replaced
		m.mu.Unlock()
		return
	}

	prev := st.status
	switch prev {
	case models.WorkerStateStarting:
		m.recordStartupExitLocked(st, code)
	case models.WorkerStateReady:
		st.status = models.WorkerStateStopped
		if code != 0 {
			st.lastError = fmt.Sprintf("worker exited with code %d", code)
			st.pendingCrash = true
		}
	}
	lastError := st.lastError
	status := st.status
	m.mu.Unlock()

	if code != 0 {
		m.logger.Warn().
			Str("worker", id).
			Int("exit_code", code).
			Str("previous", string(prev)).
			Str("state", string(status)).
			Str("error", lastError).
			Msg("Worker exited abnormally, memory released")
	} else {
		m.logger.Info().Str("worker", id).Str("previous", string(prev)).Msg("Worker exited")
	}
}

// detachLocked clears st's process if it is still proc. Whoever detaches a
// process owns the accounting for its exit.
func (m *Manager) detachLocked(st *workerState, proc Process) bool {
	if st.process != proc {
		return false
	}
	st.process = nil
	st.pid = 0
	st.readySince = time.Time{}
	return true
}

// recordStartupExitLocked accounts for a process that exited while starting.
// Only an abnormal exit counts as a failed attempt; a clean exit just stops.
func (m *Manager) recordStartupExitLocked(st *workerState, code int) {
	if code != 0 {
		m.recordFailureLocked(st, startupExitDetail(code))
		return
	}
	st.lastError = startupExitDetail(code)
	st.readySince = time.Time{}
	st.status = models.WorkerStateStopped
}

func startupExitDetail(code int) string {
	return fmt.Sprintf("worker exited with code %d during startup", code)
}

func (m *Manager) recordFailureLocked(st *workerState, detail string) {
	st.failedStarts++
	st.lastError = detail
	st.readySince = time.Time{}
	if st.failedStarts >= m.maxAttempts {
		st.status = models.WorkerStateError
	} else {
		st.status = models.WorkerStateStopped
	}
}

// Stop terminates a worker. State is cleared and its memory released before
// the signal is sent; an in-flight start is cancelled.
func (m *Manager) Stop(ctx context.Context, id string) error {
	if _, ok := m.registry.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}

	m.mu.Lock()
	st := m.states[id]
	attempt := st.start
	st.start = nil
	proc := st.process
	st.process = nil
	st.pid = 0
	st.readySince = time.Time{}
	if st.status != models.WorkerStateError {
		st.status = models.WorkerStateStopped
	}
	m.mu.Unlock()

	if attempt != nil {
		attempt.cancel()
	}
	if proc == nil {
		return nil
	}

	m.logger.Info().Str("worker", id).Int("pid", proc.PID()).Msg("Stopping worker")
	terminate(m.logger, id, proc, m.stopGrace)
	return nil
}

// StopAll stops every worker with a process or a start in flight
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	var ids []string
	for _, id := range m.registry.IDs() {
		st := m.states[id]
		if st.process != nil || st.start != nil || st.status == models.WorkerStateReady {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	m.logger.Info().Strs("workers", ids).Msg("Stopping all workers")

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = m.Stop(ctx, id)
		}(i, id)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Restart stops then starts a worker
func (m *Manager) Restart(ctx context.Context, id string) error {
	if err := m.Stop(ctx, id); err != nil {
		return err
	}
	return m.Start(ctx, id)
}

// HealthCheck probes the worker. It never fails; an unreachable worker is
// simply not healthy. Success stamps the check time and clears a transient error.
func (m *Manager) HealthCheck(ctx context.Context, id string) bool {
	def, ok := m.registry.Get(id)
	if !ok {
		return false
	}

	healthy := m.probe(ctx, def)

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.states[id]
	now := m.now()
	if healthy {
		st.lastHealthCheck = now
		if st.status != models.WorkerStateError {
			st.lastError = ""
		}
		if def.External() && st.status != models.WorkerStateReady {
			st.status = models.WorkerStateReady
			st.readySince = now
		}
	} else if def.External() && st.status == models.WorkerStateReady {
		st.status = models.WorkerStateStopped
		st.readySince = time.Time{}
	}
	return healthy
}

// probe runs one health probe under a hard deadline
func (m *Manager) probe(ctx context.Context, def models.WorkerDefinition) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	defer cancel()

	result := make(chan bool, 1)
	go func() {
		result <- m.prober.Probe(probeCtx, m.registry.HealthURL(def.ID), def.Health)
	}()

	select {
	case ok := <-result:
		return ok
	case <-probeCtx.Done():
		return false
	}
}

// dropUnhealthy stops a ready worker that failed its health check
func (m *Manager) dropUnhealthy(id, reason string) {
	m.mu.Lock()
	st := m.states[id]
	if st.status != models.WorkerStateReady {
		m.mu.Unlock()
		return
	}
	proc := st.process
	st.process = nil
	st.pid = 0
	st.readySince = time.Time{}
	st.status = models.WorkerStateStopped
	st.lastError = reason
	m.mu.Unlock()

	m.logger.Warn().Str("worker", id).Str("reason", reason).Msg("Dropping unhealthy worker")
	if proc != nil {
		terminate(m.logger, id, proc, m.stopGrace)
	}
}

// SweepHealth probes every ready worker and stops those that fail.
// Returns the number of workers dropped.
func (m *Manager) SweepHealth(ctx context.Context) int {
	m.mu.Lock()
	var ready []string
	for _, id := range m.registry.IDs() {
		if m.states[id].status == models.WorkerStateReady {
			ready = append(ready, id)
		}
	}
	m.mu.Unlock()

	dropped := 0
	for _, id := range ready {
		if m.HealthCheck(ctx, id) {
			continue
		}
		def, _ := m.registry.Get(id)
		if def.External() {
			// HealthCheck already marked it stopped
			dropped++
			continue
		}
		m.dropUnhealthy(id, "health check failed")
		dropped++
	}

	if dropped > 0 {
		m.logger.Warn().Int("dropped", dropped).Msg("Health sweep stopped unhealthy workers")
	}
	return dropped
}

// ResetState stops any lingering process and clears the error state and attempt counter
func (m *Manager) ResetState(ctx context.Context, id string) error {
	if err := m.Stop(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	st := m.states[id]
	st.status = models.WorkerStateStopped
	st.failedStarts = 0
	st.lastError = ""
	st.pendingCrash = false
	m.mu.Unlock()

	m.logger.Info().Str("worker", id).Msg("Worker state reset")
	return nil
}

// CheckBudget verifies id fits alongside the other committed workers.
// The worker's own current allocation is not counted against it.
func (m *Manager) CheckBudget(ctx context.Context, id string) error {
	def, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}

	snap := m.detector.Snapshot(ctx, true)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkBudgetLocked(def, snap.TotalMemoryMB)
}

func (m *Manager) checkBudgetLocked(def models.WorkerDefinition, capacityMB int) error {
	committed := 0
	for id, st := range m.states {
		if id == def.ID || !holdsMemory(st.status) {
			continue
		}
		other, _ := m.registry.Get(id)
		committed += other.MemoryMB
	}

	if committed+def.MemoryMB > capacityMB {
		return &BudgetExceededError{
			WorkerID:    def.ID,
			RequiredMB:  def.MemoryMB,
			CommittedMB: committed,
			CapacityMB:  capacityMB,
			ShortfallMB: committed + def.MemoryMB - capacityMB,
		}
	}
	return nil
}

// holdsMemory reports whether a worker in status counts against the budget.
// Starting workers are reserved so concurrent admits cannot overcommit.
func holdsMemory(status models.WorkerState) bool {
	return status == models.WorkerStateReady || status == models.WorkerStateStarting
}

// Budget reports the memory ledger against the cached capability snapshot
func (m *Manager) Budget(ctx context.Context) models.BudgetStatus {
	snap := m.detector.Snapshot(ctx, false)

	m.mu.Lock()
	defer m.mu.Unlock()

	budget := models.BudgetStatus{
		CapacityMB:  snap.TotalMemoryMB,
		Allocations: make(map[string]int),
	}
	for _, id := range m.registry.IDs() {
		if !holdsMemory(m.states[id].status) {
			continue
		}
		def, _ := m.registry.Get(id)
		if def.MemoryMB > 0 {
			budget.Allocations[id] = def.MemoryMB
			budget.CommittedMB += def.MemoryMB
		}
	}
	budget.AvailableMB = budget.CapacityMB - budget.CommittedMB
	if budget.AvailableMB < 0 {
		budget.AvailableMB = 0
	}
	return budget
}

// ActiveMemoryUsage renders the estimates of ready workers, e.g. "8GB + 12GB"
func (m *Manager) ActiveMemoryUsage() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var parts []string
	for _, id := range m.registry.IDs() {
		if m.states[id].status != models.WorkerStateReady {
			continue
		}
		def, _ := m.registry.Get(id)
		if def.MemoryMB > 0 {
			parts = append(parts, def.MemoryLabel())
		}
	}
	if len(parts) == 0 {
		return "0GB"
	}
	return strings.Join(parts, " + ")
}

// Status returns a read-only view of one worker
func (m *Manager) Status(id string) (*models.WorkerStatus, error) {
	def, ok := m.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	status := m.statusLocked(def)
	return &status, nil
}

// Statuses returns every worker's status in registration order
func (m *Manager) Statuses() []models.WorkerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.WorkerStatus, 0, len(m.states))
	for _, def := range m.registry.All() {
		out = append(out, m.statusLocked(def))
	}
	return out
}

func (m *Manager) statusLocked(def models.WorkerDefinition) models.WorkerStatus {
	st := m.states[def.ID]
	status := models.WorkerStatus{
		ID:           def.ID,
		Label:        def.Label,
		State:        st.status,
		IsRunning:    st.process != nil || st.status == models.WorkerStateReady,
		PID:          st.pid,
		URL:          m.registry.URL(def.ID),
		MemoryMB:     def.MemoryMB,
		MemoryLabel:  def.MemoryLabel(),
		FailedStarts: st.failedStarts,
		LastError:    st.lastError,
		External:     def.External(),
	}
	if !st.lastHealthCheck.IsZero() {
		t := st.lastHealthCheck
		status.LastHealthCheck = &t
	}
	if !st.readySince.IsZero() {
		t := st.readySince
		status.ReadySince = &t
	}
	return status
}

func (m *Manager) stateOf(id string) models.WorkerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id].status
}

func containsAny(line string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}
