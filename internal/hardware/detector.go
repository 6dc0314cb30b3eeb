// Package hardware probes the host for accelerators and reports how much
// accelerator memory is available to workers.
package hardware

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/common"
	"github.com/ternarybob/hearth/internal/interfaces"
	"github.com/ternarybob/hearth/internal/models"
)

// unifiedMemoryFraction is the share of system memory assumed usable by an integrated GPU
const unifiedMemoryFraction = 0.75

// CommandRunner executes a probe command and returns its stdout
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs probe commands with os/exec
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Options tune a Detector. Zero values fall back to the host's values.
type Options struct {
	Runner CommandRunner
	GOOS   string
	GOARCH string
	Now    func() time.Time
}

// Detector probes accelerators and caches the resulting snapshot
type Detector struct {
	runner           CommandRunner
	logger           arbor.ILogger
	goos             string
	goarch           string
	cacheTTL         time.Duration
	probeTimeout     time.Duration
	memoryOverrideMB int
	now              func() time.Time

	mu       sync.Mutex
	cached   *models.CapabilitySnapshot
	cachedAt time.Time
}

var _ interfaces.CapabilityDetector = (*Detector)(nil)

// NewDetector creates a detector from hardware configuration
func NewDetector(logger arbor.ILogger, config *common.HardwareConfig, opts Options) *Detector {
	d := &Detector{
		runner:           opts.Runner,
		logger:           logger,
		goos:             opts.GOOS,
		goarch:           opts.GOARCH,
		cacheTTL:         common.ParseDuration(config.CacheTTL, 30*time.Second),
		probeTimeout:     common.ParseDuration(config.ProbeTimeout, 5*time.Second),
		memoryOverrideMB: config.MemoryOverrideMB,
		now:              opts.Now,
	}
	if d.runner == nil {
		d.runner = ExecRunner{}
	}
	if d.goos == "" {
		d.goos = runtime.GOOS
	}
	if d.goarch == "" {
		d.goarch = runtime.GOARCH
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Snapshot returns the cached snapshot while it is fresh, otherwise probes the host.
// Probing never fails; a host with no accelerator yields a CPU-only snapshot.
func (d *Detector) Snapshot(ctx context.Context, forceRefresh bool) *models.CapabilitySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if !forceRefresh && d.cached != nil && now.Sub(d.cachedAt) < d.cacheTTL {
		return copySnapshot(d.cached)
	}

	accelerators := d.probeDiscrete(ctx)
	accelerators = append(accelerators, d.probeUnified(ctx)...)
	if len(accelerators) == 0 {
		d.logger.Debug().Msg("No accelerator detected, using CPU fallback")
		accelerators = append(accelerators, models.Accelerator{
			Type:      models.AcceleratorCPU,
			Name:      "CPU (no accelerator detected)",
			Available: false,
		})
	}

	snap := d.assemble(accelerators, now)
	d.cached = snap
	d.cachedAt = now

	return copySnapshot(snap)
}

// CanRun answers from the latest snapshot. It probes only when nothing has been cached yet.
func (d *Detector) CanRun(requiredMB int) models.Admission {
	d.mu.Lock()
	snap := d.cached
	d.mu.Unlock()

	if snap == nil {
		snap = d.Snapshot(context.Background(), false)
	}
	return Admit(snap, requiredMB)
}

// Admit decides whether a model needing requiredMB fits the given snapshot
func Admit(snap *models.CapabilitySnapshot, requiredMB int) models.Admission {
	device := snap.Device()

	if !snap.MemoryOverridden && (snap.Primary == nil || !snap.Primary.Available) {
		return models.Admission{
			Allowed: false,
			Reason:  "no accelerator available; install NVIDIA drivers, use Apple Silicon or set a memory override",
			Device:  "cpu",
		}
	}

	if snap.AvailableMemoryMB < requiredMB {
		return models.Admission{
			Allowed: false,
			Reason: fmt.Sprintf("insufficient accelerator memory: required %dMB, available %dMB (%dMB short)",
				requiredMB, snap.AvailableMemoryMB, requiredMB-snap.AvailableMemoryMB),
			Device: device,
		}
	}

	return models.Admission{Allowed: true, Device: device}
}

// Describe logs the current snapshot
func (d *Detector) Describe(ctx context.Context) {
	snap := d.Snapshot(ctx, true)

	for _, acc := range snap.Accelerators {
		d.logger.Info().
			Str("type", string(acc.Type)).
			Str("name", acc.Name).
			Int("memory_mb", acc.MemoryMB).
			Int("used_mb", acc.UsedMemoryMB).
			Str("runtime", acc.RuntimeTag).
			Str("compute", acc.ComputeCapability).
			Bool("available", acc.Available).
			Msg("Accelerator")
	}

	d.logger.Info().
		Int("total_mb", snap.TotalMemoryMB).
		Int("available_mb", snap.AvailableMemoryMB).
		Bool("cuda", snap.HasCUDA).
		Bool("metal", snap.HasMetal).
		Bool("overridden", snap.MemoryOverridden).
		Str("device", snap.Device()).
		Msg("Hardware capability")
}

func (d *Detector) assemble(accelerators []models.Accelerator, now time.Time) *models.CapabilitySnapshot {
	snap := &models.CapabilitySnapshot{
		Accelerators: accelerators,
		DetectedAt:   now,
	}

	used := 0
	for i := range accelerators {
		acc := &accelerators[i]
		snap.TotalMemoryMB += acc.MemoryMB
		used += acc.UsedMemoryMB
		switch acc.Type {
		case models.AcceleratorCUDA:
			snap.HasCUDA = true
		case models.AcceleratorMetal:
			snap.HasMetal = true
		}
		if snap.Primary == nil && acc.Available {
			primary := *acc
			snap.Primary = &primary
		}
	}
	snap.AvailableMemoryMB = clampZero(snap.TotalMemoryMB - used)

	if d.memoryOverrideMB > 0 {
		snap.TotalMemoryMB = d.memoryOverrideMB
		snap.AvailableMemoryMB = clampZero(d.memoryOverrideMB - used)
		snap.MemoryOverridden = true
	}

	return snap
}

func (d *Detector) run(ctx context.Context, name string, args ...string) (string, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()

	out, err := d.runner.Run(probeCtx, name, args...)
	if err != nil {
		d.logger.Debug().Err(err).Str("command", name).Msg("Probe found nothing")
		return "", false
	}
	return string(out), true
}

// probeDiscrete queries nvidia-smi for every CUDA device
func (d *Detector) probeDiscrete(ctx context.Context) []models.Accelerator {
	out, ok := d.run(ctx, "nvidia-smi",
		"--query-gpu=name,memory.total,memory.used,driver_version,compute_cap",
		"--format=csv,noheader,nounits")
	if !ok {
		return nil
	}

	var accelerators []models.Accelerator
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, ",")
		if len(parts) < 5 {
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		total, err := strconv.Atoi(parts[1])
		if err != nil {
			d.logger.Debug().Str("line", line).Msg("Unparseable nvidia-smi memory.total")
			continue
		}
		used, err := strconv.Atoi(parts[2])
		if err != nil {
			used = 0
		}

		acc := models.Accelerator{
			Type:              models.AcceleratorCUDA,
			Name:              parts[0],
			MemoryMB:          total,
			UsedMemoryMB:      used,
			DriverVersion:     parts[3],
			ComputeCapability: parts[4],
			RuntimeTag:        RuntimeTag(parts[3]),
			Available:         true,
		}
		d.logger.Debug().
			Str("name", acc.Name).
			Int("memory_mb", acc.MemoryMB).
			Str("runtime", acc.RuntimeTag).
			Msg("Detected discrete accelerator")
		accelerators = append(accelerators, acc)
	}
	return accelerators
}

// probeUnified detects Apple Silicon unified memory on darwin
func (d *Detector) probeUnified(ctx context.Context) []models.Accelerator {
	if d.goos != "darwin" {
		return nil
	}

	memOut, ok := d.run(ctx, "sysctl", "-n", "hw.memsize")
	if !ok {
		return nil
	}
	totalBytes, err := strconv.ParseInt(strings.TrimSpace(memOut), 10, 64)
	if err != nil || totalBytes <= 0 {
		d.logger.Debug().Str("value", memOut).Msg("Unparseable hw.memsize")
		return nil
	}

	name := "Apple Silicon GPU"
	if brand, ok := d.run(ctx, "sysctl", "-n", "machdep.cpu.brand_string"); ok && strings.TrimSpace(brand) != "" {
		name = strings.TrimSpace(brand)
	}

	if !isAppleSilicon(name) && d.goarch != "arm64" {
		return nil
	}

	memoryMB := int(float64(totalBytes/(1024*1024)) * unifiedMemoryFraction)
	d.logger.Debug().Str("name", name).Int("memory_mb", memoryMB).Msg("Detected unified memory accelerator")

	return []models.Accelerator{{
		Type:      models.AcceleratorMetal,
		Name:      name,
		MemoryMB:  memoryMB,
		Available: true,
	}}
}

func isAppleSilicon(name string) bool {
	for _, marker := range []string{"Apple", "M1", "M2", "M3", "M4"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

// runtimeThresholds maps minimum driver major versions to CUDA runtime tags, highest first
var runtimeThresholds = []struct {
	minDriver float64
	tag       string
}{
	{560, "12.6"},
	{550, "12.4"},
	{535, "12.2"},
	{525, "12.0"},
	{515, "11.7"},
}

const defaultRuntimeTag = "12.4"

// RuntimeTag derives a coarse CUDA runtime tag from a driver version such as "550.54.14".
// Diagnostic only.
func RuntimeTag(driverVersion string) string {
	v := strings.TrimSpace(driverVersion)
	if major, rest, ok := strings.Cut(v, "."); ok {
		minor, _, _ := strings.Cut(rest, ".")
		v = major + "." + minor
	}
	num, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultRuntimeTag
	}
	for _, t := range runtimeThresholds {
		if num >= t.minDriver {
			return t.tag
		}
	}
	return defaultRuntimeTag
}

func clampZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func copySnapshot(s *models.CapabilitySnapshot) *models.CapabilitySnapshot {
	out := *s
	out.Accelerators = append([]models.Accelerator(nil), s.Accelerators...)
	if s.Primary != nil {
		primary := *s.Primary
		out.Primary = &primary
	}
	return &out
}
