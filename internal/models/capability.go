package models

import "time"

// AcceleratorType identifies the family of a detected accelerator
type AcceleratorType string

const (
	AcceleratorCUDA  AcceleratorType = "cuda"
	AcceleratorMetal AcceleratorType = "metal"
	AcceleratorCPU   AcceleratorType = "cpu"
)

// Accelerator describes one detected device
type Accelerator struct {
	Type              AcceleratorType `json:"type" yaml:"type"`
	Name              string          `json:"name" yaml:"name"`
	MemoryMB          int             `json:"memory_mb" yaml:"memory_mb"`
	UsedMemoryMB      int             `json:"used_memory_mb" yaml:"used_memory_mb"`
	DriverVersion     string          `json:"driver_version,omitempty" yaml:"driver_version,omitempty"`
	ComputeCapability string          `json:"compute_capability,omitempty" yaml:"compute_capability,omitempty"`
	RuntimeTag        string          `json:"runtime_tag,omitempty" yaml:"runtime_tag,omitempty"`
	Available         bool            `json:"available" yaml:"available"`
}

// CapabilitySnapshot is the result of one hardware probe pass
type CapabilitySnapshot struct {
	TotalMemoryMB     int           `json:"total_memory_mb" yaml:"total_memory_mb"`
	AvailableMemoryMB int           `json:"available_memory_mb" yaml:"available_memory_mb"`
	Accelerators      []Accelerator `json:"accelerators" yaml:"accelerators"`
	Primary           *Accelerator  `json:"primary,omitempty" yaml:"primary,omitempty"`
	HasCUDA           bool          `json:"has_cuda" yaml:"has_cuda"`
	HasMetal          bool          `json:"has_metal" yaml:"has_metal"`
	MemoryOverridden  bool          `json:"memory_overridden" yaml:"memory_overridden"`
	DetectedAt        time.Time     `json:"detected_at" yaml:"detected_at"`
}

// Device returns the framework device string for the snapshot: cuda, mps or cpu
func (s *CapabilitySnapshot) Device() string {
	if s == nil {
		return "cpu"
	}
	if s.HasCUDA {
		return "cuda"
	}
	if s.HasMetal {
		return "mps"
	}
	return "cpu"
}

// Admission is the answer to "can a model needing N MB run here"
type Admission struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Device  string `json:"device"`
}
