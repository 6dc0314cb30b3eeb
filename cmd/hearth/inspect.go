package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/common"
	"github.com/ternarybob/hearth/internal/hardware"
	"github.com/ternarybob/hearth/internal/models"
	"github.com/ternarybob/hearth/internal/workers"
	"gopkg.in/yaml.v3"
)

// inspectReport is the YAML document printed by -probe and -list-workers
type inspectReport struct {
	Capability *models.CapabilitySnapshot `yaml:"capability,omitempty"`
	Device     string                     `yaml:"device,omitempty"`
	Workers    []workerSummary            `yaml:"workers,omitempty"`
}

type workerSummary struct {
	ID        string   `yaml:"id"`
	Label     string   `yaml:"label"`
	URL       string   `yaml:"url"`
	Memory    string   `yaml:"memory"`
	External  bool     `yaml:"external"`
	DependsOn []string `yaml:"depends_on,omitempty"`
	Fits      *bool    `yaml:"fits,omitempty"`
}

// runInspect prints hardware and worker information without starting the server
func runInspect(config *common.Config, probe, list bool) error {
	logger := arbor.NewLogger()
	report := inspectReport{}

	var snapshot *models.CapabilitySnapshot
	if probe {
		detector := hardware.NewDetector(logger, &config.Hardware, hardware.Options{})
		snapshot = detector.Snapshot(context.Background(), true)
		report.Capability = snapshot
		report.Device = snapshot.Device()
	}

	if list {
		registry, err := workers.NewRegistry(
			workers.DefaultDefinitions(config.Workers.Python, config.Workers.ScriptsDir),
			config.Workers.Overrides,
		)
		if err != nil {
			return fmt.Errorf("failed to build worker registry: %w", err)
		}
		for _, def := range registry.All() {
			summary := workerSummary{
				ID:        def.ID,
				Label:     def.Label,
				URL:       registry.URL(def.ID),
				Memory:    def.MemoryLabel(),
				External:  def.External(),
				DependsOn: def.DependsOn,
			}
			if snapshot != nil {
				fits := hardware.Admit(snapshot, def.MemoryMB).Allowed
				summary.Fits = &fits
			}
			report.Workers = append(report.Workers, summary)
		}
	}

	encoder := yaml.NewEncoder(os.Stdout)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(report)
}
