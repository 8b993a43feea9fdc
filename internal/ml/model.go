package ml

import (
	"errors"
	"fmt"

	"github.com/cvalentine99/nfa-bayes/internal/models"
)

var (
	// ErrInvalidInput is returned when a feature vector has the wrong
	// arity or carries NaN/Inf values.
	ErrInvalidInput = errors.New("ml: invalid input")

	// ErrInvalidModel is returned when a ModelConfig cannot be trained.
	ErrInvalidModel = errors.New("ml: invalid model")
)

// TrainingExample is one labeled feature vector.
type TrainingExample struct {
	Label    models.Label `yaml:"label" json:"label"`
	Features []float64    `yaml:"features" json:"features"`
}

// ThreatPattern is a heuristic rule that boosts the malicious score.
// A pattern is either a size rule (Size set) or a port-pair rule (Ports set),
// never both.
type ThreatPattern struct {
	Name     string          `yaml:"name" json:"name"`
	Severity models.Severity `yaml:"severity" json:"severity"`
	Size     *float64        `yaml:"size,omitempty" json:"size,omitempty"`
	Ports    []float64       `yaml:"ports,omitempty" json:"ports,omitempty"`
}

// SizePattern builds a rule firing when the payload size reaches threshold.
func SizePattern(name string, threshold float64, severity models.Severity) ThreatPattern {
	return ThreatPattern{Name: name, Severity: severity, Size: &threshold}
}

// PortPattern builds a rule firing when both source and destination port
// belong to ports.
func PortPattern(name string, severity models.Severity, ports ...float64) ThreatPattern {
	return ThreatPattern{Name: name, Severity: severity, Ports: ports}
}

// IsSizeRule reports whether p is a size-threshold rule.
func (p ThreatPattern) IsSizeRule() bool {
	return p.Size != nil
}

func (p ThreatPattern) validate() error {
	switch {
	case p.Name == "":
		return errors.New("pattern name is empty")
	case !p.Severity.Valid():
		return fmt.Errorf("pattern %s: unknown severity %q", p.Name, p.Severity)
	case p.Size != nil && len(p.Ports) > 0:
		return fmt.Errorf("pattern %s: defines both size and ports", p.Name)
	case p.Size == nil && len(p.Ports) == 0:
		return fmt.Errorf("pattern %s: defines neither size nor ports", p.Name)
	}
	return nil
}

// ModelConfig is the injected training material of a FlowClassifier.
type ModelConfig struct {
	Version  string            `yaml:"version" json:"version"`
	Examples []TrainingExample `yaml:"examples" json:"examples"`
	Patterns []ThreatPattern   `yaml:"patterns" json:"patterns"`
}

// Validate checks that the configuration can be trained.
func (m *ModelConfig) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidModel)
	}
	if len(m.Examples) == 0 {
		return fmt.Errorf("%w: no training examples", ErrInvalidModel)
	}
	for i, ex := range m.Examples {
		if !ex.Label.Valid() {
			return fmt.Errorf("%w: example %d: unknown label %q", ErrInvalidModel, i, ex.Label)
		}
		if err := validateFeatures(ex.Features); err != nil {
			return fmt.Errorf("%w: example %d: %v", ErrInvalidModel, i, err)
		}
	}
	for _, p := range m.Patterns {
		if err := p.validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidModel, err)
		}
	}
	return nil
}

// DefaultModelConfig returns the built-in training set and threat patterns.
func DefaultModelConfig() *ModelConfig {
	mal := func(f ...float64) TrainingExample {
		return TrainingExample{Label: models.LabelMalicious, Features: f}
	}
	ben := func(f ...float64) TrainingExample {
		return TrainingExample{Label: models.LabelBenign, Features: f}
	}

	return &ModelConfig{
		Version: "builtin-1",
		Examples: []TrainingExample{
			// Large packets towards commonly abused services
			mal(6, 1500, 80, 80, 1500),
			mal(6, 1400, 80, 445, 1400),  // SMB
			mal(6, 1000, 80, 22, 1000),   // SSH
			mal(6, 1200, 80, 3389, 1200), // RDP
			mal(17, 512, 137, 138, 512),  // NetBIOS
			mal(6, 1300, 80, 1433, 1300), // MSSQL
			mal(6, 1100, 80, 3306, 1100), // MySQL
			mal(6, 900, 80, 5900, 900),   // VNC
			mal(6, 1600, 80, 1434, 1600), // MSSQL monitor

			// Small packets towards everyday services
			ben(6, 64, 80, 443, 64),
			ben(6, 64, 80, 80, 64),
			ben(6, 64, 80, 53, 64),
			ben(6, 64, 80, 25, 64),
			ben(6, 64, 80, 110, 64),
			ben(6, 64, 80, 123, 64),
			ben(6, 64, 80, 161, 64),
			ben(6, 64, 80, 67, 64),
			ben(6, 64, 80, 68, 64),
		},
		Patterns: []ThreatPattern{
			SizePattern("large_payload", 1000, models.SeverityMalicious),
			SizePattern("medium_payload", 800, models.SeveritySuspicious),
			PortPattern("ssh_rdp", models.SeverityMalicious, 22, 3389),
			PortPattern("netbios", models.SeverityMalicious, 137, 138),
			PortPattern("sql_servers", models.SeverityMalicious, 1433, 3306),
			PortPattern("common_attack_ports", models.SeveritySuspicious, 21, 22, 23, 25, 53, 80, 443),
		},
	}
}
