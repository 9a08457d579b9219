package cmd

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/reflexgames/insight/analysis/experiment"
)

// Scenario is the top-level simulation configuration.
// Loaded from YAML via LoadScenario(path).
type Scenario struct {
	Name       string         `yaml:"name"`
	Seed       int64          `yaml:"seed,omitempty"` // 0 seeds from the clock
	Population PopulationSpec `yaml:"population"`
	Experiment ExperimentSpec `yaml:"experiment"`
}

// PopulationSpec describes the synthetic user population.
type PopulationSpec struct {
	Size int `yaml:"size"`
	// Metrics are per-user context metrics sampled from a normal
	// distribution; eligibility filters read them during assignment.
	Metrics map[string]MetricSpec `yaml:"metrics,omitempty"`
}

// MetricSpec parameterizes one context metric.
type MetricSpec struct {
	Mean   float64 `yaml:"mean"`
	StdDev float64 `yaml:"std_dev"`
}

// ExperimentSpec is the YAML form of an experiment definition plus the
// synthetic ground truth (per-variant conversion rates) the engine is
// asked to rediscover.
type ExperimentSpec struct {
	ID                  string        `yaml:"id"`
	Name                string        `yaml:"name"`
	Description         string        `yaml:"description,omitempty"`
	StartedDaysAgo      float64       `yaml:"started_days_ago,omitempty"`
	SignificanceLevel   float64       `yaml:"significance_level,omitempty"`
	MinDetectableEffect float64       `yaml:"minimum_detectable_effect,omitempty"`
	MinSampleSize       int           `yaml:"minimum_sample_size,omitempty"`
	ConversionMetric    string        `yaml:"conversion_metric,omitempty"`
	Variants            []VariantSpec `yaml:"variants"`
	Filters             []FilterSpec  `yaml:"filters,omitempty"`
}

// VariantSpec is one experiment arm. ConversionRate is the true rate the
// simulation converts at, not something the engine gets to see.
type VariantSpec struct {
	ID             string            `yaml:"id"`
	Name           string            `yaml:"name,omitempty"`
	Traffic        float64           `yaml:"traffic"`
	Control        bool              `yaml:"control,omitempty"`
	ConversionRate float64           `yaml:"conversion_rate"`
	Payload        map[string]string `yaml:"payload,omitempty"`
}

// FilterSpec is one eligibility filter on a population metric.
type FilterSpec struct {
	Metric   string  `yaml:"metric"`
	Operator string  `yaml:"operator"`
	Value    float64 `yaml:"value,omitempty"`
	Min      float64 `yaml:"min,omitempty"`
	Max      float64 `yaml:"max,omitempty"`
}

// LoadScenario reads and parses a YAML scenario file.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if sc.Experiment.ConversionMetric == "" {
		sc.Experiment.ConversionMetric = "converted"
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks the simulation-side fields, then defers the experiment
// block to the engine's own config validation.
func (s *Scenario) Validate() error {
	if s.Population.Size <= 0 {
		return fmt.Errorf("population.size must be positive, got %d", s.Population.Size)
	}
	for name, m := range s.Population.Metrics {
		if math.IsNaN(m.Mean) || math.IsInf(m.Mean, 0) {
			return fmt.Errorf("population.metrics.%s: mean must be a finite number, got %f", name, m.Mean)
		}
		if math.IsNaN(m.StdDev) || math.IsInf(m.StdDev, 0) || m.StdDev < 0 {
			return fmt.Errorf("population.metrics.%s: std_dev must be non-negative, got %f", name, m.StdDev)
		}
	}
	if s.Experiment.StartedDaysAgo < 0 {
		return fmt.Errorf("experiment.started_days_ago must be non-negative, got %f", s.Experiment.StartedDaysAgo)
	}
	for i, v := range s.Experiment.Variants {
		if v.ConversionRate < 0 || v.ConversionRate > 1 {
			return fmt.Errorf("experiment.variants[%d]: conversion_rate must be in [0, 1], got %f", i, v.ConversionRate)
		}
	}
	cfg := s.ExperimentConfig(time.Now())
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("experiment: %w", err)
	}
	return nil
}

// ExperimentConfig converts the scenario's experiment block into an engine
// config, active and backdated by started_days_ago relative to now.
func (s *Scenario) ExperimentConfig(now time.Time) experiment.Config {
	cfg := experiment.Config{
		ID:          s.Experiment.ID,
		Name:        s.Experiment.Name,
		Description: s.Experiment.Description,
		Status:      experiment.StatusActive,
		SuccessCriteria: experiment.SuccessCriteria{
			SignificanceLevel:       s.Experiment.SignificanceLevel,
			MinimumDetectableEffect: s.Experiment.MinDetectableEffect,
			MinimumSampleSize:       s.Experiment.MinSampleSize,
		},
	}
	if s.Experiment.StartedDaysAgo > 0 {
		cfg.CreatedAt = now.Add(-time.Duration(s.Experiment.StartedDaysAgo * 24 * float64(time.Hour)))
	}
	for _, v := range s.Experiment.Variants {
		cfg.Variants = append(cfg.Variants, experiment.Variant{
			ID:                v.ID,
			Name:              v.Name,
			TrafficPercentage: v.Traffic,
			IsControl:         v.Control,
			Payload:           v.Payload,
		})
	}
	for _, f := range s.Experiment.Filters {
		cfg.Segmentation.Filters = append(cfg.Segmentation.Filters, experiment.MetricFilter{
			Metric:   f.Metric,
			Operator: experiment.FilterOperator(f.Operator),
			Value:    f.Value,
			Min:      f.Min,
			Max:      f.Max,
		})
	}
	return cfg
}
