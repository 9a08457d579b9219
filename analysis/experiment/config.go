package experiment

import (
	"fmt"
	"math"
	"time"
)

// Status is the lifecycle state of an experiment. Only active experiments
// assign users.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// FilterOperator is the comparison applied by a segmentation filter.
type FilterOperator string

const (
	OpGreaterThan    FilterOperator = "gt"
	OpGreaterOrEqual FilterOperator = "gte"
	OpLessThan       FilterOperator = "lt"
	OpLessOrEqual    FilterOperator = "lte"
	OpEqual          FilterOperator = "eq"
	OpBetween        FilterOperator = "between"
)

// Valid value registries.
var (
	validStatuses = map[Status]bool{
		StatusDraft: true, StatusActive: true, StatusPaused: true,
		StatusCompleted: true, StatusCancelled: true,
	}
	validOperators = map[FilterOperator]bool{
		OpGreaterThan: true, OpGreaterOrEqual: true, OpLessThan: true,
		OpLessOrEqual: true, OpEqual: true, OpBetween: true,
	}
)

const (
	// DefaultSignificanceLevel is the alpha applied when a config leaves
	// SignificanceLevel at zero.
	DefaultSignificanceLevel = 0.05

	// trafficSumTolerance absorbs floating-point drift in percentage sums.
	trafficSumTolerance = 0.01
)

// ValidationError reports which config field broke which rule. Creation
// rejects the config; nothing is stored.
type ValidationError struct {
	Field string
	Rule  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid experiment config: %s: %s", e.Field, e.Rule)
}

// Variant is one arm of an experiment. The payload carries arbitrary
// game-side settings; the engine never inspects it.
type Variant struct {
	ID                string
	Name              string
	TrafficPercentage float64
	IsControl         bool
	Payload           map[string]string
}

// MetricFilter gates eligibility on one behavioral metric from the
// assignment context. Between compares against [Min, Max]; every other
// operator compares against Value. A user whose context lacks the metric
// passes the filter.
type MetricFilter struct {
	Metric   string
	Operator FilterOperator
	Value    float64
	Min, Max float64
}

func (f MetricFilter) matches(v float64) bool {
	switch f.Operator {
	case OpGreaterThan:
		return v > f.Value
	case OpGreaterOrEqual:
		return v >= f.Value
	case OpLessThan:
		return v < f.Value
	case OpLessOrEqual:
		return v <= f.Value
	case OpEqual:
		return v == f.Value
	case OpBetween:
		return v >= f.Min && v <= f.Max
	default:
		// Unknown operators are rejected at creation.
		panic(fmt.Sprintf("unhandled filter operator %q", f.Operator))
	}
}

// Segmentation restricts which users may enter the experiment.
type Segmentation struct {
	Filters []MetricFilter
}

// SuccessCriteria parameterize the significance analysis.
// MinimumDetectableEffect is a relative lift (0.05 = 5%);
// MinimumSampleSize is the per-variant exposure count the experiment
// needs before its results are trusted.
type SuccessCriteria struct {
	SignificanceLevel       float64
	MinimumDetectableEffect float64
	MinimumSampleSize       int
}

// Config describes one experiment. Immutable once stored except for
// Status, which moves through SetStatus.
type Config struct {
	ID              string
	Name            string
	Description     string
	Variants        []Variant
	SuccessCriteria SuccessCriteria
	Segmentation    Segmentation
	Status          Status
	// CreatedAt anchors the days-running calculation in Analyze. Left
	// zero, Create stamps it with the current time; scenario replays can
	// backdate it.
	CreatedAt time.Time
}

// Control returns the control variant, or nil if the config has none.
// Validated configs always have exactly one.
func (c *Config) Control() *Variant {
	for i := range c.Variants {
		if c.Variants[i].IsControl {
			return &c.Variants[i]
		}
	}
	return nil
}

// clone returns a copy sharing no mutable state with the receiver: the
// variant slice, each variant's payload map, and the filter slice are all
// copied. The engine stores and returns clones so caller and engine never
// alias each other.
func (c Config) clone() Config {
	c.Variants = append([]Variant(nil), c.Variants...)
	for i := range c.Variants {
		if c.Variants[i].Payload == nil {
			continue
		}
		p := make(map[string]string, len(c.Variants[i].Payload))
		for k, v := range c.Variants[i].Payload {
			p[k] = v
		}
		c.Variants[i].Payload = p
	}
	c.Segmentation.Filters = append([]MetricFilter(nil), c.Segmentation.Filters...)
	return c
}

// Validate checks the config invariants: identity present, at least two
// variants with unique ids, traffic summing to 100, exactly one control,
// known status and filter operators, sane success criteria.
func (c *Config) Validate() error {
	if c.ID == "" {
		return &ValidationError{Field: "id", Rule: "must be present"}
	}
	if c.Name == "" {
		return &ValidationError{Field: "name", Rule: "must be present"}
	}
	if len(c.Variants) < 2 {
		return &ValidationError{Field: "variants", Rule: fmt.Sprintf("need at least two, got %d", len(c.Variants))}
	}

	totalTraffic := 0.0
	controls := 0
	seenIDs := make(map[string]bool, len(c.Variants))
	for i, v := range c.Variants {
		field := fmt.Sprintf("variants[%d]", i)
		if v.ID == "" {
			return &ValidationError{Field: field + ".id", Rule: "must be present"}
		}
		if seenIDs[v.ID] {
			return &ValidationError{Field: field + ".id", Rule: fmt.Sprintf("duplicate variant id %q", v.ID)}
		}
		seenIDs[v.ID] = true
		if v.TrafficPercentage < 0 || math.IsNaN(v.TrafficPercentage) || math.IsInf(v.TrafficPercentage, 0) {
			return &ValidationError{Field: field + ".trafficPercentage", Rule: fmt.Sprintf("must be a finite non-negative percentage, got %f", v.TrafficPercentage)}
		}
		totalTraffic += v.TrafficPercentage
		if v.IsControl {
			controls++
		}
	}
	if math.Abs(totalTraffic-100) > trafficSumTolerance {
		return &ValidationError{Field: "variants", Rule: fmt.Sprintf("traffic percentages must sum to 100 (within %.2f), got %.4f", trafficSumTolerance, totalTraffic)}
	}
	if controls != 1 {
		return &ValidationError{Field: "variants", Rule: fmt.Sprintf("exactly one control variant required, got %d", controls)}
	}

	if c.Status != "" && !validStatuses[c.Status] {
		return &ValidationError{Field: "status", Rule: fmt.Sprintf("unknown status %q; valid: draft, active, paused, completed, cancelled", c.Status)}
	}

	sc := c.SuccessCriteria
	if sc.SignificanceLevel < 0 || sc.SignificanceLevel >= 1 {
		return &ValidationError{Field: "successCriteria.significanceLevel", Rule: fmt.Sprintf("must be in [0, 1); got %f (0 takes the default %.2f)", sc.SignificanceLevel, DefaultSignificanceLevel)}
	}
	if sc.MinimumDetectableEffect < 0 {
		return &ValidationError{Field: "successCriteria.minimumDetectableEffect", Rule: fmt.Sprintf("must be non-negative, got %f", sc.MinimumDetectableEffect)}
	}
	if sc.MinimumSampleSize < 0 {
		return &ValidationError{Field: "successCriteria.minimumSampleSize", Rule: fmt.Sprintf("must be non-negative, got %d", sc.MinimumSampleSize)}
	}

	for i, f := range c.Segmentation.Filters {
		field := fmt.Sprintf("segmentation.filters[%d]", i)
		if f.Metric == "" {
			return &ValidationError{Field: field + ".metric", Rule: "must name a context metric"}
		}
		if !validOperators[f.Operator] {
			return &ValidationError{Field: field + ".operator", Rule: fmt.Sprintf("unknown operator %q; valid: gt, gte, lt, lte, eq, between", f.Operator)}
		}
		if f.Operator == OpBetween && f.Min > f.Max {
			return &ValidationError{Field: field, Rule: fmt.Sprintf("between bounds inverted: min %f > max %f", f.Min, f.Max)}
		}
	}
	return nil
}
