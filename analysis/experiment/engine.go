// Package experiment implements the A/B experimentation engine: experiment
// lifecycle, deterministic hash-based variant assignment, exposure and
// conversion telemetry, and on-demand significance analysis.
//
// The engine is an explicit stateful object so several can coexist in one
// process; there is no package-level state. Creation-time validation is
// strict, while every per-request operation is total and degrades to
// nil/no-op instead of failing.
package experiment

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrUnknownExperiment is returned by lifecycle mutations that name an
// experiment the engine has never stored.
var ErrUnknownExperiment = errors.New("unknown experiment")

// ExposureEvent records one user encountering an experiment treatment.
// Append-only.
type ExposureEvent struct {
	ID        string
	UserID    string
	Timestamp time.Time
	Context   map[string]float64
}

// ConversionEvent records one measured outcome action with a named metric
// and numeric value. Append-only.
type ConversionEvent struct {
	ID        string
	UserID    string
	Metric    string
	Value     float64
	Timestamp time.Time
	Context   map[string]float64
}

// Assignment binds a user to a variant for the lifetime of an experiment,
// accumulating that user's telemetry. Created once per (user, experiment);
// never reassigned.
type Assignment struct {
	UserID       string
	ExperimentID string
	VariantID    string
	AssignedAt   time.Time
	Exposures    []ExposureEvent
	Conversions  []ConversionEvent
}

// clone returns a copy detached from engine state: the event slices get
// their own backing arrays, so telemetry recorded after the call never
// shows through the copy. Event context maps are shared because the
// engine never writes to them once appended.
func (a *Assignment) clone() *Assignment {
	c := *a
	c.Exposures = append([]ExposureEvent(nil), a.Exposures...)
	c.Conversions = append([]ConversionEvent(nil), a.Conversions...)
	return &c
}

// variantLog aggregates telemetry per (experiment, variant) for analysis.
type variantLog struct {
	exposures   []ExposureEvent
	conversions []ConversionEvent
}

// experimentRecord is the stored form of a config. A struct rather than a
// bare Config so analysis bookkeeping can grow without reshaping the map.
type experimentRecord struct {
	config Config
}

// Engine owns the experiment definitions, per-user assignments, and
// per-variant event logs. All methods are safe for concurrent use; a
// single mutex serializes writes so each user's assignment is created
// exactly once.
type Engine struct {
	mu          sync.Mutex
	experiments map[string]*experimentRecord
	assignments map[string]map[string]*Assignment // userID -> experimentID -> assignment
	logs        map[string]map[string]*variantLog // experimentID -> variantID -> log

	// now is swapped out by tests that need a fixed clock.
	now func() time.Time
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{
		experiments: make(map[string]*experimentRecord),
		assignments: make(map[string]map[string]*Assignment),
		logs:        make(map[string]map[string]*variantLog),
		now:         time.Now,
	}
}

// Create validates and stores an experiment. A zero Status becomes draft
// and a zero SignificanceLevel takes the default alpha. Re-creating an id
// overwrites the stored config; existing assignments and telemetry for
// that id are kept.
func (e *Engine) Create(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Status == "" {
		cfg.Status = StatusDraft
	}
	if cfg.SuccessCriteria.SignificanceLevel == 0 {
		cfg.SuccessCriteria.SignificanceLevel = DefaultSignificanceLevel
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = e.now().UTC()
	}
	// Detach the stored config from caller-held slices and maps.
	cfg = cfg.clone()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments[cfg.ID] = &experimentRecord{config: cfg}
	logrus.Infof("experiment %q created: %d variants, status %s", cfg.ID, len(cfg.Variants), cfg.Status)
	return nil
}

// SetStatus moves an experiment through its lifecycle. It is the only
// mutation allowed after creation.
func (e *Engine) SetStatus(experimentID string, status Status) error {
	if !validStatuses[status] {
		return &ValidationError{Field: "status", Rule: fmt.Sprintf("unknown status %q; valid: draft, active, paused, completed, cancelled", status)}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.experiments[experimentID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownExperiment, experimentID)
	}
	prev := rec.config.Status
	rec.config.Status = status
	logrus.Infof("experiment %q status %s -> %s", experimentID, prev, status)
	return nil
}

// Get returns a snapshot of the stored config, or nil when the id is
// unknown. The snapshot is detached: later status changes do not show
// through it, and mutating it cannot reach engine state.
func (e *Engine) Get(experimentID string) *Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.experiments[experimentID]
	if !ok {
		return nil
	}
	cfg := rec.config.clone()
	return &cfg
}

// List returns detached snapshots of every stored config, sorted by id.
func (e *Engine) List() []*Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	configs := make([]*Config, 0, len(e.experiments))
	for _, rec := range e.experiments {
		cfg := rec.config.clone()
		configs = append(configs, &cfg)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return configs
}

// AssignmentOf returns a snapshot of the user's assignment for an
// experiment, or nil when none exists. The snapshot holds the telemetry
// recorded up to the call; later events never show through it.
func (e *Engine) AssignmentOf(userID, experimentID string) *Assignment {
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.assignments[userID][experimentID]
	if a == nil {
		return nil
	}
	return a.clone()
}

// Assign buckets a user into a variant. It returns nil when the experiment
// is missing or not active, or when the user's context fails a
// segmentation filter. A user keeps their first assignment for good:
// repeat calls reuse it, so the call is idempotent and a user can never
// switch variants. Like AssignmentOf, the returned assignment is a
// detached snapshot.
func (e *Engine) Assign(userID, experimentID string, context map[string]float64) *Assignment {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.experiments[experimentID]
	if !ok || rec.config.Status != StatusActive {
		return nil
	}
	if existing := e.assignments[userID][experimentID]; existing != nil {
		return existing.clone()
	}
	if !eligible(rec.config.Segmentation, context) {
		logrus.Debugf("user %q ineligible for experiment %q", userID, experimentID)
		return nil
	}

	variantID := pickVariant(&rec.config, userID)
	a := &Assignment{
		UserID:       userID,
		ExperimentID: experimentID,
		VariantID:    variantID,
		AssignedAt:   e.now(),
	}
	if e.assignments[userID] == nil {
		e.assignments[userID] = make(map[string]*Assignment)
	}
	e.assignments[userID][experimentID] = a
	logrus.Debugf("user %q assigned to variant %q of experiment %q", userID, variantID, experimentID)
	return a.clone()
}

// TrackExposure appends an exposure event to the user's assignment log and
// the per-variant aggregate. Users without an assignment are dropped
// silently; telemetry must never disturb the game loop.
func (e *Engine) TrackExposure(userID, experimentID string, context map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.assignments[userID][experimentID]
	if a == nil {
		logrus.Debugf("exposure dropped: user %q has no assignment for experiment %q", userID, experimentID)
		return
	}
	ev := ExposureEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		Timestamp: e.now(),
		Context:   context,
	}
	a.Exposures = append(a.Exposures, ev)
	log := e.variantLogFor(experimentID, a.VariantID)
	log.exposures = append(log.exposures, ev)
}

// TrackConversion appends a conversion event carrying a named metric and
// value. Same no-op semantics as TrackExposure.
func (e *Engine) TrackConversion(userID, experimentID, metric string, value float64, context map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.assignments[userID][experimentID]
	if a == nil {
		logrus.Debugf("conversion dropped: user %q has no assignment for experiment %q", userID, experimentID)
		return
	}
	ev := ConversionEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		Metric:    metric,
		Value:     value,
		Timestamp: e.now(),
		Context:   context,
	}
	a.Conversions = append(a.Conversions, ev)
	log := e.variantLogFor(experimentID, a.VariantID)
	log.conversions = append(log.conversions, ev)
}

func (e *Engine) variantLogFor(experimentID, variantID string) *variantLog {
	byVariant := e.logs[experimentID]
	if byVariant == nil {
		byVariant = make(map[string]*variantLog)
		e.logs[experimentID] = byVariant
	}
	l := byVariant[variantID]
	if l == nil {
		l = &variantLog{}
		byVariant[variantID] = l
	}
	return l
}

// eligible evaluates segmentation filters against the user's context.
// Metrics absent from the context pass their filter.
func eligible(seg Segmentation, context map[string]float64) bool {
	for _, f := range seg.Filters {
		v, ok := context[f.Metric]
		if !ok {
			continue
		}
		if !f.matches(v) {
			return false
		}
	}
	return true
}

// pickVariant walks the variants in declaration order accumulating traffic
// shares until the user's hash bucket falls inside one. Rounding can leave
// the bucket past every share; the control absorbs that sliver so nobody
// lands outside the experiment.
func pickVariant(cfg *Config, userID string) string {
	u := assignmentHashV1(userID, cfg.ID)
	cumulative := 0.0
	for i := range cfg.Variants {
		cumulative += cfg.Variants[i].TrafficPercentage / 100.0
		if u < cumulative {
			return cfg.Variants[i].ID
		}
	}
	ctrl := cfg.Control()
	logrus.Warnf("assignment bucket %.9f past cumulative traffic of experiment %q; falling back to control %q", u, cfg.ID, ctrl.ID)
	return ctrl.ID
}
