package experiment

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reflexgames/insight/analysis/numstats"
)

// zCritical95 is the two-sided 95% normal critical value used by the
// reporting confidence intervals.
const zCritical95 = 1.96

// ConfidenceInterval is a two-sided interval.
type ConfidenceInterval struct {
	Lower float64
	Upper float64
}

// PercentileSet is the reported spread of one conversion metric.
type PercentileSet struct {
	P25 float64
	P50 float64
	P75 float64
	P90 float64
	P95 float64
}

// MetricStats summarizes one named conversion metric within a variant:
// moments, a 95% confidence interval on the mean, and percentiles.
type MetricStats struct {
	Count       int
	Mean        float64
	StdDev      float64
	CI          ConfidenceInterval
	Percentiles PercentileSet
}

// VariantResults is the derived view of one variant's telemetry. SampleSize
// counts exposure events; Metrics is keyed by the metric names observed in
// conversion events.
type VariantResults struct {
	VariantID        string
	IsControl        bool
	SampleSize       int
	Conversions      int
	ConversionRate   float64
	ConversionRateCI ConfidenceInterval
	Metrics          map[string]MetricStats
}

// WinnerAnalysis reports the two-proportion z-test of the leading variant
// against the control. EffectSize is the relative lift of the leader's
// conversion rate over the control's.
type WinnerAnalysis struct {
	VariantID             string
	EffectSize            float64
	ZScore                float64
	PValue                float64
	IsSignificant         bool
	PracticalSignificance bool
	Power                 float64
}

// Results is the full analysis snapshot for one experiment. It is a view
// recomputed from the event logs on every call, never stored.
type Results struct {
	ExperimentID       string
	GeneratedAt        time.Time
	DaysRunning        float64
	Variants           []VariantResults
	Winner             *WinnerAnalysis
	DaysToSignificance int
	Recommendations    []string
}

// Analyze recomputes the experiment results from the accumulated event
// logs. Unknown ids return nil; an experiment without telemetry returns
// zeroed variant results rather than failing.
func (e *Engine) Analyze(experimentID string) *Results {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.experiments[experimentID]
	if !ok {
		return nil
	}
	cfg := &rec.config
	now := e.now()

	res := &Results{
		ExperimentID: experimentID,
		GeneratedAt:  now,
		DaysRunning:  now.Sub(rec.config.CreatedAt).Hours() / 24,
	}

	byVariant := e.logs[experimentID]
	for _, v := range cfg.Variants {
		res.Variants = append(res.Variants, buildVariantResults(v, byVariant[v.ID]))
	}

	res.Winner = analyzeWinner(cfg, res.Variants)
	res.DaysToSignificance = estimateDaysToSignificance(cfg.SuccessCriteria.MinimumSampleSize, res.Variants, res.DaysRunning)
	res.Recommendations = buildRecommendations(cfg, res)

	if res.Winner != nil {
		logrus.Infof("experiment %q analyzed: leader %q, p=%.4f, significant=%v",
			experimentID, res.Winner.VariantID, res.Winner.PValue, res.Winner.IsSignificant)
	} else {
		logrus.Infof("experiment %q analyzed: no winner determinable", experimentID)
	}
	return res
}

func buildVariantResults(v Variant, log *variantLog) VariantResults {
	vr := VariantResults{
		VariantID: v.ID,
		IsControl: v.IsControl,
		Metrics:   make(map[string]MetricStats),
	}
	if log != nil {
		vr.SampleSize = len(log.exposures)
		vr.Conversions = len(log.conversions)
	}

	n := vr.SampleSize
	if n < 1 {
		n = 1
	}
	vr.ConversionRate = float64(vr.Conversions) / float64(n)
	vr.ConversionRateCI = waldInterval(vr.ConversionRate, n)

	if log != nil {
		valuesByMetric := make(map[string][]float64)
		for _, ev := range log.conversions {
			valuesByMetric[ev.Metric] = append(valuesByMetric[ev.Metric], ev.Value)
		}
		for metric, values := range valuesByMetric {
			vr.Metrics[metric] = computeMetricStats(values)
		}
	}
	return vr
}

// waldInterval is the Wald 95% interval for a proportion, clamped to [0,1].
// Conversion counts are event counts, so the observed rate can exceed 1
// when users convert repeatedly; the standard error and both bounds are
// computed on the clamped proportion so the interval stays ordered and
// inside the unit range whatever the raw rate is.
func waldInterval(rate float64, n int) ConfidenceInterval {
	p := math.Min(math.Max(rate, 0), 1)
	margin := zCritical95 * math.Sqrt(p*(1-p)/float64(n))
	return ConfidenceInterval{
		Lower: math.Max(0, p-margin),
		Upper: math.Min(1, p+margin),
	}
}

func computeMetricStats(values []float64) MetricStats {
	sorted := numstats.SortedCopy(values)
	mean := numstats.Mean(values)
	sd := numstats.StdDev(values)
	margin := zCritical95 * sd / math.Sqrt(float64(len(values)))
	return MetricStats{
		Count:  len(values),
		Mean:   mean,
		StdDev: sd,
		CI:     ConfidenceInterval{Lower: mean - margin, Upper: mean + margin},
		Percentiles: PercentileSet{
			P25: numstats.PercentileFromSorted(sorted, 25),
			P50: numstats.PercentileFromSorted(sorted, 50),
			P75: numstats.PercentileFromSorted(sorted, 75),
			P90: numstats.PercentileFromSorted(sorted, 90),
			P95: numstats.PercentileFromSorted(sorted, 95),
		},
	}
}

// analyzeWinner runs the two-proportion z-test of the highest-converting
// variant against the control. It returns nil when the control itself
// leads, and also when the control rate is zero, because relative lift is
// undefined over a zero base.
func analyzeWinner(cfg *Config, variants []VariantResults) *WinnerAnalysis {
	var control *VariantResults
	best := &variants[0]
	for i := range variants {
		if variants[i].IsControl {
			control = &variants[i]
		}
		if variants[i].ConversionRate > best.ConversionRate {
			best = &variants[i]
		}
	}

	if best.VariantID == control.VariantID {
		return nil
	}
	if control.ConversionRate == 0 {
		logrus.Debugf("experiment %q: control %q has zero conversion rate, winner undeterminable", cfg.ID, control.VariantID)
		return nil
	}

	alpha := cfg.SuccessCriteria.SignificanceLevel
	nBest := float64(max(1, best.SampleSize))
	nCtrl := float64(max(1, control.SampleSize))

	effect := (best.ConversionRate - control.ConversionRate) / control.ConversionRate
	w := &WinnerAnalysis{
		VariantID:  best.VariantID,
		EffectSize: effect,
		PValue:     1,
	}

	pooled := (float64(best.Conversions) + float64(control.Conversions)) / (nBest + nCtrl)
	pooled = math.Min(pooled, 1)
	se := math.Sqrt(pooled * (1 - pooled) * (1/nBest + 1/nCtrl))
	if se > 0 {
		w.ZScore = math.Abs(best.ConversionRate-control.ConversionRate) / se
		w.PValue = 2 * (1 - numstats.NormalCDF(w.ZScore))
		w.IsSignificant = w.PValue < alpha
	}

	w.PracticalSignificance = math.Abs(effect) >= cfg.SuccessCriteria.MinimumDetectableEffect
	w.Power = estimatePower(effect, (nBest+nCtrl)/2, alpha)
	return w
}

// estimatePower is the simplified normal-approximation power estimate:
// Phi(|effect|*sqrt(n/2) - z_crit), with n the mean per-arm sample size and
// z_crit the two-sided critical value for the configured alpha.
func estimatePower(effect, n, alpha float64) float64 {
	zCrit := numstats.NormalInverse(1 - alpha/2)
	return numstats.NormalCDF(math.Abs(effect)*math.Sqrt(n/2) - zCrit)
}

// estimateDaysToSignificance extrapolates the observed enrollment rate out
// to the configured minimum sample size. Zero when every variant already
// meets it; -1 when nothing has enrolled yet, since no rate exists to
// extrapolate from.
func estimateDaysToSignificance(minimum int, variants []VariantResults, daysRunning float64) int {
	if minimum <= 0 {
		return 0
	}
	current := variants[0].SampleSize
	for _, v := range variants[1:] {
		if v.SampleSize < current {
			current = v.SampleSize
		}
	}
	if current >= minimum {
		return 0
	}
	if current == 0 {
		return -1
	}
	if daysRunning < 1 {
		daysRunning = 1
	}
	rate := float64(current) / daysRunning
	return int(math.Ceil(float64(minimum-current) / rate))
}

// buildRecommendations turns the analysis into plain-text advisories. Pure
// function of the results; no hidden state.
func buildRecommendations(cfg *Config, res *Results) []string {
	var recs []string

	var lowSample []string
	for _, v := range res.Variants {
		if v.SampleSize < cfg.SuccessCriteria.MinimumSampleSize {
			lowSample = append(lowSample, v.VariantID)
		}
	}
	if len(lowSample) > 0 {
		recs = append(recs, fmt.Sprintf(
			"Variants below the minimum sample size of %d: %s. Keep the experiment running before acting on these results.",
			cfg.SuccessCriteria.MinimumSampleSize, strings.Join(lowSample, ", ")))
		if res.DaysToSignificance > 0 {
			recs = append(recs, fmt.Sprintf(
				"About %d more days of enrollment needed at the current rate.", res.DaysToSignificance))
		}
	}

	switch {
	case res.Winner == nil:
		if ctrl := controlResults(res.Variants); ctrl != nil && ctrl.ConversionRate == 0 && anyConversions(res.Variants) {
			recs = append(recs, "The control has no conversions yet, so no winner can be determined; keep collecting data.")
		} else {
			recs = append(recs, "No variant outperforms the control; keep the control experience.")
		}
	case res.Winner.IsSignificant && res.Winner.PracticalSignificance:
		recs = append(recs, fmt.Sprintf(
			"Variant %q shows a statistically significant %.1f%% lift over the control; consider promoting it.",
			res.Winner.VariantID, res.Winner.EffectSize*100))
	case res.Winner.IsSignificant:
		recs = append(recs, fmt.Sprintf(
			"Variant %q is statistically significant but its %.1f%% lift is below the %.1f%% minimum detectable effect; the change may not be worth shipping.",
			res.Winner.VariantID, res.Winner.EffectSize*100, cfg.SuccessCriteria.MinimumDetectableEffect*100))
	default:
		recs = append(recs, fmt.Sprintf(
			"Variant %q leads but the difference is not statistically significant (p=%.3f); collect more data before deciding.",
			res.Winner.VariantID, res.Winner.PValue))
	}
	return recs
}

func controlResults(variants []VariantResults) *VariantResults {
	for i := range variants {
		if variants[i].IsControl {
			return &variants[i]
		}
	}
	return nil
}

func anyConversions(variants []VariantResults) bool {
	for _, v := range variants {
		if v.Conversions > 0 {
			return true
		}
	}
	return false
}
