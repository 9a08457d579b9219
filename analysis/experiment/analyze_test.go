package experiment

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// singleAssignedUser assigns one user and returns their id and variant.
func singleAssignedUser(t *testing.T, eng *Engine, experimentID string) (string, string) {
	t.Helper()
	a := eng.Assign("user-metrics", experimentID, nil)
	require.NotNil(t, a)
	return a.UserID, a.VariantID
}

func variantByID(t *testing.T, res *Results, id string) *VariantResults {
	t.Helper()
	for i := range res.Variants {
		if res.Variants[i].VariantID == id {
			return &res.Variants[i]
		}
	}
	t.Fatalf("variant %q missing from results", id)
	return nil
}

func TestAnalyze_UnknownExperimentReturnsNil(t *testing.T) {
	assert.Nil(t, NewEngine().Analyze("missing"))
}

func TestAnalyze_NoTelemetry_ZeroedVariants(t *testing.T) {
	cfg := twoVariantConfig()
	eng := activeEngine(t, cfg)

	res := eng.Analyze(cfg.ID)
	require.NotNil(t, res)
	require.Len(t, res.Variants, 2)
	for _, v := range res.Variants {
		assert.Zero(t, v.SampleSize)
		assert.Zero(t, v.ConversionRate)
		assert.Empty(t, v.Metrics)
	}
	assert.Nil(t, res.Winner)
	assert.Equal(t, -1, res.DaysToSignificance, "no enrollment rate to extrapolate from")
	assert.NotEmpty(t, res.Recommendations)
}

func TestAnalyze_MetricCI_MatchesClosedForm(t *testing.T) {
	cfg := twoVariantConfig()
	eng := activeEngine(t, cfg)
	user, variantID := singleAssignedUser(t, eng, cfg.ID)

	for i := 0; i < 10; i++ {
		eng.TrackExposure(user, cfg.ID, nil)
	}
	for _, v := range []float64{1, 1, 1, 1, 1, 0, 0, 0, 0, 0} {
		eng.TrackConversion(user, cfg.ID, "score", v, nil)
	}

	res := eng.Analyze(cfg.ID)
	stats, ok := variantByID(t, res, variantID).Metrics["score"]
	require.True(t, ok)

	// Sample stddev of five 1s and five 0s makes sigma/sqrt(10) exactly 1/6,
	// so the 95% CI is 0.5 +/- 1.96/6.
	assert.Equal(t, 10, stats.Count)
	assert.InDelta(t, 0.5, stats.Mean, 1e-12)
	assert.InDelta(t, 0.5-1.96/6, stats.CI.Lower, 1e-9)
	assert.InDelta(t, 0.5+1.96/6, stats.CI.Upper, 1e-9)
}

func TestAnalyze_MetricPercentiles_LinearInterpolation(t *testing.T) {
	cfg := twoVariantConfig()
	eng := activeEngine(t, cfg)
	user, variantID := singleAssignedUser(t, eng, cfg.ID)

	eng.TrackExposure(user, cfg.ID, nil)
	for _, v := range []float64{10, 20, 30, 40} {
		eng.TrackConversion(user, cfg.ID, "time_ms", v, nil)
	}

	res := eng.Analyze(cfg.ID)
	stats, ok := variantByID(t, res, variantID).Metrics["time_ms"]
	require.True(t, ok)

	assert.InDelta(t, 17.5, stats.Percentiles.P25, 1e-9)
	assert.InDelta(t, 25.0, stats.Percentiles.P50, 1e-9)
	assert.InDelta(t, 32.5, stats.Percentiles.P75, 1e-9)
	assert.InDelta(t, 37.0, stats.Percentiles.P90, 1e-9)
	assert.InDelta(t, 38.5, stats.Percentiles.P95, 1e-9)
}

func TestAnalyze_MetricsGroupedByName(t *testing.T) {
	cfg := twoVariantConfig()
	eng := activeEngine(t, cfg)
	user, variantID := singleAssignedUser(t, eng, cfg.ID)

	eng.TrackExposure(user, cfg.ID, nil)
	eng.TrackConversion(user, cfg.ID, "rounds_won", 4, nil)
	eng.TrackConversion(user, cfg.ID, "time_ms", 250, nil)

	res := eng.Analyze(cfg.ID)
	metrics := variantByID(t, res, variantID).Metrics
	assert.Len(t, metrics, 2)
	assert.Contains(t, metrics, "rounds_won")
	assert.Contains(t, metrics, "time_ms")
}

func TestAnalyze_WaldIntervalForConversionRate(t *testing.T) {
	cfg := twoVariantConfig()
	eng := activeEngine(t, cfg)
	user, variantID := singleAssignedUser(t, eng, cfg.ID)

	for i := 0; i < 100; i++ {
		eng.TrackExposure(user, cfg.ID, nil)
	}
	for i := 0; i < 30; i++ {
		eng.TrackConversion(user, cfg.ID, "won", 1, nil)
	}

	res := eng.Analyze(cfg.ID)
	vr := variantByID(t, res, variantID)
	assert.InDelta(t, 0.30, vr.ConversionRate, 1e-12)
	assert.InDelta(t, 0.2101815, vr.ConversionRateCI.Lower, 1e-6)
	assert.InDelta(t, 0.3898185, vr.ConversionRateCI.Upper, 1e-6)
}

func TestAnalyze_WaldIntervalClampedToUnitRange(t *testing.T) {
	cfg := twoVariantConfig()
	eng := activeEngine(t, cfg)
	user, variantID := singleAssignedUser(t, eng, cfg.ID)

	// A 3/4 rate over four exposures has margin 1.96*0.2165 = 0.42, which
	// would push the upper bound past 1 without clamping.
	for i := 0; i < 4; i++ {
		eng.TrackExposure(user, cfg.ID, nil)
	}
	for i := 0; i < 3; i++ {
		eng.TrackConversion(user, cfg.ID, "won", 1, nil)
	}

	res := eng.Analyze(cfg.ID)
	vr := variantByID(t, res, variantID)
	assert.LessOrEqual(t, vr.ConversionRateCI.Upper, 1.0)
	assert.GreaterOrEqual(t, vr.ConversionRateCI.Lower, 0.0)
}

func TestAnalyze_WaldIntervalWhenConversionsOutnumberExposures(t *testing.T) {
	cfg := twoVariantConfig()
	eng := activeEngine(t, cfg)
	user, variantID := singleAssignedUser(t, eng, cfg.ID)

	// Repeat converters push the raw rate past 1; the interval must still
	// come back ordered and inside the unit range.
	eng.TrackExposure(user, cfg.ID, nil)
	eng.TrackConversion(user, cfg.ID, "won", 1, nil)
	eng.TrackConversion(user, cfg.ID, "won", 1, nil)

	res := eng.Analyze(cfg.ID)
	vr := variantByID(t, res, variantID)
	assert.InDelta(t, 2.0, vr.ConversionRate, 1e-12, "the point estimate keeps the raw event rate")
	assert.LessOrEqual(t, vr.ConversionRateCI.Lower, vr.ConversionRateCI.Upper)
	assert.GreaterOrEqual(t, vr.ConversionRateCI.Lower, 0.0)
	assert.LessOrEqual(t, vr.ConversionRateCI.Upper, 1.0)
	// A clamped proportion of 1 over one exposure has zero margin.
	assert.InDelta(t, 1.0, vr.ConversionRateCI.Lower, 1e-12)
	assert.InDelta(t, 1.0, vr.ConversionRateCI.Upper, 1e-12)
}

// endToEndPopulation assigns n users, exposes each once, and converts a
// deterministic leading share per variant: the first controlShare of the
// control's users and treatShare of the treatment's, in assignment order.
// Count-exact conversion keeps the test free of sampling noise.
func endToEndPopulation(t *testing.T, eng *Engine, cfg Config, n int, controlShare, treatShare float64) {
	t.Helper()
	byVariant := make(map[string][]string)
	for i := 0; i < n; i++ {
		user := fmt.Sprintf("player-%06d", i)
		a := eng.Assign(user, cfg.ID, nil)
		require.NotNil(t, a)
		eng.TrackExposure(user, cfg.ID, nil)
		byVariant[a.VariantID] = append(byVariant[a.VariantID], user)
	}
	shares := map[string]float64{"control": controlShare, "steeper-ramp": treatShare}
	for variantID, users := range byVariant {
		converting := int(shares[variantID] * float64(len(users)))
		for _, user := range users[:converting] {
			eng.TrackConversion(user, cfg.ID, "completed", 1, nil)
		}
	}
}

func TestAnalyze_EndToEnd_TreatmentLiftDetected(t *testing.T) {
	cfg := twoVariantConfig()
	eng := activeEngine(t, cfg)

	// 40% control conversion vs 48% treatment: a 20% relative lift, large
	// enough for 1000 users to clear alpha=0.05 decisively.
	endToEndPopulation(t, eng, cfg, 1000, 0.40, 0.48)

	res := eng.Analyze(cfg.ID)
	require.NotNil(t, res)
	require.NotNil(t, res.Winner, "treatment should be determinable as winner")

	w := res.Winner
	assert.Equal(t, "steeper-ramp", w.VariantID)
	assert.True(t, w.IsSignificant, "p=%f", w.PValue)
	assert.Less(t, w.PValue, 0.05)
	assert.InDelta(t, 0.20, w.EffectSize, 0.03)
	assert.True(t, w.PracticalSignificance, "20%% lift clears the 10%% MDE")
	assert.Greater(t, w.Power, 0.0)
	assert.Less(t, w.Power, 1.0)
	assert.Greater(t, w.ZScore, 1.96)

	assert.Equal(t, 0, res.DaysToSignificance, "both arms exceed the minimum sample size")
	joined := strings.Join(res.Recommendations, " ")
	assert.Contains(t, joined, "steeper-ramp")
}

func TestAnalyze_ControlLeading_NoWinner(t *testing.T) {
	cfg := twoVariantConfig()
	eng := activeEngine(t, cfg)

	for i := 0; i < 100; i++ {
		user := fmt.Sprintf("player-%03d", i)
		a := eng.Assign(user, cfg.ID, nil)
		require.NotNil(t, a)
		eng.TrackExposure(user, cfg.ID, nil)
		if a.VariantID == "control" {
			eng.TrackConversion(user, cfg.ID, "completed", 1, nil)
		}
	}

	res := eng.Analyze(cfg.ID)
	assert.Nil(t, res.Winner)
	assert.Contains(t, strings.Join(res.Recommendations, " "), "control")
}

func TestAnalyze_ZeroControlRate_NoWinner(t *testing.T) {
	cfg := twoVariantConfig()
	eng := activeEngine(t, cfg)

	for i := 0; i < 100; i++ {
		user := fmt.Sprintf("player-%03d", i)
		a := eng.Assign(user, cfg.ID, nil)
		require.NotNil(t, a)
		eng.TrackExposure(user, cfg.ID, nil)
		if a.VariantID != "control" {
			eng.TrackConversion(user, cfg.ID, "completed", 1, nil)
		}
	}

	res := eng.Analyze(cfg.ID)
	assert.Nil(t, res.Winner, "relative lift over a zero control rate is undefined")
	assert.Contains(t, strings.Join(res.Recommendations, " "), "control has no conversions")
}

func TestAnalyze_DaysToSignificance_ExtrapolatesEnrollment(t *testing.T) {
	cfg := twoVariantConfig()
	cfg.Status = StatusActive

	eng := NewEngine()
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	eng.now = func() time.Time { return clock }
	require.NoError(t, eng.Create(cfg))

	// Ten exposures per variant over two days: 5/day, 90 short of the
	// minimum 100, so 18 more days.
	exposed := map[string]int{}
	for i := 0; exposed["control"] < 10 || exposed["steeper-ramp"] < 10; i++ {
		user := fmt.Sprintf("player-%04d", i)
		a := eng.Assign(user, cfg.ID, nil)
		require.NotNil(t, a)
		if exposed[a.VariantID] < 10 {
			eng.TrackExposure(user, cfg.ID, nil)
			exposed[a.VariantID]++
		}
	}
	clock = clock.Add(48 * time.Hour)

	res := eng.Analyze(cfg.ID)
	assert.InDelta(t, 2.0, res.DaysRunning, 1e-9)
	assert.Equal(t, 18, res.DaysToSignificance)
	assert.True(t, res.GeneratedAt.Equal(clock))
}

func TestEstimateDaysToSignificance_Boundaries(t *testing.T) {
	met := []VariantResults{{SampleSize: 150}, {SampleSize: 120}}
	assert.Equal(t, 0, estimateDaysToSignificance(100, met, 5))
	assert.Equal(t, 0, estimateDaysToSignificance(0, met, 5))

	empty := []VariantResults{{SampleSize: 0}, {SampleSize: 40}}
	assert.Equal(t, -1, estimateDaysToSignificance(100, empty, 5))

	// Sub-day experiments extrapolate as if one full day had passed.
	young := []VariantResults{{SampleSize: 10}, {SampleSize: 12}}
	assert.Equal(t, 9, estimateDaysToSignificance(100, young, 0.5))
}

func TestEstimatePower_KnownValue(t *testing.T) {
	// 0.2*sqrt(250) - 1.95996 = 1.2023; Phi(1.2023) is about 0.8854.
	assert.InDelta(t, 0.8854, estimatePower(0.2, 500, 0.05), 1e-3)
}
