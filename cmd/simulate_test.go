package cmd

import (
	"bytes"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rampScenario plants a large true lift (0.30 vs 0.45, +50% relative) so
// the analysis verdict is stable for any fixed seed.
func rampScenario(size int) *Scenario {
	return &Scenario{
		Name: "ramp-test",
		Seed: 7,
		Population: PopulationSpec{
			Size: size,
			Metrics: map[string]MetricSpec{
				"reaction_ms": {Mean: 350, StdDev: 60},
			},
		},
		Experiment: ExperimentSpec{
			ID:               "exp-ramp",
			Name:             "Ramp test",
			MinSampleSize:    100,
			ConversionMetric: "completed",
			Filters: []FilterSpec{
				{Metric: "reaction_ms", Operator: "lt", Value: 500},
			},
			Variants: []VariantSpec{
				{ID: "control", Traffic: 50, Control: true, ConversionRate: 0.30},
				{ID: "fast", Traffic: 50, ConversionRate: 0.45},
			},
		},
	}
}

func TestRunScenario_DetectsPlantedLift(t *testing.T) {
	sc := rampScenario(4000)
	res, tally, err := runScenario(sc, time.Now())
	require.NoError(t, err)
	require.NotNil(t, res)

	assigned := 0
	for _, n := range tally.Assigned {
		assigned += n
	}
	assert.Equal(t, sc.Population.Size, assigned+tally.Excluded)
	// Roughly 0.6% of N(350, 60) draws sit at or above the 500ms cutoff.
	assert.Greater(t, tally.Excluded, 0)
	assert.Less(t, tally.Excluded, 400)

	require.NotNil(t, res.Winner)
	assert.Equal(t, "fast", res.Winner.VariantID)
	assert.True(t, res.Winner.IsSignificant)
	assert.Less(t, res.Winner.PValue, 0.05)
	assert.InDelta(t, 0.5, res.Winner.EffectSize, 0.2)
	assert.Equal(t, 0, res.DaysToSignificance)
}

func TestRunScenario_DeterministicForSeed(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	res1, tally1, err := runScenario(rampScenario(1000), now)
	require.NoError(t, err)
	res2, tally2, err := runScenario(rampScenario(1000), now)
	require.NoError(t, err)

	assert.Equal(t, tally1, tally2)
	assert.Equal(t, res1.Variants, res2.Variants)
	assert.Equal(t, res1.Winner, res2.Winner)
	assert.Equal(t, res1.Recommendations, res2.Recommendations)
}

func TestRunScenario_ImpossibleFilterExcludesEveryone(t *testing.T) {
	sc := rampScenario(300)
	sc.Experiment.Filters = []FilterSpec{
		{Metric: "reaction_ms", Operator: "gt", Value: 10000},
	}

	res, tally, err := runScenario(sc, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 300, tally.Excluded)
	assert.Empty(t, tally.Assigned)
	assert.Nil(t, res.Winner)
	for _, v := range res.Variants {
		assert.Zero(t, v.SampleSize)
	}
}

func TestRunScenario_InvalidExperimentSurfacesError(t *testing.T) {
	sc := rampScenario(100)
	sc.Experiment.Variants[1].Traffic = 40

	_, _, err := runScenario(sc, time.Now())
	assert.ErrorContains(t, err, "creating experiment")
}

func TestPrintResults_WritesReportToStdout(t *testing.T) {
	sc := rampScenario(400)
	res, tally, err := runScenario(sc, time.Now())
	require.NoError(t, err)

	// Capture stdout
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	printResults(sc, res, tally)

	_ = w.Close()
	os.Stdout = old
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	output := buf.String()

	assert.Contains(t, output, "=== Experiment Analysis ===")
	assert.Contains(t, output, "exp-ramp")
	assert.Contains(t, output, "Variant control")
	assert.Contains(t, output, "Variant fast")
	assert.Contains(t, output, "Recommendations:")
}
