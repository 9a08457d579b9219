package cmd

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/reflexgames/insight/analysis/experiment"
)

var scenarioPath string

// simulateCmd drives the experiment engine against a synthetic population
// and prints the resulting analysis.
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a synthetic A/B experiment scenario end to end",
	Run: func(cmd *cobra.Command, args []string) {
		configureLogging()

		sc, err := LoadScenario(scenarioPath)
		if err != nil {
			logrus.Fatalf("Invalid scenario: %v", err)
		}

		logrus.Infof("Starting scenario %q: %d users, %d variants",
			sc.Name, sc.Population.Size, len(sc.Experiment.Variants))
		startTime := time.Now()

		res, tally, err := runScenario(sc, startTime)
		if err != nil {
			logrus.Fatalf("Scenario failed: %v", err)
		}
		printResults(sc, res, tally)

		logrus.Infof("Scenario complete in %v.", time.Since(startTime).Round(time.Millisecond))
	},
}

// scenarioTally tracks what the synthetic population actually did, so the
// report can show the empirical traffic split next to the configured one.
type scenarioTally struct {
	Assigned  map[string]int
	Converted map[string]int
	Excluded  int
}

// runScenario creates the scenario's experiment, walks the synthetic
// population through assignment, exposure, and probabilistic conversion,
// and returns the engine's analysis.
func runScenario(sc *Scenario, now time.Time) (*experiment.Results, *scenarioTally, error) {
	eng := experiment.NewEngine()
	cfg := sc.ExperimentConfig(now)
	if err := eng.Create(cfg); err != nil {
		return nil, nil, fmt.Errorf("creating experiment: %w", err)
	}

	seed := sc.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	metricsRNG := rand.New(rand.NewSource(seed ^ fnv1a64("metrics")))
	convRNG := rand.New(rand.NewSource(seed ^ fnv1a64("conversion")))

	trueRates := make(map[string]float64, len(sc.Experiment.Variants))
	for _, v := range sc.Experiment.Variants {
		trueRates[v.ID] = v.ConversionRate
	}
	metricNames := sortedMetricNames(sc.Population.Metrics)

	tally := &scenarioTally{Assigned: map[string]int{}, Converted: map[string]int{}}
	for i := 0; i < sc.Population.Size; i++ {
		user := fmt.Sprintf("user-%06d", i)
		ctx := make(map[string]float64, len(metricNames))
		for _, name := range metricNames {
			m := sc.Population.Metrics[name]
			ctx[name] = m.Mean + metricsRNG.NormFloat64()*m.StdDev
		}

		a := eng.Assign(user, cfg.ID, ctx)
		if a == nil {
			tally.Excluded++
			continue
		}
		eng.TrackExposure(user, cfg.ID, ctx)
		tally.Assigned[a.VariantID]++

		if convRNG.Float64() < trueRates[a.VariantID] {
			eng.TrackConversion(user, cfg.ID, sc.Experiment.ConversionMetric, 1, ctx)
			tally.Converted[a.VariantID]++
		}
	}

	return eng.Analyze(cfg.ID), tally, nil
}

func printResults(sc *Scenario, res *experiment.Results, tally *scenarioTally) {
	assignedTotal := sc.Population.Size - tally.Excluded

	fmt.Println("=== Experiment Analysis ===")
	fmt.Printf("Experiment           : %s (%s)\n", res.ExperimentID, sc.Experiment.Name)
	fmt.Printf("Population           : %d users, %d assigned, %d excluded\n",
		sc.Population.Size, assignedTotal, tally.Excluded)
	fmt.Printf("Days Running         : %.1f\n", res.DaysRunning)

	configured := make(map[string]float64, len(sc.Experiment.Variants))
	for _, v := range sc.Experiment.Variants {
		configured[v.ID] = v.Traffic
	}
	for _, v := range res.Variants {
		empirical := 0.0
		if assignedTotal > 0 {
			empirical = float64(tally.Assigned[v.VariantID]) / float64(assignedTotal) * 100
		}
		arm := "treatment"
		if v.IsControl {
			arm = "control"
		}
		fmt.Printf("Variant %-12s : %s, %d exposures (%.1f%% of traffic, %.1f%% configured), rate %.4f, CI [%.4f, %.4f]\n",
			v.VariantID, arm, v.SampleSize, empirical, configured[v.VariantID],
			v.ConversionRate, v.ConversionRateCI.Lower, v.ConversionRateCI.Upper)
	}

	if res.Winner != nil {
		w := res.Winner
		fmt.Printf("Winner               : %s (effect %+.1f%%, z=%.2f, p=%.4f, significant=%v, power=%.2f)\n",
			w.VariantID, w.EffectSize*100, w.ZScore, w.PValue, w.IsSignificant, w.Power)
	} else {
		fmt.Println("Winner               : none determinable")
	}
	if res.DaysToSignificance > 0 {
		fmt.Printf("Days To Significance : %d\n", res.DaysToSignificance)
	}
	fmt.Println("Recommendations:")
	for _, r := range res.Recommendations {
		fmt.Printf("  - %s\n", r)
	}
}

func sortedMetricNames(metrics map[string]MetricSpec) []string {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}

func init() {
	simulateCmd.Flags().StringVar(&scenarioPath, "scenario", "examples/scenario.yaml", "Path to the scenario YAML file")
	rootCmd.AddCommand(simulateCmd)
}
