package analysis

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reflexgames/insight/analysis/anomaly"
	"github.com/reflexgames/insight/analysis/cluster"
	"github.com/reflexgames/insight/analysis/numstats"
)

// FeatureSet maps an entity id (player, session) to its feature vector.
// Vectors must be non-empty, uniform in length, and finite; Profile
// rejects anything else before the algorithms run.
type FeatureSet map[string][]float64

// Profiler groups entities by behavioral similarity and flags the ones
// that behave unlike everything else. The zero value is not usable:
// Clusters must be positive.
type Profiler struct {
	// Clusters is the number of behavioral groups to form.
	Clusters int

	// ScoreThreshold marks an entity anomalous when its isolation score
	// exceeds it. Zero or negative uses anomaly.DefaultScoreThreshold.
	ScoreThreshold float64

	// Seed drives both the clusterer and the forest. Zero seeds from the
	// clock; any other value makes Profile fully reproducible.
	Seed int64
}

// EntityProfile is one entity's placement in the report.
type EntityProfile struct {
	EntityID     string
	Cluster      int
	AnomalyScore float64
	Anomalous    bool
}

// ClusterSummary describes one behavioral group.
type ClusterSummary struct {
	Size     int
	Inertia  float64
	Centroid []float64
}

// Report is the combined clustering and anomaly view of a feature set.
// Entities are ordered by id.
type Report struct {
	Entities  []EntityProfile
	Clusters  []ClusterSummary
	Scores    numstats.Summary
	Threshold float64
}

// Profile validates the feature set, clusters it, scores every entity for
// anomaly, and assembles the report. Entity order in the report is the
// sorted id order, so equal inputs and seeds produce identical reports.
func (p Profiler) Profile(features FeatureSet) (*Report, error) {
	if p.Clusters <= 0 {
		return nil, fmt.Errorf("profiler needs a positive cluster count, got %d", p.Clusters)
	}
	if err := validateFeatures(features); err != nil {
		return nil, err
	}

	ids := sortedIDs(features)
	points := make([][]float64, len(ids))
	for i, id := range ids {
		points[i] = features[id]
	}

	seed := p.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	km := cluster.KMeans{
		K:   p.Clusters,
		RNG: rand.New(rand.NewSource(seed ^ fnv1a64("kmeans"))),
	}
	clustering := km.Fit(points)

	forest := anomaly.New(anomaly.Options{Seed: seed ^ fnv1a64("forest")})
	if err := forest.Fit(points); err != nil {
		return nil, err
	}
	scores, err := forest.ScoreAll(points)
	if err != nil {
		return nil, err
	}

	threshold := p.ScoreThreshold
	if threshold <= 0 {
		threshold = anomaly.DefaultScoreThreshold
	}

	clusterOf := make([]int, len(points))
	summaries := make([]ClusterSummary, len(clustering.Clusters))
	for ci, c := range clustering.Clusters {
		summaries[ci] = ClusterSummary{
			Size:     len(c.MemberIndices),
			Inertia:  c.Inertia,
			Centroid: c.Centroid,
		}
		for _, mi := range c.MemberIndices {
			clusterOf[mi] = ci
		}
	}

	entities := make([]EntityProfile, len(ids))
	anomalous := 0
	for i, id := range ids {
		flagged := scores[i] > threshold
		if flagged {
			anomalous++
		}
		entities[i] = EntityProfile{
			EntityID:     id,
			Cluster:      clusterOf[i],
			AnomalyScore: scores[i],
			Anomalous:    flagged,
		}
	}

	logrus.Infof("profiled %d entities: %d clusters, %d anomalous at threshold %.2f",
		len(ids), len(clustering.Clusters), anomalous, threshold)

	return &Report{
		Entities:  entities,
		Clusters:  summaries,
		Scores:    numstats.Summarize(scores),
		Threshold: threshold,
	}, nil
}

// validateFeatures is the caller-error boundary: the algorithm packages
// assume uniform finite vectors, so the profiler checks them up front.
// Entities are checked in sorted order to keep the reported offender
// stable.
func validateFeatures(features FeatureSet) error {
	if len(features) == 0 {
		return fmt.Errorf("feature set is empty")
	}
	want := -1
	for _, id := range sortedIDs(features) {
		vec := features[id]
		if len(vec) == 0 {
			return fmt.Errorf("entity %q has an empty feature vector", id)
		}
		if want == -1 {
			want = len(vec)
		}
		if len(vec) != want {
			return fmt.Errorf("entity %q has %d features, want %d", id, len(vec), want)
		}
		for d, v := range vec {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("entity %q has a non-finite value in feature %d", id, d)
			}
		}
	}
	return nil
}

func sortedIDs(features FeatureSet) []string {
	ids := make([]string, 0, len(features))
	for id := range features {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
