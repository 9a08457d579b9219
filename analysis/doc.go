// Package analysis composes the game's numerical subsystems into
// per-entity behavior profiles.
//
// # Reading Guide
//
// The algorithms live in sub-packages, each independent of the others:
//   - analysis/numstats: shared statistics (mean, std dev, percentiles,
//     normal CDF and inverse normal)
//   - analysis/cluster: K-means clustering (Lloyd's algorithm)
//   - analysis/anomaly: isolation-forest anomaly scoring
//   - analysis/experiment: A/B experiment lifecycle, deterministic variant
//     assignment, telemetry, and significance analysis
//
// This root package carries the Profiler, which validates a feature set at
// the library boundary, groups entities with K-means, scores each entity
// with an isolation forest, and reports which ones look anomalous. The
// experiment engine is independent of the profiler; hosts typically use
// both.
//
// The library owns no wire protocol, file format, or persistence. Feature
// extraction from raw game logs happens upstream; callers hand in
// map[entityID][]float64 and consume plain result structs.
package analysis
