package experiment

import "hash/fnv"

// assignmentHashV1 buckets a user deterministically into [0,1): a 32-bit
// FNV-1a hash of "userID:experimentID" divided by 2^32. The function is
// versioned because changing it reshuffles every live experiment; treat v1
// as frozen and add a v2 alongside if a different spread is ever needed.
func assignmentHashV1(userID, experimentID string) float64 {
	h := fnv.New32a()
	h.Write([]byte(userID))
	h.Write([]byte{':'})
	h.Write([]byte(experimentID))
	return float64(h.Sum32()) / (1 << 32)
}
