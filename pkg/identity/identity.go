// Package identity produces the deterministic IDs that make submission
// idempotent and task lineage computable without store lookups.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// JobID hashes the job type together with the canonical form of the
// submission parameters. Identical submissions always map to the same ID,
// which is the entire idempotency mechanism: no dedup table exists.
func JobID(jobType string, parameters map[string]any) string {
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write(CanonicalParameters(parameters))
	return hex.EncodeToString(h.Sum(nil))
}

// TaskID hashes the owning job ID, the stage number and a logical unit
// string that is stable across reprocessing (a file path, a tile
// coordinate, or a constant for singleton tasks). A task at stage N can
// derive its predecessor's ID by re-hashing with stage N-1.
func TaskID(jobID string, stage int, logicalUnit string) string {
	h := sha256.New()
	h.Write([]byte(jobID))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", stage)
	h.Write([]byte{0})
	h.Write([]byte(logicalUnit))
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalParameters renders parameters as JSON with stable key ordering.
// encoding/json sorts map keys at every nesting level, which is exactly the
// canonical form the hash needs.
func CanonicalParameters(parameters map[string]any) []byte {
	if parameters == nil {
		parameters = map[string]any{}
	}
	b, err := json.Marshal(parameters)
	if err != nil {
		// Submission parameters are decoded from JSON before they reach
		// here, so marshalling them back cannot fail.
		panic(fmt.Sprintf("identity: unmarshallable parameters: %v", err))
	}
	return b
}
