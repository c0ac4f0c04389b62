package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint canonicalizes (typeID, variables[, instructions]) into the
// duplicate-detection key described in spec §4.5. The projectID is not part
// of the hash itself because callers always scope the search to a single
// project's task set (spec.md's Open Question on this point: instructions
// participate in the fingerprint unconditionally — for template task types
// instructions is always empty at creation time, so those fingerprints
// collapse to (typeID, variables), which is exactly the behavior spec.md's
// duplicate-handling scenarios (S4) require).
func Fingerprint(typeID string, variables map[string]string, instructions string) string {
	keys := make([]string, 0, len(variables))
	for k := range variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(typeID)
	sb.WriteByte('\n')
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(variables[k])
		sb.WriteByte('\n')
	}
	sb.WriteString("instructions=")
	sb.WriteString(instructions)

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
