package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// ParamsHash produces a deterministic short hash of processing parameters.
// Keys are sorted so the same parameter set always hashes identically
// regardless of map iteration order. The hash travels with every derived
// artifact so re-runs can detect parameter drift.
func ParamsHash(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v|", k, params[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}
