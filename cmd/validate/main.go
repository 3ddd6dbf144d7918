// Command validate performs integrity checks over a directory of event
// artifacts: file completeness, score bounds and flag consistency, spatial
// invariants, and summary coherence. It re-derives what it can from the
// artifacts themselves, so it needs no access to the original inputs.
//
// Usage:
//
//	go run ./cmd/validate -artifacts data/artifacts
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/couchcryptid/geosignal-correlator/internal/artifact"
	"github.com/couchcryptid/geosignal-correlator/internal/score"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	artifacts := flag.String("artifacts", "", "artifact root directory")
	flag.Parse()

	if *artifacts == "" {
		flag.Usage()
		os.Exit(1)
	}
	os.Exit(run(*artifacts))
}

func run(root string) int {
	dirs, err := artifact.ListEventDirs(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}
	if len(dirs) == 0 {
		fmt.Fprintf(os.Stderr, "FATAL: no event artifacts under %s\n", root)
		return 1
	}

	fmt.Println("=== Event Artifact Integrity Validation ===")
	fmt.Println()

	sets := make([]*artifact.EventSet, 0, len(dirs))
	structure := &phase{name: "Phase 1: Artifact Structure"}
	for _, dir := range dirs {
		set, err := artifact.ReadEvent(dir)
		if err != nil {
			structure.errorf("%s: %v", filepath.Base(dir), err)
			continue
		}
		if set.Event.EventID != filepath.Base(dir) {
			structure.errorf("%s: event.json holds ID %q", filepath.Base(dir), set.Event.EventID)
		}
		if set.Summary.EventID != set.Event.EventID {
			structure.errorf("%s: summary names event %q", set.Event.EventID, set.Summary.EventID)
		}
		sets = append(sets, set)
	}

	phases := []*phase{
		structure,
		validateScores(sets),
		validateStations(sets),
		validateSummaries(sets),
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	totalScores := 0
	for _, s := range sets {
		totalScores += len(s.Scores)
	}
	fmt.Printf("Events: %d, scores: %d\n", len(sets), totalScores)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// validateScores checks bounds, flag consistency, and hash agreement.
func validateScores(sets []*artifact.EventSet) *phase {
	p := &phase{name: "Phase 2: Score Invariants"}
	for _, set := range sets {
		threshold, haveThreshold := paramFloat(set.Summary.Params, "anomaly_threshold")
		for i, sc := range set.Scores {
			id := fmt.Sprintf("%s score %d (%s/%s/%s)", set.Event.EventID, i, sc.StationID, sc.Source, sc.Feature)

			if sc.Score < 0 || sc.Score > 1 {
				p.errorf("%s: score %v outside [0,1]", id, sc.Score)
			}
			if sc.EventID != set.Event.EventID {
				p.errorf("%s: foreign event ID %q", id, sc.EventID)
			}
			if sc.ParamsHash != set.Summary.ParamsHash {
				p.errorf("%s: params hash %q differs from summary %q", id, sc.ParamsHash, set.Summary.ParamsHash)
			}
			if sc.Degraded && sc.Reason == "" && sc.Feature != "combined" {
				p.errorf("%s: degraded without a reason", id)
			}
			if haveThreshold {
				expect := sc.Score >= threshold || sc.Score <= 1-threshold
				if sc.IsAnomaly != expect {
					p.errorf("%s: is_anomaly=%v inconsistent with score %v and threshold %v",
						id, sc.IsAnomaly, sc.Score, threshold)
				}
			}
			checkBaselineMethod(p, id, sc)
		}
	}
	return p
}

func checkBaselineMethod(p *phase, id string, sc score.AnomalyScore) {
	switch sc.BaselineMethod {
	case score.MethodPrimary, score.MethodSameHour, score.MethodGlobalQuantile, "aggregate", "":
	default:
		p.errorf("%s: unknown baseline method %q", id, sc.BaselineMethod)
	}
	if sc.BaselineMethod != score.MethodPrimary && sc.BaselineMethod != "aggregate" &&
		sc.BaselineMethod != "" && !sc.Degraded {
		p.errorf("%s: fallback baseline %q not marked degraded", id, sc.BaselineMethod)
	}
}

// validateStations checks spatial invariants of the linked station lists.
func validateStations(sets []*artifact.EventSet) *phase {
	p := &phase{name: "Phase 3: Spatial Invariants"}
	for _, set := range sets {
		radius, haveRadius := paramFloat(set.Summary.Params, "radius_km")
		prev := -1.0
		for _, st := range set.Stations {
			id := fmt.Sprintf("%s station %s", set.Event.EventID, st.StationID)
			if st.DistanceKM < 0 {
				p.errorf("%s: negative distance %v", id, st.DistanceKM)
			}
			if haveRadius && st.DistanceKM > radius {
				p.errorf("%s: distance %.2f km exceeds link radius %.2f km", id, st.DistanceKM, radius)
			}
			if st.DistanceKM < prev {
				p.errorf("%s: stations not sorted by distance", id)
			}
			prev = st.DistanceKM
		}
	}
	return p
}

// validateSummaries checks coverage bounds and window arithmetic.
func validateSummaries(sets []*artifact.EventSet) *phase {
	p := &phase{name: "Phase 4: Summary Coherence"}
	for _, set := range sets {
		s := set.Summary
		id := set.Event.EventID

		if s.JoinCoverage < 0 || s.JoinCoverage > 1 {
			p.errorf("%s: join_coverage %v outside [0,1]", id, s.JoinCoverage)
		}
		if s.MissingRate < 0 || s.MissingRate > 1 {
			p.errorf("%s: missing_rate %v outside [0,1]", id, s.MissingRate)
		}
		if s.WindowEndMS <= s.WindowStartMS {
			p.errorf("%s: empty window [%d, %d]", id, s.WindowStartMS, s.WindowEndMS)
		}
		if s.Stations != len(set.Stations) {
			p.errorf("%s: summary counts %d stations, stations.json has %d", id, s.Stations, len(set.Stations))
		}
		if step, ok := paramFloat(s.Params, "grid_step_ms"); ok && step > 0 {
			expect := int((s.WindowEndMS-s.WindowStartMS)/int64(step)) + 1
			if s.GridPoints != expect {
				p.errorf("%s: grid_points %d, window/step implies %d", id, s.GridPoints, expect)
			}
		}
		if s.Columns == 0 && s.Note == "" {
			p.errorf("%s: empty dataset carries no diagnostic note", id)
		}
		if s.ParamsHash == "" {
			p.errorf("%s: missing params hash", id)
		}
	}
	return p
}

// paramFloat reads a numeric parameter out of the summary's params map,
// tolerating the integer/float ambiguity of decoded JSON.
func paramFloat(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
