// Package analysis holds the data model shared by the dispatcher, the
// workers and the integrator: runs, worker tasks, insights, action items and
// progress events.
package analysis

import (
	"fmt"
	"strings"
)

// WorkerKind identifies one specialized analysis. The set is closed; adding a
// kind means adding a constant here and a worker implementation.
type WorkerKind string

const (
	KindKeyword   WorkerKind = "keyword"
	KindContent   WorkerKind = "content"
	KindTechnical WorkerKind = "technical"
	KindGeo       WorkerKind = "geo"
	KindLink      WorkerKind = "link"
)

// AllKinds lists every kind in canonical order. The integrator uses this
// order to break priority ties.
var AllKinds = []WorkerKind{KindKeyword, KindContent, KindTechnical, KindGeo, KindLink}

// Rank returns the canonical position of k, or len(AllKinds) if unknown.
func (k WorkerKind) Rank() int {
	for i, c := range AllKinds {
		if c == k {
			return i
		}
	}
	return len(AllKinds)
}

func (k WorkerKind) Valid() bool {
	return k.Rank() < len(AllKinds)
}

func ParseKind(s string) (WorkerKind, error) {
	k := WorkerKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown worker kind %q", ErrInvalidInput, s)
	}
	return k, nil
}

// NormalizeKinds parses, de-duplicates and sorts the requested kinds into
// canonical order. An empty input yields an empty, non-nil slice.
func NormalizeKinds(raw []string) ([]WorkerKind, error) {
	seen := make(map[WorkerKind]bool, len(raw))
	for _, s := range raw {
		k, err := ParseKind(s)
		if err != nil {
			return nil, err
		}
		seen[k] = true
	}
	out := make([]WorkerKind, 0, len(seen))
	for _, k := range AllKinds {
		if seen[k] {
			out = append(out, k)
		}
	}
	return out, nil
}
