// Package planner implements the reindex decision table from spec.md §4.4:
// given a scan result and the catalogue cache, decide which discovered
// paths need (re-)indexing and why, and which catalogued paths should be
// removed. Grounded conceptually on project-cortex's split between a
// change detector and a processor (other_examples
// mvp-joe-project-cortex__internal-indexer-daemon-actor.go.go): detection
// is its own stage, separate from the queue that executes it.
package planner

import (
	"time"

	"github.com/screenager/driftmind/internal/catalogue"
)

// Reason names why a path was selected for (re-)indexing.
type Reason string

const (
	ReasonNewFile        Reason = "new-file"
	ReasonForceReindex   Reason = "force-reindex"
	ReasonModified       Reason = "modified"
	ReasonParserUpgraded Reason = "parser-upgraded"
	ReasonOutdated       Reason = "outdated"
	ReasonRetryFailed    Reason = "retry-failed"
)

// Options mirrors spec.md §4.4's PlanOptions.
type Options struct {
	Force                bool
	CheckModified        bool
	CheckParserVersion   bool
	CurrentParserVersion int
	RetryFailed          bool
	RetryIntervalHours   float64
}

// Item is one path selected for (re-)indexing.
type Item struct {
	Path   string
	Reason Reason
}

// Plan is the planner's full output for one scan pass.
type Plan struct {
	ToIndex  []Item
	ToRemove []string
}

// cataloguedRecord is the minimal shape the planner needs from a catalogue
// lookup — kept as an interface-shaped alias so tests can build fixtures
// without touching the real catalogue package's persistence.
type cataloguedRecord = catalogue.Record

// Build applies the decision table in spec.md §4.4 to discovered (paths
// found by the current scan, each with its computed metadata file_hash)
// against get (a catalogue lookup), and returns a Plan. ToRemove is
// catalogue paths inside a watched root but absent from disk, union
// catalogue paths outside every current watched root; removalSet derives
// both from the scan alone, so watchedRoots is not consulted.
func Build(discovered []Discovered, get func(path string) (cataloguedRecord, bool), allCatalogued []cataloguedRecord, watchedRoots []string, opts Options) Plan {
	var plan Plan
	seen := make(map[string]bool, len(discovered))

	for _, d := range discovered {
		seen[d.Path] = true

		// Force overrides every branch below, new-file included: spec.md
		// §8 scenario 2 expects a forced reindex to reclaim every
		// discovered path under ReasonForceReindex, regardless of status.
		if opts.Force {
			plan.ToIndex = append(plan.ToIndex, Item{Path: d.Path, Reason: ReasonForceReindex})
			continue
		}

		rec, ok := get(d.Path)
		if !ok {
			plan.ToIndex = append(plan.ToIndex, Item{Path: d.Path, Reason: ReasonNewFile})
			continue
		}

		switch rec.Status {
		case catalogue.StatusOutdated:
			plan.ToIndex = append(plan.ToIndex, Item{Path: d.Path, Reason: ReasonOutdated})

		case catalogue.StatusIndexed:
			if opts.CheckModified && rec.FileHash != d.FileHash {
				plan.ToIndex = append(plan.ToIndex, Item{Path: d.Path, Reason: ReasonModified})
				continue
			}
			if opts.CheckParserVersion && rec.ParserVersion < opts.CurrentParserVersion {
				plan.ToIndex = append(plan.ToIndex, Item{Path: d.Path, Reason: ReasonParserUpgraded})
				continue
			}

		case catalogue.StatusFailed:
			if opts.RetryFailed && hoursSince(rec.LastRetry) >= opts.RetryIntervalHours {
				plan.ToIndex = append(plan.ToIndex, Item{Path: d.Path, Reason: ReasonRetryFailed})
			}
		}
	}

	plan.ToRemove = removalSet(allCatalogued, seen, watchedRoots)
	return plan
}

// Discovered is one file found by the current scan.
type Discovered struct {
	Path     string
	FileHash string
}

func hoursSince(t time.Time) float64 {
	if t.IsZero() {
		return 1 << 30 // never retried ⇒ always eligible
	}
	return time.Since(t).Hours()
}

// removalSet computes {catalogue paths that are inside a watched root and
// not present on disk} ∪ {catalogue paths outside any current watched
// root}. Both halves collapse to the same test: a catalogued path the
// current scan did not (re-)discover. A path under a watched root that no
// longer exists simply never appears in `seen`; a path outside every
// watched root was never scanned either, so it too is absent from `seen`.
func removalSet(all []cataloguedRecord, seen map[string]bool, watchedRoots []string) []string {
	var out []string
	for _, rec := range all {
		if !seen[rec.Path] {
			out = append(out, rec.Path)
		}
	}
	return out
}
