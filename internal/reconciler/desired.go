package reconciler

import (
	"log/slog"

	"github.com/maxfield-allison/rewritesync/internal/metrics"
	"github.com/maxfield-allison/rewritesync/internal/state"
)

// computeDesiredSet implements Step 6: for each domain with at least one
// source, the first configured instance present in its source set supplies
// the answer. A domain reported with more than one distinct answer across
// its sources is a conflict; the chosen answer still wins, but it is
// counted and logged.
func (r *Reconciler) computeDesiredSet(doc *state.Document) (map[string]string, int) {
	order := make(map[string]int, len(r.cfg.Sources))
	for i, src := range r.cfg.Sources {
		order[src.Name] = i
	}

	desired := make(map[string]string)
	conflicts := 0

	for _, domain := range sortedKeys(doc.Domains) {
		ds := doc.Domains[domain]
		if len(ds.Sources) == 0 {
			continue
		}

		distinct := make(map[string]struct{})
		for _, src := range ds.Sources {
			if src.Answer != "" {
				distinct[src.Answer] = struct{}{}
			}
		}
		if len(distinct) > 1 {
			conflicts++
			metrics.RecordConflict("multi_source_answer")
			r.logger.Warn("domain reported with conflicting answers across sources",
				slog.String("domain", domain),
				slog.Int("distinct_answers", len(distinct)),
			)
		}

		bestIdx := -1
		var answer string
		for instName, src := range ds.Sources {
			if src.Answer == "" {
				continue
			}
			idx, ok := order[instName]
			if !ok {
				continue
			}
			if bestIdx == -1 || idx < bestIdx {
				bestIdx = idx
				answer = src.Answer
			}
		}

		if bestIdx >= 0 {
			desired[domain] = answer
		}
	}

	return desired, conflicts
}
