package reconciler

import (
	"context"
	"log/slog"

	"github.com/maxfield-allison/rewritesync/internal/metrics"
	"github.com/maxfield-allison/rewritesync/internal/state"
)

// cleanupRemovedInstances implements Step 2: on the first cycle of a
// process lifetime, any domain whose sources map contained only instances
// absent from the current configuration is torn down, unless it is a
// static rewrite.
func (r *Reconciler) cleanupRemovedInstances(ctx context.Context, doc *state.Document, configNames map[string]struct{}, result *Result) {
	removed := make(map[string]struct{})
	for name := range doc.Instances {
		if _, ok := configNames[name]; !ok {
			removed[name] = struct{}{}
		}
	}
	if len(removed) == 0 {
		return
	}

	for _, domain := range sortedKeys(doc.Domains) {
		ds := doc.Domains[domain]
		if len(ds.Sources) == 0 {
			continue
		}
		if r.isStaticRewrite(domain) {
			continue
		}

		onlyRemoved := true
		for src := range ds.Sources {
			if _, isRemoved := removed[src]; !isRemoved {
				onlyRemoved = false
				break
			}
		}
		if !onlyRemoved {
			continue
		}

		for _, answer := range doc.ManagedRecords[domain] {
			if err := r.provider.Delete(ctx, domain, answer); err != nil {
				result.Errors = append(result.Errors, err)
				r.logger.Error("deleting record for removed instance cleanup failed",
					slog.String("domain", domain), slog.String("error", err.Error()))
				continue
			}
			result.RecordsDeleted++
			metrics.RecordDelete("instance_removed")
		}
		delete(doc.Domains, domain)
		delete(doc.ManagedRecords, domain)
	}

	for name := range removed {
		delete(doc.Instances, name)
	}
}

// reconcileStaticRewrites implements Step 3.
func (r *Reconciler) reconcileStaticRewrites(ctx context.Context, doc *state.Document, records recordSet, result *Result) {
	for _, domain := range sortedKeys(r.cfg.StaticRewrites) {
		answer := r.cfg.StaticRewrites[domain]
		existing := records[domain]

		switch {
		case len(existing) == 0:
			if err := r.provider.Add(ctx, domain, answer); err != nil {
				result.Errors = append(result.Errors, err)
				r.logger.Error("adding static rewrite failed", slog.String("domain", domain), slog.String("error", err.Error()))
				continue
			}
			doc.AddManaged(domain, answer)
			records.add(domain, answer)
			result.RecordsAdded++
			metrics.RecordAdd("static")

		case containsAnswer(existing, answer):
			doc.AddManaged(domain, answer)

		default:
			managedAnswer, hasManaged := findManagedAnswer(doc, domain, existing)
			if hasManaged {
				if err := r.provider.Update(ctx, domain, managedAnswer, answer); err != nil {
					result.Errors = append(result.Errors, err)
					r.logger.Error("rotating static rewrite failed", slog.String("domain", domain), slog.String("error", err.Error()))
					continue
				}
				doc.RemoveManaged(domain, managedAnswer)
				doc.AddManaged(domain, answer)
				records.remove(domain, managedAnswer)
				records.add(domain, answer)
				result.RecordsUpdated++
				metrics.RecordUpdate()
				continue
			}

			result.Conflicts++
			metrics.RecordConflict("static_rewrite_collision")
			r.logger.Warn("static rewrite conflicts with an unmanaged resolver record, skipping",
				slog.String("domain", domain), slog.String("desired", answer))
		}
	}
}

// applyExclusions implements Step 7: every managed record for a domain that
// now matches an exclusion pattern (and is not a static rewrite) is torn
// down and dropped from tracked state.
func (r *Reconciler) applyExclusions(ctx context.Context, doc *state.Document, records recordSet, result *Result) {
	for _, domain := range sortedKeys(records) {
		if !r.cfg.Exclusions.Matches(domain) || r.isStaticRewrite(domain) {
			continue
		}

		for _, answer := range doc.ManagedRecords[domain] {
			if err := r.provider.Delete(ctx, domain, answer); err != nil {
				result.Errors = append(result.Errors, err)
				r.logger.Error("deleting excluded record failed", slog.String("domain", domain), slog.String("error", err.Error()))
				continue
			}
			result.RecordsDeleted++
			metrics.RecordDelete("excluded")
			records.remove(domain, answer)
		}
		delete(doc.Domains, domain)
		delete(doc.ManagedRecords, domain)
	}
}

// applyDesiredSet implements Step 8, the create/update consolidation logic.
func (r *Reconciler) applyDesiredSet(ctx context.Context, doc *state.Document, records recordSet, desired map[string]string, result *Result) {
	for _, domain := range sortedKeys(desired) {
		answer := desired[domain]
		existing := records[domain]

		switch {
		case len(existing) == 0:
			if err := r.provider.Add(ctx, domain, answer); err != nil {
				result.Errors = append(result.Errors, err)
				r.logger.Error("adding record failed", slog.String("domain", domain), slog.String("error", err.Error()))
				continue
			}
			doc.AddManaged(domain, answer)
			records.add(domain, answer)
			result.RecordsAdded++
			metrics.RecordAdd("proxy")

		case len(existing) == 1 && existing[0] == answer:
			doc.AddManaged(domain, answer)

		default:
			r.consolidate(ctx, doc, records, domain, answer, existing, result)
		}
	}
}

// consolidate implements the partition-and-reconcile branch of Step 8: when
// a domain already has more than one resolver answer, or a single answer
// that doesn't match desired, split the existing answers into ones this
// engine owns and ones it doesn't, then pick the narrowest safe action.
func (r *Reconciler) consolidate(ctx context.Context, doc *state.Document, records recordSet, domain, answer string, existing []string, result *Result) {
	var managedExisting, unmanagedExisting []string
	for _, a := range existing {
		if doc.IsManaged(domain, a) {
			managedExisting = append(managedExisting, a)
		} else {
			unmanagedExisting = append(unmanagedExisting, a)
		}
	}

	switch {
	case len(unmanagedExisting) > 0 && containsAnswer(unmanagedExisting, answer):
		doc.AddManaged(domain, answer)
		for _, a := range managedExisting {
			if a == answer {
				continue
			}
			r.deleteManaged(ctx, doc, records, domain, a, "adopted_unmanaged", result)
		}

	case len(unmanagedExisting) > 0:
		result.Conflicts++
		metrics.RecordConflict("proxy_desired_collision")
		r.logger.Warn("desired answer conflicts with an unmanaged resolver record, leaving it alone",
			slog.String("domain", domain), slog.String("desired", answer))
		for _, a := range managedExisting {
			r.deleteManaged(ctx, doc, records, domain, a, "operator_owned_collision", result)
		}

	default:
		for _, a := range existing {
			r.deleteManaged(ctx, doc, records, domain, a, "rotated", result)
		}
		if err := r.provider.Add(ctx, domain, answer); err != nil {
			result.Errors = append(result.Errors, err)
			r.logger.Error("re-adding record after consolidation failed", slog.String("domain", domain), slog.String("error", err.Error()))
			return
		}
		doc.AddManaged(domain, answer)
		records.add(domain, answer)
		result.RecordsAdded++
		metrics.RecordAdd("proxy")
	}
}

func (r *Reconciler) deleteManaged(ctx context.Context, doc *state.Document, records recordSet, domain, answer, reason string, result *Result) {
	if err := r.provider.Delete(ctx, domain, answer); err != nil {
		result.Errors = append(result.Errors, err)
		r.logger.Error("deleting managed record failed", slog.String("domain", domain), slog.String("error", err.Error()))
		return
	}
	doc.RemoveManaged(domain, answer)
	records.remove(domain, answer)
	result.RecordsDeleted++
	metrics.RecordDelete(reason)
}

// applyDeletions implements Step 9: every orphaned domain that is not a
// static rewrite loses its managed records and its state entry.
func (r *Reconciler) applyDeletions(ctx context.Context, doc *state.Document, orphaned []string, result *Result) {
	for _, domain := range orphaned {
		if r.isStaticRewrite(domain) {
			continue
		}
		for _, answer := range doc.ManagedRecords[domain] {
			if err := r.provider.Delete(ctx, domain, answer); err != nil {
				result.Errors = append(result.Errors, err)
				r.logger.Error("deleting orphaned record failed", slog.String("domain", domain), slog.String("error", err.Error()))
				continue
			}
			result.RecordsDeleted++
			metrics.RecordDelete("orphaned")
		}
		delete(doc.Domains, domain)
		delete(doc.ManagedRecords, domain)
	}
}

func containsAnswer(answers []string, answer string) bool {
	for _, a := range answers {
		if a == answer {
			return true
		}
	}
	return false
}

func findManagedAnswer(doc *state.Document, domain string, existing []string) (string, bool) {
	for _, a := range existing {
		if doc.IsManaged(domain, a) {
			return a, true
		}
	}
	return "", false
}
