package reconciler

import (
	"context"
	"fmt"

	"github.com/maxfield-allison/rewritesync/internal/dnsprovider"
)

// recordSet is a local mirror of the resolver's current records, grouped by
// domain, kept in sync with every add/delete this cycle issues so later
// steps never need a second network round trip to see earlier mutations.
type recordSet map[string][]string

func newRecordSet(records []dnsprovider.Record) recordSet {
	rs := make(recordSet)
	for _, rec := range records {
		domain := normalizeHostname(rec.Domain)
		rs[domain] = append(rs[domain], rec.Answer)
	}
	return rs
}

func (rs recordSet) has(domain, answer string) bool {
	for _, a := range rs[domain] {
		if a == answer {
			return true
		}
	}
	return false
}

func (rs recordSet) add(domain, answer string) {
	if rs.has(domain, answer) {
		return
	}
	rs[domain] = append(rs[domain], answer)
}

func (rs recordSet) remove(domain, answer string) {
	answers := rs[domain]
	out := answers[:0]
	for _, a := range answers {
		if a != answer {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		delete(rs, domain)
		return
	}
	rs[domain] = out
}

// fetchRecords lists every record currently in the resolver and groups it
// by normalized domain.
func (r *Reconciler) fetchRecords(ctx context.Context) (recordSet, error) {
	recs, err := r.provider.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing resolver records: %w", err)
	}
	return newRecordSet(recs), nil
}
