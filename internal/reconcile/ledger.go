package reconcile

import (
	"sort"

	"github.com/g960059/tunnelctl/internal/model"
)

// Ledger records rule edits that have not been pushed to the service,
// keyed by rule uuid.
type Ledger map[string]model.ChangeKind

func (l Ledger) Clone() Ledger {
	out := make(Ledger, len(l))
	for id, kind := range l {
		out[id] = kind
	}
	return out
}

// Entry is one pending change.
type Entry struct {
	UUID string
	Kind model.ChangeKind
}

// Entries returns the ledger sorted by uuid.
func (l Ledger) Entries() []Entry {
	out := make([]Entry, 0, len(l))
	for id, kind := range l {
		out = append(out, Entry{UUID: id, Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// distinct drops repeated ids, keeping the first occurrence.
func distinct(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
