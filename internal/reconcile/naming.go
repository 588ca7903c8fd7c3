package reconcile

import "fmt"

// uniqueName returns name, or "<name> (n)" with the smallest n >= 2
// that no rule other than self uses.
func (r *Reconciler) uniqueName(name, self string) string {
	taken := make(map[string]struct{}, len(r.rules))
	for id, rule := range r.rules {
		if id != self {
			taken[rule.Name] = struct{}{}
		}
	}
	if _, ok := taken[name]; !ok {
		return name
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", name, n)
		if _, ok := taken[candidate]; !ok {
			return candidate
		}
	}
}
