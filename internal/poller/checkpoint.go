package poller

import "github.com/g960059/tunnelctl/internal/model"

type Field string

const (
	FieldStarted    Field = "started"
	FieldRuleSet    Field = "rule_set_time"
	FieldLicenseKey Field = "license_key_time"
	FieldLogSize    Field = "log_size"
	FieldErrorTime  Field = "error_time"
	FieldWarnTime   Field = "warn_time"
)

// Change is one checkpoint field that advanced during a cycle.
type Change struct {
	Field   Field
	Started bool
	Value   int64
	Size    uint64
}

// advance adopts next when it is greater than *last and reports true.
// A drop from a known value to zero is adopted silently: the service
// restarted and its counters start over.
//
// TODO(product): a legitimate transition to zero (log truncated by
// rotation) is swallowed here as well; revisit once the service
// reports restarts explicitly.
func advance[T int64 | uint64](last *T, next T) bool {
	switch {
	case next > *last:
		*last = next
		return true
	case next == 0 && *last != 0:
		*last = 0
	}
	return false
}

// diffCheckpoints folds next into last and returns one change per field
// that advanced. Fields are compared independently. The started flag is
// outside the greater-than rule: it is reported on any difference,
// including true to false, and always when startedKnown is false.
func diffCheckpoints(last *model.Checkpoints, startedKnown bool, next model.Checkpoints) []Change {
	var out []Change
	if !startedKnown || last.Started != next.Started {
		last.Started = next.Started
		out = append(out, Change{Field: FieldStarted, Started: next.Started})
	}
	if advance(&last.RuleSetTime, next.RuleSetTime) {
		out = append(out, Change{Field: FieldRuleSet, Value: next.RuleSetTime})
	}
	if advance(&last.LicenseKeyTime, next.LicenseKeyTime) {
		out = append(out, Change{Field: FieldLicenseKey, Value: next.LicenseKeyTime})
	}
	if advance(&last.LogSize, next.LogSize) {
		out = append(out, Change{Field: FieldLogSize, Size: next.LogSize})
	}
	if advance(&last.ErrorTime, next.ErrorTime) {
		out = append(out, Change{Field: FieldErrorTime, Value: next.ErrorTime})
	}
	if advance(&last.WarnTime, next.WarnTime) {
		out = append(out, Change{Field: FieldWarnTime, Value: next.WarnTime})
	}
	return out
}
