// Package reconcile keeps the local rule map and the ledger of unapplied
// edits, and merges freshly fetched service state into them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/g960059/tunnelctl/internal/logging"
	"github.com/g960059/tunnelctl/internal/model"
	"github.com/g960059/tunnelctl/internal/rulexml"
)

// Unlimited disables license gating.
const Unlimited = -1

var (
	ErrUnknownRule   = errors.New("unknown rule")
	ErrDuplicateRule = errors.New("rule already exists")
	ErrLicenseLimit  = errors.New("license rule limit reached")
)

// RuleService is the subset of the RPC client the reconciler drives.
type RuleService interface {
	GetRuleSet(ctx context.Context) (model.RuleSet, error)
	UpdateRules(ctx context.Context, rs model.RuleSet) error
	DeleteRules(ctx context.Context, uuids []string) error
	EnableRules(ctx context.Context, uuids []string) error
	DisableRules(ctx context.Context, uuids []string) error
}

type Options struct {
	Logger *zap.SugaredLogger
	// Limit is the number of rules that may be enabled at once;
	// Unlimited disables the check.
	Limit int
	NewID func() string
}

// Reconciler is not safe for concurrent use; callers confine it to one
// goroutine.
type Reconciler struct {
	svc   RuleService
	log   *zap.SugaredLogger
	newID func() string
	limit int

	rules  map[string]model.Rule
	order  []string
	ledger Ledger
}

func New(svc RuleService, opts Options) *Reconciler {
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Reconciler{
		svc:    svc,
		log:    logging.OrNop(opts.Logger),
		newID:  opts.NewID,
		limit:  opts.Limit,
		rules:  make(map[string]model.Rule),
		ledger: make(Ledger),
	}
}

// LicenseLimit derives the enabled-rule cap from a license. An invalid
// license falls back to free; a valid one without a cap is Unlimited.
func LicenseLimit(lic model.License, free int) int {
	switch {
	case !lic.Valid:
		return free
	case lic.Unlimited():
		return Unlimited
	default:
		return lic.MaxRules
	}
}

func (r *Reconciler) SetLicenseLimit(limit int) {
	r.limit = limit
}

func (r *Reconciler) LicenseLimit() int {
	return r.limit
}

// Rules returns copies of the local rules, services first, in service
// order followed by local additions.
func (r *Reconciler) Rules() []model.Rule {
	out := make([]model.Rule, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.rules[id].Clone())
	}
	slices.SortStableFunc(out, func(a, b model.Rule) int {
		return kindRank(a.Kind) - kindRank(b.Kind)
	})
	return out
}

func kindRank(k model.RuleKind) int {
	if k == model.KindService {
		return 0
	}
	return 1
}

func (r *Reconciler) Rule(id string) (model.Rule, bool) {
	rule, ok := r.rules[id]
	if !ok {
		return model.Rule{}, false
	}
	return rule.Clone(), true
}

func (r *Reconciler) Pending() Ledger {
	return r.ledger.Clone()
}

func (r *Reconciler) EnabledCount() int {
	n := 0
	for _, rule := range r.rules {
		if rule.Enabled {
			n++
		}
	}
	return n
}

// Refresh fetches the service rule set and merges it into the local map.
// Rules with a pending edit keep their local content but take the
// service's enabled flag; pending additions the service has not seen
// are carried forward. The ledger itself is not changed.
func (r *Reconciler) Refresh(ctx context.Context) error {
	rs, err := r.svc.GetRuleSet(ctx)
	if err != nil {
		return fmt.Errorf("refresh rules: %w", err)
	}

	next := make(map[string]model.Rule, rs.Len()+len(r.ledger))
	order := make([]string, 0, rs.Len()+len(r.ledger))
	leftover := r.ledger.Clone()
	for _, remote := range rs.All() {
		kind, pending := r.ledger[remote.UUID]
		if !pending {
			next[remote.UUID] = remote.Clone()
			order = append(order, remote.UUID)
			continue
		}
		delete(leftover, remote.UUID)
		if kind == model.ChangeDeleted {
			continue
		}
		local, ok := r.rules[remote.UUID]
		if !ok {
			local = remote.Clone()
		}
		local.Enabled = remote.Enabled
		next[remote.UUID] = local
		order = append(order, remote.UUID)
	}
	for _, id := range r.order {
		if _, ok := leftover[id]; !ok {
			continue
		}
		if local, ok := r.rules[id]; ok {
			next[id] = local
			order = append(order, id)
		}
	}

	r.rules = next
	r.order = order
	r.log.Debugw("rules refreshed", "remote", rs.Len(), "local", len(next), "pending", len(r.ledger))
	return nil
}

// Add inserts a new local rule and marks it Added. A missing uuid is
// generated. The rule is forced disabled when enabling it would exceed
// the license limit.
func (r *Reconciler) Add(rule model.Rule) (model.Rule, error) {
	rule = rule.Clone()
	if rule.UUID == "" {
		rule.UUID = r.newID()
	}
	if _, ok := r.rules[rule.UUID]; ok {
		return model.Rule{}, fmt.Errorf("%w: %s", ErrDuplicateRule, rule.UUID)
	}
	if err := rule.Validate(); err != nil {
		return model.Rule{}, err
	}
	r.gate(&rule)
	r.insert(rule)
	r.ledger[rule.UUID] = model.ChangeAdded
	return rule.Clone(), nil
}

func (r *Reconciler) gate(rule *model.Rule) {
	if rule.Enabled && r.limit != Unlimited && r.EnabledCount() >= r.limit {
		r.log.Infow("license limit reached, adding rule disabled", "uuid", rule.UUID, "limit", r.limit)
		rule.Enabled = false
	}
}

func (r *Reconciler) insert(rule model.Rule) {
	if _, ok := r.rules[rule.UUID]; !ok {
		r.order = append(r.order, rule.UUID)
	}
	r.rules[rule.UUID] = rule
}

func (r *Reconciler) remove(id string) {
	delete(r.rules, id)
	r.order = slices.DeleteFunc(r.order, func(v string) bool { return v == id })
}

// Edit replaces a rule's content. The enabled flag is left as is; use
// SetEnabled to change it.
func (r *Reconciler) Edit(rule model.Rule) error {
	current, ok := r.rules[rule.UUID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRule, rule.UUID)
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	rule = rule.Clone()
	rule.Enabled = current.Enabled
	r.rules[rule.UUID] = rule
	r.markModified(rule.UUID)
	return nil
}

func (r *Reconciler) markModified(id string) {
	if r.ledger[id] != model.ChangeAdded {
		r.ledger[id] = model.ChangeModified
	}
}

// Delete removes rules from the local map. Rules the service already
// holds unchanged are deleted on the service right away; unpushed
// additions are dropped silently; rules with pending edits are marked
// Deleted and go out with the next Apply.
func (r *Reconciler) Delete(ctx context.Context, ids ...string) error {
	ids = distinct(ids)
	for _, id := range ids {
		if _, ok := r.rules[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRule, id)
		}
	}
	var immediate []string
	for _, id := range ids {
		switch r.ledger[id] {
		case model.ChangeAdded:
			delete(r.ledger, id)
		case model.ChangeModified:
			r.ledger[id] = model.ChangeDeleted
		default:
			immediate = append(immediate, id)
		}
		r.remove(id)
	}
	if len(immediate) == 0 {
		return nil
	}
	if err := r.svc.DeleteRules(ctx, immediate); err != nil {
		return fmt.Errorf("delete rules: %w", err)
	}
	return nil
}

func (r *Reconciler) DeleteAll(ctx context.Context) error {
	return r.Delete(ctx, slices.Clone(r.order)...)
}

// SetEnabled enables or disables rules. Unpushed additions change
// locally; every other rule is switched on the service.
func (r *Reconciler) SetEnabled(ctx context.Context, enabled bool, ids ...string) error {
	ids = distinct(ids)
	var turningOn int
	for _, id := range ids {
		rule, ok := r.rules[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRule, id)
		}
		if enabled && !rule.Enabled {
			turningOn++
		}
	}
	if enabled && r.limit != Unlimited && r.EnabledCount()+turningOn > r.limit {
		return fmt.Errorf("%w: %d enabled rules allowed", ErrLicenseLimit, r.limit)
	}

	var remote []string
	for _, id := range ids {
		if r.ledger[id] == model.ChangeAdded {
			rule := r.rules[id]
			rule.Enabled = enabled
			r.rules[id] = rule
			continue
		}
		remote = append(remote, id)
	}
	if len(remote) == 0 {
		return nil
	}
	var err error
	if enabled {
		err = r.svc.EnableRules(ctx, remote)
	} else {
		err = r.svc.DisableRules(ctx, remote)
	}
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	for _, id := range remote {
		rule := r.rules[id]
		rule.Enabled = enabled
		r.rules[id] = rule
	}
	return nil
}

// ApplyAll pushes every pending change.
func (r *Reconciler) ApplyAll(ctx context.Context) error {
	return r.apply(ctx, r.ledger.Clone())
}

// Apply pushes the pending changes of the given rules and leaves the
// rest pending. Ids without a ledger entry are ignored.
func (r *Reconciler) Apply(ctx context.Context, ids ...string) error {
	selected := make(Ledger, len(ids))
	for _, id := range ids {
		if kind, ok := r.ledger[id]; ok {
			selected[id] = kind
		}
	}
	return r.apply(ctx, selected)
}

func (r *Reconciler) apply(ctx context.Context, selected Ledger) error {
	var deletes []string
	var push model.RuleSet
	var pushed []string
	for _, e := range selected.Entries() {
		if e.Kind == model.ChangeDeleted {
			deletes = append(deletes, e.UUID)
			continue
		}
		rule, ok := r.rules[e.UUID]
		if !ok {
			delete(r.ledger, e.UUID)
			continue
		}
		push.Add(rule.Clone())
		pushed = append(pushed, e.UUID)
	}

	if len(deletes) > 0 {
		if err := r.svc.DeleteRules(ctx, deletes); err != nil {
			return fmt.Errorf("apply deletes: %w", err)
		}
		for _, id := range deletes {
			delete(r.ledger, id)
		}
	}
	if push.Len() > 0 {
		if err := r.svc.UpdateRules(ctx, push); err != nil {
			return fmt.Errorf("apply updates: %w", err)
		}
		for _, id := range pushed {
			delete(r.ledger, id)
		}
	}
	r.log.Infow("changes applied", "deleted", len(deletes), "updated", len(pushed), "pending", len(r.ledger))
	return nil
}

// CancelAll drops every pending change and reverts to the service state.
func (r *Reconciler) CancelAll(ctx context.Context) error {
	r.ledger = make(Ledger)
	return r.Refresh(ctx)
}

// Cancel drops the pending changes of the given rules and reverts them
// to the service state.
func (r *Reconciler) Cancel(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		delete(r.ledger, id)
	}
	return r.Refresh(ctx)
}

// ImportMerge merges a rule set document into the local map. A rule
// whose uuid is already known overwrites it in place and is marked
// Modified with its imported name; any other rule is added under a
// unique name. It returns
// the uuids touched.
func (r *Reconciler) ImportMerge(doc string) ([]string, error) {
	rs, err := rulexml.Unmarshal(doc)
	if err != nil {
		return nil, fmt.Errorf("import rules: %w", err)
	}
	touched := make([]string, 0, rs.Len())
	for _, in := range rs.All() {
		in = in.Clone()
		current, known := r.rules[in.UUID]
		switch {
		case known:
			in.Enabled = current.Enabled
			r.rules[in.UUID] = in
			r.markModified(in.UUID)
		case r.ledger[in.UUID] == model.ChangeDeleted:
			// The service still holds this rule; bring it back as an edit.
			in.Name = r.uniqueName(in.Name, in.UUID)
			r.gate(&in)
			r.insert(in)
			r.ledger[in.UUID] = model.ChangeModified
		default:
			in.Name = r.uniqueName(in.Name, in.UUID)
			if _, err := r.Add(in); err != nil {
				return touched, err
			}
		}
		touched = append(touched, in.UUID)
	}
	return touched, nil
}

// ImportAdd adds every rule in the document as a new rule with a fresh
// uuid and a unique name.
func (r *Reconciler) ImportAdd(doc string) ([]string, error) {
	rs, err := rulexml.Unmarshal(doc)
	if err != nil {
		return nil, fmt.Errorf("import rules: %w", err)
	}
	added := make([]string, 0, rs.Len())
	for _, in := range rs.All() {
		in = in.Clone()
		in.UUID = r.newID()
		in.Name = r.uniqueName(in.Name, "")
		rule, err := r.Add(in)
		if err != nil {
			return added, err
		}
		added = append(added, rule.UUID)
	}
	return added, nil
}

// Export renders the given rules, or every local rule when ids is
// empty, as a rule set document.
func (r *Reconciler) Export(ids ...string) (string, error) {
	var rs model.RuleSet
	if len(ids) == 0 {
		for _, rule := range r.Rules() {
			rs.Add(rule)
		}
	} else {
		for _, id := range ids {
			rule, ok := r.rules[id]
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrUnknownRule, id)
			}
			rs.Add(rule.Clone())
		}
	}
	return rulexml.Marshal(rs)
}
