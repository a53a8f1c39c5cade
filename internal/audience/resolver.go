package audience

import (
	"context"
	"fmt"

	"github.com/Cypherspark/push-dispatch/internal/core"
)

// Fields that filtered rules may test for equality.
var FilterFields = map[string]struct{}{
	"category": {},
	"active":   {},
	"city":     {},
	"district": {},
}

// Query is a store-level audience predicate.
type Query struct {
	Filters       []core.Filter
	ExcludeBanned bool
}

type Store interface {
	RecipientIDs(ctx context.Context, q Query) ([]string, error)
	CountRecipients(ctx context.Context, q Query) (int, error)
}

type Resolver struct {
	Store Store
}

func NewResolver(s Store) *Resolver { return &Resolver{Store: s} }

// Resolve materializes the recipient ids matched by rule. Order is not
// guaranteed for store-backed rules.
func (r *Resolver) Resolve(ctx context.Context, rule core.TargetingRule) ([]string, error) {
	if rule.Kind == core.TargetSpecific {
		return dedupe(rule.ExplicitIDs), nil
	}
	q, err := query(rule)
	if err != nil {
		return nil, err
	}
	ids, err := r.Store.RecipientIDs(ctx, q)
	if err != nil {
		return nil, &core.ResolutionError{Rule: rule.Kind, Err: err}
	}
	return ids, nil
}

// Count returns the size Resolve would produce for rule.
func (r *Resolver) Count(ctx context.Context, rule core.TargetingRule) (int, error) {
	if rule.Kind == core.TargetSpecific {
		return len(dedupe(rule.ExplicitIDs)), nil
	}
	q, err := query(rule)
	if err != nil {
		return 0, err
	}
	n, err := r.Store.CountRecipients(ctx, q)
	if err != nil {
		return 0, &core.ResolutionError{Rule: rule.Kind, Err: err}
	}
	return n, nil
}

// Validate checks a rule without touching the store.
func Validate(rule core.TargetingRule) error {
	if rule.Kind == core.TargetSpecific {
		if len(dedupe(rule.ExplicitIDs)) == 0 {
			return &core.ValidationError{Field: "targeting.explicit_ids", Reason: "empty"}
		}
		return nil
	}
	_, err := query(rule)
	return err
}

func query(rule core.TargetingRule) (Query, error) {
	switch rule.Kind {
	case core.TargetAll:
		return Query{}, nil
	case core.TargetFiltered:
		for _, f := range rule.Filters {
			if _, ok := FilterFields[f.Field]; !ok {
				return Query{}, &core.ValidationError{Field: "targeting.filters", Reason: fmt.Sprintf("unsupported field %q", f.Field)}
			}
		}
		return Query{Filters: rule.Filters, ExcludeBanned: true}, nil
	default:
		return Query{}, &core.ValidationError{Field: "targeting.kind", Reason: fmt.Sprintf("unknown kind %q", rule.Kind)}
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
