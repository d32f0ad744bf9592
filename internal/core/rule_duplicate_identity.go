package core

import (
	"context"
	"fmt"

	"engagementcore/pkg/domain"
)

const duplicateIdentityRuleName = "duplicate_identity"

// DuplicateIdentityRule warns when a changed record shares a match key with
// another record of its kind. Manual adds skip the resolver, so duplicates can
// reach the store; the rule reports them without blocking the edit.
func DuplicateIdentityRule() domain.Rule {
	return duplicateIdentityRule{}
}

type duplicateIdentityRule struct{}

func (duplicateIdentityRule) Name() string { return duplicateIdentityRuleName }

func (duplicateIdentityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	indexes := make(map[domain.EntityKind]map[string][]string)
	reported := make(map[string]struct{})
	for _, change := range changes {
		if change.Action == domain.ActionDelete || change.After == nil {
			continue
		}
		idx, ok := indexes[change.Kind]
		if !ok {
			idx = keyIndex(view.List(change.Kind))
			indexes[change.Kind] = idx
		}
		current, still := view.Find(change.Kind, change.ID)
		if !still {
			continue
		}
		for _, key := range domain.MatchKeys(current) {
			for _, other := range idx[key] {
				if other == change.ID {
					continue
				}
				pair := string(change.Kind) + "|" + min(other, change.ID) + "|" + max(other, change.ID)
				if _, dup := reported[pair]; dup {
					continue
				}
				if existing, ok := view.Find(change.Kind, other); !ok || !domain.Compatible(existing, current) {
					continue
				}
				reported[pair] = struct{}{}
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     duplicateIdentityRuleName,
					Severity: domain.SeverityWarn,
					Message:  fmt.Sprintf("%s %s looks like a duplicate of %s", change.Kind, change.ID, other),
					Kind:     change.Kind,
					EntityID: change.ID,
				})
			}
		}
	}
	return res, nil
}

func keyIndex(entities []domain.Entity) map[string][]string {
	idx := make(map[string][]string)
	for _, e := range entities {
		id := e.Meta().ID
		for _, key := range domain.MatchKeys(e) {
			idx[key] = append(idx[key], id)
		}
	}
	return idx
}
