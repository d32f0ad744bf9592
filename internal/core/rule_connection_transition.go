package core

import (
	"context"
	"fmt"

	"engagementcore/pkg/domain"
)

const connectionTransitionRuleName = "connection_transition"

// ConnectionTransitionRule blocks illegal external connection state changes.
func ConnectionTransitionRule() domain.Rule {
	return connectionTransitionRule{}
}

type connectionTransitionRule struct{}

// connectionTransitions lists the states reachable from each state. A state
// may always be written again unchanged.
var connectionTransitions = map[domain.ConnectionState]map[domain.ConnectionState]struct{}{
	domain.ConnectionDisconnected: toSet(domain.ConnectionPending),
	domain.ConnectionPending:      toSet(domain.ConnectionConnected, domain.ConnectionFailed, domain.ConnectionDisconnected),
	domain.ConnectionConnected:    toSet(domain.ConnectionFailed, domain.ConnectionDisconnected),
	domain.ConnectionFailed:       toSet(domain.ConnectionPending, domain.ConnectionDisconnected, domain.ConnectionConnected),
}

// initialConnectionStates are the states a new connection may be created in.
var initialConnectionStates = toSet(domain.ConnectionDisconnected, domain.ConnectionPending)

func (connectionTransitionRule) Name() string { return connectionTransitionRuleName }

func (connectionTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Kind != domain.KindConnection || change.Action == domain.ActionDelete {
			continue
		}
		after, ok := change.After.(domain.ExternalConnection)
		if !ok {
			continue
		}
		if _, valid := connectionTransitions[after.State]; !valid {
			res.Violations = append(res.Violations, connectionViolation(after.ID,
				fmt.Sprintf("connection %s is set to invalid state %q", after.ID, after.State)))
			continue
		}
		before, ok := change.Before.(domain.ExternalConnection)
		if !ok {
			if _, allowed := initialConnectionStates[after.State]; !allowed {
				res.Violations = append(res.Violations, connectionViolation(after.ID,
					fmt.Sprintf("connection %s cannot be created in state %s", after.ID, after.State)))
			}
			continue
		}
		if before.State == after.State {
			continue
		}
		if _, allowed := connectionTransitions[before.State][after.State]; !allowed {
			res.Violations = append(res.Violations, connectionViolation(after.ID,
				fmt.Sprintf("cannot move connection %s from %s to %s", after.ID, before.State, after.State)))
		}
	}
	return res, nil
}

func connectionViolation(id, message string) domain.Violation {
	return domain.Violation{
		Rule:     connectionTransitionRuleName,
		Severity: domain.SeverityBlock,
		Message:  message,
		Kind:     domain.KindConnection,
		EntityID: id,
	}
}

func toSet[T comparable](values ...T) map[T]struct{} {
	set := make(map[T]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
