package model

import (
	"errors"
	"fmt"
)

// Action drives a lifecycle transition.
type Action string

const (
	ActionDeploy     Action = "deploy"
	ActionStartTests Action = "start_tests"
	ActionTestsPass  Action = "tests_pass"
	ActionTestsFail  Action = "tests_fail"
	ActionRedeploy   Action = "redeploy"
	ActionGiveUp     Action = "give_up"
	ActionApprove    Action = "approve"
	ActionApply      Action = "apply"
	ActionRollback   Action = "rollback"
	ActionReject     Action = "reject"
)

// AllActions lists every lifecycle action.
var AllActions = []Action{
	ActionDeploy,
	ActionStartTests,
	ActionTestsPass,
	ActionTestsFail,
	ActionRedeploy,
	ActionGiveUp,
	ActionApprove,
	ActionApply,
	ActionRollback,
	ActionReject,
}

// ErrInvalidTransition is wrapped by every TransitionError.
var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError reports a (status, action) pair with no edge.
type TransitionError struct {
	From   Status
	Action Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s from %s", e.Action, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type edge struct {
	from   Status
	action Action
}

var transitions = map[edge]Status{
	{StatusProposed, ActionDeploy}:            StatusSandboxDeployed,
	{StatusSandboxDeployed, ActionStartTests}: StatusTesting,
	{StatusTesting, ActionTestsPass}:          StatusTestsPassed,
	{StatusTesting, ActionTestsFail}:          StatusTestsFailed,
	{StatusTestsFailed, ActionRedeploy}:       StatusSandboxDeployed,
	{StatusTestsFailed, ActionGiveUp}:         StatusUnfixable,
	{StatusTestsPassed, ActionApprove}:        StatusApproved,
	{StatusApproved, ActionApply}:             StatusApplied,
	{StatusApplied, ActionRollback}:           StatusRolledBack,
}

// rejectable holds every pre-APPLIED, non-terminal state.
var rejectable = map[Status]bool{
	StatusProposed:        true,
	StatusSandboxDeployed: true,
	StatusTesting:         true,
	StatusTestsPassed:     true,
	StatusTestsFailed:     true,
	StatusApproved:        true,
}

// Transition returns the status reached by applying action in from.
// Pairs without an edge return a *TransitionError.
func Transition(from Status, action Action) (Status, error) {
	if action == ActionReject {
		if rejectable[from] {
			return StatusRejected, nil
		}
		return from, &TransitionError{From: from, Action: action}
	}
	if next, ok := transitions[edge{from, action}]; ok {
		return next, nil
	}
	return from, &TransitionError{From: from, Action: action}
}

// IsTerminal reports whether the forward flow ends at s.
// APPLIED is terminal but still accepts rollback.
func IsTerminal(s Status) bool {
	switch s {
	case StatusApplied, StatusRejected, StatusRolledBack, StatusUnfixable:
		return true
	}
	return false
}

// Advance applies action to p, updating Status and UpdatedAt on success.
func (p *Proposal) Advance(action Action) error {
	next, err := Transition(p.Status, action)
	if err != nil {
		return err
	}
	p.Status = next
	p.UpdatedAt = nowUTC()
	return nil
}
