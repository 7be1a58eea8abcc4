package domain

import (
	"fmt"
	"sort"
)

var allowedTransitions = map[BacklogStatus][]BacklogStatus{
	StatusCreated:    {StatusReady, StatusBlocked},
	StatusReady:      {StatusInProgress, StatusBlocked},
	StatusBlocked:    {StatusReady},
	StatusInProgress: {StatusDone, StatusFailed, StatusBlocked},
	StatusDone:       {},
	StatusFailed:     {},
}

// IllegalTransitionError reports a backlog status change outside the
// adjacency set. It carries the allowed targets so callers can turn it into a
// soft failure event instead of dead-lettering the whole message.
type IllegalTransitionError struct {
	ItemID  string
	From    BacklogStatus
	To      BacklogStatus
	Allowed []BacklogStatus
}

func (e *IllegalTransitionError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("illegal transition %s -> %s for item %s (allowed: %v)", e.From, e.To, e.ItemID, e.Allowed)
	}
	return fmt.Sprintf("illegal transition %s -> %s (allowed: %v)", e.From, e.To, e.Allowed)
}

// IsAllowedTransition reports whether from -> to is adjacency-legal.
func IsAllowedTransition(from, to BacklogStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTargets returns the sorted set of legal targets for a status.
func AllowedTargets(from BacklogStatus) []BacklogStatus {
	targets := append([]BacklogStatus(nil), allowedTransitions[from]...)
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	return targets
}

// AssertTransition is the single authority for backlog status changes. It
// accepts string-typed statuses and returns an *IllegalTransitionError when
// the transition is outside the adjacency set.
func AssertTransition(from, to BacklogStatus, itemID string) error {
	if IsAllowedTransition(from, to) {
		return nil
	}
	return &IllegalTransitionError{ItemID: itemID, From: from, To: to, Allowed: AllowedTargets(from)}
}
