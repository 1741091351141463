package events

import "strings"

// Status is the lifecycle state of an event.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusPublished Status = "PUBLISHED"
)

// Decision is a single approver's verdict.
type Decision string

const (
	DecisionPending  Decision = "PENDING"
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusPublished},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusPublished:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusPublished
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsApproved is true once every approver approved, including after publication.
func (s Status) IsApproved() bool {
	return s == StatusApproved || s == StatusPublished
}

func (s Status) IsPublished() bool {
	return s == StatusPublished
}

// ParseStatus accepts any casing.
func ParseStatus(value string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(value)))
	return s, s.Valid()
}

func (d Decision) Valid() bool {
	switch d {
	case DecisionPending, DecisionApproved, DecisionRejected:
		return true
	}
	return false
}

// Final reports whether d is a verdict an approver can submit.
func (d Decision) Final() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// ParseDecision accepts APPROVED or REJECTED in any casing.
func ParseDecision(value string) (Decision, error) {
	d := Decision(strings.ToUpper(strings.TrimSpace(value)))
	if !d.Final() {
		return "", ValidationError{Field: "decision", Message: "must be APPROVED or REJECTED"}
	}
	return d, nil
}

// Aggregate derives the decision-driven status from an approver list:
// any rejection wins, otherwise approval requires every approver.
func Aggregate(approvers []Approver) Status {
	if len(approvers) == 0 {
		return StatusPending
	}
	approved := 0
	for _, a := range approvers {
		switch a.Decision {
		case DecisionRejected:
			return StatusRejected
		case DecisionApproved:
			approved++
		}
	}
	if approved == len(approvers) {
		return StatusApproved
	}
	return StatusPending
}

// nextStatus returns the status an event in current should move to given its
// approver list. Only PENDING events react to decisions.
func nextStatus(current Status, approvers []Approver) Status {
	if current != StatusPending {
		return current
	}
	return Aggregate(approvers)
}
