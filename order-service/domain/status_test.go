package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionTo_Table(t *testing.T) {
	allowed := map[Status][]Status{
		StatusReceived:         {StatusDiagnosing, StatusCancelled},
		StatusDiagnosing:       {StatusAwaitingApproval, StatusCancelled},
		StatusAwaitingApproval: {StatusAwaitingPayment, StatusCancelled, StatusDiagnosing},
		StatusAwaitingPayment:  {StatusInProgress, StatusCancelled},
		StatusInProgress:       {StatusFinished, StatusAwaitingApproval},
		StatusFinished:         {StatusDelivered},
		StatusDelivered:        {},
		StatusCancelled:        {},
	}

	isAllowed := func(from, to Status) bool {
		for _, s := range allowed[from] {
			if s == to {
				return true
			}
		}
		return false
	}

	// Exhaustive check over every (from, to) pair: pairs in the table
	// pass, everything else fails.
	for _, from := range AllStatuses() {
		for _, to := range AllStatuses() {
			got := CanTransitionTo(from, to)
			want := from != to && isAllowed(from, to)
			assert.Equalf(t, want, got, "transition %s -> %s", from, to)
		}
	}
}

func TestCanTransitionTo_SelfTransitionAlwaysRejected(t *testing.T) {
	for _, s := range AllStatuses() {
		assert.Falsef(t, CanTransitionTo(s, s), "self transition on %s", s)
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	for _, s := range AllStatuses() {
		want := s == StatusDelivered || s == StatusCancelled
		assert.Equal(t, want, s.IsTerminal(), "status %s", s)
	}
}

func TestStatus_IsValid(t *testing.T) {
	for _, s := range AllStatuses() {
		assert.True(t, s.IsValid())
	}
	assert.False(t, Status("shipped").IsValid())
	assert.False(t, Status("").IsValid())
}
