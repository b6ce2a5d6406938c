package domain

// Status represents the lifecycle state of a service order
type Status string

const (
	StatusReceived         Status = "received"
	StatusDiagnosing       Status = "diagnosing"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusAwaitingPayment  Status = "awaiting_payment"
	StatusInProgress       Status = "in_progress"
	StatusFinished         Status = "finished"
	StatusDelivered        Status = "delivered"
	StatusCancelled        Status = "cancelled"
)

// allowedTransitions is the single source of truth for legal status
// moves. Cancellation from non-terminal states is handled by Cancel and
// deliberately not listed for every origin; the explicit entries cover
// the states where cancellation is part of the normal flow.
var allowedTransitions = map[Status][]Status{
	StatusReceived:         {StatusDiagnosing, StatusCancelled},
	StatusDiagnosing:       {StatusAwaitingApproval, StatusCancelled},
	StatusAwaitingApproval: {StatusAwaitingPayment, StatusCancelled, StatusDiagnosing}, // back to diagnosis on rejection
	StatusAwaitingPayment:  {StatusInProgress, StatusCancelled},
	StatusInProgress:       {StatusFinished, StatusAwaitingApproval}, // re-quote needs a new approval
	StatusFinished:         {StatusDelivered},
	StatusDelivered:        {},
	StatusCancelled:        {},
}

// CanTransitionTo reports whether the move from one status to another is
// legal according to the transition table. Self-transitions are always
// rejected regardless of the table.
func CanTransitionTo(from, to Status) bool {
	if from == to {
		return false
	}
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// IsValid reports whether the value is one of the enumerated statuses.
func (s Status) IsValid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

func (s Status) String() string {
	return string(s)
}

// AllStatuses returns every enumerated status, in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusReceived,
		StatusDiagnosing,
		StatusAwaitingApproval,
		StatusAwaitingPayment,
		StatusInProgress,
		StatusFinished,
		StatusDelivered,
		StatusCancelled,
	}
}
