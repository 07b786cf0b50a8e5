// Package report defines the report domain model, its lifecycle state
// machine and the persistence port.
package report

// Status represents the lifecycle state of a report.
type Status string

const (
	StatusPending              Status = "PENDING"
	StatusRunningAgents        Status = "RUNNING_AGENTS"
	StatusAgentsCompleted      Status = "AGENTS_COMPLETED"
	StatusAgentsPartialSuccess Status = "AGENTS_PARTIAL_SUCCESS"
	StatusAgentsFailed         Status = "AGENTS_FAILED"
	StatusGeneratingNLG        Status = "GENERATING_NLG"
	StatusNLGCompleted         Status = "NLG_COMPLETED"
	StatusGeneratingSummary    Status = "GENERATING_SUMMARY"
	StatusSummaryCompleted     Status = "SUMMARY_COMPLETED"
	StatusCompleted            Status = "COMPLETED"
	StatusFailed               Status = "FAILED"
	StatusTimedOut             Status = "TIMED_OUT"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusRunningAgents,
	StatusAgentsCompleted,
	StatusAgentsPartialSuccess,
	StatusAgentsFailed,
	StatusGeneratingNLG,
	StatusNLGCompleted,
	StatusGeneratingSummary,
	StatusSummaryCompleted,
	StatusCompleted,
	StatusFailed,
	StatusTimedOut,
}

// forward lists the non-failure successors of each status. FAILED and
// TIMED_OUT are reachable from every non-terminal status and are not listed.
var forward = map[Status][]Status{
	StatusPending:              {StatusRunningAgents},
	StatusRunningAgents:        {StatusAgentsCompleted, StatusAgentsPartialSuccess, StatusAgentsFailed},
	StatusAgentsCompleted:      {StatusGeneratingNLG},
	StatusAgentsPartialSuccess: {StatusGeneratingNLG},
	StatusAgentsFailed:         nil,
	StatusGeneratingNLG:        {StatusNLGCompleted},
	StatusNLGCompleted:         {StatusGeneratingSummary},
	StatusGeneratingSummary:    {StatusSummaryCompleted},
	StatusSummaryCompleted:     {StatusCompleted},
}

// inProgress is the set a crashed worker can leave behind.
var inProgress = map[Status]bool{
	StatusRunningAgents:     true,
	StatusGeneratingNLG:     true,
	StatusGeneratingSummary: true,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	if s.IsTerminal() {
		return true
	}
	_, ok := forward[s]
	return ok
}

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// IsInProgress reports whether a worker is expected to be actively driving
// the report. Only these statuses are eligible for stall recovery.
func (s Status) IsInProgress() bool {
	return inProgress[s]
}

// InProgressStatuses returns the stall-recovery set in lifecycle order.
func InProgressStatuses() []Status {
	out := make([]Status, 0, len(inProgress))
	for _, s := range AllStatuses {
		if inProgress[s] {
			out = append(out, s)
		}
	}
	return out
}

// CanTransition reports whether moving from one status to another is legal.
// Re-entering the current non-terminal status is allowed so that retried
// writes stay idempotent.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() || !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if to == StatusFailed || to == StatusTimedOut {
		return true
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}
