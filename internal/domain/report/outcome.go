package report

// OutcomeStatus is the settled state of one agent in one execution.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
)

// AgentOutcome is the transient result of a single agent run.
type AgentOutcome struct {
	Status OutcomeStatus  `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func Completed(data map[string]any) AgentOutcome {
	return AgentOutcome{Status: OutcomeCompleted, Data: data}
}

func Failed(msg string) AgentOutcome {
	return AgentOutcome{Status: OutcomeFailed, Error: msg}
}

// OverallStatus derives the agent-phase status from a set of outcomes:
// no failures is AGENTS_COMPLETED, all failed is AGENTS_FAILED and anything
// in between is AGENTS_PARTIAL_SUCCESS. An empty set counts as completed.
func OverallStatus(outcomes map[string]AgentOutcome) Status {
	failed := 0
	for _, outcome := range outcomes {
		if outcome.Status != OutcomeCompleted {
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusAgentsCompleted
	case failed == len(outcomes):
		return StatusAgentsFailed
	default:
		return StatusAgentsPartialSuccess
	}
}

// FailureFlags returns name -> true for every failed outcome.
func FailureFlags(outcomes map[string]AgentOutcome) map[string]bool {
	flags := make(map[string]bool)
	for name, outcome := range outcomes {
		if outcome.Status != OutcomeCompleted {
			flags[name] = true
		}
	}
	return flags
}
