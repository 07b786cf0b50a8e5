package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusIsTerminal(t *testing.T) {
	for _, s := range AllStatuses {
		want := s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
		if got := s.IsTerminal(); got != want {
			t.Errorf("Status(%q).IsTerminal() = %v, want %v", s, got, want)
		}
	}
}

func TestInProgressStatuses(t *testing.T) {
	assert.Equal(t, []Status{StatusRunningAgents, StatusGeneratingNLG, StatusGeneratingSummary}, InProgressStatuses())
	assert.False(t, StatusPending.IsInProgress())
	assert.False(t, StatusNLGCompleted.IsInProgress())
}

func TestCanTransitionHappyPath(t *testing.T) {
	path := []Status{
		StatusPending,
		StatusRunningAgents,
		StatusAgentsPartialSuccess,
		StatusGeneratingNLG,
		StatusNLGCompleted,
		StatusGeneratingSummary,
		StatusSummaryCompleted,
		StatusCompleted,
	}
	for i := 1; i < len(path); i++ {
		assert.Truef(t, CanTransition(path[i-1], path[i]), "%s -> %s", path[i-1], path[i])
	}
	assert.True(t, CanTransition(StatusRunningAgents, StatusAgentsCompleted))
	assert.True(t, CanTransition(StatusAgentsCompleted, StatusGeneratingNLG))
}

func TestCanTransitionRejections(t *testing.T) {
	tests := []struct {
		from, to Status
	}{
		{StatusPending, StatusGeneratingNLG},
		{StatusAgentsFailed, StatusGeneratingNLG},
		{StatusNLGCompleted, StatusRunningAgents},
		{StatusGeneratingSummary, StatusCompleted},
		{StatusPending, Status("BOGUS")},
	}
	for _, tt := range tests {
		assert.Falsef(t, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestFailureStatesReachableFromAnyNonTerminal(t *testing.T) {
	for _, s := range AllStatuses {
		for _, target := range []Status{StatusFailed, StatusTimedOut} {
			assert.Equalf(t, !s.IsTerminal(), CanTransition(s, target), "%s -> %s", s, target)
		}
	}
}

func TestTerminalNeverTransitions(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusFailed, StatusTimedOut} {
		for _, to := range AllStatuses {
			assert.Falsef(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}
