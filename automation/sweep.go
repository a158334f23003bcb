package automation

import (
	"fmt"
	"sort"
	"strings"
)

// Sweep names, used in logs, metrics and the CLI
const (
	SweepReminders    = "reminders"
	SweepEscalations  = "escalations"
	SweepAutoActivate = "auto-activate"
	SweepIdentitySync = "identity-sync"
)

// Per-item sweep outcomes
const (
	OutcomeSent         = "sent"
	OutcomeCancelled    = "cancelled"
	OutcomeSkipped      = "skipped"      // Operator skip honoured
	OutcomeUnconfigured = "unconfigured" // Left pending on a configuration defect
	OutcomeRetried      = "retried"
	OutcomeFailed       = "failed"
	OutcomeDuplicate    = "duplicate" // Another worker got there first
	OutcomeNotified     = "notified"
	OutcomeUpdated      = "updated"
	OutcomeUnchanged    = "unchanged"
	OutcomeActivated    = "activated"
	OutcomeError        = "error"
)

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Sweep    string
	Outcomes map[string]int
}

func newSweepResult(sweep string) *SweepResult {
	return &SweepResult{Sweep: sweep, Outcomes: make(map[string]int)}
}

// Count returns how many items ended with outcome.
func (r *SweepResult) Count(outcome string) int { return r.Outcomes[outcome] }

// Total returns the number of items handled.
func (r *SweepResult) Total() int {
	n := 0
	for _, c := range r.Outcomes {
		n += c
	}
	return n
}

func (r *SweepResult) add(rec Recorder, outcome string, n int) {
	if n <= 0 {
		return
	}
	r.Outcomes[outcome] += n
	for i := 0; i < n; i++ {
		rec.SweepItem(r.Sweep, outcome)
	}
}

// String renders the outcomes sorted by name, e.g. "cancelled=1 sent=2".
func (r *SweepResult) String() string {
	keys := make([]string, 0, len(r.Outcomes))
	for k := range r.Outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, r.Outcomes[k])
	}
	return strings.Join(parts, " ")
}
