package controller

import (
	"time"

	"github.com/softcane/maintenance-controller/internal/maintenance"
)

// Outcome of the operator command considered by a pass.
const (
	OutcomeNone       = ""
	OutcomeEnable     = "enable"
	OutcomeDisable    = "disable"
	OutcomeNoop       = "noop"
	OutcomeSuperseded = "superseded"
)

// Decision is what one pass must do to the stored signal and the history.
type Decision struct {
	// Next is the signal the record must hold after the pass. Nil means no record.
	Next *maintenance.Signal

	// Write is set when Next differs from the stored record in content.
	Write bool

	// Entry is the history entry to append. A pass that only reconfirms the
	// transition tuple records nothing; an applied enable command always
	// records an ENTER.
	Entry *maintenance.HistoryEntry

	CommandOutcome string
}

// Decide merges the stored signal, the automatic verdict and at most one
// operator command into a decision. verdict is nil when the pass could not
// read a snapshot. Operator commands always take precedence.
func Decide(current *maintenance.Signal, verdict *Verdict, cmd *maintenance.Command, now time.Time) Decision {
	var (
		next       = current
		exitBy     maintenance.TriggeringEntity
		exitReason string
		outcome    = OutcomeNone
	)

	switch {
	case cmd != nil && cmd.Enable:
		next = cmd.Signal()
		outcome = OutcomeEnable

	case cmd != nil:
		if current == nil {
			outcome = OutcomeNoop
			break
		}
		next = nil
		exitBy, exitReason = maintenance.TriggeredByUser, cmd.Reason
		outcome = OutcomeDisable

	case verdict != nil:
		next, exitBy = decideAuto(current, *verdict)
	}

	if next != nil && current != nil && next != current {
		next.Since = current.Since
	}

	d := Decision{
		Next:           next,
		Write:          !current.SameContent(next),
		CommandOutcome: outcome,
	}
	if outcome == OutcomeEnable || current.Transition() != next.Transition() {
		var e maintenance.HistoryEntry
		if next != nil {
			e = maintenance.NewEnterEntry(next, now)
		} else {
			e = maintenance.NewExitEntry(current, exitBy, exitReason, now)
		}
		d.Entry = &e
	}
	return d
}

// decideAuto applies a verdict to the stored signal. Operator maintenance is
// never changed by a verdict.
func decideAuto(current *maintenance.Signal, v Verdict) (*maintenance.Signal, maintenance.TriggeringEntity) {
	switch current.State() {
	case maintenance.StateNotInMaintenance:
		if v.ShouldBeInMaintenance {
			return maintenance.NewControllerSignal(v.Reason), ""
		}
	case maintenance.StateInMaintenanceAuto:
		if v.ShouldBeInMaintenance {
			if v.Reason != current.AutoTriggerReason {
				return maintenance.NewControllerSignal(v.Reason), ""
			}
			return current, ""
		}
		if v.ExitEligible {
			return nil, maintenance.TriggeredByController
		}
	}
	return current, ""
}
