package jobs

import "time"

// FireTime is the output of the delay calculator. When TooLate is set At is
// zero and the caller must skip scheduling.
type FireTime struct {
	At      time.Time
	TooLate bool
}

func (f FireTime) Delay(now time.Time) time.Duration {
	if f.TooLate {
		return 0
	}
	return f.At.Sub(now)
}

func fireAt(now, at time.Time) FireTime {
	if !at.After(now) {
		return FireTime{TooLate: true}
	}
	return FireTime{At: at}
}

// Immediate is for jobs with no lead time. It is never too late.
func Immediate(now time.Time) FireTime {
	return FireTime{At: now}
}

// Before returns target-lead, or TooLate when that is not after now.
func Before(now, target time.Time, lead time.Duration) FireTime {
	return fireAt(now, target.Add(-lead))
}

// After returns target+lag, or TooLate when that is not after now.
func After(now, target time.Time, lag time.Duration) FireTime {
	return fireAt(now, target.Add(lag))
}

type FollowUpMode string

const (
	FollowUpSupportOnly  FollowUpMode = "SUPPORT_ONLY"
	FollowUpReminderOnly FollowUpMode = "REMINDER_ONLY"
	FollowUpBoth         FollowUpMode = "BOTH"
)

func (m FollowUpMode) Valid() bool {
	return m == FollowUpSupportOnly || m == FollowUpReminderOnly || m == FollowUpBoth
}

func (m FollowUpMode) support() bool  { return m == FollowUpSupportOnly || m == FollowUpBoth }
func (m FollowUpMode) reminder() bool { return m == FollowUpReminderOnly || m == FollowUpBoth }

// FollowUpRules holds the day offsets of the post-visit sequence.
type FollowUpRules struct {
	InitialAfter    time.Duration // FOLLOWUP_INITIAL at now+InitialAfter
	PreBefore       time.Duration // FOLLOWUP_PRE_APPOINTMENT at suggested-PreBefore
	RebookingBefore time.Duration // REBOOKING_REMINDER at suggested-RebookingBefore
	MinPeriod       time.Duration // gates MID and PRE_APPOINTMENT
}

func DefaultFollowUpRules() FollowUpRules {
	return FollowUpRules{
		InitialAfter:    4 * 24 * time.Hour,
		PreBefore:       8 * 24 * time.Hour,
		RebookingBefore: 4 * 24 * time.Hour,
		MinPeriod:       10 * 24 * time.Hour,
	}
}

// Stage is one step of a planned follow-up sequence. Skip is set when the
// stage does not qualify; the reason is meant for logs.
type Stage struct {
	Type JobType
	Fire FireTime
	Skip string
}

// PlanFollowUps splits period = suggested-now into the staged sequence.
// Stages not covered by mode are omitted; stages that do not qualify are
// returned with Skip set so callers can report them.
func PlanFollowUps(now, suggested time.Time, mode FollowUpMode, rules FollowUpRules) []Stage {
	period := suggested.Sub(now)
	var out []Stage

	if mode.support() {
		if rules.InitialAfter < period {
			out = append(out, Stage{Type: TypeFollowUpInitial, Fire: After(now, now, rules.InitialAfter)})
		} else {
			out = append(out, Stage{Type: TypeFollowUpInitial, Fire: FireTime{TooLate: true}, Skip: "period shorter than initial offset"})
		}

		if period >= rules.MinPeriod {
			out = append(out, Stage{Type: TypeFollowUpMid, Fire: After(now, now, period/2)})
		} else {
			out = append(out, Stage{Type: TypeFollowUpMid, Fire: FireTime{TooLate: true}, Skip: "period below minimum"})
		}

		if period >= rules.MinPeriod {
			st := Stage{Type: TypeFollowUpPreAppointment, Fire: Before(now, suggested, rules.PreBefore)}
			if st.Fire.TooLate {
				st.Skip = "pre-appointment time already passed"
			}
			out = append(out, st)
		} else {
			out = append(out, Stage{Type: TypeFollowUpPreAppointment, Fire: FireTime{TooLate: true}, Skip: "period below minimum"})
		}
	}

	if mode.reminder() {
		st := Stage{Type: TypeRebookingReminder, Fire: Before(now, suggested, rules.RebookingBefore)}
		if st.Fire.TooLate {
			st.Skip = "rebooking time already passed"
		}
		out = append(out, st)
	}

	return out
}
