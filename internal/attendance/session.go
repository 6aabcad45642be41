package attendance

import "time"

// State is the derived session state of a record.
type State string

const (
	StateNotStarted State = "NOT_STARTED"
	StateActive     State = "ACTIVE"
	StateOnBreak    State = "ON_BREAK"
	// StateExhausted is a paused record whose break budget ran out: render
	// time is frozen until an explicit resume.
	StateExhausted State = "EXHAUSTED"
	StateEnded     State = "ENDED"
)

// State derives the session state from stored fields.
func (r Record) State() State {
	switch {
	case r.TimeStart == nil:
		return StateNotStarted
	case r.TimeEnd != nil:
		return StateEnded
	case r.Paused && r.BreakTime > 0:
		return StateOnBreak
	case r.Paused:
		return StateExhausted
	default:
		return StateActive
	}
}

// Start moves a NOT_STARTED record to ACTIVE.
func (r *Record) Start(now time.Time) error {
	if r.TimeStart != nil {
		return ErrAlreadyStarted
	}
	r.TimeStart = stamp(now)
	r.TimeEnd = nil
	r.BreakTime = BreakBudget
	r.Paused = false
	return nil
}

func (r *Record) running() error {
	if r.TimeStart == nil {
		return ErrNotStarted
	}
	if r.TimeEnd != nil {
		return ErrAlreadyEnded
	}
	return nil
}

// Pause puts an ACTIVE record on break.
func (r *Record) Pause() error {
	if err := r.running(); err != nil {
		return err
	}
	if r.Paused {
		return ErrAlreadyPaused
	}
	if r.BreakTime <= 0 {
		return ErrNoBreakBudget
	}
	r.Paused = true
	return nil
}

// Resume ends a break, exhausted or not.
func (r *Record) Resume() error {
	if err := r.running(); err != nil {
		return err
	}
	if !r.Paused {
		return ErrNotPaused
	}
	r.Paused = false
	return nil
}

// Stop ends the record at now.
func (r *Record) Stop(now time.Time) error {
	if err := r.running(); err != nil {
		return err
	}
	r.TimeEnd = stamp(now)
	r.Paused = false
	return nil
}

// Finish ends a record that reached its full scheduled duration of limit
// seconds. A paused record is unpaused first, which unfreezes render time.
func (r *Record) Finish(end time.Time, limit int) {
	if r.TimeStart == nil || r.TimeEnd != nil {
		return
	}
	r.Paused = false
	r.TimeEnd = stamp(end)
	if limit > 0 {
		r.TotalTimeRender = limit
	}
}

// Close finalizes a record of an outgoing subject. Attended records without
// an end get end; every record is unpaused.
func (r *Record) Close(end time.Time) {
	r.Paused = false
	if r.Status.Attended() && r.TimeEnd == nil {
		r.TimeEnd = stamp(end)
	}
}
