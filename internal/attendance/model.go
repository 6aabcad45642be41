package attendance

import (
	"fmt"
	"strings"
	"time"
)

// BreakBudget is the break allowance, in seconds, every record starts a period with.
const BreakBudget = 600

// DefaultMinPercentage is the elapsed percentage below which a record is ABSENT.
const DefaultMinPercentage = 75

// DayLayout is the calendar-day format used for Attendance.Day.
const DayLayout = "2006-01-02"

// Status is the attendance classification of a record.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusAbsent  Status = "ABSENT"
	StatusLate    Status = "LATE"
	StatusExcused Status = "EXCUSED"
)

// Valid reports whether s is a supported status.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLate, StatusExcused:
		return true
	default:
		return false
	}
}

// Attended reports whether the status counts as being in class.
func (s Status) Attended() bool {
	return s == StatusPresent || s == StatusLate
}

// ParseStatus normalizes user input into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// Student is a read-only directory entry.
type Student struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	FaceRef string `json:"face_ref,omitempty"`
}

// Attendance is one calendar day.
type Attendance struct {
	ID  string `json:"id"`
	Day string `json:"day"`
}

// Subject is a schedulable class period.
type Subject struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	StartTime       string `json:"start_time,omitempty"` // HH:MM
	EndTime         string `json:"end_time,omitempty"`   // HH:MM
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	Order           int    `json:"order"`
	Active          bool   `json:"active"`
	MinPercentage   int    `json:"min_percentage"`
}

// Schedule is a subject resolved onto a specific day.
type Schedule struct {
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// Minutes returns the scheduled duration in whole minutes.
func (s Schedule) Minutes() int { return int(s.Duration / time.Minute) }

// Threshold returns the subject's minimum percentage, defaulting when unset.
func (s Subject) Threshold() int {
	if s.MinPercentage <= 0 {
		return DefaultMinPercentage
	}
	return s.MinPercentage
}

// Schedule resolves the subject's start, end and duration on day (DayLayout) in loc.
func (s Subject) Schedule(day string, loc *time.Location) (Schedule, error) {
	if loc == nil {
		loc = time.Local
	}
	date, err := time.ParseInLocation(DayLayout, day, loc)
	if err != nil {
		return Schedule{}, fmt.Errorf("parse day %q: %w", day, err)
	}
	if s.StartTime == "" {
		return Schedule{}, fmt.Errorf("%w: subject %s has no start time", ErrDurationUnavailable, s.ID)
	}
	start, err := atClock(date, s.StartTime)
	if err != nil {
		return Schedule{}, err
	}

	var end time.Time
	if s.EndTime != "" {
		if end, err = atClock(date, s.EndTime); err != nil {
			return Schedule{}, err
		}
	}

	dur, err := s.Duration()
	if err != nil {
		return Schedule{}, err
	}
	if end.IsZero() {
		end = start.Add(dur)
	}
	return Schedule{Start: start, End: end, Duration: dur}, nil
}

// Duration is DurationMinutes when set, otherwise the span between the
// start and end clocks.
func (s Subject) Duration() (time.Duration, error) {
	if s.DurationMinutes > 0 {
		return time.Duration(s.DurationMinutes) * time.Minute, nil
	}
	if s.StartTime != "" && s.EndTime != "" {
		day := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
		start, err := atClock(day, s.StartTime)
		if err != nil {
			return 0, err
		}
		end, err := atClock(day, s.EndTime)
		if err != nil {
			return 0, err
		}
		if end.After(start) {
			return end.Sub(start), nil
		}
	}
	return 0, fmt.Errorf("%w: subject %s", ErrDurationUnavailable, s.ID)
}

func atClock(date time.Time, clock string) (time.Time, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse clock %q: %w", clock, err)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, date.Location()), nil
}

// RecordKey is the composite identity of an AttendanceRecord.
type RecordKey struct {
	AttendanceID string
	StudentID    string
	SubjectID    string
}

// Record is the per-student, per-subject, per-day attendance entry.
type Record struct {
	ID              string     `json:"id"`
	AttendanceID    string     `json:"attendance_id"`
	StudentID       string     `json:"student_id"`
	SubjectID       string     `json:"subject_id"`
	Status          Status     `json:"status"`
	TimeStart       *time.Time `json:"time_start,omitempty"`
	TimeEnd         *time.Time `json:"time_end,omitempty"`
	BreakTime       int        `json:"break_time"`
	Paused          bool       `json:"paused"`
	TotalTimeRender int        `json:"total_time_render"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Key returns the record's composite key.
func (r Record) Key() RecordKey {
	return RecordKey{AttendanceID: r.AttendanceID, StudentID: r.StudentID, SubjectID: r.SubjectID}
}

// NewRecord returns an unstarted ABSENT record for key.
func NewRecord(key RecordKey) Record {
	return Record{
		AttendanceID: key.AttendanceID,
		StudentID:    key.StudentID,
		SubjectID:    key.SubjectID,
		Status:       StatusAbsent,
		BreakTime:    BreakBudget,
	}
}

// StandbyStudent is a detection buffered while no subject is active.
type StandbyStudent struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"student_id"`
	DetectedAt time.Time `json:"detected_at"`
	Status     Status    `json:"status"`
}

// Progress is a batched tracker write.
type Progress struct {
	RecordID        string
	BreakTime       int
	TotalTimeRender int
}

// Transition journal steps; each value means that step has completed.
const (
	StepStarted   = 0
	StepFinalized = 2
	StepSeeded    = 4
	StepToggled   = 5
)

// Transition is the journal entry of one subject activation.
type Transition struct {
	ID            string     `json:"id"`
	Day           string     `json:"day"`
	FromSubjectID string     `json:"from_subject_id,omitempty"`
	ToSubjectID   string     `json:"to_subject_id"`
	Step          int        `json:"step"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func timePtr(t time.Time) *time.Time { return &t }

// stamp returns t at the microsecond precision Postgres keeps for timestamptz.
func stamp(t time.Time) *time.Time { return timePtr(t.Truncate(time.Microsecond)) }
