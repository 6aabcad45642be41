package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"classattend/internal/lock"
	"classattend/internal/metrics"
)

// Config wires a Service.
type Config struct {
	Store    Store
	Board    *Board
	Locker   lock.Locker
	Notifier Notifier
	Now      func() time.Time
	Location *time.Location
	// MinPercentage overrides subjects without their own threshold.
	MinPercentage int
	LockTTL       time.Duration
}

// Service is the single entry point for session actions, subject
// transitions, auto-adjust and roster queries.
type Service struct {
	store      Store
	board      *Board
	notify     Notifier
	now        func() time.Time
	loc        *time.Location
	minPct     int
	reconciler *Reconciler
	coord      *Coordinator
	standby    *Admission
}

// NewService creates a service. A nil Board gets a private, unloaded board so
// that processes without engine loops (the worker) share the same code path.
func NewService(cfg Config) *Service {
	if cfg.Board == nil {
		cfg.Board = NewBoard()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	s := &Service{
		store:  cfg.Store,
		board:  cfg.Board,
		notify: cfg.Notifier,
		now:    cfg.Now,
		loc:    cfg.Location,
		minPct: cfg.MinPercentage,
	}
	s.reconciler = NewReconciler(cfg.Store, cfg.Board, cfg.Notifier, cfg.Now)
	s.coord = NewCoordinator(CoordinatorConfig{
		Store:    cfg.Store,
		Locker:   cfg.Locker,
		Board:    cfg.Board,
		Notifier: cfg.Notifier,
		Now:      cfg.Now,
		Location: cfg.Location,
		LockTTL:  cfg.LockTTL,
	})
	s.standby = NewAdmission(cfg.Store, cfg.Notifier)
	return s
}

// Board exposes the live board.
func (s *Service) Board() *Board { return s.board }

// Today returns the current calendar day in the service's location.
func (s *Service) Today() string { return s.now().In(s.loc).Format(DayLayout) }

func (s *Service) threshold(sub Subject) int {
	if sub.MinPercentage <= 0 && s.minPct > 0 {
		return s.minPct
	}
	return sub.Threshold()
}

// CurrentPeriod resolves today's attendance and the active subject.
func (s *Service) CurrentPeriod(ctx context.Context) (Period, error) {
	sub, err := s.store.ActiveSubject(ctx)
	if err != nil {
		return Period{}, err
	}
	day := s.Today()
	sched, err := sub.Schedule(day, s.loc)
	if err != nil {
		return Period{}, err
	}
	att, err := s.store.EnsureAttendance(ctx, day)
	if err != nil {
		return Period{}, fmt.Errorf("ensure attendance %s: %w", day, err)
	}
	return Period{Attendance: att, Subject: sub, Schedule: sched}, nil
}

// periodOf resolves the period a stored record belongs to.
func (s *Service) periodOf(ctx context.Context, rec Record) (Period, error) {
	if p, ok := s.board.Period(); ok && p.Attendance.ID == rec.AttendanceID && p.Subject.ID == rec.SubjectID {
		return p, nil
	}
	att, err := s.store.GetAttendance(ctx, rec.AttendanceID)
	if err != nil {
		return Period{}, fmt.Errorf("attendance %s: %w", rec.AttendanceID, err)
	}
	sub, err := s.store.GetSubject(ctx, rec.SubjectID)
	if err != nil {
		return Period{}, err
	}
	sched, err := sub.Schedule(att.Day, s.loc)
	if err != nil {
		return Period{}, err
	}
	return Period{Attendance: att, Subject: sub, Schedule: sched}, nil
}

// live overlays the board's unflushed counters on a stored record.
func (s *Service) live(rec Record) Record {
	cur, ok := s.board.Get(rec.ID)
	if !ok || !sameStart(cur, rec) || rec.TimeEnd != nil {
		return rec
	}
	rec.BreakTime = cur.BreakTime
	rec.TotalTimeRender = cur.TotalTimeRender
	return rec
}

// mutate loads a record, applies fn and writes the result while no sweep of
// the record's period runs.
func (s *Service) mutate(ctx context.Context, id string, fn func(rec *Record, p Period, now time.Time) error) (Record, error) {
	rec, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return Record{}, err
	}
	var out Record
	err = s.reconciler.WithPeriod(rec.AttendanceID, rec.SubjectID, func() error {
		rec, err := s.store.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		p, err := s.periodOf(ctx, rec)
		if err != nil {
			return err
		}
		rec = s.live(rec)
		now := s.now()
		if err := fn(&rec, p, now); err != nil {
			return err
		}
		if err := s.store.UpdateSession(ctx, rec); err != nil {
			return fmt.Errorf("update record %s: %w", rec.ID, err)
		}
		rec.UpdatedAt = now.UTC()
		s.board.Apply(rec)
		s.notify.Notify(ctx, recordEvent(rec, now))
		out = rec
		return nil
	})
	return out, err
}

func provisional(start time.Time, sched Schedule) Status {
	if start.After(sched.Start) {
		return StatusLate
	}
	return StatusPresent
}

// Start moves a record to ACTIVE and gives it a provisional PRESENT or LATE
// status until the next sweep. An EXCUSED status is kept.
func (s *Service) Start(ctx context.Context, recordID string) (Record, error) {
	return s.mutate(ctx, recordID, func(rec *Record, p Period, now time.Time) error {
		if err := rec.Start(now); err != nil {
			return err
		}
		if rec.Status != StatusExcused {
			rec.Status = provisional(now, p.Schedule)
		}
		rec.TotalTimeRender = 0
		return nil
	})
}

// StartStudent starts studentID in the active period, creating the record
// when the period has none for the student yet.
func (s *Service) StartStudent(ctx context.Context, studentID string) (Record, error) {
	p, err := s.CurrentPeriod(ctx)
	if err != nil {
		return Record{}, err
	}
	if _, err := s.store.GetStudent(ctx, studentID); err != nil {
		return Record{}, fmt.Errorf("student %s: %w", studentID, err)
	}
	rec, _, err := s.store.InsertRecordIfAbsent(ctx, NewRecord(RecordKey{
		AttendanceID: p.Attendance.ID,
		StudentID:    studentID,
		SubjectID:    p.Subject.ID,
	}))
	if err != nil {
		return Record{}, fmt.Errorf("create record: %w", err)
	}
	return s.Start(ctx, rec.ID)
}

// Stop ends a running record at now.
func (s *Service) Stop(ctx context.Context, recordID string) (Record, error) {
	return s.mutate(ctx, recordID, func(rec *Record, p Period, now time.Time) error {
		if err := rec.running(); err != nil {
			return err
		}
		if rec.State() != StateExhausted {
			rec.TotalTimeRender = RenderSeconds(*rec.TimeStart, now, p.Schedule.Duration)
		}
		return rec.Stop(now)
	})
}

// PauseBreak puts a record on break.
func (s *Service) PauseBreak(ctx context.Context, recordID string) (Record, error) {
	return s.mutate(ctx, recordID, func(rec *Record, _ Period, _ time.Time) error {
		return rec.Pause()
	})
}

// ResumeBreak ends a break.
func (s *Service) ResumeBreak(ctx context.Context, recordID string) (Record, error) {
	return s.mutate(ctx, recordID, func(rec *Record, _ Period, _ time.Time) error {
		return rec.Resume()
	})
}

// SetStatus overrides the status of studentID in the active period. The
// write never interleaves with a sweep of the same period.
func (s *Service) SetStatus(ctx context.Context, studentID string, status Status) (Record, error) {
	if !status.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	p, err := s.CurrentPeriod(ctx)
	if err != nil {
		return Record{}, err
	}
	if _, err := s.store.GetStudent(ctx, studentID); err != nil {
		return Record{}, fmt.Errorf("student %s: %w", studentID, err)
	}
	key := RecordKey{AttendanceID: p.Attendance.ID, StudentID: studentID, SubjectID: p.Subject.ID}

	var out Record
	err = s.reconciler.WithPeriod(key.AttendanceID, key.SubjectID, func() error {
		rec, _, err := s.store.InsertRecordIfAbsent(ctx, NewRecord(key))
		if err != nil {
			return err
		}
		for attempt := 0; rec.Status != status; attempt++ {
			ok, err := s.store.UpdateStatus(ctx, rec.ID, rec.Status, status)
			if err != nil {
				return fmt.Errorf("update status %s: %w", rec.ID, err)
			}
			if ok {
				rec.Status = status
				metrics.StatusWrites.WithLabelValues(string(status)).Inc()
				break
			}
			if attempt == 2 {
				return fmt.Errorf("update status %s: record keeps changing", rec.ID)
			}
			if rec, err = s.store.GetRecord(ctx, rec.ID); err != nil {
				return err
			}
		}
		s.board.SetStatus(rec.ID, status)
		rec = s.live(rec)
		s.notify.Notify(ctx, recordEvent(rec, s.now()))
		out = rec
		return nil
	})
	return out, err
}

// ActivateSubject runs a subject transition to subjectID.
func (s *Service) ActivateSubject(ctx context.Context, subjectID string) (Transition, error) {
	return s.coord.Activate(ctx, subjectID)
}

// DeactivateAllSubjects finalizes the active subject and leaves none active.
func (s *Service) DeactivateAllSubjects(ctx context.Context) error {
	return s.coord.DeactivateAll(ctx)
}

// AutoAdjust sweeps the given period now.
func (s *Service) AutoAdjust(ctx context.Context, p AdjustParams) (SweepResult, error) {
	return s.reconciler.AutoAdjust(ctx, p)
}

// AdjustParams resolves sweep parameters for subjectID on day (today when
// empty).
func (s *Service) AdjustParams(ctx context.Context, subjectID, day string) (AdjustParams, error) {
	if day == "" {
		day = s.Today()
	}
	sub, err := s.store.GetSubject(ctx, subjectID)
	if err != nil {
		return AdjustParams{}, err
	}
	sched, err := sub.Schedule(day, s.loc)
	if err != nil {
		return AdjustParams{}, err
	}
	att, err := s.store.EnsureAttendance(ctx, day)
	if err != nil {
		return AdjustParams{}, err
	}
	return AdjustParams{
		AttendanceID:   att.ID,
		SubjectID:      sub.ID,
		ScheduledStart: sched.Start,
		MinPercentage:  s.threshold(sub),
	}, nil
}

// TriggerSweep requests a coalesced background sweep of the board's period.
func (s *Service) TriggerSweep(ctx context.Context, trigger string) {
	p, ok := s.board.Period()
	if !ok {
		return
	}
	s.reconciler.Trigger(ctx, AdjustParams{
		AttendanceID:   p.Attendance.ID,
		SubjectID:      p.Subject.ID,
		ScheduledStart: p.Schedule.Start,
		MinPercentage:  s.threshold(p.Subject),
	}, trigger)
}

// Detection outcomes.
const (
	DetectStarted   = "started"
	DetectDuplicate = "duplicate"
	DetectStandby   = "standby"
)

// DetectResult reports how a detection was routed.
type DetectResult struct {
	Outcome string          `json:"outcome"`
	Record  *Record         `json:"record,omitempty"`
	Standby *StandbyStudent `json:"standby,omitempty"`
}

// Detect routes a detection of studentID: it starts the student in the
// active period, or queues them on standby when no subject is active.
// Repeated detections are no-ops.
func (s *Service) Detect(ctx context.Context, studentID string, at time.Time) (DetectResult, error) {
	res, err := s.detect(ctx, studentID, at)
	if err != nil {
		metrics.Detections.WithLabelValues("failed").Inc()
		return res, err
	}
	metrics.Detections.WithLabelValues(res.Outcome).Inc()
	return res, nil
}

func (s *Service) detect(ctx context.Context, studentID string, at time.Time) (DetectResult, error) {
	rec, err := s.StartStudent(ctx, studentID)
	switch {
	case err == nil:
		return DetectResult{Outcome: DetectStarted, Record: &rec}, nil
	case errors.Is(err, ErrAlreadyStarted), errors.Is(err, ErrAlreadyEnded):
		p, perr := s.CurrentPeriod(ctx)
		if perr != nil {
			return DetectResult{}, perr
		}
		cur, ferr := s.store.FindRecord(ctx, RecordKey{AttendanceID: p.Attendance.ID, StudentID: studentID, SubjectID: p.Subject.ID})
		if ferr != nil {
			return DetectResult{}, ferr
		}
		return DetectResult{Outcome: DetectDuplicate, Record: &cur}, nil
	case errors.Is(err, ErrNoActiveSubject):
	default:
		return DetectResult{}, err
	}

	entry, err := s.standby.Admit(ctx, studentID, at)
	if errors.Is(err, ErrSubjectActive) {
		// a subject was activated between the two checks
		log.Printf("detection %s raced subject activation, retrying start", studentID)
		return s.detect(ctx, studentID, at)
	}
	if err != nil {
		return DetectResult{}, err
	}
	return DetectResult{Outcome: DetectStandby, Standby: &entry}, nil
}

// ListStandby returns the standby queue.
func (s *Service) ListStandby(ctx context.Context) ([]StandbyStudent, error) {
	return s.standby.List(ctx)
}

// RemoveStandby deletes a standby entry.
func (s *Service) RemoveStandby(ctx context.Context, id string) error {
	return s.standby.Remove(ctx, id)
}

// Subjects lists the subjects in schedule order.
func (s *Service) Subjects(ctx context.Context) ([]Subject, error) {
	return s.store.ListSubjects(ctx)
}

// RosterEntry is a student joined with their record for one period.
type RosterEntry struct {
	Student    Student `json:"student"`
	Record     *Record `json:"record,omitempty"`
	State      State   `json:"state"`
	Percentage float64 `json:"percentage"`
	// Persisted is the last flushed progress while the record is live.
	Persisted *Persisted `json:"persisted,omitempty"`
}

// Roster joins every student with their record for (day, subjectID). Empty
// arguments mean today and the active subject.
func (s *Service) Roster(ctx context.Context, day, subjectID string) ([]RosterEntry, error) {
	if day == "" {
		day = s.Today()
	}
	var sub Subject
	var err error
	if subjectID == "" {
		sub, err = s.store.ActiveSubject(ctx)
	} else {
		sub, err = s.store.GetSubject(ctx, subjectID)
	}
	if err != nil {
		return nil, err
	}
	dur, err := sub.Duration()
	if err != nil {
		return nil, err
	}
	att, err := s.store.EnsureAttendance(ctx, day)
	if err != nil {
		return nil, err
	}
	students, err := s.store.ListStudents(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.ListRecords(ctx, att.ID, sub.ID)
	if err != nil {
		return nil, err
	}
	byStudent := make(map[string]Record, len(recs))
	for _, rec := range recs {
		byStudent[rec.StudentID] = s.live(rec)
	}

	now := s.now()
	out := make([]RosterEntry, 0, len(students))
	for _, st := range students {
		entry := RosterEntry{Student: st, State: StateNotStarted}
		if rec, ok := byStudent[st.ID]; ok {
			entry.Record = &rec
			entry.State = rec.State()
			if p, ok := s.board.LastPersisted(rec.ID); ok {
				entry.Persisted = &p
			}
			if rec.TimeStart != nil {
				entry.Percentage = ElapsedPercentage(*rec.TimeStart, rec.TimeEnd, now, dur)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}
