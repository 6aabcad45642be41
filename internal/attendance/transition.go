package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"classattend/internal/lock"
	"classattend/internal/metrics"
)

const transitionLockKey = "subject-transition"

// Coordinator moves the system from one active subject to the next. Every
// step is an idempotent write and its completion is journaled, so a failed
// activation is retried by calling Activate again.
type Coordinator struct {
	store   Store
	locker  lock.Locker
	board   *Board
	notify  Notifier
	now     func() time.Time
	loc     *time.Location
	lockTTL time.Duration
}

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig struct {
	Store    Store
	Locker   lock.Locker
	Board    *Board // optional
	Notifier Notifier
	Now      func() time.Time
	Location *time.Location
	LockTTL  time.Duration
}

// NewCoordinator builds a coordinator with defaults for unset fields.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		store:   cfg.Store,
		locker:  cfg.Locker,
		board:   cfg.Board,
		notify:  cfg.Notifier,
		now:     cfg.Now,
		loc:     cfg.Location,
		lockTTL: cfg.LockTTL,
	}
	if c.locker == nil {
		c.locker = lock.NewLocal()
	}
	if c.notify == nil {
		c.notify = NopNotifier{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.loc == nil {
		c.loc = time.Local
	}
	if c.lockTTL <= 0 {
		c.lockTTL = 2 * time.Minute
	}
	return c
}

func (c *Coordinator) acquire(ctx context.Context) (lock.Release, error) {
	release, err := c.locker.TryLock(ctx, transitionLockKey, c.lockTTL)
	if errors.Is(err, lock.ErrHeld) {
		metrics.Transitions.WithLabelValues("rejected").Inc()
		return nil, ErrTransitionInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire transition lock: %w", err)
	}
	return release, nil
}

// Activate makes subjectID the single active subject, migrating every
// student's record from the outgoing subject (or from standby on the first
// activation of the day).
func (c *Coordinator) Activate(ctx context.Context, subjectID string) (Transition, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return Transition{}, err
	}
	defer release(context.WithoutCancel(ctx))

	t, err := c.activate(ctx, subjectID)
	if err != nil {
		metrics.Transitions.WithLabelValues("failed").Inc()
		return t, err
	}
	metrics.Transitions.WithLabelValues("completed").Inc()
	return t, nil
}

func (c *Coordinator) activate(ctx context.Context, subjectID string) (Transition, error) {
	incoming, err := c.store.GetSubject(ctx, subjectID)
	if err != nil {
		return Transition{}, err
	}
	now := c.now()
	day := now.In(c.loc).Format(DayLayout)
	sched, err := incoming.Schedule(day, c.loc)
	if err != nil {
		return Transition{}, err
	}
	att, err := c.store.EnsureAttendance(ctx, day)
	if err != nil {
		return Transition{}, fmt.Errorf("ensure attendance %s: %w", day, err)
	}

	t, err := c.journal(ctx, incoming, day, now)
	if err != nil {
		return Transition{}, err
	}
	if t.CompletedAt != nil {
		return t, nil
	}

	if t.Step < StepFinalized {
		if t.FromSubjectID != "" {
			if err := c.finalize(ctx, att, t.FromSubjectID, day, now); err != nil {
				return t, fmt.Errorf("finalize %s: %w", t.FromSubjectID, err)
			}
		}
		if err := c.advance(ctx, &t, StepFinalized, nil); err != nil {
			return t, err
		}
	}

	if t.Step < StepSeeded {
		if t.FromSubjectID != "" {
			err = c.carryOver(ctx, att, t.FromSubjectID, incoming.ID, sched)
		} else {
			err = c.admitStandby(ctx, att, incoming.ID, sched)
		}
		if err != nil {
			return t, fmt.Errorf("seed %s: %w", incoming.ID, err)
		}
		if err := c.advance(ctx, &t, StepSeeded, nil); err != nil {
			return t, err
		}
	}

	if t.Step < StepToggled {
		if err := c.store.SetActiveSubject(ctx, incoming.ID); err != nil {
			return t, fmt.Errorf("activate %s: %w", incoming.ID, err)
		}
		if err := c.advance(ctx, &t, StepToggled, timePtr(c.now())); err != nil {
			return t, err
		}
	}

	incoming.Active = true
	if c.board != nil {
		recs, err := c.store.ListRecords(ctx, att.ID, incoming.ID)
		if err != nil {
			log.Printf("board reload after transition %s failed: %v", t.ID, err)
		} else {
			c.board.Load(Period{Attendance: att, Subject: incoming, Schedule: sched}, recs, c.now())
		}
	}
	c.notify.Notify(ctx, Event{Kind: EventTransition, Subject: &incoming, At: c.now()})
	log.Printf("subject transition %s: %q -> %q complete", t.ID, t.FromSubjectID, t.ToSubjectID)
	return t, nil
}

// journal resumes the pending transition for the same target and day, or
// starts a new one from the currently active subject.
func (c *Coordinator) journal(ctx context.Context, incoming Subject, day string, now time.Time) (Transition, error) {
	pending, err := c.store.PendingTransition(ctx)
	switch {
	case err == nil && pending.ToSubjectID == incoming.ID && pending.Day == day:
		log.Printf("resuming subject transition %s at step %d", pending.ID, pending.Step)
		return pending, nil
	case err == nil:
		// an abandoned attempt for another target; the active flag was never
		// toggled, so the new transition starts from the same outgoing subject
		log.Printf("abandoning subject transition %s to %s", pending.ID, pending.ToSubjectID)
		pending.CompletedAt = timePtr(now)
		if err := c.store.SaveTransition(ctx, pending); err != nil {
			return Transition{}, fmt.Errorf("abandon transition %s: %w", pending.ID, err)
		}
	case !errors.Is(err, ErrNotFound):
		return Transition{}, fmt.Errorf("pending transition: %w", err)
	}

	var from string
	active, err := c.store.ActiveSubject(ctx)
	switch {
	case err == nil:
		from = active.ID
	case !errors.Is(err, ErrNoActiveSubject):
		return Transition{}, fmt.Errorf("active subject: %w", err)
	}

	t := Transition{
		ID:            uuid.NewString(),
		Day:           day,
		FromSubjectID: from,
		ToSubjectID:   incoming.ID,
		Step:          StepStarted,
		StartedAt:     now,
	}
	if from == incoming.ID {
		// already active: nothing to migrate
		t.Step = StepToggled
		t.CompletedAt = timePtr(now)
	}
	if err := c.store.SaveTransition(ctx, t); err != nil {
		return Transition{}, fmt.Errorf("save transition: %w", err)
	}
	return t, nil
}

func (c *Coordinator) advance(ctx context.Context, t *Transition, step int, completed *time.Time) error {
	t.Step = step
	t.CompletedAt = completed
	if err := c.store.SaveTransition(ctx, *t); err != nil {
		return fmt.Errorf("journal step %d: %w", step, err)
	}
	return nil
}

// flush persists the board's unsaved progress for subjectID.
func (c *Coordinator) flush(ctx context.Context, subjectID string) error {
	if c.board == nil {
		return nil
	}
	p, ok := c.board.Period()
	if !ok || p.Subject.ID != subjectID {
		return nil
	}
	batch := c.board.Dirty()
	if len(batch) == 0 {
		return nil
	}
	if err := c.store.SaveProgress(ctx, batch); err != nil {
		return err
	}
	c.board.MarkPersisted(batch, c.now())
	metrics.ProgressWrites.Add(float64(len(batch)))
	return nil
}

// finalize closes every record of the outgoing subject: attended records get
// the scheduled end, and nobody stays paused.
func (c *Coordinator) finalize(ctx context.Context, att Attendance, subjectID, day string, now time.Time) error {
	if err := c.flush(ctx, subjectID); err != nil {
		return fmt.Errorf("flush progress: %w", err)
	}
	outgoing, err := c.store.GetSubject(ctx, subjectID)
	if err != nil {
		return err
	}
	end := now
	if sched, err := outgoing.Schedule(day, c.loc); err == nil {
		end = sched.End
	} else {
		log.Printf("subject %s has no schedule, closing at %s: %v", subjectID, now.Format(time.RFC3339), err)
	}

	recs, err := c.store.ListRecords(ctx, att.ID, subjectID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		before := rec
		rec.Close(end)
		if rec.Paused == before.Paused && rec.TimeEnd == before.TimeEnd {
			continue
		}
		if err := c.store.UpdateSession(ctx, rec); err != nil {
			return fmt.Errorf("close record %s: %w", rec.ID, err)
		}
		c.notify.Notify(ctx, recordEvent(rec, now))
	}
	return nil
}

// carryOver seeds the incoming subject from the outgoing subject's records.
func (c *Coordinator) carryOver(ctx context.Context, att Attendance, fromID, toID string, sched Schedule) error {
	students, err := c.store.ListStudents(ctx)
	if err != nil {
		return err
	}
	prior, err := c.store.ListRecords(ctx, att.ID, fromID)
	if err != nil {
		return err
	}
	byStudent := make(map[string]Record, len(prior))
	for _, rec := range prior {
		byStudent[rec.StudentID] = rec
	}
	limit := int(sched.Duration / time.Second)

	for _, st := range students {
		rec := NewRecord(RecordKey{AttendanceID: att.ID, StudentID: st.ID, SubjectID: toID})
		if p, ok := byStudent[st.ID]; ok {
			rec.Status = p.Status
			rec.TotalTimeRender = p.TotalTimeRender
		}
		if rec.TotalTimeRender > limit {
			rec.TotalTimeRender = limit
		}
		if rec.Status.Attended() {
			rec.TimeStart = timePtr(sched.Start)
		}
		if _, err := c.store.UpsertRecord(ctx, rec); err != nil {
			return fmt.Errorf("upsert record for %s: %w", st.ID, err)
		}
	}
	return nil
}

// admitStandby drains the standby queue into the incoming subject and resets
// every other student to an unstarted ABSENT record, so a subject activated
// again after a deactivation starts from a clean period.
func (c *Coordinator) admitStandby(ctx context.Context, att Attendance, toID string, sched Schedule) error {
	entries, err := c.store.ListStandby(ctx)
	if err != nil {
		return err
	}
	admitted := make(map[string]bool, len(entries))
	for _, e := range entries {
		rec := NewRecord(RecordKey{AttendanceID: att.ID, StudentID: e.StudentID, SubjectID: toID})
		rec.Status = e.Status
		if !rec.Status.Valid() {
			rec.Status = StatusPresent
		}
		rec.TimeStart = timePtr(sched.Start)
		if _, err := c.store.UpsertRecord(ctx, rec); err != nil {
			return fmt.Errorf("admit standby %s: %w", e.StudentID, err)
		}
		if err := c.store.DeleteStandby(ctx, e.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("delete standby %s: %w", e.ID, err)
		}
		admitted[e.StudentID] = true
		c.notify.Notify(ctx, Event{Kind: EventStandby, Standby: &e, At: c.now()})
	}
	metrics.StandbyEntries.Set(0)

	students, err := c.store.ListStudents(ctx)
	if err != nil {
		return err
	}
	for _, st := range students {
		if admitted[st.ID] {
			continue
		}
		rec := NewRecord(RecordKey{AttendanceID: att.ID, StudentID: st.ID, SubjectID: toID})
		if _, err := c.store.UpsertRecord(ctx, rec); err != nil {
			return fmt.Errorf("seed absent %s: %w", st.ID, err)
		}
	}
	return nil
}

// DeactivateAll finalizes the active subject, if any, and leaves no subject
// active.
func (c *Coordinator) DeactivateAll(ctx context.Context) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release(context.WithoutCancel(ctx))

	now := c.now()
	day := now.In(c.loc).Format(DayLayout)
	active, err := c.store.ActiveSubject(ctx)
	switch {
	case err == nil:
		att, err := c.store.EnsureAttendance(ctx, day)
		if err != nil {
			return err
		}
		if err := c.finalize(ctx, att, active.ID, day, now); err != nil {
			return fmt.Errorf("finalize %s: %w", active.ID, err)
		}
	case !errors.Is(err, ErrNoActiveSubject):
		return err
	}
	if err := c.store.SetActiveSubject(ctx, ""); err != nil {
		return fmt.Errorf("deactivate subjects: %w", err)
	}
	if c.board != nil {
		c.board.Clear()
	}
	c.notify.Notify(ctx, Event{Kind: EventTransition, At: now})
	metrics.Transitions.WithLabelValues("deactivated").Inc()
	return nil
}
