package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classattend/internal/lock"
)

func activeSubjects(t *testing.T, st Store) []string {
	t.Helper()
	subs, err := st.ListSubjects(context.Background())
	require.NoError(t, err)
	var out []string
	for _, sub := range subs {
		if sub.Active {
			out = append(out, sub.ID)
		}
	}
	return out
}

func TestActivateCarriesRecordsToNextSubject(t *testing.T) {
	ctx := context.Background()
	st := seededStore(5)
	clock := newClock("07:55:00")
	svc := newTestService(st, clock)

	_, err := svc.ActivateSubject(ctx, "math")
	require.NoError(t, err)
	assert.Len(t, recordsBy(t, st, "math"), 5, "every student gets a math record")

	clock.Set("08:00:00")
	for _, id := range []string{"s1", "s2", "s3"} {
		rec, err := svc.StartStudent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusPresent, rec.Status)
	}

	clock.Set("08:50:00")
	svc.Board().Tick(clock.Now())
	_, err = svc.PauseBreak(ctx, recordsBy(t, st, "math")["s1"].ID)
	require.NoError(t, err)

	clock.Set("09:00:00")
	tr, err := svc.ActivateSubject(ctx, "science")
	require.NoError(t, err)
	assert.Equal(t, "math", tr.FromSubjectID)
	assert.Equal(t, StepToggled, tr.Step)
	require.NotNil(t, tr.CompletedAt)
	assert.Equal(t, []string{"science"}, activeSubjects(t, st))

	math := recordsBy(t, st, "math")
	science := recordsBy(t, st, "science")
	require.Len(t, science, 5)
	for _, id := range []string{"s1", "s2", "s3"} {
		m := math[id]
		require.NotNil(t, m.TimeEnd, id)
		assert.Equal(t, at("09:00:00"), *m.TimeEnd, id)
		assert.False(t, m.Paused, "%s is unpaused when math closes", id)

		s := science[id]
		assert.Equal(t, StatusPresent, s.Status, id)
		require.NotNil(t, s.TimeStart, id)
		assert.Equal(t, at("09:00:00"), *s.TimeStart, id)
		assert.Nil(t, s.TimeEnd, id)
		assert.Equal(t, BreakBudget, s.BreakTime, id)
		assert.False(t, s.Paused, id)
		assert.Equal(t, 3000, s.TotalTimeRender, "%s carries flushed render time", id)
	}
	for _, id := range []string{"s4", "s5"} {
		assert.Nil(t, math[id].TimeEnd, id)
		assert.Equal(t, StatusAbsent, science[id].Status, id)
		assert.Nil(t, science[id].TimeStart, id)
		assert.Zero(t, science[id].TotalTimeRender, id)
	}

	p, ok := svc.Board().Period()
	require.True(t, ok)
	assert.Equal(t, "science", p.Subject.ID)
	assert.Len(t, svc.Board().Records(), 5)
}

func TestCarryOverClampsRender(t *testing.T) {
	ctx := context.Background()
	st := seededStore(1)
	st.PutSubject(Subject{ID: "break", StartTime: "10:00", DurationMinutes: 10, Order: 3})
	clock := newClock("08:00:00")
	svc := newTestService(st, clock)

	_, err := svc.ActivateSubject(ctx, "math")
	require.NoError(t, err)
	_, err = svc.StartStudent(ctx, "s1")
	require.NoError(t, err)

	clock.Set("08:40:00")
	svc.Board().Tick(clock.Now())
	_, err = svc.ActivateSubject(ctx, "break")
	require.NoError(t, err)

	assert.Equal(t, 600, recordsBy(t, st, "break")["s1"].TotalTimeRender)
}

func TestSingleActiveSubjectAcrossTransitions(t *testing.T) {
	ctx := context.Background()
	st := seededStore(3)
	clock := newClock("08:00:00")
	svc := newTestService(st, clock)

	steps := []struct {
		target string
		want   []string
	}{
		{"math", []string{"math"}},
		{"science", []string{"science"}},
		{"science", []string{"science"}},
		{"math", []string{"math"}},
		{"", nil},
		{"science", []string{"science"}},
	}
	for _, step := range steps {
		clock.Advance(5 * time.Minute)
		if step.target == "" {
			require.NoError(t, svc.DeactivateAllSubjects(ctx))
		} else {
			_, err := svc.ActivateSubject(ctx, step.target)
			require.NoError(t, err)
		}
		assert.Equal(t, step.want, activeSubjects(t, st))
		recordsBy(t, st, "math")
		recordsBy(t, st, "science")
	}
	assert.Len(t, recordsBy(t, st, "math"), 3)
	assert.Len(t, recordsBy(t, st, "science"), 3)

	_, err := st.PendingTransition(ctx)
	assert.ErrorIs(t, err, ErrNotFound, "no transition is left half done")
}

func TestActivateSameSubjectIsNoop(t *testing.T) {
	ctx := context.Background()
	st := seededStore(1)
	clock := newClock("08:00:00")
	svc := newTestService(st, clock)

	_, err := svc.ActivateSubject(ctx, "math")
	require.NoError(t, err)
	rec, err := svc.StartStudent(ctx, "s1")
	require.NoError(t, err)

	clock.Set("08:10:00")
	tr, err := svc.ActivateSubject(ctx, "math")
	require.NoError(t, err)
	assert.Equal(t, "math", tr.FromSubjectID)

	got, err := st.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got.TimeEnd, "the running record is not closed")
}

func TestActivateRejectedWhileLocked(t *testing.T) {
	ctx := context.Background()
	st := seededStore(1)
	locker := lock.NewLocal()
	svc := NewService(Config{Store: st, Locker: locker, Now: newClock("08:00:00").Now, Location: time.UTC})

	release, err := locker.TryLock(ctx, transitionLockKey, time.Minute)
	require.NoError(t, err)

	_, err = svc.ActivateSubject(ctx, "math")
	assert.ErrorIs(t, err, ErrTransitionInProgress)
	assert.ErrorIs(t, svc.DeactivateAllSubjects(ctx), ErrTransitionInProgress)
	assert.Empty(t, activeSubjects(t, st))

	require.NoError(t, release(ctx))
	_, err = svc.ActivateSubject(ctx, "math")
	assert.NoError(t, err)
}

func TestActivateUnknownSubject(t *testing.T) {
	svc := newTestService(seededStore(1), newClock("08:00:00"))
	_, err := svc.ActivateSubject(context.Background(), "history")
	assert.ErrorIs(t, err, ErrSubjectNotFound)
}

// flakyToggleStore fails the first SetActiveSubject call.
type flakyToggleStore struct {
	*MemoryStore
	failed bool
}

var errToggle = errors.New("connection reset")

func (f *flakyToggleStore) SetActiveSubject(ctx context.Context, id string) error {
	if !f.failed {
		f.failed = true
		return errToggle
	}
	return f.MemoryStore.SetActiveSubject(ctx, id)
}

func TestActivateResumesJournal(t *testing.T) {
	ctx := context.Background()
	mem := seededStore(2)
	require.NoError(t, mem.SetActiveSubject(ctx, "math"))
	st := &flakyToggleStore{MemoryStore: mem}
	clock := newClock("08:00:00")
	svc := newTestService(st, clock)

	_, err := svc.StartStudent(ctx, "s1")
	require.NoError(t, err)

	clock.Set("09:00:00")
	first, err := svc.ActivateSubject(ctx, "science")
	require.ErrorIs(t, err, errToggle)
	assert.Equal(t, StepSeeded, first.Step)
	assert.Equal(t, []string{"math"}, activeSubjects(t, st))

	pending, err := st.PendingTransition(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, pending.ID)

	clock.Set("09:01:00")
	second, err := svc.ActivateSubject(ctx, "science")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "the pending transition is resumed, not restarted")
	assert.Equal(t, []string{"science"}, activeSubjects(t, st))

	science := recordsBy(t, st, "science")
	require.NotNil(t, science["s1"].TimeStart)
	assert.Equal(t, at("09:00:00"), *science["s1"].TimeStart)
	assert.Equal(t, StatusAbsent, science["s2"].Status)
}

func TestActivateAbandonsPendingForOtherTarget(t *testing.T) {
	ctx := context.Background()
	mem := seededStore(1)
	mem.PutSubject(Subject{ID: "art", StartTime: "10:00", DurationMinutes: 60, Order: 3})
	require.NoError(t, mem.SetActiveSubject(ctx, "math"))
	st := &flakyToggleStore{MemoryStore: mem}
	svc := newTestService(st, newClock("09:00:00"))

	abandoned, err := svc.ActivateSubject(ctx, "science")
	require.Error(t, err)

	tr, err := svc.ActivateSubject(ctx, "art")
	require.NoError(t, err)
	assert.NotEqual(t, abandoned.ID, tr.ID)
	assert.Equal(t, "math", tr.FromSubjectID)
	assert.Equal(t, []string{"art"}, activeSubjects(t, st))

	_, err = st.PendingTransition(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReactivationResetsRecords(t *testing.T) {
	ctx := context.Background()
	st := seededStore(2)
	clock := newClock("07:55:00")
	svc := newTestService(st, clock)

	_, err := svc.ActivateSubject(ctx, "math")
	require.NoError(t, err)
	clock.Set("08:00:00")
	_, err = svc.StartStudent(ctx, "s1")
	require.NoError(t, err)

	clock.Set("08:10:00")
	svc.Board().Tick(clock.Now())
	require.NoError(t, svc.DeactivateAllSubjects(ctx))

	clock.Set("08:20:00")
	_, err = svc.ActivateSubject(ctx, "math")
	require.NoError(t, err)

	recs := recordsBy(t, st, "math")
	require.Len(t, recs, 2)
	s1 := recs["s1"]
	assert.Equal(t, StatusAbsent, s1.Status)
	assert.Nil(t, s1.TimeStart)
	assert.Nil(t, s1.TimeEnd)
	assert.Equal(t, BreakBudget, s1.BreakTime)
	assert.False(t, s1.Paused)
	assert.Equal(t, StateNotStarted, s1.State())

	res, err := svc.Detect(ctx, "s1", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, DetectStarted, res.Outcome, "a reactivated subject accepts a fresh start")
}
