package attendance

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	sched := at("08:00:00")
	end := at("08:20:00")
	tests := []struct {
		name  string
		start time.Time
		end   *time.Time
		now   string
		min   int
		want  Status
	}{
		{"below threshold", sched, nil, "08:44:00", 75, StatusAbsent},
		{"on time at threshold", sched, nil, "08:45:00", 75, StatusPresent},
		{"late at threshold", at("08:05:00"), nil, "08:55:00", 75, StatusLate},
		{"late but short", at("08:05:00"), nil, "08:30:00", 75, StatusAbsent},
		{"stopped early", sched, &end, "09:30:00", 75, StatusAbsent},
		{"custom threshold", sched, nil, "08:30:00", 50, StatusPresent},
		{"default threshold", sched, nil, "08:44:00", 0, StatusAbsent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := DecisionInput{
				TimeStart:      tt.start,
				TimeEnd:        tt.end,
				Now:            at(tt.now),
				Duration:       time.Hour,
				ScheduledStart: sched,
				MinPercentage:  tt.min,
			}
			assert.Equal(t, tt.want, Decide(in))
			assert.Equal(t, Decide(in), Decide(in))
		})
	}
}

// countingStore counts status writes.
type countingStore struct {
	*MemoryStore
	writes atomic.Int32
}

func (c *countingStore) UpdateStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	c.writes.Add(1)
	return c.MemoryStore.UpdateStatus(ctx, id, from, to)
}

func startedRecord(t *testing.T, st Store, studentID, subjectID string, start time.Time, status Status) Record {
	t.Helper()
	att, err := st.EnsureAttendance(context.Background(), testDay)
	require.NoError(t, err)
	rec := NewRecord(RecordKey{AttendanceID: att.ID, StudentID: studentID, SubjectID: subjectID})
	rec.Status = status
	rec.TimeStart = timePtr(start)
	rec, err = st.UpsertRecord(context.Background(), rec)
	require.NoError(t, err)
	return rec
}

func mathParams(t *testing.T, st Store) AdjustParams {
	att, err := st.EnsureAttendance(context.Background(), testDay)
	require.NoError(t, err)
	return AdjustParams{AttendanceID: att.ID, SubjectID: "math", ScheduledStart: at("08:00:00"), MinPercentage: 75}
}

func TestAutoAdjustAtThreshold(t *testing.T) {
	st := &countingStore{MemoryStore: seededStore(3)}
	clock := newClock("08:45:00")
	rec := startedRecord(t, st, "s1", "math", at("08:00:00"), StatusAbsent)
	late := startedRecord(t, st, "s2", "math", at("08:10:00"), StatusAbsent)
	excused := startedRecord(t, st, "s3", "math", at("08:00:00"), StatusExcused)

	r := NewReconciler(st, nil, nil, clock.Now)
	ctx := context.Background()

	res, err := r.AutoAdjust(ctx, mathParams(t, st))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 2, Updated: 1}, res, "s2 is below the threshold and stays ABSENT")

	clock.Set("08:55:00")
	res, err = r.AutoAdjust(ctx, mathParams(t, st))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 2, Updated: 1}, res, "s2 crosses the threshold after a late start")

	got, err := st.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPresent, got.Status)
	got, err = st.GetRecord(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusLate, got.Status)
	got, err = st.GetRecord(ctx, excused.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExcused, got.Status, "manual excuses are never swept")

	writes := st.writes.Load()
	res, err = r.AutoAdjust(ctx, mathParams(t, st))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, writes, st.writes.Load(), "a second sweep with unchanged inputs writes nothing")
}

func TestAutoAdjustOnTimeAt45Minutes(t *testing.T) {
	st := seededStore(1)
	clock := newClock("08:45:00")
	rec := startedRecord(t, st, "s1", "math", at("08:00:00"), StatusAbsent)

	_, err := NewReconciler(st, nil, nil, clock.Now).AutoAdjust(context.Background(), mathParams(t, st))
	require.NoError(t, err)

	got, err := st.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPresent, got.Status)
}

func TestAutoAdjustSubjectErrors(t *testing.T) {
	st := seededStore(1)
	st.PutSubject(Subject{ID: "art", StartTime: "10:00"})
	r := NewReconciler(st, nil, nil, newClock("10:00:00").Now)

	_, err := r.AutoAdjust(context.Background(), AdjustParams{SubjectID: "nope"})
	assert.ErrorIs(t, err, ErrSubjectNotFound)

	_, err = r.AutoAdjust(context.Background(), AdjustParams{SubjectID: "art"})
	assert.ErrorIs(t, err, ErrDurationUnavailable)

	// other subjects are unaffected
	_, err = r.AutoAdjust(context.Background(), mathParams(t, st))
	assert.NoError(t, err)
}

// blockingStore parks ListRecords until released.
type blockingStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingStore) ListRecords(ctx context.Context, attendanceID, subjectID string) ([]Record, error) {
	if b.calls.Add(1) == 1 {
		close(b.entered)
		<-b.release
	}
	return b.MemoryStore.ListRecords(ctx, attendanceID, subjectID)
}

func TestTriggerCoalescesWhileSweeping(t *testing.T) {
	st := &blockingStore{MemoryStore: seededStore(1), entered: make(chan struct{}), release: make(chan struct{})}
	r := NewReconciler(st, nil, nil, newClock("08:45:00").Now)
	p := mathParams(t, st)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Trigger(ctx, p, "periodic")
	}()
	<-st.entered

	// both requests arrive during the running sweep and fold into one rerun
	r.Trigger(ctx, p, "threshold")
	r.Trigger(ctx, p, "threshold")

	close(st.release)
	wg.Wait()
	assert.Equal(t, int32(2), st.calls.Load())
}

func TestTriggerDuringManualWriteRunsAfterRelease(t *testing.T) {
	st := &countingStore{MemoryStore: seededStore(1)}
	rec := startedRecord(t, st, "s1", "math", at("08:00:00"), StatusAbsent)
	r := NewReconciler(st, nil, nil, newClock("08:45:00").Now)
	p := mathParams(t, st)
	ctx := context.Background()

	err := r.WithPeriod(p.AttendanceID, p.SubjectID, func() error {
		r.Trigger(ctx, p, "threshold")
		assert.Zero(t, st.writes.Load(), "no sweep while the period is held")
		return nil
	})
	require.NoError(t, err)

	got, err := st.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPresent, got.Status, "the deferred sweep runs when the write releases the period")

	res, err := r.AutoAdjust(ctx, p)
	require.NoError(t, err)
	assert.Zero(t, res.Updated)
}

func TestTriggerDuringAutoAdjustRunsAfterIt(t *testing.T) {
	st := &blockingStore{MemoryStore: seededStore(1), entered: make(chan struct{}), release: make(chan struct{})}
	startedRecord(t, st, "s1", "math", at("08:00:00"), StatusAbsent)
	r := NewReconciler(st, nil, nil, newClock("08:45:00").Now)
	p := mathParams(t, st)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.AutoAdjust(ctx, p)
	}()
	<-st.entered

	r.Trigger(ctx, p, "threshold")
	close(st.release)
	<-done
	assert.Equal(t, int32(2), st.calls.Load(), "AutoAdjust runs the folded request before returning")
}
