package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testDay = "2026-03-02"

func at(clock string) time.Time {
	t, err := time.ParseInLocation(DayLayout+" 15:04:05", testDay+" "+clock, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(clock string) *fakeClock { return &fakeClock{now: at(clock)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(clock string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at(clock)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// seededStore has students s1..sN, math 08:00-09:00 and science 09:00-10:00.
func seededStore(students int) *MemoryStore {
	st := NewMemoryStore()
	for i := 1; i <= students; i++ {
		id := "s" + string(rune('0'+i))
		st.PutStudent(Student{ID: id, Name: "Student " + id})
	}
	st.PutSubject(Subject{ID: "math", Name: "Math", StartTime: "08:00", EndTime: "09:00", Order: 1})
	st.PutSubject(Subject{ID: "science", Name: "Science", StartTime: "09:00", DurationMinutes: 60, Order: 2})
	return st
}

func newTestService(st Store, clock *fakeClock) *Service {
	return NewService(Config{
		Store:    st,
		Now:      clock.Now,
		Location: time.UTC,
	})
}

func recordsBy(t *testing.T, st Store, subjectID string) map[string]Record {
	t.Helper()
	att, err := st.EnsureAttendance(context.Background(), testDay)
	require.NoError(t, err)
	recs, err := st.ListRecords(context.Background(), att.ID, subjectID)
	require.NoError(t, err)
	out := make(map[string]Record, len(recs))
	for _, rec := range recs {
		_, dup := out[rec.StudentID]
		require.False(t, dup, "duplicate record for %s", rec.StudentID)
		out[rec.StudentID] = rec
	}
	return out
}

type notifications struct {
	mu     sync.Mutex
	events []Event
}

func (n *notifications) Notify(_ context.Context, evt Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *notifications) count(kind EventKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Kind == kind {
			c++
		}
	}
	return c
}
