package attendance

import (
	"sort"
	"sync"
	"time"

	"classattend/internal/metrics"
)

// Period is the (day, subject) pair the board is tracking.
type Period struct {
	Attendance Attendance
	Subject    Subject
	Schedule   Schedule
}

// Persisted is the last progress known to be durable for a record.
type Persisted struct {
	BreakTime       int       `json:"break_time"`
	TotalTimeRender int       `json:"total_time_render"`
	At              time.Time `json:"at"`
}

type session struct {
	rec       Record
	persisted Persisted
	dirty     bool
	pct       float64
}

// TickReport lists what a board tick produced that needs server writes.
type TickReport struct {
	Finished []Record // reached 100%, already ended locally
	Crossed  bool     // some record crossed the subject's minimum percentage
}

// Board is the keyed store (by record id) of live sessions for the active
// period. The tick advances counters in memory only; Dirty/MarkPersisted
// drive the batched durable writes.
type Board struct {
	mu       sync.RWMutex
	period   *Period
	sessions map[string]*session
	gen      uint64 // bumped by every Load and Clear
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{sessions: make(map[string]*session)}
}

// Period returns the tracked period, if any.
func (b *Board) Period() (Period, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.period == nil {
		return Period{}, false
	}
	return *b.period, true
}

// Load replaces the tracked period with store state. Server-owned fields
// always win; locally advanced counters survive only for the same record and
// start time while they have not been flushed yet.
func (b *Board) Load(p Period, recs []Record, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.load(p, recs, now)
}

// Generation identifies the current board contents. A reader that resolved
// state outside the board passes it to LoadIfCurrent or ClearIfCurrent.
func (b *Board) Generation() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.gen
}

// LoadIfCurrent loads like Load unless another Load or Clear happened since
// gen was read. It reports whether the board was replaced.
func (b *Board) LoadIfCurrent(gen uint64, p Period, recs []Record, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gen != gen {
		return false
	}
	b.load(p, recs, now)
	return true
}

// ClearIfCurrent clears like Clear unless the board changed since gen.
func (b *Board) ClearIfCurrent(gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gen != gen {
		return false
	}
	b.clear()
	return true
}

func (b *Board) load(p Period, recs []Record, now time.Time) {
	samePeriod := b.period != nil &&
		b.period.Attendance.ID == p.Attendance.ID && b.period.Subject.ID == p.Subject.ID
	next := make(map[string]*session, len(recs))
	for _, rec := range recs {
		s := &session{
			rec:       rec,
			persisted: Persisted{BreakTime: rec.BreakTime, TotalTimeRender: rec.TotalTimeRender, At: now},
		}
		if old, ok := b.sessions[rec.ID]; ok && samePeriod && old.dirty && sameStart(old.rec, rec) {
			s.rec.BreakTime = old.rec.BreakTime
			s.rec.TotalTimeRender = old.rec.TotalTimeRender
			s.persisted = old.persisted
			s.dirty = true
		}
		if rec.TimeStart != nil {
			s.pct = ElapsedPercentage(*rec.TimeStart, rec.TimeEnd, now, p.Schedule.Duration)
		}
		next[rec.ID] = s
	}
	b.period = &p
	b.sessions = next
	b.gen++
	metrics.LiveSessions.Set(float64(len(next)))
}

// Clear drops the tracked period.
func (b *Board) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clear()
}

func (b *Board) clear() {
	b.period = nil
	b.sessions = make(map[string]*session)
	b.gen++
	metrics.LiveSessions.Set(0)
}

// Apply adopts a record just written by a discrete action. Records outside
// the tracked period are ignored.
func (b *Board) Apply(rec Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.period == nil || rec.AttendanceID != b.period.Attendance.ID || rec.SubjectID != b.period.Subject.ID {
		return
	}
	s, ok := b.sessions[rec.ID]
	if !ok {
		s = &session{}
		b.sessions[rec.ID] = s
		metrics.LiveSessions.Set(float64(len(b.sessions)))
	}
	s.rec = rec
	s.persisted = Persisted{BreakTime: rec.BreakTime, TotalTimeRender: rec.TotalTimeRender, At: rec.UpdatedAt}
	s.dirty = false
}

// SetStatus updates the status of a tracked record without touching its
// counters.
func (b *Board) SetStatus(id string, status Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[id]; ok {
		s.rec.Status = status
	}
}

// Get returns the live view of a record.
func (b *Board) Get(id string) (Record, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[id]
	if !ok {
		return Record{}, false
	}
	return s.rec, true
}

// LastPersisted returns the last durable progress of a record.
func (b *Board) LastPersisted(id string) (Persisted, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[id]
	if !ok {
		return Persisted{}, false
	}
	return s.persisted, true
}

// Records returns every tracked record ordered by student.
func (b *Board) Records() []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Record, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out
}

// Tick advances every session by one evaluation at now.
func (b *Board) Tick(now time.Time) TickReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	var rep TickReport
	if b.period == nil {
		return rep
	}
	sched := b.period.Schedule
	threshold := float64(b.period.Subject.Threshold())
	limit := int(sched.Duration / time.Second)

	for _, s := range b.sessions {
		if s.rec.TimeStart == nil || s.rec.TimeEnd != nil {
			continue
		}
		res := Advance(&s.rec, now, sched.Duration)
		if res.Changed {
			s.dirty = true
		}
		pct := ElapsedPercentage(*s.rec.TimeStart, nil, now, sched.Duration)
		if s.pct < threshold && pct >= threshold {
			rep.Crossed = true
		}
		s.pct = pct
		if res.Completed {
			s.rec.Finish(s.rec.TimeStart.Add(sched.Duration), limit)
			rep.Finished = append(rep.Finished, s.rec)
		}
	}
	metrics.Ticks.Inc()
	return rep
}

// Dirty returns the progress of every session changed since its last flush.
func (b *Board) Dirty() []Progress {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Progress
	for id, s := range b.sessions {
		if s.dirty {
			out = append(out, Progress{RecordID: id, BreakTime: s.rec.BreakTime, TotalTimeRender: s.rec.TotalTimeRender})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out
}

// MarkPersisted records a successful flush of batch. Sessions that advanced
// past the flushed values stay dirty.
func (b *Board) MarkPersisted(batch []Progress, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range batch {
		s, ok := b.sessions[p.RecordID]
		if !ok {
			continue
		}
		s.persisted = Persisted{BreakTime: p.BreakTime, TotalTimeRender: p.TotalTimeRender, At: at}
		if s.rec.BreakTime == p.BreakTime && s.rec.TotalTimeRender == p.TotalTimeRender {
			s.dirty = false
		}
	}
}

func sameStart(a, b Record) bool {
	switch {
	case a.TimeStart == nil && b.TimeStart == nil:
		return true
	case a.TimeStart == nil || b.TimeStart == nil:
		return false
	default:
		return stamp(*a.TimeStart).Equal(*stamp(*b.TimeStart))
	}
}
