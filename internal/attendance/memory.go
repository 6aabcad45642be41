package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store guarded by a single RWMutex.
type MemoryStore struct {
	mu          sync.RWMutex
	students    map[string]Student
	subjects    map[string]Subject
	days        map[string]Attendance
	records     map[string]Record
	keys        map[RecordKey]string
	standby     map[string]StandbyStudent
	transitions map[string]Transition
	now         func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		students:    make(map[string]Student),
		subjects:    make(map[string]Subject),
		days:        make(map[string]Attendance),
		records:     make(map[string]Record),
		keys:        make(map[RecordKey]string),
		standby:     make(map[string]StandbyStudent),
		transitions: make(map[string]Transition),
		now:         time.Now,
	}
}

// PutStudent seeds the directory.
func (m *MemoryStore) PutStudent(st Student) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[st.ID] = st
}

// PutSubject seeds or replaces a subject.
func (m *MemoryStore) PutSubject(sub Subject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects[sub.ID] = sub
}

func (m *MemoryStore) ListStudents(ctx context.Context) ([]Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Student, 0, len(m.students))
	for _, st := range m.students {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetStudent(ctx context.Context, id string) (Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.students[id]
	if !ok {
		return Student{}, ErrNotFound
	}
	return st, nil
}

func (m *MemoryStore) GetSubject(ctx context.Context, id string) (Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subjects[id]
	if !ok {
		return Subject{}, ErrSubjectNotFound
	}
	return sub, nil
}

func (m *MemoryStore) ListSubjects(ctx context.Context) ([]Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subject, 0, len(m.subjects))
	for _, sub := range m.subjects {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ActiveSubject(ctx context.Context) (Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subjects {
		if sub.Active {
			return sub, nil
		}
	}
	return Subject{}, ErrNoActiveSubject
}

func (m *MemoryStore) SetActiveSubject(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != "" {
		if _, ok := m.subjects[id]; !ok {
			return ErrSubjectNotFound
		}
	}
	for sid, sub := range m.subjects {
		sub.Active = sid == id
		m.subjects[sid] = sub
	}
	return nil
}

func (m *MemoryStore) EnsureAttendance(ctx context.Context, day string) (Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if att, ok := m.days[day]; ok {
		return att, nil
	}
	att := Attendance{ID: uuid.NewString(), Day: day}
	m.days[day] = att
	return att, nil
}

func (m *MemoryStore) GetAttendance(ctx context.Context, id string) (Attendance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, att := range m.days {
		if att.ID == id {
			return att, nil
		}
	}
	return Attendance{}, ErrNotFound
}

func (m *MemoryStore) GetRecord(ctx context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) FindRecord(ctx context.Context, key RecordKey) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keys[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return m.records[id], nil
}

func (m *MemoryStore) ListRecords(ctx context.Context, attendanceID, subjectID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.records {
		if rec.AttendanceID == attendanceID && rec.SubjectID == subjectID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

func (m *MemoryStore) UpsertRecord(ctx context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.keys[rec.Key()]; ok {
		rec.ID = id
	} else if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.UpdatedAt = m.now().UTC()
	m.records[rec.ID] = rec
	m.keys[rec.Key()] = rec.ID
	return rec, nil
}

func (m *MemoryStore) InsertRecordIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.keys[rec.Key()]; ok {
		return m.records[id], false, nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.UpdatedAt = m.now().UTC()
	m.records[rec.ID] = rec
	m.keys[rec.Key()] = rec.ID
	return rec, true, nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = rec.Status
	cur.TimeStart = rec.TimeStart
	cur.TimeEnd = rec.TimeEnd
	cur.BreakTime = rec.BreakTime
	cur.Paused = rec.Paused
	cur.TotalTimeRender = rec.TotalTimeRender
	cur.UpdatedAt = m.now().UTC()
	m.records[rec.ID] = cur
	return nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Status != from {
		return false, nil
	}
	cur.Status = to
	cur.UpdatedAt = m.now().UTC()
	m.records[id] = cur
	return true, nil
}

func (m *MemoryStore) SaveProgress(ctx context.Context, batch []Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range batch {
		cur, ok := m.records[p.RecordID]
		if !ok {
			continue
		}
		cur.BreakTime = p.BreakTime
		cur.TotalTimeRender = p.TotalTimeRender
		m.records[p.RecordID] = cur
	}
	return nil
}

func (m *MemoryStore) AddStandby(ctx context.Context, entry StandbyStudent) (StandbyStudent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.standby {
		if cur.StudentID == entry.StudentID {
			return cur, nil
		}
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	m.standby[entry.ID] = entry
	return entry, nil
}

func (m *MemoryStore) ListStandby(ctx context.Context) ([]StandbyStudent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StandbyStudent, 0, len(m.standby))
	for _, e := range m.standby {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteStandby(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.standby[id]; !ok {
		return ErrNotFound
	}
	delete(m.standby, id)
	return nil
}

func (m *MemoryStore) PendingTransition(ctx context.Context) (Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.transitions {
		if t.CompletedAt == nil {
			return t, nil
		}
	}
	return Transition{}, ErrNotFound
}

func (m *MemoryStore) SaveTransition(ctx context.Context, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[t.ID] = t
	return nil
}
