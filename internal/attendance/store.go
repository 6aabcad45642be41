package attendance

import (
	"context"
)

// Store is the durable storage the engine runs on. PostgresStore is the
// production implementation and MemoryStore backs tests and dev runs.
type Store interface {
	// Student directory, read-only.
	ListStudents(ctx context.Context) ([]Student, error)
	GetStudent(ctx context.Context, id string) (Student, error)

	GetSubject(ctx context.Context, id string) (Subject, error)
	ListSubjects(ctx context.Context) ([]Subject, error)
	// ActiveSubject returns ErrNoActiveSubject when none is active.
	ActiveSubject(ctx context.Context) (Subject, error)
	// SetActiveSubject deactivates every subject and activates id in one
	// transaction. An empty id only deactivates.
	SetActiveSubject(ctx context.Context, id string) error

	EnsureAttendance(ctx context.Context, day string) (Attendance, error)
	GetAttendance(ctx context.Context, id string) (Attendance, error)

	GetRecord(ctx context.Context, id string) (Record, error)
	FindRecord(ctx context.Context, key RecordKey) (Record, error)
	ListRecords(ctx context.Context, attendanceID, subjectID string) ([]Record, error)
	// UpsertRecord writes rec by composite key, keeping the existing id on conflict.
	UpsertRecord(ctx context.Context, rec Record) (Record, error)
	// InsertRecordIfAbsent returns the stored record and whether it was created.
	InsertRecordIfAbsent(ctx context.Context, rec Record) (Record, bool, error)
	// UpdateSession writes the state-machine fields of an existing record.
	UpdateSession(ctx context.Context, rec Record) error
	// UpdateStatus sets status to `to` only if it currently equals `from`.
	UpdateStatus(ctx context.Context, id string, from, to Status) (bool, error)
	SaveProgress(ctx context.Context, batch []Progress) error

	// AddStandby keeps the first entry per student.
	AddStandby(ctx context.Context, entry StandbyStudent) (StandbyStudent, error)
	ListStandby(ctx context.Context) ([]StandbyStudent, error)
	DeleteStandby(ctx context.Context, id string) error

	// PendingTransition returns ErrNotFound when no transition is incomplete.
	PendingTransition(ctx context.Context) (Transition, error)
	SaveTransition(ctx context.Context, t Transition) error
}
