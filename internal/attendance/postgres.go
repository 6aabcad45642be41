package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PostgresStore persists attendance data in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on an open pgx-backed *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

const recordColumns = `id, attendance_id, student_id, subject_id, status, time_start, time_end, break_time, paused, total_time_render, updated_at`

func scanRecord(row scanner) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.AttendanceID, &rec.StudentID, &rec.SubjectID, &rec.Status,
		&rec.TimeStart, &rec.TimeEnd, &rec.BreakTime, &rec.Paused, &rec.TotalTimeRender, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

const subjectColumns = `id, name, COALESCE(start_time, ''), COALESCE(end_time, ''), COALESCE(duration_minutes, 0), sort_order, active, min_percentage`

func scanSubject(row scanner) (Subject, error) {
	var sub Subject
	err := row.Scan(&sub.ID, &sub.Name, &sub.StartTime, &sub.EndTime, &sub.DurationMinutes, &sub.Order, &sub.Active, &sub.MinPercentage)
	return sub, err
}

func (s *PostgresStore) ListStudents(ctx context.Context) ([]Student, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, face_ref FROM students ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Student
	for rows.Next() {
		var st Student
		if err := rows.Scan(&st.ID, &st.Name, &st.FaceRef); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetStudent(ctx context.Context, id string) (Student, error) {
	var st Student
	err := s.db.QueryRowContext(ctx, `SELECT id, name, face_ref FROM students WHERE id = $1`, id).
		Scan(&st.ID, &st.Name, &st.FaceRef)
	if errors.Is(err, sql.ErrNoRows) {
		return Student{}, ErrNotFound
	}
	return st, err
}

func (s *PostgresStore) GetSubject(ctx context.Context, id string) (Subject, error) {
	sub, err := scanSubject(s.db.QueryRowContext(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Subject{}, ErrSubjectNotFound
	}
	return sub, err
}

func (s *PostgresStore) ListSubjects(ctx context.Context) ([]Subject, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subjectColumns+` FROM subjects ORDER BY sort_order, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Subject
	for rows.Next() {
		sub, err := scanSubject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActiveSubject(ctx context.Context) (Subject, error) {
	sub, err := scanSubject(s.db.QueryRowContext(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE active`))
	if errors.Is(err, sql.ErrNoRows) {
		return Subject{}, ErrNoActiveSubject
	}
	return sub, err
}

// SetActiveSubject relies on the subjects_single_active partial unique index:
// the deactivate has to land before the activate inside the transaction.
func (s *PostgresStore) SetActiveSubject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE subjects SET active = FALSE WHERE active`); err != nil {
		return fmt.Errorf("deactivate subjects: %w", err)
	}
	if id != "" {
		res, err := tx.ExecContext(ctx, `UPDATE subjects SET active = TRUE WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("activate subject %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrSubjectNotFound
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) EnsureAttendance(ctx context.Context, day string) (Attendance, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO attendances (id, day)
		VALUES ($1, $2::date)
		ON CONFLICT (day) DO NOTHING
	`, uuid.NewString(), day); err != nil {
		return Attendance{}, err
	}
	var att Attendance
	err := s.db.QueryRowContext(ctx, `SELECT id, day::text FROM attendances WHERE day = $1::date`, day).
		Scan(&att.ID, &att.Day)
	return att, err
}

func (s *PostgresStore) GetAttendance(ctx context.Context, id string) (Attendance, error) {
	var att Attendance
	err := s.db.QueryRowContext(ctx, `SELECT id, day::text FROM attendances WHERE id = $1`, id).
		Scan(&att.ID, &att.Day)
	if errors.Is(err, sql.ErrNoRows) {
		return Attendance{}, ErrNotFound
	}
	return att, err
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records WHERE id = $1`, id))
}

func (s *PostgresStore) FindRecord(ctx context.Context, key RecordKey) (Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE attendance_id = $1 AND student_id = $2 AND subject_id = $3
	`, key.AttendanceID, key.StudentID, key.SubjectID))
}

func (s *PostgresStore) ListRecords(ctx context.Context, attendanceID, subjectID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE attendance_id = $1 AND subject_id = $2
		ORDER BY student_id
	`, attendanceID, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertRecord(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, attendance_id, student_id, subject_id, status, time_start, time_end, break_time, paused, total_time_render)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (attendance_id, student_id, subject_id) DO UPDATE SET
			status = EXCLUDED.status,
			time_start = EXCLUDED.time_start,
			time_end = EXCLUDED.time_end,
			break_time = EXCLUDED.break_time,
			paused = EXCLUDED.paused,
			total_time_render = EXCLUDED.total_time_render,
			updated_at = NOW()
		RETURNING `+recordColumns,
		rec.ID, rec.AttendanceID, rec.StudentID, rec.SubjectID, rec.Status,
		rec.TimeStart, rec.TimeEnd, rec.BreakTime, rec.Paused, rec.TotalTimeRender)
	return scanRecord(row)
}

func (s *PostgresStore) InsertRecordIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, attendance_id, student_id, subject_id, status, time_start, time_end, break_time, paused, total_time_render)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (attendance_id, student_id, subject_id) DO NOTHING
		RETURNING `+recordColumns,
		rec.ID, rec.AttendanceID, rec.StudentID, rec.SubjectID, rec.Status,
		rec.TimeStart, rec.TimeEnd, rec.BreakTime, rec.Paused, rec.TotalTimeRender)
	created, err := scanRecord(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, false, err
	}
	existing, err := s.FindRecord(ctx, rec.Key())
	return existing, false, err
}

func (s *PostgresStore) UpdateSession(ctx context.Context, rec Record) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET status = $2, time_start = $3, time_end = $4, break_time = $5, paused = $6,
			total_time_render = $7, updated_at = NOW()
		WHERE id = $1
	`, rec.ID, rec.Status, rec.TimeStart, rec.TimeEnd, rec.BreakTime, rec.Paused, rec.TotalTimeRender)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attendance_records SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) SaveProgress(ctx context.Context, batch []Progress) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE attendance_records
		SET break_time = $2, total_time_render = $3, updated_at = NOW()
		WHERE id = $1
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range batch {
		if _, err := stmt.ExecContext(ctx, p.RecordID, p.BreakTime, p.TotalTimeRender); err != nil {
			return fmt.Errorf("save progress %s: %w", p.RecordID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) AddStandby(ctx context.Context, entry StandbyStudent) (StandbyStudent, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO standby_students (id, student_id, detected_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (student_id) DO NOTHING
	`, entry.ID, entry.StudentID, entry.DetectedAt, entry.Status); err != nil {
		return StandbyStudent{}, err
	}
	var out StandbyStudent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, student_id, detected_at, status FROM standby_students WHERE student_id = $1
	`, entry.StudentID).Scan(&out.ID, &out.StudentID, &out.DetectedAt, &out.Status)
	return out, err
}

func (s *PostgresStore) ListStandby(ctx context.Context) ([]StandbyStudent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, student_id, detected_at, status FROM standby_students ORDER BY detected_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StandbyStudent
	for rows.Next() {
		var e StandbyStudent
		if err := rows.Scan(&e.ID, &e.StudentID, &e.DetectedAt, &e.Status); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteStandby(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM standby_students WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PendingTransition(ctx context.Context) (Transition, error) {
	var t Transition
	var from sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, day::text, from_subject_id, to_subject_id, step, started_at, completed_at
		FROM subject_transitions
		WHERE completed_at IS NULL
		ORDER BY started_at DESC
		LIMIT 1
	`).Scan(&t.ID, &t.Day, &from, &t.ToSubjectID, &t.Step, &t.StartedAt, &t.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Transition{}, ErrNotFound
	}
	t.FromSubjectID = from.String
	return t, err
}

func (s *PostgresStore) SaveTransition(ctx context.Context, t Transition) error {
	var from any
	if t.FromSubjectID != "" {
		from = t.FromSubjectID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subject_transitions (id, day, from_subject_id, to_subject_id, step, started_at, completed_at)
		VALUES ($1, $2::date, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			step = EXCLUDED.step,
			completed_at = EXCLUDED.completed_at
	`, t.ID, t.Day, from, t.ToSubjectID, t.Step, t.StartedAt, t.CompletedAt)
	return err
}
