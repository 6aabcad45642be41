package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"classattend/internal/metrics"
)

// Admission buffers detections that arrive while no subject is active. The
// queue is drained by the next Coordinator.Activate.
type Admission struct {
	store  Store
	notify Notifier
}

// NewAdmission builds the standby queue on store.
func NewAdmission(store Store, notify Notifier) *Admission {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Admission{store: store, notify: notify}
}

// Admit queues studentID with a provisional PRESENT status. The first
// detection of a student wins; later ones return the existing entry.
func (a *Admission) Admit(ctx context.Context, studentID string, detectedAt time.Time) (StandbyStudent, error) {
	if _, err := a.store.ActiveSubject(ctx); err == nil {
		return StandbyStudent{}, ErrSubjectActive
	} else if !errors.Is(err, ErrNoActiveSubject) {
		return StandbyStudent{}, fmt.Errorf("active subject: %w", err)
	}
	if _, err := a.store.GetStudent(ctx, studentID); err != nil {
		return StandbyStudent{}, fmt.Errorf("student %s: %w", studentID, err)
	}

	entry, err := a.store.AddStandby(ctx, StandbyStudent{
		ID:         uuid.NewString(),
		StudentID:  studentID,
		DetectedAt: detectedAt.UTC(),
		Status:     StatusPresent,
	})
	if err != nil {
		return StandbyStudent{}, fmt.Errorf("add standby: %w", err)
	}
	a.refreshGauge(ctx)
	a.notify.Notify(ctx, Event{Kind: EventStandby, Standby: &entry, At: detectedAt})
	return entry, nil
}

// List returns the queued entries, oldest detection first.
func (a *Admission) List(ctx context.Context) ([]StandbyStudent, error) {
	return a.store.ListStandby(ctx)
}

// Remove deletes an entry that should not be admitted.
func (a *Admission) Remove(ctx context.Context, id string) error {
	if err := a.store.DeleteStandby(ctx, id); err != nil {
		return err
	}
	a.refreshGauge(ctx)
	return nil
}

func (a *Admission) refreshGauge(ctx context.Context) {
	if entries, err := a.store.ListStandby(ctx); err == nil {
		metrics.StandbyEntries.Set(float64(len(entries)))
	}
}
