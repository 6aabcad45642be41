package attendance

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"classattend/internal/metrics"
)

// DecisionInput is everything the status decision depends on.
type DecisionInput struct {
	TimeStart      time.Time
	TimeEnd        *time.Time
	Now            time.Time
	Duration       time.Duration
	ScheduledStart time.Time
	MinPercentage  int
}

// Decide derives a record's status. It is pure: the same input always gives
// the same status, so sweeps can be repeated freely.
func Decide(in DecisionInput) Status {
	threshold := in.MinPercentage
	if threshold <= 0 {
		threshold = DefaultMinPercentage
	}
	pct := ElapsedPercentage(in.TimeStart, in.TimeEnd, in.Now, in.Duration)
	switch {
	case pct < float64(threshold):
		return StatusAbsent
	case !in.ScheduledStart.IsZero() && in.TimeStart.After(in.ScheduledStart):
		return StatusLate
	default:
		return StatusPresent
	}
}

// AdjustParams selects the records of one (attendance, subject) sweep.
type AdjustParams struct {
	AttendanceID   string
	SubjectID      string
	ScheduledStart time.Time
	MinPercentage  int
}

func (p AdjustParams) key() string { return p.AttendanceID + "/" + p.SubjectID }

// SweepResult counts a sweep's work.
type SweepResult struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
}

type periodGuard struct {
	mu      sync.Mutex
	pending atomic.Bool

	reqMu   sync.Mutex
	req     AdjustParams
	reqCtx  context.Context
	trigger string
}

func (g *periodGuard) request(ctx context.Context, p AdjustParams, trigger string) {
	g.reqMu.Lock()
	g.req, g.reqCtx, g.trigger = p, ctx, trigger
	g.reqMu.Unlock()
	g.pending.Store(true)
}

func (g *periodGuard) requested() (context.Context, AdjustParams, string) {
	g.reqMu.Lock()
	defer g.reqMu.Unlock()
	return g.reqCtx, g.req, g.trigger
}

// Reconciler runs auto-adjust sweeps. Sweeps and manual status writes for the
// same period never interleave.
type Reconciler struct {
	store  Store
	board  *Board
	notify Notifier
	now    func() time.Time

	mu     sync.Mutex
	guards map[string]*periodGuard
}

// NewReconciler builds a reconciler. board may be nil when no live board runs
// in this process.
func NewReconciler(store Store, board *Board, notify Notifier, now func() time.Time) *Reconciler {
	if notify == nil {
		notify = NopNotifier{}
	}
	if now == nil {
		now = time.Now
	}
	return &Reconciler{store: store, board: board, notify: notify, now: now, guards: make(map[string]*periodGuard)}
}

func (r *Reconciler) guard(key string) *periodGuard {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guards[key]
	if !ok {
		g = &periodGuard{}
		r.guards[key] = g
	}
	return g
}

// AutoAdjust sweeps now, waiting for any running sweep of the same period.
func (r *Reconciler) AutoAdjust(ctx context.Context, p AdjustParams) (SweepResult, error) {
	g := r.guard(p.key())
	g.mu.Lock()
	defer r.unlock(g)
	return r.sweep(ctx, p, "manual")
}

// Trigger requests a sweep without waiting. If the period is busy (a sweep
// or a manual write), the request is folded into a single follow-up sweep
// run by whoever releases the period.
func (r *Reconciler) Trigger(ctx context.Context, p AdjustParams, trigger string) {
	g := r.guard(p.key())
	g.request(ctx, p, trigger)
	if !g.mu.TryLock() {
		return
	}
	r.unlock(g)
}

// WithPeriod runs fn while holding the period's sweep guard.
func (r *Reconciler) WithPeriod(attendanceID, subjectID string, fn func() error) error {
	g := r.guard(AdjustParams{AttendanceID: attendanceID, SubjectID: subjectID}.key())
	g.mu.Lock()
	defer r.unlock(g)
	return fn()
}

// unlock releases g after running the sweeps requested while it was held.
// pending is set before a requester tries the lock, so a request that lands
// after the final check finds the lock free and runs itself.
func (r *Reconciler) unlock(g *periodGuard) {
	for {
		for g.pending.Swap(false) {
			ctx, p, trigger := g.requested()
			if _, err := r.sweep(ctx, p, trigger); err != nil {
				log.Printf("auto-adjust %s (%s) failed: %v", p.key(), trigger, err)
			}
		}
		g.mu.Unlock()
		if !g.pending.Load() || !g.mu.TryLock() {
			return
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context, p AdjustParams, trigger string) (SweepResult, error) {
	started := time.Now()
	metrics.Sweeps.WithLabelValues(trigger).Inc()
	defer func() { metrics.SweepDuration.Observe(time.Since(started).Seconds()) }()

	var res SweepResult
	sub, err := r.store.GetSubject(ctx, p.SubjectID)
	if err != nil {
		return res, fmt.Errorf("subject %s: %w", p.SubjectID, err)
	}
	dur, err := sub.Duration()
	if err != nil {
		return res, err
	}
	threshold := p.MinPercentage
	if threshold <= 0 {
		threshold = sub.Threshold()
	}

	recs, err := r.store.ListRecords(ctx, p.AttendanceID, p.SubjectID)
	if err != nil {
		return res, fmt.Errorf("list records: %w", err)
	}
	now := r.now()
	for _, rec := range recs {
		if rec.TimeStart == nil || rec.Status == StatusExcused {
			continue
		}
		res.Checked++
		want := Decide(DecisionInput{
			TimeStart:      *rec.TimeStart,
			TimeEnd:        rec.TimeEnd,
			Now:            now,
			Duration:       dur,
			ScheduledStart: p.ScheduledStart,
			MinPercentage:  threshold,
		})
		if want == rec.Status {
			continue
		}
		ok, err := r.store.UpdateStatus(ctx, rec.ID, rec.Status, want)
		if err != nil {
			return res, fmt.Errorf("update status %s: %w", rec.ID, err)
		}
		if !ok {
			// changed underneath us; the next sweep sees the new value
			continue
		}
		res.Updated++
		metrics.StatusWrites.WithLabelValues(string(want)).Inc()
		rec.Status = want
		if r.board != nil {
			r.board.SetStatus(rec.ID, want)
		}
		r.notify.Notify(ctx, recordEvent(rec, now))
	}
	return res, nil
}
