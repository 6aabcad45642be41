package attendance

import (
	"context"
	"errors"
	"log"
	"time"

	"classattend/internal/metrics"
)

// EngineConfig sets the engine cadences. Zero values take the defaults.
type EngineConfig struct {
	Tick    time.Duration // 1s
	Sync    time.Duration // 15s
	Sweep   time.Duration // 15s
	Refresh time.Duration // 15s
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.Sync <= 0 {
		c.Sync = 15 * time.Second
	}
	if c.Sweep <= 0 {
		c.Sweep = 15 * time.Second
	}
	if c.Refresh <= 0 {
		c.Refresh = 15 * time.Second
	}
	return c
}

// Engine drives the live board: it ticks counters, flushes them in batches,
// runs periodic sweeps and reloads server state.
type Engine struct {
	svc *Service
	cfg EngineConfig
}

// NewEngine returns an engine for svc's board.
func NewEngine(svc *Service, cfg EngineConfig) *Engine {
	return &Engine{svc: svc, cfg: cfg.withDefaults()}
}

// Run blocks until ctx is done, then flushes pending progress once more.
func (e *Engine) Run(ctx context.Context) {
	e.Refresh(ctx)

	tick := time.NewTicker(e.cfg.Tick)
	sync := time.NewTicker(e.cfg.Sync)
	sweep := time.NewTicker(e.cfg.Sweep)
	refresh := time.NewTicker(e.cfg.Refresh)
	defer func() {
		tick.Stop()
		sync.Stop()
		sweep.Stop()
		refresh.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := e.Flush(flushCtx); err != nil {
				log.Printf("final progress flush failed: %v", err)
			}
			cancel()
			return
		case <-tick.C:
			e.Tick(ctx)
		case <-sync.C:
			if err := e.Flush(ctx); err != nil {
				log.Printf("progress flush failed: %v", err)
			}
		case <-sweep.C:
			go e.svc.TriggerSweep(ctx, "periodic")
		case <-refresh.C:
			e.Refresh(ctx)
		}
	}
}

// Tick advances the board once. Records that reached their full duration are
// ended on the server immediately; a threshold crossing triggers a sweep.
func (e *Engine) Tick(ctx context.Context) {
	rep := e.svc.board.Tick(e.svc.now())
	for _, rec := range rep.Finished {
		if err := e.finish(ctx, rec); err != nil {
			log.Printf("auto-end record %s failed: %v", rec.ID, err)
		}
	}
	if rep.Crossed || len(rep.Finished) > 0 {
		go e.svc.TriggerSweep(ctx, "threshold")
	}
}

func (e *Engine) finish(ctx context.Context, done Record) error {
	return e.svc.reconciler.WithPeriod(done.AttendanceID, done.SubjectID, func() error {
		rec, err := e.svc.store.GetRecord(ctx, done.ID)
		if err != nil {
			return err
		}
		if rec.TimeEnd != nil {
			return nil
		}
		rec.TimeEnd = done.TimeEnd
		rec.Paused = false
		rec.BreakTime = done.BreakTime
		rec.TotalTimeRender = done.TotalTimeRender
		if err := e.svc.store.UpdateSession(ctx, rec); err != nil {
			return err
		}
		e.svc.board.Apply(rec)
		e.svc.notify.Notify(ctx, recordEvent(rec, e.svc.now()))
		return nil
	})
}

// Flush writes every unsaved counter in one batch.
func (e *Engine) Flush(ctx context.Context) error {
	batch := e.svc.board.Dirty()
	if len(batch) == 0 {
		return nil
	}
	if err := e.svc.store.SaveProgress(ctx, batch); err != nil {
		return err
	}
	e.svc.board.MarkPersisted(batch, e.svc.now())
	metrics.ProgressWrites.Add(float64(len(batch)))
	return nil
}

// Refresh reloads the board from the store so writes made by other
// processes win over local state. A transition that reloads the board while
// Refresh is reading the store wins over the older snapshot.
func (e *Engine) Refresh(ctx context.Context) {
	if err := e.Flush(ctx); err != nil {
		log.Printf("progress flush before refresh failed: %v", err)
	}
	gen := e.svc.board.Generation()
	p, err := e.svc.CurrentPeriod(ctx)
	if errors.Is(err, ErrNoActiveSubject) {
		e.svc.board.ClearIfCurrent(gen)
		return
	}
	if err != nil {
		log.Printf("resolve active period failed: %v", err)
		return
	}
	recs, err := e.svc.store.ListRecords(ctx, p.Attendance.ID, p.Subject.ID)
	if err != nil {
		log.Printf("load records for %s failed: %v", p.Subject.ID, err)
		return
	}
	if !e.svc.board.LoadIfCurrent(gen, p, recs, e.svc.now()) {
		log.Printf("board changed while refreshing %s, keeping the newer state", p.Subject.ID)
	}
}
