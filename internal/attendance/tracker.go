package attendance

import (
	"math"
	"time"
)

// TickResult reports what a single tracker evaluation changed.
type TickResult struct {
	Changed   bool
	Exhausted bool // break budget reached zero on this tick
	Completed bool // elapsed time reached the scheduled duration
}

// Advance evaluates one tick of wall-clock time for rec against a subject of
// the given duration.
//
// Render time keeps accruing while on break; it only freezes once the break
// budget is exhausted and stays frozen until the record is resumed.
func Advance(rec *Record, now time.Time, duration time.Duration) TickResult {
	var res TickResult
	if rec.TimeStart == nil || rec.TimeEnd != nil {
		return res
	}

	state := rec.State()
	if state != StateExhausted {
		render := RenderSeconds(*rec.TimeStart, now, duration)
		if render != rec.TotalTimeRender {
			rec.TotalTimeRender = render
			res.Changed = true
		}
	}
	if state == StateOnBreak {
		rec.BreakTime--
		if rec.BreakTime <= 0 {
			rec.BreakTime = 0
			res.Exhausted = true
		}
		res.Changed = true
	}
	if duration > 0 && !now.Before(rec.TimeStart.Add(duration)) {
		res.Completed = true
	}
	return res
}

// RenderSeconds is min(now, start+duration) - start in whole seconds, never
// negative and never above the duration.
func RenderSeconds(start, now time.Time, duration time.Duration) int {
	end := now
	if limit := start.Add(duration); duration > 0 && end.After(limit) {
		end = limit
	}
	secs := int(end.Sub(start) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// ElapsedPercentage is the whole elapsed minutes between start and
// min(end or now, start+duration) as a percentage of duration, capped at 100.
func ElapsedPercentage(start time.Time, end *time.Time, now time.Time, duration time.Duration) float64 {
	totalMinutes := int(duration / time.Minute)
	if totalMinutes <= 0 {
		return 0
	}
	until := now
	if end != nil {
		until = *end
	}
	if limit := start.Add(duration); until.After(limit) {
		until = limit
	}
	elapsed := math.Floor(until.Sub(start).Minutes())
	if elapsed <= 0 {
		return 0
	}
	return math.Min(100, elapsed/float64(totalMinutes)*100)
}
