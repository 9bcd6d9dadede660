package engine

import (
	"time"

	"homesense/internal/model"
)

const day = 24 * time.Hour

// Window is a half-open [Start, End) range of whole 24h slices ending at End.
type Window struct {
	Start time.Time
	End   time.Time
	Days  int
}

func NewWindow(now time.Time, days int) Window {
	end := now.UTC()
	return Window{
		Start: end.Add(-time.Duration(days) * day),
		End:   end,
		Days:  days,
	}
}

func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}

// Slice returns the bounds of the i-th 24h slice of the window.
func (w Window) Slice(i int) (time.Time, time.Time) {
	start := w.Start.Add(time.Duration(i) * day)
	return start, start.Add(day)
}

// SliceIndex reports which 24h slice ts falls into, or -1 outside the window.
func (w Window) SliceIndex(ts time.Time) int {
	if !w.Contains(ts) {
		return -1
	}
	idx := int(ts.Sub(w.Start) / day)
	if idx >= w.Days {
		return -1
	}
	return idx
}

func dateOf(ts time.Time) string {
	return ts.UTC().Format(model.DateLayout)
}
