// Package bars keeps the deduplicated, time-ordered, capacity-bounded bar history of one instrument+interval.
package bars

import (
	"math"
	"sort"
	"time"

	"candlewatch-go/internal/signal"
)

const (
	// CoverageSpan is the history each window aims to retain regardless of interval.
	CoverageSpan = 8 * time.Hour
	// MinCapacity is the floor applied to wide intervals.
	MinCapacity = 50
)

// CapacityFor derives the retained bar count from the interval: narrower intervals keep more bars.
func CapacityFor(interval time.Duration) int {
	if interval <= 0 {
		return MinCapacity
	}
	n := int(math.Ceil(float64(CoverageSpan) / float64(interval)))
	if n < MinCapacity {
		return MinCapacity
	}
	return n
}

// Window is not safe for concurrent use; its owning watcher serializes access.
type Window struct {
	capacity int
	bars     []signal.Bar
}

// NewWindow returns an empty window; capacity <= 0 falls back to MinCapacity.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = MinCapacity
	}
	return &Window{capacity: capacity, bars: make([]signal.Bar, 0, capacity)}
}

// Capacity returns the maximum number of retained bars.
func (w *Window) Capacity() int { return w.capacity }

// Len returns the number of bars currently held.
func (w *Window) Len() int { return len(w.bars) }

// Last returns the newest bar.
func (w *Window) Last() (signal.Bar, bool) {
	if len(w.bars) == 0 {
		return signal.Bar{}, false
	}
	return w.bars[len(w.bars)-1], true
}

// Bars returns a copy of the window, oldest first.
func (w *Window) Bars() []signal.Bar {
	out := make([]signal.Bar, len(w.bars))
	copy(out, w.bars)
	return out
}

// Merge folds incoming bars into the window and returns how many were applied (replaced or appended).
// Bars sharing an openTime replace the existing slot; bars newer than the last one are appended;
// anything older is dropped. The oldest bars are evicted once capacity is exceeded.
func (w *Window) Merge(incoming []signal.Bar) int {
	if len(incoming) == 0 {
		return 0
	}
	applied := 0
	if len(w.bars) == 0 {
		w.bars = dedupe(incoming)
		applied = len(w.bars)
	} else {
		for _, bar := range incoming {
			if w.upsert(bar) {
				applied++
			}
		}
	}
	if over := len(w.bars) - w.capacity; over > 0 {
		w.bars = append(w.bars[:0], w.bars[over:]...)
	}
	return applied
}

func (w *Window) upsert(bar signal.Bar) bool {
	last := w.bars[len(w.bars)-1]
	if bar.OpenTime.After(last.OpenTime) {
		w.bars = append(w.bars, bar)
		return true
	}
	i := sort.Search(len(w.bars), func(i int) bool {
		return !w.bars[i].OpenTime.Before(bar.OpenTime)
	})
	if i < len(w.bars) && w.bars[i].OpenTime.Equal(bar.OpenTime) {
		w.bars[i] = bar
		return true
	}
	return false
}

// dedupe orders bars by openTime ascending; for equal openTimes the later arrival wins.
func dedupe(in []signal.Bar) []signal.Bar {
	out := make([]signal.Bar, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	n := 0
	for _, bar := range out {
		if n > 0 && out[n-1].OpenTime.Equal(bar.OpenTime) {
			out[n-1] = bar
			continue
		}
		out[n] = bar
		n++
	}
	return out[:n]
}
