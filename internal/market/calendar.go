package market

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"candlewatch-go/internal/signal"
)

// ScheduledAnnouncement binds an announcement to the symbols it affects; no symbols means every instrument.
type ScheduledAnnouncement struct {
	Announcement
	Symbols []string
}

// StaticCalendar serves announcements loaded from configuration.
type StaticCalendar struct {
	mu     sync.RWMutex
	events []ScheduledAnnouncement
	now    func() time.Time
}

// NewStaticCalendar sorts the events by timestamp.
func NewStaticCalendar(events []ScheduledAnnouncement) *StaticCalendar {
	c := &StaticCalendar{now: time.Now}
	c.Set(events)
	return c
}

// Set replaces the event list.
func (c *StaticCalendar) Set(events []ScheduledAnnouncement) {
	sorted := append([]ScheduledAnnouncement(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	c.mu.Lock()
	c.events = sorted
	c.mu.Unlock()
}

// NextAnnouncement returns the earliest event at or after now that applies to inst.
func (c *StaticCalendar) NextAnnouncement(_ context.Context, inst signal.Instrument) (*Announcement, error) {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ev := range c.events {
		if ev.Timestamp.Before(now) {
			continue
		}
		if !appliesTo(ev.Symbols, inst) {
			continue
		}
		a := ev.Announcement
		return &a, nil
	}
	return nil, nil
}

func appliesTo(symbols []string, inst signal.Instrument) bool {
	if len(symbols) == 0 {
		return true
	}
	for _, s := range symbols {
		if strings.EqualFold(strings.TrimSpace(s), inst.Label()) {
			return true
		}
	}
	return false
}
