package market

import (
	"strings"
	"time"
)

// Session statuses that never count as tradeable.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
	StatusHalted = "halted"
)

// Session is one trading window.
type Session struct {
	Open   time.Time
	Close  time.Time
	Status string
}

func (s Session) contains(now time.Time) bool {
	switch strings.ToLower(s.Status) {
	case StatusClosed, StatusHalted:
		return false
	}
	return !now.Before(s.Open) && now.Before(s.Close)
}

// Schedule is the list of known sessions for an instrument. An empty schedule is always closed.
type Schedule []Session

// Current returns the session containing now.
func (s Schedule) Current(now time.Time) (Session, bool) {
	for _, sess := range s {
		if sess.contains(now) {
			return sess, true
		}
	}
	return Session{}, false
}

// IsOpen reports whether a session is in progress.
func (s Schedule) IsOpen(now time.Time) bool {
	_, ok := s.Current(now)
	return ok
}

// TimeToClose returns the remaining time in the current session.
func (s Schedule) TimeToClose(now time.Time) (time.Duration, bool) {
	sess, ok := s.Current(now)
	if !ok {
		return 0, false
	}
	return sess.Close.Sub(now), true
}

// AlwaysOpen builds one continuous session of span starting at midnight UTC.
func AlwaysOpen(from time.Time, span time.Duration) Schedule {
	start := from.UTC().Truncate(24 * time.Hour)
	return Schedule{{Open: start, Close: start.Add(span), Status: StatusOpen}}
}

// OpenEnded is a single session with no practical close, for venues that trade around the clock.
func OpenEnded(from time.Time) Schedule {
	start := from.UTC().Truncate(24 * time.Hour)
	return Schedule{{Open: start, Close: start.AddDate(100, 0, 0), Status: StatusOpen}}
}
