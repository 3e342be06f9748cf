package model

import "time"

// Default ceilings for the rate/budget guard.
const (
	DefaultRPMCeiling        = 5
	DefaultDailyBudgetMicros = 500_000 // $0.50 in micro-USD
)

// RateLimitRecord is the durable, externally-owned counter pair for one user.
// It is re-read on every guard call; window rollover is a pure function of
// (now, stored boundary) so repeated checks inside one window never
// double-reset.
type RateLimitRecord struct {
	UserID             string
	RequestsThisMinute int
	MinuteWindowStart  time.Time
	DailyCostMicros    int64
	DayWindowStart     time.Time // midnight UTC of the counting day
	Version            int64     // bumped on every write; writes are conditional on it
	UpdatedAt          time.Time
}

func NewRateLimitRecord(userID string, now time.Time) *RateLimitRecord {
	return &RateLimitRecord{
		UserID:            userID,
		MinuteWindowStart: now.Truncate(time.Minute),
		DayWindowStart:    DayStart(now),
		UpdatedAt:         now,
	}
}

// DayStart returns midnight UTC for t's day, the daily reset boundary.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Rollover resets whichever counters' windows have been crossed. Idempotent:
// calling it repeatedly within the same window is a no-op.
func (r *RateLimitRecord) Rollover(now time.Time) {
	if minute := now.Truncate(time.Minute); minute.After(r.MinuteWindowStart) {
		r.MinuteWindowStart = minute
		r.RequestsThisMinute = 0
	}
	if day := DayStart(now); day.After(r.DayWindowStart) {
		r.DayWindowStart = day
		r.DailyCostMicros = 0
	}
}

// NextMinuteWindow is the earliest instant the minute counter resets.
func (r *RateLimitRecord) NextMinuteWindow() time.Time {
	return r.MinuteWindowStart.Add(time.Minute)
}

// NextDayWindow is the next daily reset boundary.
func (r *RateLimitRecord) NextDayWindow() time.Time {
	return r.DayWindowStart.Add(24 * time.Hour)
}
