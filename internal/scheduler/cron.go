package scheduler

import (
	"log/slog"
	"time"
)

// schedule fires once at first and every interval after that. Each finished
// run replaces the schedule so the next fire is relative to completion; the
// repetition only matters when a fire is skipped because the job is busy.
type schedule struct {
	first time.Time
	every time.Duration
}

func newSchedule(first time.Time, every time.Duration) *schedule {
	if every <= 0 {
		every = MinInterval * time.Second
	}
	return &schedule{first: first, every: every}
}

func (s *schedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	n := t.Sub(s.first)/s.every + 1
	return s.first.Add(n * s.every)
}

// cronLogger routes robfig/cron's logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
