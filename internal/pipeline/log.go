package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LogEntry is one line of the processing log returned with every outcome.
type LogEntry struct {
	Time    time.Time  `json:"time"`
	Stage   string     `json:"stage"`
	Level   slog.Level `json:"level"`
	Message string     `json:"message"`
}

func (e LogEntry) String() string {
	return fmt.Sprintf("%s [%s] %s: %s", e.Time.Format(time.RFC3339), e.Level, e.Stage, e.Message)
}

// processLog accumulates entries for one request and mirrors them to a
// structured logger.
type processLog struct {
	entries []LogEntry
	logger  *slog.Logger
	now     func() time.Time
}

func (l *processLog) add(level slog.Level, stage, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.entries = append(l.entries, LogEntry{Time: l.now(), Stage: stage, Level: level, Message: msg})
	l.logger.Log(context.Background(), level, msg, "stage", stage)
}

func (l *processLog) info(stage, format string, args ...any) {
	l.add(slog.LevelInfo, stage, format, args...)
}

func (l *processLog) warn(stage, format string, args ...any) {
	l.add(slog.LevelWarn, stage, format, args...)
}

func (l *processLog) error(stage, format string, args ...any) {
	l.add(slog.LevelError, stage, format, args...)
}

// progressTracker forwards progress to the caller, clamped to [0, 1] and
// never decreasing.
type progressTracker struct {
	fn   func(progress float64, stage string)
	last float64
}

func (p *progressTracker) report(v float64, stage string) {
	if v < p.last {
		v = p.last
	}
	if v > 1 {
		v = 1
	}
	p.last = v
	if p.fn != nil {
		p.fn(v, stage)
	}
}
