package schedule

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseTrigger validates a five-field trigger expression and returns its schedule.
func ParseTrigger(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse trigger %q: %w", spec, err)
	}
	return sched, nil
}

// NextRuns returns the next n fire times of spec after from, evaluated in loc.
func NextRuns(spec string, loc *time.Location, from time.Time, n int) ([]time.Time, error) {
	sched, err := ParseTrigger(spec)
	if err != nil {
		return nil, err
	}
	runs := make([]time.Time, 0, n)
	t := from.In(loc)
	for range n {
		t = sched.Next(t)
		runs = append(runs, t)
	}
	return runs, nil
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
