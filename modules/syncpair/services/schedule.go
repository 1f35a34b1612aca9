package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/openparcel/parcelsync/pkg/syncerr"
)

const (
	scheduleHourly      = "@hourly"
	scheduleDaily       = "@daily"
	scheduleEveryPrefix = "@every "
)

// ValidateSchedule accepts the empty schedule (manual runs only), @hourly,
// @daily, or "@every <duration>" with a duration of at least one minute.
func ValidateSchedule(schedule string) error {
	_, err := parseSchedule(schedule)
	return err
}

// ScheduleInterval resolves a schedule to its run interval. ok is false for
// the empty schedule.
func ScheduleInterval(schedule string) (time.Duration, bool) {
	d, err := parseSchedule(schedule)
	if err != nil || d == 0 {
		return 0, false
	}
	return d, true
}

func parseSchedule(schedule string) (time.Duration, error) {
	s := strings.TrimSpace(schedule)
	switch {
	case s == "":
		return 0, nil
	case s == scheduleHourly:
		return time.Hour, nil
	case s == scheduleDaily:
		return 24 * time.Hour, nil
	case strings.HasPrefix(s, scheduleEveryPrefix):
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(s, scheduleEveryPrefix)))
		if err != nil {
			return 0, syncerr.NewInvalidInput(fmt.Sprintf("schedule: %v", err))
		}
		if d < time.Minute {
			return 0, syncerr.NewInvalidInput("schedule: interval below 1m")
		}
		return d, nil
	default:
		return 0, syncerr.NewInvalidInput(fmt.Sprintf("schedule: unsupported expression %q", s))
	}
}
