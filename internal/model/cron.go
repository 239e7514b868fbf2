package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates a 5 field cron expression or a @descriptor and returns
// the interval between its next two activations.
func ParseCron(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, fmt.Errorf("empty cron expression")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return 0, fmt.Errorf("parsing cron %q: %w", expr, err)
	}
	next := schedule.Next(time.Now())
	return schedule.Next(next).Sub(next), nil
}
