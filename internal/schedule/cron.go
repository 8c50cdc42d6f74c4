package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions plus the @every and
// @hourly style descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateCron checks the expression and timezone at write time so a bad
// schedule is rejected before it is persisted.
func ValidateCron(expr, timezone string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}
	return nil
}

// NextRun computes the next fire time after the given instant, evaluated in
// the schedule's timezone. An empty timezone means UTC.
func NextRun(expr, timezone string, after time.Time) (time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(after.In(loc)).UTC(), nil
}

// knownExpressions maps common cron patterns to a friendly rendering.
var knownExpressions = map[string]string{
	"* * * * *":    "every minute",
	"*/5 * * * *":  "every 5 minutes",
	"*/10 * * * *": "every 10 minutes",
	"*/15 * * * *": "every 15 minutes",
	"*/30 * * * *": "every 30 minutes",
	"0 * * * *":    "every hour",
	"0 */2 * * *":  "every 2 hours",
	"0 */6 * * *":  "every 6 hours",
	"0 */12 * * *": "every 12 hours",
	"0 0 * * *":    "daily at midnight",
	"0 9 * * *":    "daily at 9:00",
	"0 12 * * *":   "daily at noon",
	"0 0 * * 0":    "weekly on Sunday at midnight",
	"0 0 * * 1":    "weekly on Monday at midnight",
	"0 9 * * 1-5":  "weekdays at 9:00",
	"0 0 1 * *":    "monthly on the 1st at midnight",
	"@hourly":      "every hour",
	"@daily":       "daily at midnight",
	"@midnight":    "daily at midnight",
	"@weekly":      "weekly on Sunday at midnight",
	"@monthly":     "monthly on the 1st at midnight",
}

// DescribeCron renders a cron expression for humans. Unknown patterns fall
// back to the raw expression.
func DescribeCron(expr string) string {
	normalized := strings.Join(strings.Fields(expr), " ")
	if desc, ok := knownExpressions[normalized]; ok {
		return desc
	}
	return normalized
}
