package automation

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultNoticeDays is assumed when a notice period cannot be parsed.
const DefaultNoticeDays = 30

var noticePattern = regexp.MustCompile(`^(\d+)\s*(day|week|month)s?$`)

// EstimateStartDate derives a start date from a free-text notice period
// such as "2 weeks", "1 month" or "immediate". The result is midnight UTC.
func EstimateStartDate(notice string, now time.Time) time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	n := strings.ToLower(strings.TrimSpace(notice))

	if n == "immediate" || n == "immediately" || n == "now" {
		return today
	}
	m := noticePattern.FindStringSubmatch(n)
	if m == nil {
		return today.AddDate(0, 0, DefaultNoticeDays)
	}
	count, err := strconv.Atoi(m[1])
	if err != nil || count > 3650 {
		return today.AddDate(0, 0, DefaultNoticeDays)
	}
	switch m[2] {
	case "day":
		return today.AddDate(0, 0, count)
	case "week":
		return today.AddDate(0, 0, 7*count)
	default:
		return today.AddDate(0, count, 0)
	}
}
