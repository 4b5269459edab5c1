package util

import (
	"fmt"
	"regexp"
	"time"
)

// DisplayLayout is the timestamp layout used in exported tables.
const DisplayLayout = "02 Jan 2006 03:04:05 PM"

var (
	sgtLocation  *time.Location
	isoDateRegex *regexp.Regexp
)

func init() {
	// Singapore time (UTC+8), no daylight saving.
	sgtLocation = time.FixedZone("SGT", 8*60*60)

	// Matches "YYYY-MM-DD" exactly.
	isoDateRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
}

// ParseSubmissionTime parses the ISO-8601 `created` timestamp of a submission.
func ParseSubmissionTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse submission time '%s': %w", s, err)
	}
	return t, nil
}

// FormatSubmissionTime renders t in Singapore time using DisplayLayout.
func FormatSubmissionTime(t time.Time) string {
	return t.In(sgtLocation).Format(DisplayLayout)
}

// IsISODate checks if a string is a YYYY-MM-DD calendar date.
func IsISODate(s string) bool {
	if !isoDateRegex.MatchString(s) {
		return false
	}
	_, err := time.ParseInLocation("2006-01-02", s, sgtLocation)
	return err == nil
}

// GetSGTLocation returns the fixed Singapore time zone used for display.
func GetSGTLocation() *time.Location {
	return sgtLocation
}
