package veracode

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// offsetColonIndex is where the API (and legacy watermark files) place the colon
// of a UTC offset such as "2019-12-31T19:00:00-05:00".
const offsetColonIndex = 22

var timestampLayouts = []string{
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05-0700",
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02 15:04:05.999999999-0700",
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05 UTC",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// RepairOffset removes the offset colon at index 22, turning "-05:00" into
// "-0500". Strings without a colon at that position are returned unchanged.
func RepairOffset(raw string) string {
	if len(raw) > offsetColonIndex && raw[offsetColonIndex] == ':' {
		return raw[:offsetColonIndex] + raw[offsetColonIndex+1:]
	}
	return raw
}

// NormalizeTimestamp parses an API or watermark timestamp and returns it in UTC.
// Values without zone information are taken to be UTC.
func NormalizeTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	repaired := RepairOffset(value)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, repaired); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

// FormatTimestamp renders t in the canonical zone.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return FormatTimestamp(*t)
}
