package aggregator

import (
	"fmt"
	"strings"
	"time"
)

// BucketDuration is the width of a usage time bucket.
type BucketDuration string

// Supported bucket durations.
const (
	BucketHour  BucketDuration = "HOUR"
	BucketDay   BucketDuration = "DAY"
	BucketMonth BucketDuration = "MONTH"
)

// ParseBucketDuration accepts hour, day or month in any case.
func ParseBucketDuration(s string) (BucketDuration, error) {
	switch d := BucketDuration(strings.ToUpper(strings.TrimSpace(s))); d {
	case BucketHour, BucketDay, BucketMonth:
		return d, nil
	case "":
		return BucketDay, nil
	default:
		return "", fmt.Errorf("unknown bucket duration %q (want HOUR, DAY or MONTH)", s)
	}
}

// Truncate returns the start of the bucket holding t, in UTC. The zero
// time stays zero.
func (d BucketDuration) Truncate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	t = t.UTC()
	switch d {
	case BucketHour:
		return t.Truncate(time.Hour)
	case BucketMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// Window bounds the observations that count towards usage and
// operations. A zero Start or End leaves that side open.
type Window struct {
	Start          time.Time      `json:"start_time"`
	End            time.Time      `json:"end_time"`
	BucketDuration BucketDuration `json:"bucket_duration"`
}

// Contains reports whether t falls in [Start, End).
func (w Window) Contains(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	return w.End.IsZero() || t.Before(w.End)
}

// Bucket returns the bucket start of t.
func (w Window) Bucket(t time.Time) time.Time {
	return w.BucketDuration.Truncate(t)
}
