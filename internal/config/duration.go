package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// tick is the resolution of the time-span fraction field.
const tick = 100 * time.Nanosecond

// ParseDuration parses a poll frequency. Accepted forms are a time span
// "[-][d.]hh:mm[:ss[.fffffff]]" ("0:00:02"), a Go duration ("2s", "1m30s")
// and a plain number of seconds ("2", "0.5"). An empty string is zero.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.Contains(s, ":") {
		return parseTimeSpan(s)
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func parseTimeSpan(s string) (time.Duration, error) {
	orig := s
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time span %q", orig)
	}

	var days int64
	if d, h, ok := strings.Cut(parts[0], "."); ok {
		n, err := strconv.ParseInt(d, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid time span %q: days", orig)
		}
		days = n
		parts[0] = h
	}

	hours, err := spanField(parts[0], 23)
	if err != nil {
		return 0, fmt.Errorf("invalid time span %q: hours: %w", orig, err)
	}
	minutes, err := spanField(parts[1], 59)
	if err != nil {
		return 0, fmt.Errorf("invalid time span %q: minutes: %w", orig, err)
	}

	var seconds int64
	var frac time.Duration
	if len(parts) == 3 {
		sec, f, hasFrac := strings.Cut(parts[2], ".")
		if seconds, err = spanField(sec, 59); err != nil {
			return 0, fmt.Errorf("invalid time span %q: seconds: %w", orig, err)
		}
		if hasFrac {
			if f == "" || len(f) > 7 {
				return 0, fmt.Errorf("invalid time span %q: fraction", orig)
			}
			n, err := strconv.ParseInt(f+strings.Repeat("0", 7-len(f)), 10, 64)
			if err != nil || n < 0 {
				return 0, fmt.Errorf("invalid time span %q: fraction", orig)
			}
			frac = time.Duration(n) * tick
		}
	}

	d := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second +
		frac
	if neg {
		d = -d
	}
	return d, nil
}

func spanField(s string, limit int64) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if n < 0 || n > limit {
		return 0, fmt.Errorf("%d out of range", n)
	}
	return n, nil
}

// FormatDuration renders d as a time span: "00:00:02", "1.02:03:04",
// "00:00:00.5000000".
func FormatDuration(d time.Duration) string {
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}

	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	d -= seconds * time.Second

	if days > 0 {
		fmt.Fprintf(&b, "%d.", days)
	}
	fmt.Fprintf(&b, "%02d:%02d:%02d", hours, minutes, seconds)
	if ticks := d / tick; ticks > 0 {
		fmt.Fprintf(&b, ".%07d", ticks)
	}
	return b.String()
}
