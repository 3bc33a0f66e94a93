package sqlsession

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidLifetime is returned when a lifetime expression cannot be parsed.
var ErrInvalidLifetime = errors.New("invalid session lifetime")

// ParseLifetime resolves a cookie lifetime once, at startup. It accepts
//
//   - a number of seconds: "3600"
//   - a Go duration: "90m", "1h30m"
//   - a relative expression: "+2 hours", "1 week 2 days", "+1 month"
//
// Months and years are calendar units measured from the current time. An
// empty string yields 0, a browser-session cookie.
func ParseLifetime(expr string) (time.Duration, error) {
	return parseLifetimeAt(expr, time.Now())
}

func parseLifetimeAt(expr string, now time.Time) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, nil
	}

	if secs, err := strconv.ParseInt(expr, 10, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("%w: %q is negative", ErrInvalidLifetime, expr)
		}
		return scaleLifetime(secs, time.Second, expr)
	}

	if d, err := time.ParseDuration(expr); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("%w: %q is negative", ErrInvalidLifetime, expr)
		}
		return d, nil
	}

	fields := strings.Fields(strings.ToLower(strings.TrimPrefix(expr, "+")))
	if len(fields) == 0 || len(fields)%2 != 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLifetime, expr)
	}

	end := now
	for i := 0; i < len(fields); i += 2 {
		n, err := strconv.Atoi(strings.TrimPrefix(fields[i], "+"))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: bad amount %q in %q", ErrInvalidLifetime, fields[i], expr)
		}
		unit := strings.TrimSuffix(fields[i+1], "s")
		if size, ok := clockUnits[unit]; ok {
			d, err := scaleLifetime(int64(n), size, expr)
			if err != nil {
				return 0, err
			}
			end = end.Add(d)
			continue
		}
		switch unit {
		case "day":
			end = end.AddDate(0, 0, n)
		case "week":
			end = end.AddDate(0, 0, 7*n)
		case "month":
			end = end.AddDate(0, n, 0)
		case "year":
			end = end.AddDate(n, 0, 0)
		default:
			return 0, fmt.Errorf("%w: unknown unit %q in %q", ErrInvalidLifetime, fields[i+1], expr)
		}
	}
	d := end.Sub(now)
	if d < 0 || d == math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q is out of range", ErrInvalidLifetime, expr)
	}
	return d, nil
}

var clockUnits = map[string]time.Duration{
	"sec":    time.Second,
	"second": time.Second,
	"min":    time.Minute,
	"minute": time.Minute,
	"hour":   time.Hour,
}

// scaleLifetime returns n units, rejecting amounts time.Duration cannot hold.
func scaleLifetime(n int64, unit time.Duration, expr string) (time.Duration, error) {
	if n > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: %q is out of range", ErrInvalidLifetime, expr)
	}
	return time.Duration(n) * unit, nil
}
