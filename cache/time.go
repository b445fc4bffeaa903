package cache

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/saiset-co/sai-query-cache/types"
)

var timeUnits = map[string]time.Duration{
	"ms":           time.Millisecond,
	"millisecond":  time.Millisecond,
	"milliseconds": time.Millisecond,
	"s":            time.Second,
	"sec":          time.Second,
	"second":       time.Second,
	"seconds":      time.Second,
	"m":            time.Minute,
	"min":          time.Minute,
	"minute":       time.Minute,
	"minutes":      time.Minute,
	"h":            time.Hour,
	"hr":           time.Hour,
	"hour":         time.Hour,
	"hours":        time.Hour,
	"d":            24 * time.Hour,
	"day":          24 * time.Hour,
	"days":         24 * time.Hour,
	"w":            7 * 24 * time.Hour,
	"week":         7 * 24 * time.Hour,
	"weeks":        7 * 24 * time.Hour,
}

var timePart = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([a-z]+)`)

// ParseTime reads a human readable duration such as "5min", "1h 30m", "1.5h" or
// "250ms". A bare number is taken as milliseconds.
func ParseTime(value string) (time.Duration, error) {
	rest := strings.ToLower(strings.TrimSpace(value))
	if rest == "" {
		return 0, types.ErrTimeEmpty
	}

	if ms, err := strconv.ParseFloat(rest, 64); err == nil {
		return fromUnits(ms, time.Millisecond, value)
	}

	var total time.Duration
	for rest != "" {
		match := timePart.FindStringSubmatch(rest)
		if match == nil {
			return 0, types.Errorf(types.ErrTimeInvalid, "%q", value)
		}

		unit, known := timeUnits[match[2]]
		if !known {
			return 0, types.Errorf(types.ErrTimeInvalid, "%q: unknown unit %q", value, match[2])
		}

		amount, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			return 0, types.Errorf(types.ErrTimeInvalid, "%q", value)
		}

		part, err := fromUnits(amount, unit, value)
		if err != nil {
			return 0, err
		}

		total += part
		rest = strings.TrimLeft(rest[len(match[0]):], " \t,")
	}

	return total, nil
}

func fromUnits(amount float64, unit time.Duration, value string) (time.Duration, error) {
	nanos := amount * float64(unit)
	if math.IsNaN(nanos) || nanos < 0 || nanos > math.MaxInt64 {
		return 0, types.Errorf(types.ErrTimeInvalid, "%q: out of range", value)
	}
	return time.Duration(nanos), nil
}

// Duration decodes from either a time string accepted by ParseTime or a number of
// milliseconds, so adapter configs can say `max_age: 10min`.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}

	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}

	parsed, err := ParseTime(raw)
	if err != nil {
		return err
	}

	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Duration(d).String())), nil
}
