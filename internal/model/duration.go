package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseDuration accepts both Go (1m30s) and ISO8601 (PT1M30S) durations.
// An empty string is zero.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "P") {
		d, err := parseISODuration(s)
		if err != nil {
			return 0, fmt.Errorf("parsing duration %q: %w", s, err)
		}
		return d, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

var isoClock = map[byte]time.Duration{
	'H': time.Hour,
	'M': time.Minute,
	'S': time.Second,
}

// parseISODuration handles PnDTnHnMnS. Years, months and weeks have no fixed
// length and are rejected, so is P2M which would be months.
func parseISODuration(s string) (time.Duration, error) {
	rest, _ := strings.CutPrefix(s, "P")
	date, clock, hasT := strings.Cut(rest, "T")
	if rest == "" || (hasT && clock == "") {
		return 0, ErrISOFormat
	}

	var total time.Duration
	if date != "" {
		v, unit, tail, err := isoComponent(date)
		if err != nil {
			return 0, err
		}
		if unit != 'D' || tail != "" {
			return 0, ErrISOFormat
		}
		total += time.Duration(v * float64(24*time.Hour))
	}

	order := "HMS"
	for clock != "" {
		v, unit, tail, err := isoComponent(clock)
		if err != nil {
			return 0, err
		}
		i := strings.IndexByte(order, unit)
		if i < 0 {
			return 0, ErrISOFormat
		}
		order = order[i+1:]
		total += time.Duration(v * float64(isoClock[unit]))
		clock = tail
	}
	return total, nil
}

// isoComponent splits "1.5S..." into 1.5, 'S' and the rest.
func isoComponent(s string) (float64, byte, string, error) {
	i := strings.IndexFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.' && r != ','
	})
	if i <= 0 {
		return 0, 0, "", ErrISOFormat
	}
	num := strings.Replace(s[:i], ",", ".", 1)
	if _, frac, ok := strings.Cut(num, "."); ok && len(frac) > 9 {
		return 0, 0, "", ErrISOFormat
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("%w: %s", ErrISOFormat, err)
	}
	return v, s[i], s[i+1:], nil
}
