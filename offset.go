package trigger

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sosodev/duration"
)

// Offset is a relative delay applied to the scheduling time. It is parsed
// from an ISO-8601 duration (P1D, PT30M) or a Go duration string (90s).
type Offset struct {
	raw      string
	iso      *duration.Duration
	duration time.Duration
}

// ParseOffset parses raw as ISO-8601 first and as a Go duration second.
func ParseOffset(raw string) (Offset, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Offset{}, NewError(ErrInvalidOffset, "schedule offset cannot be empty", nil, nil)
	}
	if strings.HasPrefix(strings.ToUpper(text), "P") || strings.HasPrefix(text, "-P") {
		iso, err := duration.Parse(strings.ToUpper(text))
		if err != nil {
			return Offset{}, NewError(ErrInvalidOffset, fmt.Sprintf(
				"Scheduled transition offset value %s is not valid. Please use ISO 8601 duration spec. Details: %v", raw, err,
			), err, map[string]any{"offset": raw})
		}
		return Offset{raw: text, iso: iso}, nil
	}
	d, err := time.ParseDuration(text)
	if err != nil {
		return Offset{}, NewError(ErrInvalidOffset, fmt.Sprintf("schedule offset %q is neither ISO-8601 nor a Go duration", raw), err,
			map[string]any{"offset": raw})
	}
	return Offset{raw: text, duration: d}, nil
}

// MustParseOffset panics when raw is invalid.
func MustParseOffset(raw string) Offset {
	o, err := ParseOffset(raw)
	if err != nil {
		panic(err)
	}
	return o
}

// OffsetOf wraps a fixed duration.
func OffsetOf(d time.Duration) Offset {
	return Offset{raw: d.String(), duration: d}
}

func (o Offset) String() string { return o.raw }

// IsZero reports whether the offset was never set.
func (o Offset) IsZero() bool { return o.raw == "" }

// From returns base moved forward by the offset. Calendar components of
// ISO-8601 values (years, months, weeks, days) follow the calendar.
func (o Offset) From(base time.Time) time.Time {
	if o.iso == nil {
		return base.Add(o.duration)
	}
	sign := 1
	if o.iso.Negative {
		sign = -1
	}
	years, fy := math.Modf(o.iso.Years)
	months, fm := math.Modf(o.iso.Months)
	days, fd := math.Modf(o.iso.Weeks*7 + o.iso.Days)

	t := base.AddDate(sign*int(years), sign*int(months), sign*int(days))

	rest := time.Duration(fy*365*24*float64(time.Hour)) +
		time.Duration(fm*30*24*float64(time.Hour)) +
		time.Duration(fd*24*float64(time.Hour)) +
		time.Duration(o.iso.Hours*float64(time.Hour)) +
		time.Duration(o.iso.Minutes*float64(time.Minute)) +
		time.Duration(o.iso.Seconds*float64(time.Second))
	return t.Add(time.Duration(sign) * rest)
}
