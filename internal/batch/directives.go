package batch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrBadTimeRange = errors.New("bad time range")

// TimeRange overrides the analysis time interval.
type TimeRange struct {
	Start, Stop float64
	Incr        float64 // zero keeps the configured increment
}

// ParseTimeRange parses "[start,stop]" or "[start,stop,incr]".
func ParseTimeRange(s string) (TimeRange, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return TimeRange{}, fmt.Errorf("%w: %q", ErrBadTimeRange, s)
	}
	parts := strings.Split(s[1:len(s)-1], ",")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeRange{}, fmt.Errorf("%w: %q", ErrBadTimeRange, s)
	}
	vals := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return TimeRange{}, fmt.Errorf("%w: %q", ErrBadTimeRange, s)
		}
		vals[i] = v
	}
	tr := TimeRange{Start: vals[0], Stop: vals[1]}
	if len(vals) == 3 {
		if vals[2] <= 0 {
			return TimeRange{}, fmt.Errorf("%w: increment must be positive in %q", ErrBadTimeRange, s)
		}
		tr.Incr = vals[2]
	}
	if tr.Stop < tr.Start {
		return TimeRange{}, fmt.Errorf("%w: stop before start in %q", ErrBadTimeRange, s)
	}
	return tr, nil
}

// Directives is the parsed batch request.
type Directives struct {
	Solve      []Stage
	Prepare    *Stage
	EventsFile string
	TimeRange  *TimeRange
	Extra      map[string]string // unrecognized keys
}

// ParseDirectives reads key=value options.
func ParseDirectives(opts []string) (Directives, error) {
	var d Directives
	for _, opt := range opts {
		key, val, ok := strings.Cut(opt, "=")
		if !ok {
			return d, fmt.Errorf("directive %q: expected key=value", opt)
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		switch key {
		case "solve":
			for _, name := range strings.Split(val, ",") {
				if strings.TrimSpace(name) == "" {
					continue
				}
				st, err := ParseStage(name)
				if err != nil {
					return d, err
				}
				d.Solve = append(d.Solve, st)
			}
		case "prepareBatch":
			st, err := ParseStage(val)
			if err != nil {
				return d, err
			}
			d.Prepare = &st
		case "events":
			d.EventsFile = val
		case "timerange":
			tr, err := ParseTimeRange(val)
			if err != nil {
				return d, err
			}
			d.TimeRange = &tr
		default:
			if d.Extra == nil {
				d.Extra = make(map[string]string)
			}
			d.Extra[key] = val
		}
	}
	return d, nil
}
