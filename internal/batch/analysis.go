package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Analysis holds the solver settings written to the stage option files.
type Analysis struct {
	ModelFile string
	Start     float64
	Stop      float64
	Incr      float64
	Modes     int
}

// DefaultAnalysis is used when no analysis is configured.
func DefaultAnalysis() Analysis {
	return Analysis{Start: 0, Stop: 1, Incr: 0.01, Modes: 10}
}

// Apply overrides the time interval from tr.
func (a *Analysis) Apply(tr TimeRange) {
	a.Start, a.Stop = tr.Start, tr.Stop
	if tr.Incr > 0 {
		a.Incr = tr.Incr
	}
}

func ff(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// options returns the option lines for stage s. event is set for event runs.
func (a Analysis) options(s Stage, event string) []string {
	var opts []string
	if a.ModelFile != "" {
		opts = append(opts, "-model "+a.ModelFile)
	}
	switch s {
	case Reduce:
		opts = append(opts, "-linkId 1")
	case Dynamic, Events:
		opts = append(opts, "-timeStart "+ff(a.Start), "-timeEnd "+ff(a.Stop), "-timeInc "+ff(a.Incr))
		if event != "" {
			opts = append(opts, "-eventFile "+event)
		}
	case Stress, Rosette, StrainCoat:
		opts = append(opts, "-startTime "+ff(a.Start), "-stopTime "+ff(a.Stop))
	case Modes:
		opts = append(opts, "-numModes "+strconv.Itoa(a.Modes))
	}
	return opts
}

// writeOptionFile creates dir and writes the stage option file into it,
// returning its path.
func writeOptionFile(dir string, s Stage, opts []string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create stage directory: %w", err)
	}
	path := filepath.Join(dir, s.OptionFile())
	body := strings.Join(opts, "\n") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("write option file: %w", err)
	}
	return path, nil
}
