package batch

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownStage = errors.New("unknown batch stage")

// Stage is one solver stage of a batch run.
type Stage int

const (
	Reduce Stage = iota
	Dynamic
	Stress
	Modes
	Rosette
	StrainCoat
	Events
)

var stageNames = map[string]Stage{
	"reduce":      Reduce,
	"reducer":     Reduce,
	"dynamic":     Dynamic,
	"solver":      Dynamic,
	"stress":      Stress,
	"modes":       Modes,
	"rosette":     Rosette,
	"gage":        Rosette,
	"strain-coat": StrainCoat,
	"straincoat":  StrainCoat,
	"fpp":         StrainCoat,
	"events":      Events,
}

// ParseStage accepts the stage name or the name of its program.
func ParseStage(s string) (Stage, error) {
	st, ok := stageNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStage, s)
	}
	return st, nil
}

func (s Stage) String() string {
	switch s {
	case Reduce:
		return "reduce"
	case Dynamic:
		return "dynamic"
	case Stress:
		return "stress"
	case Modes:
		return "modes"
	case Rosette:
		return "rosette"
	case StrainCoat:
		return "strain-coat"
	case Events:
		return "events"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Program is the executable that runs the stage.
func (s Stage) Program() string {
	switch s {
	case Reduce:
		return "fedem_reducer"
	case Dynamic, Events:
		return "fedem_solver"
	case Stress:
		return "fedem_stress"
	case Modes:
		return "fedem_modes"
	case Rosette:
		return "fedem_gage"
	case StrainCoat:
		return "fedem_fpp"
	default:
		return ""
	}
}

// Dir is the stage's directory below the batch working directory.
func (s Stage) Dir() string {
	switch s {
	case Reduce:
		return "reducer"
	case Dynamic:
		return "solver"
	case Stress:
		return "stress"
	case Modes:
		return "modes"
	case Rosette:
		return "gage"
	case StrainCoat:
		return "fpp"
	case Events:
		return "events"
	default:
		return ""
	}
}

// OptionFile is the name of the option file the stage program reads.
func (s Stage) OptionFile() string { return s.Program() + ".fco" }
