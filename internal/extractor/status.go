package extractor

import "strings"

// Status is the state of one watched result file. HeaderComplete and Closed
// are sticky; NewData and NewText describe the most recent scan only.
type Status uint8

const (
	Open           Status = 0
	HeaderComplete Status = 1 << iota
	NewData
	NewText
	Closed
)

func (s Status) Has(f Status) bool { return s&f != 0 }

func (s Status) String() string {
	if s == Open {
		return "open"
	}
	var parts []string
	for _, f := range []struct {
		bit  Status
		name string
	}{{HeaderComplete, "header"}, {NewData, "new_data"}, {NewText, "new_text"}, {Closed, "closed"}} {
		if s.Has(f.bit) {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}
