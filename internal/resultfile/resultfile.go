// Package resultfile reads the line-oriented result files written by the
// solvers. Files are read incrementally while the producing process is still
// appending to them; every Scan consumes only the bytes written since the
// previous one.
package resultfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Magic is the first line of every result file.
const Magic = "#FEDEMSYNC 1"

const (
	dataMarker = "#DATA"
	endMarker  = "#END"
)

// TempSuffix marks result files that are deleted once fully read.
const TempSuffix = ".tmp.frs"

var (
	ErrBadMagic  = errors.New("not a result file")
	ErrMalformed = errors.New("malformed header line")
)

// Var is a top-level result variable; it occupies one data column.
type Var struct {
	ID          int
	Name        string
	Unit        string
	Description string

	col int
}

// Group is an object group; each field occupies one data column.
type Group struct {
	BaseID   int
	TypeName string
	Fields   []string

	col int // column of Fields[0]
}

// Delta describes what one Scan found.
type Delta struct {
	HeaderComplete bool // the #DATA marker was reached during this scan
	Rows           int  // numeric rows appended
	TextLines      int  // non-numeric lines appended after the header
	Closed         bool // the #END marker was reached during this scan
	Truncated      bool // the file shrank; everything read before was dropped and it was read again
}

// Empty reports whether the scan found nothing new.
func (d Delta) Empty() bool {
	return !d.HeaderComplete && !d.Closed && !d.Truncated && d.Rows == 0 && d.TextLines == 0
}

// File is the incremental reader state of one result file.
type File struct {
	path    string
	offset  int64
	partial []byte
	lineNo  int

	magic  bool
	header bool
	closed bool

	vars    []Var
	groups  []Group
	columns int
	rows    [][]float64
	text    []string
}

func New(path string) *File { return &File{path: path} }

func (f *File) Path() string { return f.path }

// HeaderComplete reports whether all header lines have been read.
func (f *File) HeaderComplete() bool { return f.header }

// Closed reports whether the end marker has been read. Later writes are ignored.
func (f *File) Closed() bool { return f.closed }

func (f *File) Vars() []Var     { return f.vars }
func (f *File) Groups() []Group { return f.groups }

// Columns is the number of values in a data row.
func (f *File) Columns() int { return f.columns }

func (f *File) Rows() [][]float64 { return f.rows }
func (f *File) Text() []string    { return f.text }

// Temporary reports whether the file is a temporary result file.
func (f *File) Temporary() bool { return strings.HasSuffix(f.path, TempSuffix) }

// Scan reads bytes appended since the last call. A file that does not exist yet
// yields an empty delta. Malformed header lines are skipped and reported in the
// returned error while the rest of the file is still consumed.
func (f *File) Scan() (Delta, error) {
	var d Delta
	if f.closed {
		return d, nil
	}
	fh, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return d, nil
		}
		return d, err
	}
	defer func() { _ = fh.Close() }()

	// a rerun solver rewrites its file from the start
	if st, err := fh.Stat(); err == nil && st.Size() < f.offset {
		*f = File{path: f.path}
		d.Truncated = true
	}
	if _, err := fh.Seek(f.offset, io.SeekStart); err != nil {
		return d, err
	}
	buf, err := io.ReadAll(fh)
	if err != nil {
		return d, err
	}
	f.offset += int64(len(buf))
	if len(f.partial) > 0 {
		buf = append(f.partial, buf...)
		f.partial = nil
	}

	var errs []error
	for len(buf) > 0 && !f.closed {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			f.partial = append([]byte(nil), buf...)
			break
		}
		line := strings.TrimRight(string(buf[:i]), "\r")
		buf = buf[i+1:]
		f.lineNo++
		if err := f.line(line, &d); err != nil {
			if errors.Is(err, ErrBadMagic) {
				f.closed = true
				return d, err
			}
			errs = append(errs, err)
		}
	}
	return d, errors.Join(errs...)
}

func (f *File) line(line string, d *Delta) error {
	trimmed := strings.TrimSpace(line)
	if !f.magic {
		if trimmed != Magic {
			return fmt.Errorf("%s: %w", f.path, ErrBadMagic)
		}
		f.magic = true
		return nil
	}
	if trimmed == "" {
		return nil
	}
	if !f.header {
		return f.headerLine(trimmed, d)
	}
	if trimmed == endMarker {
		f.closed = true
		d.Closed = true
		return nil
	}
	if row, ok := f.parseRow(trimmed); ok {
		f.rows = append(f.rows, row)
		d.Rows++
		return nil
	}
	f.text = append(f.text, line)
	d.TextLines++
	return nil
}

func (f *File) headerLine(line string, d *Delta) error {
	if line == dataMarker {
		f.header = true
		d.HeaderComplete = true
		return nil
	}
	tok := strings.Fields(line)
	switch tok[0] {
	case "VAR":
		if len(tok) < 4 {
			return f.malformed(line)
		}
		id, err := strconv.Atoi(tok[1])
		if err != nil {
			return f.malformed(line)
		}
		f.vars = append(f.vars, Var{ID: id, Name: tok[2], Unit: tok[3], Description: strings.Join(tok[4:], " "), col: f.columns})
		f.columns++
	case "GROUP":
		if len(tok) != 4 {
			return f.malformed(line)
		}
		id, err := strconv.Atoi(tok[1])
		if err != nil {
			return f.malformed(line)
		}
		var fields []string
		for _, fld := range strings.Split(tok[3], ",") {
			if fld != "" {
				fields = append(fields, fld)
			}
		}
		if len(fields) == 0 {
			return f.malformed(line)
		}
		f.groups = append(f.groups, Group{BaseID: id, TypeName: tok[2], Fields: fields, col: f.columns})
		f.columns += len(fields)
	default:
		if strings.HasPrefix(line, "#") {
			return nil
		}
		return f.malformed(line)
	}
	return nil
}

func (f *File) malformed(line string) error {
	return fmt.Errorf("%s:%d: %w: %q", f.path, f.lineNo, ErrMalformed, line)
}

// parseRow accepts a line of exactly Columns floats.
func (f *File) parseRow(line string) ([]float64, bool) {
	tok := strings.Fields(line)
	if len(tok) == 0 || (f.columns > 0 && len(tok) != f.columns) {
		return nil, false
	}
	row := make([]float64, len(tok))
	for i, t := range tok {
		v, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return nil, false
		}
		row[i] = v
	}
	return row, true
}

// Column returns the data column index of a top-level variable, or -1.
func (f *File) Column(varName string) int {
	for _, v := range f.vars {
		if v.Name == varName {
			return v.col
		}
	}
	return -1
}

// FieldColumn returns the data column index of a group field, or -1.
func (f *File) FieldColumn(baseID int, field string) int {
	for _, g := range f.groups {
		if g.BaseID != baseID {
			continue
		}
		for i, fld := range g.Fields {
			if fld == field {
				return g.col + i
			}
		}
	}
	return -1
}

// Series returns the values of column col across all rows read so far.
func (f *File) Series(col int) []float64 {
	if col < 0 || col >= f.columns {
		return nil
	}
	out := make([]float64, 0, len(f.rows))
	for _, r := range f.rows {
		out = append(out, r[col])
	}
	return out
}
