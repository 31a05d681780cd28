// Package swc reads neuron morphologies in the SWC text format: one sample
// per line, "id type x y z radius parent", with -1 as the parent of a root
// and '#' starting a comment.
package swc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrSyntax is wrapped by every parse failure
var ErrSyntax = errors.New("swc syntax error")

// Sample is one SWC line
type Sample struct {
	ID     int64
	Type   int
	X      float64
	Y      float64
	Z      float64
	Radius float64
	Parent int64 // -1 for a root
}

// IsRoot reports whether the sample has no parent
func (s Sample) IsRoot() bool { return s.Parent < 0 }

// File is a parsed SWC document
type File struct {
	Samples  []Sample
	Comments []string
}

// Parse reads an SWC document. Blank lines are skipped; header comments are
// kept without the leading '#'. Structural checks (one root, no cycles) are
// left to the caller.
func Parse(r io.Reader) (*File, error) {
	f := &File{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	seen := map[int64]int{}
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if c, ok := strings.CutPrefix(text, "#"); ok {
			f.Comments = append(f.Comments, strings.TrimSpace(c))
			continue
		}
		s, err := parseSample(strings.Fields(text))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrSyntax, line, err)
		}
		if prev, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("%w: line %d: sample %d already defined on line %d", ErrSyntax, line, s.ID, prev)
		}
		seen[s.ID] = line
		f.Samples = append(f.Samples, s)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading swc: %w", err)
	}
	if len(f.Samples) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrSyntax)
	}
	return f, nil
}

func parseSample(fields []string) (Sample, error) {
	if len(fields) != 7 {
		return Sample{}, fmt.Errorf("want 7 fields, got %d", len(fields))
	}
	var s Sample
	var err error
	if s.ID, err = strconv.ParseInt(fields[0], 10, 64); err != nil || s.ID < 1 {
		return Sample{}, fmt.Errorf("bad id %q", fields[0])
	}
	if s.Type, err = strconv.Atoi(fields[1]); err != nil {
		return Sample{}, fmt.Errorf("bad type %q", fields[1])
	}
	coords := []*float64{&s.X, &s.Y, &s.Z, &s.Radius}
	for i, p := range coords {
		if *p, err = strconv.ParseFloat(fields[2+i], 64); err != nil {
			return Sample{}, fmt.Errorf("bad number %q", fields[2+i])
		}
	}
	if s.Parent, err = strconv.ParseInt(fields[6], 10, 64); err != nil {
		return Sample{}, fmt.Errorf("bad parent %q", fields[6])
	}
	if s.Parent < 0 {
		s.Parent = -1
	}
	return s, nil
}
