// Package optimize refines camera parameters from control by nonlinear
// least squares.
package optimize

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"sphaeroptica.be/glimpse/photogrammetry"
)

// Field is a named block of the camera vector.
type Field int

const (
	FieldXYZ Field = iota
	FieldViewdir
	FieldImgsz
	FieldF
	FieldC
	FieldK
	FieldP
	numFields
)

var fieldTable = [numFields]struct {
	name   string
	offset int
	length int
}{
	{"xyz", photogrammetry.OffsetXYZ, 3},
	{"viewdir", photogrammetry.OffsetViewdir, 3},
	{"imgsz", photogrammetry.OffsetImgsz, 2},
	{"f", photogrammetry.OffsetF, 2},
	{"c", photogrammetry.OffsetC, 2},
	{"k", photogrammetry.OffsetK, 6},
	{"p", photogrammetry.OffsetP, 2},
}

func (f Field) String() string {
	if f < 0 || f >= numFields {
		return "field(" + strconv.Itoa(int(f)) + ")"
	}
	return fieldTable[f].name
}

// Offset is the position of the field in the camera vector.
func (f Field) Offset() int { return fieldTable[f].offset }

// Len is the number of elements of the field.
func (f Field) Len() int { return fieldTable[f].length }

// FieldByName returns the field with the given name.
func FieldByName(name string) (Field, error) {
	for f := Field(0); f < numFields; f++ {
		if fieldTable[f].name == name {
			return f, nil
		}
	}
	return 0, errors.Errorf("unknown camera field %q", name)
}

// vectorLabels are the names of the camera vector elements: xyz0, xyz1, ...
var vectorLabels = func() [photogrammetry.VectorLen]string {
	var labels [photogrammetry.VectorLen]string
	for f := Field(0); f < numFields; f++ {
		for i := 0; i < f.Len(); i++ {
			labels[f.Offset()+i] = f.String() + strconv.Itoa(i)
		}
	}
	return labels
}()

// Selection picks elements of a field to optimize.
type Selection struct {
	Field Field
	// Indices are positions within the field. Nil selects the whole field.
	Indices []int
	// Min and Max are bounds for the selected elements. A single value
	// applies to all of them. Missing or NaN bounds fall back to the
	// defaults derived from the camera.
	Min, Max []float64
}

// Params is a selection of camera parameters.
type Params []Selection

// Has reports whether any element of f is selected.
func (p Params) Has(f Field) bool {
	for _, s := range p {
		if s.Field == f && (s.Indices == nil || len(s.Indices) > 0) {
			return true
		}
	}
	return false
}

// Bounds are the (min, max) of each camera vector element.
type Bounds [photogrammetry.VectorLen][2]float64

type mask [photogrammetry.VectorLen]bool

func (m mask) count() int {
	n := 0
	for _, b := range m {
		if b {
			n++
		}
	}
	return n
}

func (b Bounds) fill(defaults *Bounds) Bounds {
	for i := range b {
		for j, inf := range [2]float64{math.Inf(-1), math.Inf(1)} {
			if !math.IsNaN(b[i][j]) {
				continue
			}
			if defaults != nil {
				b[i][j] = defaults[i][j]
			}
			if math.IsNaN(b[i][j]) {
				b[i][j] = inf
			}
		}
	}
	return b
}

func expand(v []float64, n int) ([]float64, error) {
	switch len(v) {
	case 0:
		out := make([]float64, n)
		for i := range out {
			out[i] = math.NaN()
		}
		return out, nil
	case 1:
		out := make([]float64, n)
		for i := range out {
			out[i] = v[0]
		}
		return out, nil
	case n:
		return v, nil
	}
	return nil, errors.Errorf("%d bounds for %d elements", len(v), n)
}

// parse returns the mask and bounds of a selection. Bounds not given are
// taken from defaults, or are infinite.
func (p Params) parse(defaults *Bounds) (mask, Bounds, error) {
	var m mask
	var b Bounds
	for i := range b {
		b[i] = [2]float64{math.NaN(), math.NaN()}
	}
	for _, s := range p {
		if s.Field < 0 || s.Field >= numFields {
			return m, b, errors.Errorf("unknown camera field %d", s.Field)
		}
		positions := s.Indices
		if positions == nil {
			positions = make([]int, s.Field.Len())
			for i := range positions {
				positions[i] = i
			}
		}
		mins, err := expand(s.Min, len(positions))
		if err != nil {
			return m, b, errors.Wrap(err, s.Field.String())
		}
		maxs, err := expand(s.Max, len(positions))
		if err != nil {
			return m, b, errors.Wrap(err, s.Field.String())
		}
		for k, i := range positions {
			if i < 0 || i >= s.Field.Len() {
				return m, b, errors.Errorf("%s index %d out of range", s.Field, i)
			}
			j := s.Field.Offset() + i
			m[j] = true
			b[j] = [2]float64{mins[k], maxs[k]}
		}
	}
	return m, b.fill(defaults), nil
}

// selectionJSON is the object form of a selection:
// {"indices": true | 0 | [0, 1], "min": 0 | [0, 0], "max": ...}.
type selectionJSON struct {
	Indices json.RawMessage `json:"indices"`
	Min     json.RawMessage `json:"min"`
	Max     json.RawMessage `json:"max"`
}

func parseIndices(raw json.RawMessage) ([]int, bool, error) {
	var all bool
	if err := json.Unmarshal(raw, &all); err == nil {
		return nil, all, nil
	}
	var one int
	if err := json.Unmarshal(raw, &one); err == nil {
		return []int{one}, true, nil
	}
	var many []int
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, false, errors.Errorf("invalid indices %s", raw)
	}
	return many, len(many) > 0, nil
}

func parseBounds(raw json.RawMessage) ([]float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var one float64
	if err := json.Unmarshal(raw, &one); err == nil {
		return []float64{one}, nil
	}
	var many []*float64
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, errors.Errorf("invalid bounds %s", raw)
	}
	out := make([]float64, len(many))
	for i, v := range many {
		out[i] = math.NaN()
		if v != nil {
			out[i] = *v
		}
	}
	return out, nil
}

// UnmarshalJSON reads a selection keyed by field name, for example
// {"viewdir": true, "k": [0, 1], "f": {"indices": true, "min": 0}}.
func (p *Params) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var out Params
	for name, value := range raw {
		f, err := FieldByName(name)
		if err != nil {
			return err
		}
		s := Selection{Field: f}
		var obj selectionJSON
		if len(value) > 0 && value[0] == '{' {
			if err := json.Unmarshal(value, &obj); err != nil {
				return errors.Wrap(err, name)
			}
		} else {
			obj.Indices = value
		}
		var ok bool
		if len(obj.Indices) == 0 {
			ok = true
		} else if s.Indices, ok, err = parseIndices(obj.Indices); err != nil {
			return errors.Wrap(err, name)
		}
		if !ok {
			continue
		}
		if s.Min, err = parseBounds(obj.Min); err != nil {
			return errors.Wrap(err, name)
		}
		if s.Max, err = parseBounds(obj.Max); err != nil {
			return errors.Wrap(err, name)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	*p = out
	return nil
}
