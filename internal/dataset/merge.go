package dataset

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/brensch/era5parquet/internal/fault"
)

// ErrIncompatibleGrid means the data variables do not share one grid.
var ErrIncompatibleGrid = errors.New("dataset: data variables do not share a grid")

// MergeConflictError reports two inputs that define the same name differently.
type MergeConflictError struct {
	Name   string // variable or dimension
	First  string // source that defined it first
	Second string // source that disagreed
	Reason string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict on %q between %s and %s: %s", e.Name, e.First, e.Second, e.Reason)
}

// Is makes errors.Is(err, fault.ErrMergeConflict) match.
func (e *MergeConflictError) Is(target error) bool {
	return target == fault.ErrMergeConflict
}

// Merge returns the union of the inputs by variable. A dimension of the same
// name must have the same length everywhere, and a variable defined by more than
// one input must have identical dimensions and values (NaN equals NaN).
// Global attributes keep their first value. A single input is returned as is.
func Merge(inputs ...*Dataset) (*Dataset, error) {
	switch len(inputs) {
	case 0:
		return nil, errors.New("dataset: nothing to merge")
	case 1:
		return inputs[0], nil
	}

	sources := make([]string, len(inputs))
	for i, in := range inputs {
		sources[i] = in.Source
	}
	out := New(strings.Join(sources, "+"))
	dimSource := map[string]string{}

	for _, in := range inputs {
		for k, v := range in.Attrs {
			if _, ok := out.Attrs[k]; !ok {
				out.Attrs[k] = v
			}
		}
		for _, dim := range in.Dims {
			if existing, ok := out.Dim(dim.Name); ok && existing.Len != dim.Len {
				return nil, &MergeConflictError{
					Name: dim.Name, First: dimSource[dim.Name], Second: in.Source,
					Reason: fmt.Sprintf("dimension length %d != %d", existing.Len, dim.Len),
				}
			}
			if _, ok := out.Dim(dim.Name); !ok {
				out.Dims = append(out.Dims, dim)
				dimSource[dim.Name] = in.Source
			}
		}
		for _, v := range in.Vars {
			existing, ok := out.Var(v.Name)
			if !ok {
				out.Vars = append(out.Vars, v)
				continue
			}
			if err := compare(existing, v, in.Source); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func compare(a, b *Variable, bSource string) error {
	conflict := func(reason string) error {
		return &MergeConflictError{Name: a.Name, First: a.Source, Second: bSource, Reason: reason}
	}
	if !slices.Equal(a.Dims, b.Dims) || !slices.Equal(a.Shape, b.Shape) {
		return conflict(fmt.Sprintf("dimensions %v%v != %v%v", a.Dims, a.Shape, b.Dims, b.Shape))
	}
	if a.Text || b.Text {
		if a.Text != b.Text {
			return conflict("character and numeric definitions")
		}
		return nil
	}
	av, err := a.Values()
	if err != nil {
		return err
	}
	bv, err := b.Values()
	if err != nil {
		return err
	}
	for i := range av {
		if av[i] != bv[i] && !(math.IsNaN(av[i]) && math.IsNaN(bv[i])) {
			return conflict(fmt.Sprintf("values differ at index %d (%g != %g)", i, av[i], bv[i]))
		}
	}
	return nil
}

// DataVars returns the numeric non-coordinate variables sorted by name.
func (d *Dataset) DataVars() []*Variable {
	var out []*Variable
	for _, v := range d.Vars {
		if v.Text || d.IsCoord(v) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Grid returns the dimensions every data variable can be laid out on: those of
// the highest-rank data variable. Every other data variable must use a subset of
// them in the same order, and is broadcast over the rest.
func (d *Dataset) Grid() ([]Dim, error) {
	data := d.DataVars()
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: no data variables", ErrIncompatibleGrid)
	}
	widest := data[0]
	for _, v := range data[1:] {
		if len(v.Dims) > len(widest.Dims) {
			widest = v
		}
	}
	for _, v := range data {
		if !isSubsequence(v.Dims, widest.Dims) {
			return nil, fmt.Errorf("%w: %s%v is not within %s%v", ErrIncompatibleGrid, v.Name, v.Dims, widest.Name, widest.Dims)
		}
	}
	grid := make([]Dim, len(widest.Dims))
	for i, name := range widest.Dims {
		grid[i] = Dim{Name: name, Len: widest.Shape[i]}
	}
	return grid, nil
}

// CoordValues returns the coordinate values of a dimension, falling back to
// 0..n-1 when the dataset has no coordinate variable for it.
func (d *Dataset) CoordValues(dim Dim) ([]float64, error) {
	if v, ok := d.Var(dim.Name); ok && d.IsCoord(v) && !v.Text {
		vals, err := v.Values()
		if err != nil {
			return nil, err
		}
		if len(vals) != dim.Len {
			return nil, fmt.Errorf("coordinate %s has %d values, dimension has %d", dim.Name, len(vals), dim.Len)
		}
		return vals, nil
	}
	out := make([]float64, dim.Len)
	for i := range out {
		out[i] = float64(i)
	}
	return out, nil
}

func isSubsequence(sub, full []string) bool {
	i := 0
	for _, name := range full {
		if i < len(sub) && sub[i] == name {
			i++
		}
	}
	return i == len(sub)
}
