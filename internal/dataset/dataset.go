// Package dataset is the gridded-data layer: it opens member files as lazily
// loaded datasets, merges them by variable and exposes the merged grid.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/brensch/era5parquet/internal/fault"
)

var (
	// ErrClosed is returned when values are read from a closed dataset.
	ErrClosed = errors.New("dataset: closed")
	// ErrUnreadable means a member file's structure or data could not be decoded.
	ErrUnreadable = fmt.Errorf("%w: unreadable netCDF data", fault.ErrIntegrity)
)

// Dim is a named dimension.
type Dim struct {
	Name string
	Len  int
}

// Variable is one named array. Numeric values are loaded on first use and
// already unpacked: scale_factor/add_offset applied, fill values set to NaN.
type Variable struct {
	Name   string
	Dims   []string
	Shape  []int
	Text   bool // character data, not written to outputs
	Attrs  map[string]string
	Source string

	load   func() ([]float64, error)
	values []float64
	loaded bool
}

// NewVariable builds an in-memory numeric variable.
func NewVariable(name string, dims []string, shape []int, values []float64) *Variable {
	return &Variable{
		Name:   name,
		Dims:   dims,
		Shape:  shape,
		Attrs:  map[string]string{},
		values: values,
		loaded: true,
	}
}

// Len is the element count implied by Shape.
func (v *Variable) Len() int {
	n := 1
	for _, s := range v.Shape {
		n *= s
	}
	return n
}

// Values returns the variable's data in row-major order.
func (v *Variable) Values() ([]float64, error) {
	if v.loaded {
		return v.values, nil
	}
	if v.load == nil {
		return nil, fmt.Errorf("variable %s: %w", v.Name, ErrClosed)
	}
	vals, err := v.load()
	if err != nil {
		return nil, fmt.Errorf("load variable %s from %s: %w", v.Name, v.Source, err)
	}
	if len(vals) != v.Len() {
		return nil, fmt.Errorf("variable %s from %s: %d values for shape %v", v.Name, v.Source, len(vals), v.Shape)
	}
	v.values, v.loaded = vals, true
	return vals, nil
}

// Dataset is a set of dimensions and variables from one or more sources.
type Dataset struct {
	Source string
	Dims   []Dim
	Vars   []*Variable
	Attrs  map[string]string

	closers []func() error
}

// New builds an empty in-memory dataset.
func New(source string) *Dataset {
	return &Dataset{Source: source, Attrs: map[string]string{}}
}

// Dim looks a dimension up by name.
func (d *Dataset) Dim(name string) (Dim, bool) {
	for _, dim := range d.Dims {
		if dim.Name == name {
			return dim, true
		}
	}
	return Dim{}, false
}

// Var looks a variable up by name.
func (d *Dataset) Var(name string) (*Variable, bool) {
	for _, v := range d.Vars {
		if v.Name == name {
			return v, true
		}
	}
	return nil, false
}

// AddDim registers a dimension, failing if the name exists with another length.
func (d *Dataset) AddDim(name string, n int) error {
	if existing, ok := d.Dim(name); ok {
		if existing.Len != n {
			return fmt.Errorf("dimension %s: length %d != %d", name, existing.Len, n)
		}
		return nil
	}
	d.Dims = append(d.Dims, Dim{Name: name, Len: n})
	return nil
}

// AddVar registers a variable, creating any missing dimensions.
func (d *Dataset) AddVar(v *Variable) error {
	if len(v.Dims) != len(v.Shape) {
		return fmt.Errorf("variable %s: %d dims but %d lengths", v.Name, len(v.Dims), len(v.Shape))
	}
	if _, ok := d.Var(v.Name); ok {
		return fmt.Errorf("variable %s already defined", v.Name)
	}
	if v.Source == "" {
		v.Source = d.Source
	}
	for i, name := range v.Dims {
		if err := d.AddDim(name, v.Shape[i]); err != nil {
			return fmt.Errorf("variable %s: %w", v.Name, err)
		}
	}
	d.Vars = append(d.Vars, v)
	return nil
}

// IsCoord reports whether v is the coordinate variable of one of its dimensions.
func (d *Dataset) IsCoord(v *Variable) bool {
	return len(v.Dims) == 1 && v.Dims[0] == v.Name
}

// Close releases every source the dataset holds and drops loaded values.
// It is safe to call more than once.
func (d *Dataset) Close() error {
	var errs []error
	for _, c := range d.closers {
		errs = append(errs, c())
	}
	d.closers = nil
	for _, v := range d.Vars {
		if v.load != nil {
			v.load, v.values, v.loaded = nil, nil, false
		}
	}
	return errors.Join(errs...)
}

// Open opens a netCDF member file, classic CDF or netCDF-4/HDF5. Only the
// metadata is read; variable data is read when first needed and the file stays
// open until Close.
func Open(path string) (ds *Dataset, err error) {
	src := filepath.Base(path)
	g, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", src, err)
	}
	ds = New(src)
	ds.closers = append(ds.closers, func() error { g.Close(); return nil })
	defer func() {
		if r := recover(); r != nil {
			ds.Close()
			ds, err = nil, fmt.Errorf("open dataset %s: %w: %v", src, ErrUnreadable, r)
		}
	}()

	if attrs := g.Attributes(); attrs != nil {
		for _, k := range attrs.Keys() {
			val, _ := attrs.Get(k)
			ds.Attrs[k] = attrString(val)
		}
	}
	// Dimension lengths come from the variables using them: a classic file
	// declares its record dimension with length 0.
	for _, name := range g.ListVariables() {
		vg, err := g.GetVarGetter(name)
		if err != nil {
			ds.Close()
			return nil, fmt.Errorf("open dataset %s: variable %s: %w", src, name, err)
		}
		if err := ds.AddVar(newFileVariable(name, src, vg)); err != nil {
			ds.Close()
			return nil, fmt.Errorf("open dataset %s: %w", src, err)
		}
	}
	for _, name := range g.ListDimensions() {
		if n, ok := g.GetDimension(name); ok && n > 0 {
			if _, seen := ds.Dim(name); !seen {
				ds.Dims = append(ds.Dims, Dim{Name: name, Len: int(n)})
			}
		}
	}
	return ds, nil
}

func newFileVariable(name, src string, vg api.VarGetter) *Variable {
	shape := vg.Shape()
	dims := vg.Dimensions()
	v := &Variable{
		Name:   name,
		Dims:   make([]string, len(shape)),
		Shape:  make([]int, len(shape)),
		Text:   vg.GoType() == "string",
		Attrs:  map[string]string{},
		Source: src,
	}
	for i, n := range shape {
		v.Shape[i] = int(n)
		if i < len(dims) && dims[i] != "" {
			v.Dims[i] = dims[i]
		} else {
			v.Dims[i] = fmt.Sprintf("%s_dim%d", name, i)
		}
	}

	attrs := vg.Attributes()
	var fills []float64
	scale, offset := 1.0, 0.0
	if attrs != nil {
		for _, k := range attrs.Keys() {
			val, _ := attrs.Get(k)
			v.Attrs[k] = attrString(val)
			nums, ok := attrFloats(val)
			if !ok {
				continue
			}
			switch k {
			case "_FillValue", "missing_value":
				fills = append(fills, nums...)
			case "scale_factor":
				if len(nums) == 1 {
					scale = nums[0]
				}
			case "add_offset":
				if len(nums) == 1 {
					offset = nums[0]
				}
			}
		}
	}
	if !v.Text {
		v.load = unpacker(vg, fills, scale, offset)
	}
	return v
}

// unpacker reads a variable and applies the CF packing conventions.
func unpacker(vg api.VarGetter, fills []float64, scale, offset float64) func() ([]float64, error) {
	return func() (vals []float64, err error) {
		defer func() {
			if r := recover(); r != nil {
				vals, err = nil, fmt.Errorf("%w: %v", ErrUnreadable, r)
			}
		}()
		raw, err := vg.Values()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
		}
		vals, err = flatten(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
		}
		for i, x := range vals {
			if isFill(x, fills) {
				vals[i] = math.NaN()
				continue
			}
			vals[i] = x*scale + offset
		}
		return vals, nil
	}
}

func isFill(x float64, fills []float64) bool {
	for _, f := range fills {
		if x == f || (math.IsNaN(f) && math.IsNaN(x)) {
			return true
		}
	}
	return false
}
