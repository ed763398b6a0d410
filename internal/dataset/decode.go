package dataset

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// flatten converts the values of a netCDF variable, a scalar or a slice nested
// once per dimension, into row-major float64s.
func flatten(raw any) ([]float64, error) {
	var out []float64
	var walk func(v reflect.Value) error
	walk = func(v reflect.Value) error {
		switch v.Kind() {
		case reflect.Slice, reflect.Array:
			for i := range v.Len() {
				if err := walk(v.Index(i)); err != nil {
					return err
				}
			}
			return nil
		case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
			out = append(out, float64(v.Int()))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
			out = append(out, float64(v.Uint()))
		case reflect.Float32, reflect.Float64:
			out = append(out, v.Float())
		default:
			return fmt.Errorf("unsupported value type %s", v.Type())
		}
		return nil
	}
	if raw == nil {
		return nil, errors.New("no values")
	}
	if err := walk(reflect.ValueOf(raw)); err != nil {
		return nil, err
	}
	return out, nil
}

// attrFloats returns the numeric values of an attribute.
func attrFloats(val any) ([]float64, bool) {
	if val == nil {
		return nil, false
	}
	if _, ok := val.(string); ok {
		return nil, false
	}
	nums, err := flatten(val)
	if err != nil || len(nums) == 0 {
		return nil, false
	}
	return nums, true
}

// attrString renders an attribute the way it is stored in dataset metadata:
// text as is, numbers comma separated.
func attrString(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, ",")
	}
	nums, ok := attrFloats(val)
	if !ok {
		return fmt.Sprint(val)
	}
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.FormatFloat(n, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}
