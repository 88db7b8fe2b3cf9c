// This file converts between native Go values (the currency of workflow
// arguments and JSON job files) and cty values (the currency of manifest
// type checking).

package jobspec

import (
	"fmt"
	"sort"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// FromCty recursively converts a cty.Value to its most natural Go
// counterpart: string, float64, bool, []any or map[string]any.
func FromCty(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, fmt.Errorf("could not convert number to float64: %w", err)
		}
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType(), ty.IsSetType(), ty.IsTupleType():
		slice := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, element := it.Element()
			native, err := FromCty(element)
			if err != nil {
				return nil, err
			}
			slice = append(slice, native)
		}
		return slice, nil

	case ty.IsObjectType(), ty.IsMapType():
		result := make(map[string]any)
		for it := v.ElementIterator(); it.Next(); {
			key, element := it.Element()
			native, err := FromCty(element)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", key.AsString(), err)
			}
			result[key.AsString()] = native
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported cty type %s", ty.FriendlyName())
	}
}

// ToCty converts a native Go value into a cty.Value. Slices become tuples
// and maps become objects, so heterogeneous JSON data round-trips; the
// convert package unifies them against declared types afterwards.
func ToCty(value any) (cty.Value, error) {
	switch v := value.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case string:
		return cty.StringVal(v), nil
	case bool:
		return cty.BoolVal(v), nil
	case int:
		return cty.NumberIntVal(int64(v)), nil
	case int64:
		return cty.NumberIntVal(v), nil
	case float64:
		return cty.NumberFloatVal(v), nil
	case []any:
		if len(v) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elements := make([]cty.Value, len(v))
		for i, item := range v {
			element, err := ToCty(item)
			if err != nil {
				return cty.NilVal, fmt.Errorf("element %d: %w", i, err)
			}
			elements[i] = element
		}
		return cty.TupleVal(elements), nil
	case map[string]any:
		if len(v) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(v))
		var keys []string
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			attr, err := ToCty(v[key])
			if err != nil {
				return cty.NilVal, fmt.Errorf("attribute %q: %w", key, err)
			}
			attrs[key] = attr
		}
		return cty.ObjectVal(attrs), nil
	default:
		return cty.NilVal, fmt.Errorf("cannot represent Go value of type %T", value)
	}
}

// Conforms checks that a native Go value can be converted to the given type.
func Conforms(value any, ty cty.Type) error {
	if ty == cty.DynamicPseudoType {
		return nil
	}
	ctyValue, err := ToCty(value)
	if err != nil {
		return err
	}
	if _, err := convert.Convert(ctyValue, ty); err != nil {
		return fmt.Errorf("value does not conform to %s: %w", ty.FriendlyName(), err)
	}
	return nil
}
