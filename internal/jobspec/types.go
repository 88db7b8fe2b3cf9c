// This file parses HCL type expressions (e.g. `string`, `list(number)`,
// `object({...})`) into their corresponding cty.Type values.

package jobspec

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// TypeExpr converts an HCL type expression into its cty.Type equivalent.
func TypeExpr(expr hcl.Expression) (cty.Type, error) {
	if expr == nil {
		return cty.DynamicPseudoType, nil
	}

	// A type switch over the concrete hclsyntax expression types is the
	// supported way to interpret type syntax without evaluating it.
	switch v := expr.(type) {
	case *hclsyntax.ScopeTraversalExpr:
		if len(v.Traversal) != 1 {
			return cty.DynamicPseudoType, fmt.Errorf("invalid type keyword: traversal path is not a single identifier")
		}
		switch name := v.Traversal.RootName(); name {
		case "string":
			return cty.String, nil
		case "number":
			return cty.Number, nil
		case "bool":
			return cty.Bool, nil
		case "any":
			return cty.DynamicPseudoType, nil
		default:
			return cty.DynamicPseudoType, fmt.Errorf("unknown type keyword %q", name)
		}

	case *hclsyntax.FunctionCallExpr:
		switch v.Name {
		case "list", "map", "set":
			if len(v.Args) != 1 {
				return cty.DynamicPseudoType, fmt.Errorf("type constructor %s requires exactly one argument, got %d", v.Name, len(v.Args))
			}
			elementType, err := TypeExpr(v.Args[0])
			if err != nil {
				return cty.DynamicPseudoType, err
			}
			switch v.Name {
			case "list":
				return cty.List(elementType), nil
			case "map":
				return cty.Map(elementType), nil
			default:
				return cty.Set(elementType), nil
			}
		case "object":
			if len(v.Args) != 1 {
				return cty.DynamicPseudoType, fmt.Errorf("object type constructor requires exactly one argument, got %d", len(v.Args))
			}
			return objectTypeExpr(v.Args[0])
		default:
			return cty.DynamicPseudoType, fmt.Errorf("unknown type constructor function %q", v.Name)
		}

	default:
		return cty.DynamicPseudoType, fmt.Errorf("unsupported type expression")
	}
}

// objectTypeExpr interprets the `{ name = type, ... }` argument of object().
func objectTypeExpr(expr hcl.Expression) (cty.Type, error) {
	cons, ok := expr.(*hclsyntax.ObjectConsExpr)
	if !ok {
		return cty.DynamicPseudoType, fmt.Errorf("object type constructor requires an attribute mapping")
	}
	attrTypes := make(map[string]cty.Type, len(cons.Items))
	for _, item := range cons.Items {
		name := hcl.ExprAsKeyword(item.KeyExpr)
		if name == "" {
			// Quoted keys come through as literal string expressions.
			value, diags := item.KeyExpr.Value(nil)
			if diags.HasErrors() || value.Type() != cty.String {
				return cty.DynamicPseudoType, fmt.Errorf("object attribute name must be a keyword or string")
			}
			name = value.AsString()
		}
		attrType, err := TypeExpr(item.ValueExpr)
		if err != nil {
			return cty.DynamicPseudoType, fmt.Errorf("object attribute %q: %w", name, err)
		}
		attrTypes[name] = attrType
	}
	return cty.Object(attrTypes), nil
}
