// Package tree implements recursive processing of hierarchical trees built
// from []any slices and map[string]any maps.
//
// A set of nested slices and maps is called a tree. The name leaf is used for
// a slice item or map value that is itself not a []any or map[string]any.
// All leaves, including structs and typed slices, are treated as opaque
// values that are never recursed into.
package tree

import "fmt"

// Path addresses a leaf (or subtree) in a tree, starting from the top-level
// container. Elements are int (slice index) or string (map key).
type Path []any

// String renders a path in a human-readable form, e.g. "kwargs/grid/0".
func (p Path) String() string {
	if len(p) == 0 {
		return "."
	}
	out := ""
	for i, elem := range p {
		if i > 0 {
			out += "/"
		}
		out += fmt.Sprintf("%v", elem)
	}
	return out
}

// child returns a copy of p extended with one element. A copy is required
// because Walk and Transform reuse the backing array between siblings.
func (p Path) child(elem any) Path {
	extended := make(Path, len(p), len(p)+1)
	copy(extended, p)
	return append(extended, elem)
}

// Get returns the leaf or subtree at the given path. An error is returned
// when the path does not resolve, e.g. an index out of range or a missing key.
func Get(root any, path Path) (any, error) {
	current := root
	for i, elem := range path {
		switch container := current.(type) {
		case []any:
			idx, ok := elem.(int)
			if !ok {
				return nil, fmt.Errorf("tree: path element %d (%v) indexes a slice but is not an int", i, elem)
			}
			if idx < 0 || idx >= len(container) {
				return nil, fmt.Errorf("tree: index %d out of range at %s", idx, Path(path[:i]).String())
			}
			current = container[idx]
		case map[string]any:
			key, ok := elem.(string)
			if !ok {
				return nil, fmt.Errorf("tree: path element %d (%v) indexes a map but is not a string", i, elem)
			}
			value, ok := container[key]
			if !ok {
				return nil, fmt.Errorf("tree: key %q not found at %s", key, Path(path[:i]).String())
			}
			current = value
		default:
			return nil, fmt.Errorf("tree: cannot descend into leaf at %s", Path(path[:i]).String())
		}
	}
	return current, nil
}

// Walk visits every leaf of the tree in depth-first order, calling visit with
// the leaf's path and value. Map keys are visited in unspecified order.
// Returning an error from visit aborts the walk.
func Walk(root any, visit func(path Path, leaf any) error) error {
	return walk(root, nil, visit)
}

func walk(node any, path Path, visit func(Path, any) error) error {
	switch container := node.(type) {
	case []any:
		for idx, item := range container {
			if err := walk(item, path.child(idx), visit); err != nil {
				return err
			}
		}
	case map[string]any:
		for key, value := range container {
			if err := walk(value, path.child(key), visit); err != nil {
				return err
			}
		}
	default:
		return visit(path, node)
	}
	return nil
}

// Transform builds a new tree by applying transform to every leaf. The
// container structure (slices and maps) is copied; leaves are replaced by the
// return value of transform. The input tree is never modified.
func Transform(root any, transform func(path Path, leaf any) (any, error)) (any, error) {
	return doTransform(root, nil, transform)
}

func doTransform(node any, path Path, transform func(Path, any) (any, error)) (any, error) {
	switch container := node.(type) {
	case []any:
		result := make([]any, len(container))
		for idx, item := range container {
			transformed, err := doTransform(item, path.child(idx), transform)
			if err != nil {
				return nil, err
			}
			result[idx] = transformed
		}
		return result, nil
	case map[string]any:
		result := make(map[string]any, len(container))
		for key, value := range container {
			transformed, err := doTransform(value, path.child(key), transform)
			if err != nil {
				return nil, err
			}
			result[key] = transformed
		}
		return result, nil
	default:
		return transform(path, node)
	}
}
