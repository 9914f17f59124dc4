// Package tree holds the storage-neutral parts of a tree store backend: turning
// JSON values into leaf entries keyed by path and back, and fanning changes out to
// watches.
package tree

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

// Leaves maps a full path to the JSON encoding of a scalar stored there.
type Leaves map[string]json.RawMessage

// Encode marshals value to JSON. Raw JSON passes through untouched.
func Encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if len(v) == 0 {
			return []byte("null"), nil
		}
		return v, nil
	case nil:
		return []byte("null"), nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", constants.ErrMalformedPayload, err)
	}
	return b, nil
}

// Flatten decomposes the JSON document data rooted at path into leaves.
// Nulls, empty objects and empty arrays produce no leaves.
func Flatten(path string, data []byte) (Leaves, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", constants.ErrMalformedPayload, err)
	}
	out := Leaves{}
	if err := flatten(out, path, v); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(out Leaves, path string, v any) error {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		for k, child := range t {
			if _, err := treestore.Clean(k); err != nil || k == "" || strings.Contains(k, treestore.Separator) {
				return fmt.Errorf("%w: key %q", constants.ErrInvalidPath, k)
			}
			if err := flatten(out, treestore.Join(path, k), child); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, child := range t {
			if err := flatten(out, treestore.Join(path, strconv.Itoa(i)), child); err != nil {
				return err
			}
		}
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("%w: %v", constants.ErrMalformedPayload, err)
		}
		out[path] = b
		return nil
	}
}

// Unflatten rebuilds the JSON value at root from the leaves inside its subtree.
// It returns nil when the subtree holds no leaves.
func Unflatten(root string, leaves Leaves) ([]byte, error) {
	if v, ok := leaves[root]; ok {
		return v, nil
	}
	if len(leaves) == 0 {
		return nil, nil
	}

	paths := make([]string, 0, len(leaves))
	for p := range leaves {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	top := map[string]any{}
	prefix := len(treestore.Segments(root))
	for _, p := range paths {
		if !treestore.Contains(root, p) {
			continue
		}
		segs := treestore.Segments(p)[prefix:]
		node := top
		for i, seg := range segs {
			if i == len(segs)-1 {
				node[seg] = leaves[p]
				break
			}
			next, ok := node[seg].(map[string]any)
			if !ok {
				next = map[string]any{}
				node[seg] = next
			}
			node = next
		}
	}
	if len(top) == 0 {
		return nil, nil
	}
	return json.Marshal(arrays(top))
}

// arrays turns objects keyed exactly 0..n-1 into arrays.
func arrays(node map[string]any) any {
	for k, v := range node {
		if child, ok := v.(map[string]any); ok {
			node[k] = arrays(child)
		}
	}
	items := make([]any, len(node))
	for k, v := range node {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(node) || strconv.Itoa(i) != k {
			return node
		}
		items[i] = v
	}
	return items
}

// Ancestors lists the strict ancestors of path, nearest last. The root is excluded.
func Ancestors(path string) []string {
	segs := treestore.Segments(path)
	out := make([]string, 0, len(segs))
	for i := 1; i < len(segs); i++ {
		out = append(out, treestore.Join(segs[:i]...))
	}
	return out
}
