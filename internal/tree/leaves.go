package tree

import "github.com/nodeart/dalbridge/pkg/treestore"

// Set replaces the subtree at path with the given leaves, dropping any scalar
// stored at an ancestor of path.
func (l Leaves) Set(path string, with Leaves) {
	l.Remove(path)
	for _, a := range Ancestors(path) {
		delete(l, a)
	}
	for p, v := range with {
		l[p] = v
	}
}

func (l Leaves) Remove(path string) {
	for p := range l {
		if treestore.Contains(path, p) {
			delete(l, p)
		}
	}
}

// Subtree returns the leaves inside path, including one stored at path itself
// or, when path lies below a scalar, nothing.
func (l Leaves) Subtree(path string) Leaves {
	out := Leaves{}
	for p, v := range l {
		if treestore.Contains(path, p) {
			out[p] = v
		}
	}
	return out
}

// Read returns the snapshot of path.
func (l Leaves) Read(path string) (treestore.Snapshot, error) {
	value, err := Unflatten(path, l.Subtree(path))
	if err != nil {
		return treestore.Snapshot{}, err
	}
	return treestore.NewSnapshot(path, value), nil
}
