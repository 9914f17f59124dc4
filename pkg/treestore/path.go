package treestore

import (
	"fmt"
	"strings"

	"github.com/nodeart/dalbridge/pkg/constants"
)

const Separator = "/"

const forbidden = ".#$[]*?\\"

// Clean trims separators and validates every segment of path.
// The empty path addresses the root.
func Clean(path string) (string, error) {
	path = strings.Trim(path, Separator)
	if path == "" {
		return "", nil
	}
	for _, seg := range strings.Split(path, Separator) {
		if seg == "" {
			return "", fmt.Errorf("%w: empty segment in %q", constants.ErrInvalidPath, path)
		}
		if strings.ContainsAny(seg, forbidden) {
			return "", fmt.Errorf("%w: segment %q contains one of %q", constants.ErrInvalidPath, seg, forbidden)
		}
	}
	return path, nil
}

// Segment checks that s is exactly one non-empty path segment.
func Segment(s string) error {
	switch {
	case s == "":
		return fmt.Errorf("%w: empty segment", constants.ErrInvalidPath)
	case strings.Contains(s, Separator):
		return fmt.Errorf("%w: %q is more than one segment", constants.ErrInvalidPath, s)
	case strings.ContainsAny(s, forbidden):
		return fmt.Errorf("%w: segment %q contains one of %q", constants.ErrInvalidPath, s, forbidden)
	}
	return nil
}

// JoinSegments joins parent with segs after checking each with Segment. Use
// it when a segment comes from a caller and must address exactly one child.
func JoinSegments(parent string, segs ...string) (string, error) {
	for _, seg := range segs {
		if err := Segment(seg); err != nil {
			return "", err
		}
	}
	return Join(append([]string{parent}, segs...)...), nil
}

// Join concatenates path elements, skipping empty ones. It does not validate.
func Join(elems ...string) string {
	parts := make([]string, 0, len(elems))
	for _, e := range elems {
		e = strings.Trim(e, Separator)
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, Separator)
}

func Segments(path string) []string {
	path = strings.Trim(path, Separator)
	if path == "" {
		return nil
	}
	return strings.Split(path, Separator)
}

func LastSegment(path string) string {
	segs := Segments(path)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// Contains reports whether path lies inside the subtree rooted at root.
func Contains(root, path string) bool {
	if root == "" || root == path {
		return true
	}
	return strings.HasPrefix(path, root+Separator)
}

// Related reports whether a write at one path can change the value at the other.
func Related(a, b string) bool {
	return Contains(a, b) || Contains(b, a)
}
