package pathstore

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"statusmon/internal/value"
)

var (
	ErrNotFound    = errors.New("path not found")
	ErrInvalidPath = errors.New("invalid path")
	ErrNotBranch   = errors.New("path is a leaf")
	ErrNoBackend   = errors.New("no storage backend")
)

// Sep separates path segments.
const Sep = "."

// node is either a branch (children != nil) or a leaf holding a scalar.
type node struct {
	children map[string]*node
	leaf     value.Value
}

func newBranch() *node { return &node{children: map[string]*node{}} }

func (n *node) isBranch() bool { return n.children != nil }

// Tree is a hierarchical store addressed by dotted paths. It is not
// synchronised; see Store.
type Tree struct {
	root *node
}

func NewTree() *Tree {
	return &Tree{root: newBranch()}
}

// Split validates path and returns its segments. The empty path is the
// root and yields no segments.
func Split(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	segs := strings.Split(path, Sep)
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// Join builds a path from segments, skipping empty ones.
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, Sep)
}

func (t *Tree) find(path string) (*node, error) {
	segs, err := Split(path)
	if err != nil {
		return nil, err
	}
	n := t.root
	for _, s := range segs {
		if !n.isBranch() {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		c, ok := n.children[s]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		n = c
	}
	return n, nil
}

// Get returns the leaf value at path, or a deep copy of the branch as a Map.
func (t *Tree) Get(path string) (value.Value, error) {
	n, err := t.find(path)
	if err != nil {
		return value.Value{}, err
	}
	return n.export(), nil
}

// Subtree is Get under the name callers use when they expect a branch.
func (t *Tree) Subtree(path string) (value.Value, error) {
	return t.Get(path)
}

func (t *Tree) Has(path string) bool {
	_, err := t.find(path)
	return err == nil
}

func (t *Tree) IsLeaf(path string) (bool, error) {
	n, err := t.find(path)
	if err != nil {
		return false, err
	}
	return !n.isBranch(), nil
}

// Keys lists the immediate children of the branch at path, sorted.
func (t *Tree) Keys(path string) ([]string, error) {
	n, err := t.find(path)
	if err != nil {
		return nil, err
	}
	if !n.isBranch() {
		return nil, fmt.Errorf("%w: %s", ErrNotBranch, path)
	}
	return sortedKeys(n.children), nil
}

// Flat returns every leaf under path keyed by its last segment only.
// Leaves are visited in sorted order so on a name collision the lexically
// last branch wins.
func (t *Tree) Flat(path string) (map[string]value.Value, error) {
	n, err := t.find(path)
	if err != nil {
		return nil, err
	}
	out := map[string]value.Value{}
	walkLeaves(n, path, func(p string, v value.Value) {
		out[lastSegment(p)] = v
	})
	return out, nil
}

// Items returns every leaf under path keyed by its full dotted path.
func (t *Tree) Items(path string) (map[string]value.Value, error) {
	n, err := t.find(path)
	if err != nil {
		return nil, err
	}
	out := map[string]value.Value{}
	walkLeaves(n, path, func(p string, v value.Value) {
		out[p] = v
	})
	return out, nil
}

// LeafPaths returns the sorted full paths of every leaf under path.
func (t *Tree) LeafPaths(path string) ([]string, error) {
	n, err := t.find(path)
	if err != nil {
		return nil, err
	}
	var out []string
	walkLeaves(n, path, func(p string, _ value.Value) {
		out = append(out, p)
	})
	return out, nil
}

// Set writes v at path. A Map written onto a branch (or a missing node) is
// merged key by key; every other combination replaces the node. Missing
// intermediate branches are created and leaves on the way are turned into
// branches.
func (t *Tree) Set(path string, v value.Value) error {
	segs, err := Split(path)
	if err != nil {
		return err
	}
	if err := checkKeys(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPath, path, err)
	}
	if len(segs) == 0 {
		if !v.IsMap() {
			return fmt.Errorf("%w: root only accepts maps", ErrInvalidPath)
		}
		merge(t.root, v)
		return nil
	}
	parent := t.root
	for _, s := range segs[:len(segs)-1] {
		c, ok := parent.children[s]
		if !ok || !c.isBranch() {
			c = newBranch()
			parent.children[s] = c
		}
		parent = c
	}
	last := segs[len(segs)-1]
	if !v.IsMap() {
		parent.children[last] = &node{leaf: v}
		return nil
	}
	c, ok := parent.children[last]
	if !ok || !c.isBranch() {
		c = newBranch()
		parent.children[last] = c
	}
	merge(c, v)
	return nil
}

// Delete removes the node at path and everything below it. Deleting the
// root clears the tree.
func (t *Tree) Delete(path string) error {
	segs, err := Split(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		t.root = newBranch()
		return nil
	}
	parent, err := t.find(strings.Join(segs[:len(segs)-1], Sep))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	last := segs[len(segs)-1]
	if !parent.isBranch() {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if _, ok := parent.children[last]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	delete(parent.children, last)
	return nil
}

// Snapshot exports the whole tree as a Map.
func (t *Tree) Snapshot() value.Value {
	return t.root.export()
}

// Load replaces the tree with the contents of m.
func (t *Tree) Load(m value.Value) error {
	if !m.IsMap() && !m.IsNull() {
		return fmt.Errorf("%w: snapshot is %s, want map", ErrInvalidPath, m.Kind())
	}
	root := newBranch()
	if m.IsMap() {
		merge(root, m)
	}
	t.root = root
	return nil
}

// checkKeys rejects map keys that could not be addressed by a path.
func checkKeys(v value.Value) error {
	var err error
	v.Range(func(k string, e value.Value) bool {
		if k == "" || k == value.FloatTag || strings.Contains(k, Sep) {
			err = fmt.Errorf("bad key %q", k)
			return false
		}
		err = checkKeys(e)
		return err == nil
	})
	return err
}

func merge(n *node, m value.Value) {
	m.Range(func(k string, e value.Value) bool {
		if !e.IsMap() {
			n.children[k] = &node{leaf: e.Clone()}
			return true
		}
		c, ok := n.children[k]
		if !ok || !c.isBranch() {
			c = newBranch()
			n.children[k] = c
		}
		merge(c, e)
		return true
	})
}

func (n *node) export() value.Value {
	if !n.isBranch() {
		return n.leaf
	}
	out := make(map[string]value.Value, len(n.children))
	for k, c := range n.children {
		out[k] = c.export()
	}
	return value.Wrap(out)
}

func walkLeaves(n *node, prefix string, fn func(path string, v value.Value)) {
	if !n.isBranch() {
		fn(prefix, n.leaf)
		return
	}
	for _, k := range sortedKeys(n.children) {
		walkLeaves(n.children[k], Join(prefix, k), fn)
	}
}

func sortedKeys(m map[string]*node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, Sep); i >= 0 {
		return path[i+1:]
	}
	return path
}
