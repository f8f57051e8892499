package storage

import (
	"fmt"
	"strings"

	"statusmon/internal/value"
)

// leaf is one row of the row-per-leaf drivers. Empty branches are kept as
// a row holding an empty Map so a restore reproduces them.
type leaf struct {
	path string
	v    value.Value
}

func leavesOf(tree value.Value) []leaf {
	var out []leaf
	var walk func(prefix string, v value.Value)
	walk = func(prefix string, v value.Value) {
		if !v.IsMap() {
			out = append(out, leaf{path: prefix, v: v})
			return
		}
		if v.Len() == 0 && prefix != "" {
			out = append(out, leaf{path: prefix, v: value.EmptyMap()})
			return
		}
		v.Range(func(k string, e value.Value) bool {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			walk(p, e)
			return true
		})
	}
	walk("", tree)
	return out
}

func treeOf(rows []leaf) (value.Value, error) {
	root := map[string]any{}
	for _, r := range rows {
		segs := strings.Split(r.path, ".")
		m := root
		for _, s := range segs[:len(segs)-1] {
			child, ok := m[s].(map[string]any)
			if !ok {
				child = map[string]any{}
				m[s] = child
			}
			m = child
		}
		last := segs[len(segs)-1]
		if last == "" {
			return value.Value{}, fmt.Errorf("storage: bad stored path %q", r.path)
		}
		if r.v.IsMap() {
			if _, ok := m[last].(map[string]any); !ok {
				m[last] = map[string]any{}
			}
			continue
		}
		m[last] = r.v
	}
	return value.FromAny(root)
}
