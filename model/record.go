package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Record is a single row of a data collection. Loaded relations are nested
// under the relation name: a Record for belongs-to, a []Record for has-many.
type Record map[string]any

// Get resolves a dot path such as "author.team.name". Crossing a has-many
// relation yields a []any with the value from each related record.
func (r Record) Get(path string) (any, bool) {
	if r == nil {
		return nil, false
	}
	head, rest, nested := strings.Cut(path, ".")
	v, ok := r[head]
	if !ok {
		return nil, false
	}
	if !nested {
		return v, true
	}
	return descend(v, rest)
}

func descend(v any, path string) (any, bool) {
	switch node := v.(type) {
	case Record:
		return node.Get(path)
	case map[string]any:
		return Record(node).Get(path)
	case []Record:
		return collect(len(node), func(i int) (any, bool) { return node[i].Get(path) })
	case []any:
		return collect(len(node), func(i int) (any, bool) { return descend(node[i], path) })
	default:
		return nil, false
	}
}

func collect(n int, get func(int) (any, bool)) (any, bool) {
	out := make([]any, 0, n)
	for i := range n {
		if v, ok := get(i); ok {
			if many, isMany := v.([]any); isMany {
				out = append(out, many...)
				continue
			}
			out = append(out, v)
		}
	}
	return out, true
}

// Key returns the string form of the record's primary key value.
func (r Record) Key(primaryKey string) string {
	v, ok := r[primaryKey]
	if !ok || v == nil {
		return ""
	}
	return KeyString(v)
}

// KeyString renders an identity value the way it is compared across stores
// and the wire. Whole floats (JSON numbers) print without a fraction.
func KeyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}
