package extract

import (
	"slices"
	"strings"

	"github.com/tidwall/gjson"
)

// FindKey returns the value of the first property named key, searching
// breadth first. It returns a zero Result when the key is absent.
func FindKey(root gjson.Result, key string) gjson.Result {
	queue := []gjson.Result{root}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		var hit gjson.Result
		current.ForEach(func(k, v gjson.Result) bool {
			if current.IsObject() && k.String() == key {
				hit = v
				return false
			}
			if v.IsObject() || v.IsArray() {
				queue = append(queue, v)
			}
			return true
		})
		if hit.Exists() {
			return hit
		}
	}
	return gjson.Result{}
}

// Matcher selects listing items out of a JSON tree.
type Matcher struct {
	// Keys limits matches to objects stored under one of these property
	// names. Array elements count as stored under the array's name.
	Keys []string `mapstructure:"keys"`
	// Required lists properties a match must have.
	Required []string `mapstructure:"required"`
}

// Match reports whether v, stored under key, is an item.
func (m Matcher) Match(key string, v gjson.Result) bool {
	if !v.IsObject() {
		return false
	}
	if len(m.Keys) > 0 && !slices.Contains(m.Keys, key) {
		return false
	}
	for _, field := range m.Required {
		if !v.Get(gjson.Escape(field)).Exists() {
			return false
		}
	}
	return len(m.Keys) > 0 || len(m.Required) > 0
}

// Descendants returns every value below root that one of the matchers
// accepts, in document order. Matched values are still searched, so nested
// items are found too.
func Descendants(root gjson.Result, matchers ...Matcher) []gjson.Result {
	var out []gjson.Result
	var walk func(key string, node gjson.Result)
	walk = func(key string, node gjson.Result) {
		node.ForEach(func(k, v gjson.Result) bool {
			childKey := key
			if node.IsObject() {
				childKey = k.String()
			}
			if !v.IsArray() {
				for _, m := range matchers {
					if m.Match(childKey, v) {
						out = append(out, v)
						break
					}
				}
			}
			if v.IsObject() || v.IsArray() {
				walk(childKey, v)
			}
			return true
		})
	}
	walk("", root)
	return out
}

// First returns the first path that resolves to a non-empty value.
func First(v gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if r := v.Get(p); r.Exists() && r.Type != gjson.Null && r.String() != "" {
			return r
		}
	}
	return gjson.Result{}
}

// FirstString is First as a string.
func FirstString(v gjson.Result, paths ...string) string {
	return First(v, paths...).String()
}

// Truthy reads booleans the way the site writes them: JSON true, 1, or
// strings such as "true", "yes", "1" and "t".
func Truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return v.Num == 1
	case gjson.String:
		switch strings.ToLower(v.Str) {
		case "true", "yes", "1", "t":
			return true
		}
	}
	return false
}
