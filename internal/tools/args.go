package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Args is an ordered mapping of parameter name to value. Key order is
// the order in which arguments were first set (or appeared in the JSON
// object they were decoded from) and is preserved across JSON
// round-trips, so a stored pending action renders its arguments in the
// order the agent produced them.
type Args struct {
	keys   []string
	values map[string]any
}

// NewArgs builds Args from alternating key/value pairs.
func NewArgs(kv ...any) Args {
	var a Args
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		a.Set(k, kv[i+1])
	}
	return a
}

// ArgsFromMap builds Args from a map. Keys are sorted so the result is
// deterministic.
func ArgsFromMap(m map[string]any) Args {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var a Args
	for _, k := range keys {
		a.Set(k, m[k])
	}
	return a
}

// Set stores v under k, keeping the original position of an existing key.
func (a *Args) Set(k string, v any) {
	if a.values == nil {
		a.values = make(map[string]any)
	}
	if _, ok := a.values[k]; !ok {
		a.keys = append(a.keys, k)
	}
	a.values[k] = v
}

// Get returns the value for k.
func (a Args) Get(k string) (any, bool) {
	v, ok := a.values[k]
	return v, ok
}

// Has reports whether k is present and non-null.
func (a Args) Has(k string) bool {
	v, ok := a.values[k]
	return ok && v != nil
}

// Keys returns the keys in order.
func (a Args) Keys() []string {
	out := make([]string, len(a.keys))
	copy(out, a.keys)
	return out
}

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a.keys)
}

// Map returns an unordered copy.
func (a Args) Map() map[string]any {
	out := make(map[string]any, len(a.keys))
	for _, k := range a.keys {
		out[k] = a.values[k]
	}
	return out
}

// Equal reports whether a and b hold the same keys in the same order
// with JSON-equal values.
func (a Args) Equal(b Args) bool {
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(ja, jb)
}

// GetString returns the string value of k. Numbers and booleans are
// formatted; missing or null values return "".
func (a Args) GetString(k string) string {
	switch v := a.values[k].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// OptString returns a pointer to the string value of k, or nil if k is
// absent or null.
func (a Args) OptString(k string) *string {
	if !a.Has(k) {
		return nil
	}
	s := a.GetString(k)
	return &s
}

// GetInt returns the integer value of k. Accepts JSON numbers, Go integer
// and float types, and numeric strings ("42").
func (a Args) GetInt(k string) (int64, bool) {
	switch v := a.values[k].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		if f, err := v.Float64(); err == nil && f == float64(int64(f)) {
			return int64(f), true
		}
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	case int:
		return int64(v), true
	case int64:
		return v, true
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// GetBool returns the boolean value of k, or def if absent or not a bool.
func (a Args) GetBool(k string, def bool) bool {
	switch v := a.values[k].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// GetStrings returns a []string for array-valued k.
func (a Args) GetStrings(k string) []string {
	switch v := a.values[k].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	}
	return nil
}

// MarshalJSON encodes the arguments as a JSON object in key order.
func (a Args) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range a.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(a.values[k])
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, recording key order. Numbers are
// kept as [json.Number] so article IDs survive without float rounding.
func (a *Args) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*a = Args{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("arguments must be a JSON object")
	}

	out := Args{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v in arguments", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("argument %q: %w", key, err)
		}
		out.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*a = out
	return nil
}
