// Package jsonutil decodes and walks untyped provider JSON. Numbers are kept
// as json.Number so that forwarded bodies are re-encoded without loss.
package jsonutil

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/bytedance/sonic"
)

var api = sonic.Config{UseNumber: true}.Froze()

var errNotObject = errors.New("json value is not an object")

// Object is a decoded JSON object.
type Object = map[string]any

// Number is the type decoded numbers take.
type Number = json.Number

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func MarshalIndent(v any) ([]byte, error) {
	return api.MarshalIndent(v, "", "  ")
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// DecodeObject decodes data, which must hold a JSON object.
func DecodeObject(data []byte) (Object, error) {
	var obj Object
	if err := api.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errNotObject
	}
	return obj, nil
}

// Path walks nested objects. It returns nil when any step is missing or not
// an object.
func Path(obj Object, keys ...string) any {
	var cur any = obj
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[k]
		if !ok {
			return nil
		}
	}
	return cur
}

func String(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// Int converts a decoded number to int64.
func Int(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

// Float converts a decoded number to float64.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func Bool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func Map(v any) (Object, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func Array(v any) ([]any, bool) {
	a, ok := v.([]any)
	return a, ok
}

// Strings returns v as a string slice. A single string becomes a one
// element slice.
func Strings(v any) ([]string, bool) {
	switch s := v.(type) {
	case string:
		return []string{s}, true
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out, true
	}
	return nil, false
}
