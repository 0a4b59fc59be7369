package llmjson

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Decode unmarshals raw into v, tolerating the scalar slop engines produce:
// numeric strings where numbers belong ("12.5", "84%"), numbers where
// strings belong, "yes"/"no" for booleans, scalars where one-element lists
// belong, and not-reported placeholders ("N/A", "NR", "not reported") in
// any position, which decode as absent.
//
// v must be a non-nil pointer. Coercion is guided by the target type;
// values that still cannot be represented are dropped, not errors.
func Decode(raw json.RawMessage, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return eris.New("llmjson: decode target must be a non-nil pointer")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return eris.Wrap(err, "llmjson: decode")
	}

	cleaned, err := json.Marshal(coerce(tree, rv.Elem().Type()))
	if err != nil {
		return eris.Wrap(err, "llmjson: re-encode")
	}
	if err := json.Unmarshal(cleaned, v); err != nil {
		return eris.Wrap(err, "llmjson: decode")
	}
	return nil
}

func coerce(node any, t reflect.Type) any {
	if node == nil {
		return nil
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.Struct:
		m, ok := node.(map[string]any)
		if !ok {
			return node
		}
		fields := jsonFields(t)
		out := make(map[string]any, len(m))
		for k, v := range m {
			if ft, ok := fields[strings.ToLower(k)]; ok {
				out[k] = coerce(v, ft)
			} else {
				out[k] = v
			}
		}
		return out

	case reflect.Map:
		m, ok := node.(map[string]any)
		if !ok {
			return node
		}
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = coerce(v, t.Elem())
		}
		return out

	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return node
		}
		list, ok := node.([]any)
		if !ok {
			// scalar where a list belongs
			list = []any{node}
		}
		out := make([]any, len(list))
		for i, v := range list {
			out[i] = coerce(v, t.Elem())
		}
		return out

	case reflect.String:
		switch v := node.(type) {
		case json.Number:
			return v.String()
		case string:
			if notReported(v) {
				return nil
			}
			return strings.TrimSpace(v)
		}
		return node

	case reflect.Float32, reflect.Float64:
		if s, ok := node.(string); ok {
			if f, ok := looseNumber(s); ok {
				return f
			}
			return nil
		}
		return node

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		switch v := node.(type) {
		case string:
			f, ok := looseNumber(v)
			if !ok || f != math.Trunc(f) {
				return nil
			}
			return json.Number(strconv.FormatInt(int64(f), 10))
		case json.Number:
			if f, err := v.Float64(); err == nil && f != math.Trunc(f) {
				return nil
			}
		}
		return node

	case reflect.Bool:
		if s, ok := node.(string); ok {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "true", "yes":
				return true
			case "false", "no":
				return false
			}
			return nil
		}
		return node

	case reflect.Interface:
		return normalizeAny(node)
	}
	return node
}

// normalizeAny cleans a subtree with no type guidance: placeholders become
// nil, containers recurse, everything else passes through.
func normalizeAny(node any) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = normalizeAny(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = normalizeAny(val)
		}
		return out
	case string:
		if notReported(v) {
			return nil
		}
		return v
	}
	return node
}

// jsonFields maps lower-cased json tag names to field types, flattening
// embedded structs the way encoding/json does.
func jsonFields(t reflect.Type) map[string]reflect.Type {
	out := make(map[string]reflect.Type, t.NumField())
	collectFields(t, out)
	return out
}

func collectFields(t reflect.Type, out map[string]reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			collectFields(f.Type, out)
			continue
		}
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			base, _, _ := strings.Cut(tag, ",")
			if base == "-" {
				continue
			}
			if base != "" {
				name = base
			}
		}
		out[strings.ToLower(name)] = f.Type
	}
}

var notReportedSet = map[string]struct{}{
	"":               {},
	"n/a":            {},
	"nr":             {},
	"not reported":   {},
	"not available":  {},
	"not applicable": {},
	"not estimable":  {},
	"none":           {},
	"null":           {},
	"-":              {},
	"--":             {},
}

func notReported(s string) bool {
	_, ok := notReportedSet[strings.ToLower(strings.TrimSpace(s))]
	return ok
}

// looseNumber parses a numeric string as engines write them: optional
// percent sign, thousands separators, surrounding space.
func looseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
