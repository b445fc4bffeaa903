package cache

import (
	"encoding"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"strconv"

	"golang.org/x/crypto/blake2b"

	"github.com/saiset-co/sai-query-cache/query"
	"github.com/saiset-co/sai-query-cache/utils"
)

const maxKeyDepth = 32

var (
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// BuildKey derives the cache key of one invocation from the query sid, its
// params and the resolved source values. Equal inputs always give equal keys;
// map key order does not matter but slice order does. Every value is tagged
// with its kind before hashing, so a byte slice and its base64 string differ.
//
// It reports false when an input cannot be represented without losing
// information: funcs, channels, cyclic or too deeply nested values, and structs
// with unexported fields that do not marshal themselves.
func BuildKey(sid string, params interface{}, sources []interface{}) (string, bool) {
	if sources == nil {
		sources = []interface{}{}
	}

	tree, ok := keyTree(reflect.ValueOf([]interface{}{sid, params, sources}), 0)
	if !ok {
		return "", false
	}

	payload, err := utils.MarshalCanonical(tree)
	if err != nil {
		return "", false
	}

	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:]), true
}

// keyTree rewrites v into plain JSON values, each wrapped as [tag, payload].
func keyTree(v reflect.Value, depth int) (interface{}, bool) {
	if depth > maxKeyDepth {
		return nil, false
	}

	if !v.IsValid() {
		return nil, true
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil, true
		}
	}

	if v.Type().Implements(jsonMarshalerType) {
		raw, err := utils.MarshalCanonical(v.Interface())
		if err != nil {
			return nil, false
		}
		return []interface{}{"j", v.Type().String(), string(raw)}, true
	}

	if v.Type().Implements(textMarshalerType) {
		text, err := v.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return nil, false
		}
		return []interface{}{"x", v.Type().String(), string(text)}, true
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		return keyTree(v.Elem(), depth+1)
	case reflect.Bool:
		return []interface{}{"b", v.Bool()}, true
	case reflect.String:
		return []interface{}{"s", v.String()}, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return []interface{}{"n", v.Int()}, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return []interface{}{"n", v.Uint()}, true
	case reflect.Float32, reflect.Float64:
		return []interface{}{"n", v.Float()}, true
	case reflect.Slice:
		if v.IsNil() {
			return nil, true
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return []interface{}{"y", base64.StdEncoding.EncodeToString(v.Bytes())}, true
		}
		return keyList(v, depth)
	case reflect.Array:
		return keyList(v, depth)
	case reflect.Map:
		return keyMap(v, depth)
	case reflect.Struct:
		return keyStruct(v, depth)
	default:
		return nil, false
	}
}

func keyList(v reflect.Value, depth int) (interface{}, bool) {
	items := make([]interface{}, v.Len())
	for i := range items {
		item, ok := keyTree(v.Index(i), depth+1)
		if !ok {
			return nil, false
		}
		items[i] = item
	}
	return []interface{}{"a", items}, true
}

func keyMap(v reflect.Value, depth int) (interface{}, bool) {
	if v.IsNil() {
		return nil, true
	}

	tag := "m"
	if v.Type().Key().Kind() != reflect.String {
		tag = "mn"
	}

	entries := make(map[string]interface{}, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		name, ok := mapKeyName(iter.Key())
		if !ok {
			return nil, false
		}

		value, ok := keyTree(iter.Value(), depth+1)
		if !ok {
			return nil, false
		}
		entries[name] = value
	}
	return []interface{}{tag, entries}, true
}

func mapKeyName(k reflect.Value) (string, bool) {
	switch k.Kind() {
	case reflect.String:
		return k.String(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10), true
	default:
		return "", false
	}
}

// keyStruct refuses structs with unexported fields: they would be invisible in
// the key and two different values could share it.
func keyStruct(v reflect.Value, depth int) (interface{}, bool) {
	t := v.Type()

	fields := make(map[string]interface{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			return nil, false
		}

		value, ok := keyTree(v.Field(i), depth+1)
		if !ok {
			return nil, false
		}
		fields[field.Name] = value
	}
	return []interface{}{"o", fields}, true
}

// ResolveSources resolves every field in order. It reports false as soon as one
// of them cannot be resolved yet.
func ResolveSources(fields []query.SourcedField, params interface{}) ([]interface{}, bool) {
	sources := make([]interface{}, 0, len(fields))

	for _, field := range fields {
		if field == nil {
			return nil, false
		}

		value, ok := field.Resolve(params)
		if !ok {
			return nil, false
		}

		sources = append(sources, value)
	}

	return sources, true
}
