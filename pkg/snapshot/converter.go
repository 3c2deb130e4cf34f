// Package snapshot turns arbitrary domain values into flat key/value maps suitable for
// storing alongside an audit entry. Conversion never fails: each strategy that cannot
// handle a value hands it to the next one, ending with a textual fallback.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"
)

// Describer is implemented by types that know how to describe themselves for the audit log.
type Describer interface {
	AuditSnapshot() map[string]any
}

var (
	errNotObject = errors.New("value does not encode to an object")
	errNotStruct = errors.New("value is not a struct")
	errEmpty     = errors.New("no exported properties")

	timeType = reflect.TypeOf(time.Time{})
)

// Converter applies the conversion strategies in order.
type Converter struct {
	logger *zap.Logger
}

// NewConverter returns a converter that reports failed strategies at debug level.
func NewConverter(logger *zap.Logger) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{logger: logger}
}

var defaultConverter = NewConverter(nil)

// Convert uses a converter without logging.
func Convert(v any) map[string]any {
	return defaultConverter.Convert(v)
}

type stage struct {
	name string
	fn   func(any) (map[string]any, error)
}

// Convert returns nil for nil input (including typed nil pointers) and a non-nil map otherwise.
func (c *Converter) Convert(v any) map[string]any {
	if isNil(v) {
		return nil
	}

	stages := []stage{
		{name: "describer", fn: fromDescriber},
		{name: "json", fn: fromJSON},
		{name: "fields", fn: fromFields},
	}
	for _, s := range stages {
		out, err := guard(s.fn, v)
		if err == nil {
			return out
		}
		c.logger.Debug("snapshot strategy failed",
			zap.String("strategy", s.name),
			zap.String("type", typeName(reflect.TypeOf(v), "Object")),
			zap.Error(err),
		)
	}
	return fallback(v)
}

func guard(fn func(any) (map[string]any, error), v any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(v)
}

func fromDescriber(v any) (map[string]any, error) {
	d, ok := v.(Describer)
	if !ok {
		return nil, errors.New("not a describer")
	}
	described := d.AuditSnapshot()
	if described == nil {
		return nil, errors.New("describer returned nil")
	}

	out := make(map[string]any, len(described))
	for k, raw := range described {
		if raw == nil {
			continue
		}
		if summary, ok := summarize(reflect.ValueOf(raw)); ok {
			out[k] = summary
		}
	}
	return out, nil
}

func fromJSON(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, errNotObject
	}
	if len(fields) == 0 && hasFields(v) {
		return nil, errEmpty
	}

	// The encoding decides which keys exist and which are null; the summaries
	// come from the Go values so collections are never expanded.
	values := jsonFieldValues(v)
	types := jsonFieldTypes(reflect.TypeOf(v))
	out := make(map[string]any, len(fields))
	for key, msg := range fields {
		msg = bytes.TrimSpace(msg)
		if len(msg) == 0 || bytes.Equal(msg, []byte("null")) {
			continue
		}

		if fv, ok := values[key]; ok && (msg[0] == '[' || msg[0] == '{' || isCollection(fv)) {
			if summary, ok := summarize(fv); ok {
				out[key] = summary
			}
			continue
		}

		fieldType, known := types[key]
		if !known {
			fieldType = types[mapElemKey]
		}
		switch msg[0] {
		case '[':
			var items []json.RawMessage
			if err := json.Unmarshal(msg, &items); err != nil {
				return nil, err
			}
			out[key] = fmt.Sprintf("%s[%d]", typeName(fieldType, "Collection"), len(items))
		case '{':
			if fieldType != nil && indirect(fieldType).Kind() == reflect.Map {
				var entries map[string]json.RawMessage
				if err := json.Unmarshal(msg, &entries); err != nil {
					return nil, err
				}
				out[key] = fmt.Sprintf("%s[%d]", typeName(fieldType, "Map"), len(entries))
				continue
			}
			var compact bytes.Buffer
			if err := json.Compact(&compact, msg); err != nil {
				return nil, err
			}
			out[key] = fmt.Sprintf("%s: %s", typeName(fieldType, "Object"), compact.String())
		default:
			scalar, err := decodeScalar(msg)
			if err != nil {
				return nil, err
			}
			out[key] = scalar
		}
	}
	return out, nil
}

func decodeScalar(msg json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()

	var val any
	if err := dec.Decode(&val); err != nil {
		return nil, err
	}
	if num, ok := val.(json.Number); ok {
		if i, err := num.Int64(); err == nil {
			return i, nil
		}
		return num.Float64()
	}
	return val, nil
}

func fromFields(v any) (map[string]any, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, errNotStruct
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, errNotStruct
	}

	rt := rv.Type()
	out := make(map[string]any, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		if summary, ok := summarize(rv.Field(i)); ok {
			out[fieldKey(rt.Field(i))] = summary
		}
	}
	return out, nil
}

// summarize reduces a single value to a scalar or a short description.
// Nested structs are described one level down. ok is false when the value
// should be omitted.
func summarize(fv reflect.Value) (any, bool) {
	return summarizeDepth(fv, 1)
}

func summarizeDepth(fv reflect.Value, depth int) (any, bool) {
	if !fv.IsValid() {
		return nil, false
	}

	switch fv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if fv.IsNil() {
			return nil, false
		}
		return summarizeDepth(fv.Elem(), depth)
	case reflect.Bool:
		return fv.Bool(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return fv.Uint(), true
	case reflect.Float32, reflect.Float64:
		return fv.Float(), true
	case reflect.String:
		return fv.String(), true
	case reflect.Slice:
		if fv.IsNil() {
			return nil, false
		}
		return fmt.Sprintf("%s[%d]", typeName(fv.Type(), "Collection"), fv.Len()), true
	case reflect.Array:
		return fmt.Sprintf("%s[%d]", typeName(fv.Type(), "Collection"), fv.Len()), true
	case reflect.Map:
		if fv.IsNil() {
			return nil, false
		}
		return fmt.Sprintf("%s[%d]", typeName(fv.Type(), "Map"), fv.Len()), true
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil, false
	case reflect.Struct:
		if fv.Type() == timeType && fv.CanInterface() {
			return fv.Interface().(time.Time).UTC().Format(time.RFC3339), true
		}
		return summarizeStruct(fv, depth), true
	}
	return fmt.Sprintf("%s: %v", typeName(fv.Type(), "Object"), fv), true
}

func summarizeStruct(fv reflect.Value, depth int) string {
	name := typeName(fv.Type(), "Object")
	if depth <= 0 {
		return name
	}

	values := make(map[string]reflect.Value)
	collectFieldValues(fv, values)
	fields := make(map[string]any, len(values))
	for key, inner := range values {
		if summary, ok := summarizeDepth(inner, depth-1); ok {
			fields[key] = summary
		}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return name
	}
	return fmt.Sprintf("%s: %s", name, encoded)
}

func fallback(v any) map[string]any {
	name := reflect.TypeOf(v).String()
	if t := indirect(reflect.TypeOf(v)); t.Name() != "" {
		name = t.Name()
	}
	return map[string]any{"data": fmt.Sprintf("%v", v), "dataType": name}
}

// mapElemKey holds the element type when the converted value is a map.
// JSON object keys of a struct are never empty.
const mapElemKey = ""

// jsonFieldTypes maps the JSON keys of a struct (or map element) to their Go types.
func jsonFieldTypes(t reflect.Type) map[string]reflect.Type {
	types := make(map[string]reflect.Type)
	if t == nil {
		return types
	}
	t = indirect(t)

	switch t.Kind() {
	case reflect.Map:
		types[mapElemKey] = t.Elem()
	case reflect.Struct:
		collectFieldTypes(t, types)
	}
	return types
}

func collectFieldTypes(t reflect.Type, types map[string]reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, tagged := jsonName(f)
		if name == "-" {
			continue
		}
		if f.Anonymous && !tagged && indirect(f.Type).Kind() == reflect.Struct {
			collectFieldTypes(indirect(f.Type), types)
			continue
		}
		if !f.IsExported() {
			continue
		}
		types[name] = f.Type
	}
}

// jsonFieldValues maps the JSON keys of a struct or map to their values.
func jsonFieldValues(v any) map[string]reflect.Value {
	values := make(map[string]reflect.Value)
	rv := derefValue(reflect.ValueOf(v))

	switch rv.Kind() {
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key()
			if k.Kind() == reflect.String {
				values[k.String()] = iter.Value()
				continue
			}
			values[fmt.Sprint(k.Interface())] = iter.Value()
		}
	case reflect.Struct:
		collectFieldValues(rv, values)
	}
	return values
}

func collectFieldValues(rv reflect.Value, values map[string]reflect.Value) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		name, tagged := jsonName(f)
		if name == "-" {
			continue
		}
		if f.Anonymous && !tagged && indirect(f.Type).Kind() == reflect.Struct {
			if embedded := derefValue(rv.Field(i)); embedded.IsValid() {
				collectFieldValues(embedded, values)
			}
			continue
		}
		if !f.IsExported() {
			continue
		}
		values[name] = rv.Field(i)
	}
}

func derefValue(rv reflect.Value) reflect.Value {
	for rv.IsValid() && (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) {
		if rv.IsNil() {
			return reflect.Value{}
		}
		rv = rv.Elem()
	}
	return rv
}

func isCollection(fv reflect.Value) bool {
	switch derefValue(fv).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return true
	}
	return false
}

func jsonName(f reflect.StructField) (string, bool) {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name, false
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			tag = tag[:i]
			break
		}
	}
	if tag == "" {
		return f.Name, false
	}
	return tag, true
}

func fieldKey(f reflect.StructField) string {
	name, _ := jsonName(f)
	if name == "-" {
		return f.Name
	}
	return name
}

func hasFields(v any) bool {
	t := indirect(reflect.TypeOf(v))
	return t != nil && t.Kind() == reflect.Struct && t.NumField() > 0
}

func indirect(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

func typeName(t reflect.Type, generic string) string {
	t = indirect(t)
	if t == nil {
		return generic
	}
	if t.Name() != "" {
		return t.Name()
	}
	return generic
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
