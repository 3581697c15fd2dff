package querykit

import (
	"fmt"
	"reflect"
)

// assign writes value into field, bridging pointer/value mismatches and
// applying Go conversions where the types allow it.
func assign(field reflect.Value, value any) error {
	if !field.IsValid() || !field.CanSet() {
		return fmt.Errorf("querykit: field is not settable")
	}
	if value == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}
	rv := reflect.ValueOf(value)

	if rv.Type().AssignableTo(field.Type()) {
		field.Set(rv)
		return nil
	}
	// value into pointer field (time.Time -> *time.Time)
	if field.Kind() == reflect.Pointer && rv.Type().AssignableTo(field.Type().Elem()) {
		ptr := reflect.New(field.Type().Elem())
		ptr.Elem().Set(rv)
		field.Set(ptr)
		return nil
	}
	// pointer value into plain field
	if rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Type().Elem().AssignableTo(field.Type()) {
		field.Set(rv.Elem())
		return nil
	}
	if rv.Type().ConvertibleTo(field.Type()) {
		field.Set(rv.Convert(field.Type()))
		return nil
	}
	if field.Kind() == reflect.Pointer && rv.Type().ConvertibleTo(field.Type().Elem()) {
		ptr := reflect.New(field.Type().Elem())
		ptr.Elem().Set(rv.Convert(field.Type().Elem()))
		field.Set(ptr)
		return nil
	}
	return fmt.Errorf("querykit: cannot assign %s to %s", rv.Type(), field.Type())
}

// populate writes a driver row into the struct pointed to by model.
func populate(schema *Schema, model any, row map[string]any) error {
	v := reflect.ValueOf(model).Elem()
	for column, value := range row {
		f := schema.FieldByColumn(column)
		if f == nil {
			continue
		}
		if err := assign(v.Field(f.Index), value); err != nil {
			return fmt.Errorf("populate %s.%s: %w", schema.Table, column, err)
		}
	}
	return nil
}

// fieldValue reads the named field from the struct pointed to by model,
// dereferencing non-nil pointers.
func fieldValue(schema *Schema, model any, f *Field) any {
	v := reflect.ValueOf(model).Elem().Field(f.Index)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	return v.Interface()
}

// rowOf snapshots the struct's mapped columns into a Changes map.
func rowOf(schema *Schema, model any) Changes {
	row := make(Changes, len(schema.Fields))
	for _, f := range schema.Fields {
		row[f.Column] = fieldValue(schema, model, f)
	}
	return row
}

// normalizeKey converts a driver-native value (int64, [16]byte) to the Go
// type of the struct field it is matched against, so lookups keyed by field
// values hit.
func normalizeKey(value any, t reflect.Type) any {
	if value == nil || t == nil {
		return value
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Type() == t {
		return rv.Interface()
	}
	if rv.Type().ConvertibleTo(t) {
		return rv.Convert(t).Interface()
	}
	return value
}

func isZeroValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.IsZero()
}

// deepMerge folds src into dst recursively: nested maps merge key-wise,
// everything else overwrites.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := dst[k].(map[string]any); ok {
				deepMerge(cur, sub)
				continue
			}
			fresh := make(map[string]any, len(sub))
			deepMerge(fresh, sub)
			dst[k] = fresh
			continue
		}
		dst[k] = v
	}
}
