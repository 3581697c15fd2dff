package querykit

import (
	"context"
	"fmt"
	"reflect"
)

// Record is the lifecycle state embedded in every model struct. It tracks
// the owning session, the loaded column snapshot used for dirty detection,
// and the expired flag set by Expire. Embed it by value:
//
//	type User struct {
//		querykit.Record `db:"-"`
//		ID    uuid.UUID `db:"id,pk"`
//		Email string    `db:"email"`
//	}
type Record struct {
	session *Session
	schema  *Schema
	owner   any
	loaded  map[string]any
	expired bool
}

func (r *Record) rec() *Record { return r }

type recorder interface{ rec() *Record }

// RecordOf extracts the embedded Record from a model pointer.
func RecordOf(model any) (*Record, error) {
	rec, ok := model.(recorder)
	if !ok {
		return nil, fmt.Errorf("querykit: %T does not embed querykit.Record", model)
	}
	return rec.rec(), nil
}

func (r *Record) attach(s *Session, schema *Schema, owner any, snapshot map[string]any) {
	r.session = s
	r.schema = schema
	r.owner = owner
	r.loaded = snapshot
	r.expired = false
}

func (r *Record) detach() {
	r.session = nil
	r.loaded = nil
	r.expired = false
}

// Session returns the owning session, or nil when detached.
func (r *Record) Session() *Session { return r.session }

// Schema returns the schema the record is mapped under, or nil.
func (r *Record) Schema() *Schema { return r.schema }

// Save queues the instance on the owning session and flushes.
func (r *Record) Save(ctx context.Context) error {
	if r.session == nil {
		return ErrDetached
	}
	if err := r.session.Add(r.owner); err != nil {
		return err
	}
	return r.session.Flush(ctx)
}

// Delete queues deletion of the instance and flushes.
func (r *Record) Delete(ctx context.Context) error {
	if r.session == nil {
		return ErrDetached
	}
	if err := r.session.Delete(r.owner); err != nil {
		return err
	}
	return r.session.Flush(ctx)
}

// Flush flushes the owning session.
func (r *Record) Flush(ctx context.Context) error {
	if r.session == nil {
		return ErrDetached
	}
	return r.session.Flush(ctx)
}

// Refresh reloads the instance from storage by primary key.
func (r *Record) Refresh(ctx context.Context) error {
	if r.session == nil {
		return ErrDetached
	}
	return r.session.Refresh(ctx, r.owner)
}

// Expire marks the in-memory state stale; the next ToMap reloads it.
func (r *Record) Expire() error {
	if r.session == nil {
		return ErrDetached
	}
	return r.session.Expire(r.owner)
}

// Expunge detaches the instance from its session.
func (r *Record) Expunge() error {
	if r.session == nil {
		return ErrDetached
	}
	return r.session.Expunge(r.owner)
}

// Updater lets nested values participate in recursive updates.
type Updater interface {
	Update(data map[string]any, strict bool) error
}

// Update applies an arbitrary data map to the instance. Map-typed fields
// merge recursively with incoming maps instead of being replaced; nested
// model fields delegate to their own Update; everything else assigns with
// type coercion. With strict set, only keys on the schema's strict allow-list
// apply; disallowed keys are skipped silently. Keys that match no mapped
// field or relation are ignored.
func (r *Record) Update(data map[string]any, strict bool) error {
	if r.schema == nil || r.owner == nil {
		return fmt.Errorf("querykit: record has no schema; construct models via a session or NewModel")
	}
	allowed := map[string]bool{}
	if strict {
		for _, col := range r.schema.StrictFields() {
			allowed[col] = true
		}
	}

	v := reflect.ValueOf(r.owner).Elem()
	for key, incoming := range data {
		f := r.schema.FieldByColumn(key)
		if f == nil {
			f = r.schema.FieldByName(key)
		}
		if f == nil {
			if err := r.updateRelation(v, key, incoming, strict, allowed); err != nil {
				return err
			}
			continue
		}
		if strict && !allowed[f.Column] && !allowed[f.Name] {
			continue
		}
		field := v.Field(f.Index)

		if sub, ok := incoming.(map[string]any); ok && field.Kind() == reflect.Map {
			if field.IsNil() {
				field.Set(reflect.MakeMap(field.Type()))
			}
			if cur, ok := field.Interface().(map[string]any); ok {
				deepMerge(cur, sub)
				continue
			}
		}
		if err := assign(field, incoming); err != nil {
			return fmt.Errorf("update %s.%s: %w", r.schema.Table, key, err)
		}
	}
	return nil
}

// updateRelation applies incoming data to a relation field: a map delegates
// to a nested to-one model, a slice of maps updates a to-many collection
// element-wise.
func (r *Record) updateRelation(v reflect.Value, key string, incoming any, strict bool, allowed map[string]bool) error {
	rel, ok := r.schema.Relations[key]
	if !ok {
		return nil // unmapped key, ignore
	}
	if strict && len(r.schema.strictFields) > 0 && !allowed[key] {
		return nil
	}
	field := v.FieldByName(rel.Name)
	if !field.IsValid() {
		return nil
	}

	switch data := incoming.(type) {
	case map[string]any:
		if len(data) == 0 {
			// an empty map from a caller usually means "no related value"
			field.Set(reflect.Zero(field.Type()))
			return nil
		}
		target := field
		if target.Kind() == reflect.Pointer {
			if target.IsNil() {
				target.Set(reflect.New(target.Type().Elem()))
			}
			target = target.Elem()
		}
		nested, err := RecordOf(target.Addr().Interface())
		if err != nil {
			return err
		}
		if nested.schema == nil {
			nested.schema = rel.Target
			nested.owner = target.Addr().Interface()
		}
		return nested.Update(data, strict)
	case []map[string]any:
		n := field.Len()
		for i, item := range data {
			if i >= n {
				break
			}
			elem := field.Index(i)
			if elem.Kind() == reflect.Pointer {
				if elem.IsNil() {
					continue
				}
				elem = elem.Elem()
			}
			nested, err := RecordOf(elem.Addr().Interface())
			if err != nil {
				return err
			}
			if nested.schema == nil {
				nested.schema = rel.Target
				nested.owner = elem.Addr().Interface()
			}
			if err := nested.Update(item, strict); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

// ToMap renders the instance as a plain map. The field set comes from the
// schema's map-fields hook (default: mapped columns plus populated
// relations). Nested models and collections expand recursively. If the
// record is expired and still owned by a session, it refreshes first; use
// ToMapContext when the refresh should observe cancellation.
func (r *Record) ToMap() (map[string]any, error) {
	return r.ToMapContext(context.Background())
}

// ToMapContext is ToMap with the caller's context applied to any refresh of
// an expired instance.
func (r *Record) ToMapContext(ctx context.Context) (map[string]any, error) {
	if r.schema == nil || r.owner == nil {
		return nil, fmt.Errorf("querykit: record has no schema; construct models via a session or NewModel")
	}
	if r.expired && r.session != nil {
		if err := r.session.Refresh(ctx, r.owner); err != nil {
			return nil, fmt.Errorf("refresh expired instance: %w", err)
		}
	}

	names := r.fieldNames()
	v := reflect.ValueOf(r.owner).Elem()
	out := make(map[string]any, len(names))
	for _, name := range names {
		if f := r.schema.FieldByColumn(name); f != nil {
			out[name] = exportValue(ctx, v.Field(f.Index))
			continue
		}
		if rel, ok := r.schema.Relations[name]; ok {
			out[name] = exportValue(ctx, v.FieldByName(rel.Name))
		}
	}
	return out, nil
}

func (r *Record) fieldNames() []string {
	if r.schema.mapFields != nil {
		return r.schema.mapFields(r.owner)
	}
	names := r.schema.Columns()
	v := reflect.ValueOf(r.owner).Elem()
	for _, relName := range r.schema.RelationNames() {
		rel := r.schema.Relations[relName]
		field := v.FieldByName(rel.Name)
		if field.IsValid() && !field.IsZero() {
			names = append(names, relName)
		}
	}
	return names
}

func exportValue(ctx context.Context, v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if nested, ok := v.Interface().(recorder); ok {
			m, err := nested.rec().ToMapContext(ctx)
			if err == nil {
				return m
			}
		}
		return exportValue(ctx, v.Elem())
	case reflect.Struct:
		if v.CanAddr() {
			if nested, ok := v.Addr().Interface().(recorder); ok {
				m, err := nested.rec().ToMapContext(ctx)
				if err == nil {
					return m
				}
			}
		}
		return v.Interface()
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface()
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = exportValue(ctx, v.Index(i))
		}
		return out
	case reflect.Map:
		if m, ok := v.Interface().(map[string]any); ok {
			cp := make(map[string]any, len(m))
			deepMerge(cp, m)
			return cp
		}
		return v.Interface()
	default:
		return v.Interface()
	}
}

// NewModel returns a detached model instance bound to schema, so Update and
// ToMap work before the instance ever touches a session.
func NewModel[T any](schema *Schema) (*T, error) {
	model := new(T)
	rec, err := RecordOf(any(model))
	if err != nil {
		return nil, err
	}
	rec.schema = schema
	rec.owner = model
	return model, nil
}
