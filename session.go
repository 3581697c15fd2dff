package querykit

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Session is a unit of work over one or more bound drivers. Add and Delete
// queue changes; Flush executes them inside a transaction which Commit
// finalizes. A session is not safe for concurrent use; bind one session per
// logical execution context (the Manager owns a default one).
type Session struct {
	drivers map[string]Driver
	types   map[reflect.Type]*Schema

	txs        map[string]Tx
	pendingNew []any
	pendingDel []any
	identity   map[identityKey]any
	loaders    map[string]*relationLoader
}

type identityKey struct {
	schema *Schema
	pk     any
}

// NewSession builds a session over a bind→driver set. The empty bind key is
// the default bind.
func NewSession(drivers map[string]Driver, schemas ...*Schema) *Session {
	s := &Session{
		drivers:  drivers,
		types:    make(map[reflect.Type]*Schema),
		txs:      make(map[string]Tx),
		identity: make(map[identityKey]any),
		loaders:  make(map[string]*relationLoader),
	}
	s.register(schemas...)
	return s
}

func (s *Session) register(schemas ...*Schema) {
	for _, schema := range schemas {
		s.types[schema.GoType] = schema
	}
}

// SchemaFor resolves the schema for a model pointer, preferring the
// attached record's schema over the type registry.
func (s *Session) SchemaFor(model any) (*Schema, error) {
	if rec, err := RecordOf(model); err == nil && rec.schema != nil {
		return rec.schema, nil
	}
	t := reflect.TypeOf(model)
	if t == nil || t.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("querykit: model must be a struct pointer, got %T", model)
	}
	if schema, ok := s.types[t.Elem()]; ok {
		return schema, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotRegistered, t.Elem())
}

func (s *Session) driverFor(schema *Schema) (Driver, error) {
	if d, ok := s.drivers[schema.Bind]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %q (table %s)", ErrUnknownBind, schema.Bind, schema.Table)
}

// bindCtx routes the context through the bind's open transaction, opening
// one lazily.
func (s *Session) bindCtx(ctx context.Context, schema *Schema) (context.Context, error) {
	if tx, ok := s.txs[schema.Bind]; ok {
		return WithTx(ctx, tx), nil
	}
	driver, err := s.driverFor(schema)
	if err != nil {
		return nil, err
	}
	tx, err := driver.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction on bind %q: %w", schema.Bind, err)
	}
	s.txs[schema.Bind] = tx
	return WithTx(ctx, tx), nil
}

// Add queues instances for insertion (or adoption, when already persisted).
// Arguments may be single model pointers or slices of them, in any mix.
func (s *Session) Add(models ...any) error {
	return eachModel(models, func(model any) error {
		schema, err := s.SchemaFor(model)
		if err != nil {
			return err
		}
		rec, err := RecordOf(model)
		if err != nil {
			return err
		}
		if rec.schema == nil {
			rec.schema = schema
			rec.owner = model
		}
		rec.session = s
		if rec.loaded != nil {
			return nil // already persisted; dirty state applies on flush
		}
		for _, queued := range s.pendingNew {
			if queued == model {
				return nil
			}
		}
		s.pendingNew = append(s.pendingNew, model)
		return nil
	})
}

// Delete queues persisted instances for deletion. Pending-new instances are
// simply dequeued.
func (s *Session) Delete(models ...any) error {
	return eachModel(models, func(model any) error {
		if _, err := s.SchemaFor(model); err != nil {
			return err
		}
		for i, queued := range s.pendingNew {
			if queued == model {
				s.pendingNew = append(s.pendingNew[:i], s.pendingNew[i+1:]...)
				return nil
			}
		}
		s.pendingDel = append(s.pendingDel, model)
		return nil
	})
}

// Flush executes pending inserts, detected updates, and pending deletes, in
// that order, inside per-bind transactions (opened lazily, finalized by
// Commit or Rollback).
func (s *Session) Flush(ctx context.Context) error {
	for _, model := range s.pendingNew {
		if err := s.flushInsert(ctx, model); err != nil {
			return err
		}
	}
	s.pendingNew = nil

	for _, model := range s.identity {
		if err := s.flushDirty(ctx, model); err != nil {
			return err
		}
	}

	for _, model := range s.pendingDel {
		if err := s.flushDelete(ctx, model); err != nil {
			return err
		}
	}
	s.pendingDel = nil
	return nil
}

func (s *Session) flushInsert(ctx context.Context, model any) error {
	rec, _ := RecordOf(model)
	schema := rec.schema
	driver, err := s.driverFor(schema)
	if err != nil {
		return err
	}
	ctx, err = s.bindCtx(ctx, schema)
	if err != nil {
		return err
	}

	v := reflect.ValueOf(model).Elem()
	now := time.Now().UTC()
	for _, f := range schema.Fields {
		switch {
		case f.IsPrimary && f.Type == uuidType && v.Field(f.Index).Interface() == uuid.Nil:
			v.Field(f.Index).Set(reflect.ValueOf(uuid.New()))
		case (f.IsCreated || f.IsUpdated) && v.Field(f.Index).IsZero():
			if err := assign(v.Field(f.Index), now); err != nil {
				return fmt.Errorf("stamp %s.%s: %w", schema.Table, f.Column, err)
			}
		}
	}

	if err := schema.dispatch(ctx, BeforeInsert, model); err != nil {
		return fmt.Errorf("before-insert handler for %s: %w", schema.Table, err)
	}

	row := rowOf(schema, model)
	if schema.Primary != nil && isZeroValue(row[schema.Primary.Column]) {
		delete(row, schema.Primary.Column) // let the database assign it
	}

	stored, err := driver.Insert(ctx, schema, []Changes{row})
	if err != nil {
		return fmt.Errorf("insert into %s: %w", schema.Table, err)
	}
	if len(stored) > 0 {
		if err := populate(schema, model, stored[0]); err != nil {
			return err
		}
	}
	// snapshot from the struct, not the driver row: drivers return
	// database-native values (int64, [16]byte) that never compare equal
	// to the field values
	rec.attach(s, schema, model, rowOf(schema, model))
	s.track(schema, model)

	if err := schema.dispatch(ctx, AfterInsert, model); err != nil {
		return fmt.Errorf("after-insert handler for %s: %w", schema.Table, err)
	}
	return nil
}

func (s *Session) flushDirty(ctx context.Context, model any) error {
	rec, err := RecordOf(model)
	if err != nil || rec.expired || rec.loaded == nil {
		return nil
	}
	schema := rec.schema
	changes := dirtyChanges(schema, model, rec)
	if len(changes) == 0 {
		return nil
	}
	driver, err := s.driverFor(schema)
	if err != nil {
		return err
	}
	ctx, err = s.bindCtx(ctx, schema)
	if err != nil {
		return err
	}
	if err := schema.dispatch(ctx, BeforeUpdate, model); err != nil {
		return fmt.Errorf("before-update handler for %s: %w", schema.Table, err)
	}
	// handlers may mutate the model; diff again so their writes flush too
	changes = dirtyChanges(schema, model, rec)
	now := time.Now().UTC()
	v := reflect.ValueOf(model).Elem()
	for _, f := range schema.Fields {
		if f.IsUpdated {
			if err := assign(v.Field(f.Index), now); err != nil {
				return fmt.Errorf("stamp %s.%s: %w", schema.Table, f.Column, err)
			}
			changes[f.Column] = fieldValue(schema, model, f)
		}
	}

	cond, err := s.pkCondition(schema, model)
	if err != nil {
		return err
	}
	if _, err := driver.Update(ctx, schema, cond, changes); err != nil {
		return fmt.Errorf("update %s: %w", schema.Table, err)
	}
	for col, val := range changes {
		rec.loaded[col] = val
	}
	if err := schema.dispatch(ctx, AfterUpdate, model); err != nil {
		return fmt.Errorf("after-update handler for %s: %w", schema.Table, err)
	}
	return nil
}

func (s *Session) flushDelete(ctx context.Context, model any) error {
	schema, err := s.SchemaFor(model)
	if err != nil {
		return err
	}
	driver, err := s.driverFor(schema)
	if err != nil {
		return err
	}
	ctx, err = s.bindCtx(ctx, schema)
	if err != nil {
		return err
	}
	if err := schema.dispatch(ctx, BeforeDelete, model); err != nil {
		return fmt.Errorf("before-delete handler for %s: %w", schema.Table, err)
	}
	cond, err := s.pkCondition(schema, model)
	if err != nil {
		return err
	}
	if _, err := driver.Delete(ctx, schema, cond); err != nil {
		return fmt.Errorf("delete from %s: %w", schema.Table, err)
	}
	s.untrack(schema, model)
	if rec, err := RecordOf(model); err == nil {
		rec.detach()
	}
	if err := schema.dispatch(ctx, AfterDelete, model); err != nil {
		return fmt.Errorf("after-delete handler for %s: %w", schema.Table, err)
	}
	return nil
}

// Commit flushes pending work and commits every open transaction.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	for bind, tx := range s.txs {
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit bind %q: %w", bind, err)
		}
		delete(s.txs, bind)
	}
	return nil
}

// Rollback discards open transactions and the pending queues, and expires
// every tracked instance.
func (s *Session) Rollback(ctx context.Context) error {
	var firstErr error
	for bind, tx := range s.txs {
		if err := tx.Rollback(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("rollback bind %q: %w", bind, err)
		}
		delete(s.txs, bind)
	}
	s.pendingNew = nil
	s.pendingDel = nil
	for _, model := range s.identity {
		if rec, err := RecordOf(model); err == nil {
			rec.expired = true
		}
	}
	return firstErr
}

// Refresh reloads a persisted instance from storage by primary key.
func (s *Session) Refresh(ctx context.Context, model any) error {
	schema, err := s.SchemaFor(model)
	if err != nil {
		return err
	}
	driver, err := s.driverFor(schema)
	if err != nil {
		return err
	}
	ctx, err = s.bindCtx(ctx, schema)
	if err != nil {
		return err
	}
	cond, err := s.pkCondition(schema, model)
	if err != nil {
		return err
	}
	rows, err := driver.Select(ctx, schema, &Selection{Condition: cond, Limit: 1})
	if err != nil {
		return fmt.Errorf("refresh %s: %w", schema.Table, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("refresh %s: row no longer exists", schema.Table)
	}
	if err := populate(schema, model, rows[0]); err != nil {
		return err
	}
	rec, err := RecordOf(model)
	if err != nil {
		return err
	}
	rec.attach(s, schema, model, rowOf(schema, model))
	s.track(schema, model)
	return nil
}

// Expire marks an instance stale; the snapshot is dropped so the next flush
// ignores its in-memory changes and ToMap refreshes first.
func (s *Session) Expire(model any) error {
	rec, err := RecordOf(model)
	if err != nil {
		return err
	}
	rec.expired = true
	return nil
}

// Expunge removes an instance from the session without touching storage.
func (s *Session) Expunge(model any) error {
	schema, err := s.SchemaFor(model)
	if err != nil {
		return err
	}
	for i, queued := range s.pendingNew {
		if queued == model {
			s.pendingNew = append(s.pendingNew[:i], s.pendingNew[i+1:]...)
			break
		}
	}
	for i, queued := range s.pendingDel {
		if queued == model {
			s.pendingDel = append(s.pendingDel[:i], s.pendingDel[i+1:]...)
			break
		}
	}
	s.untrack(schema, model)
	if rec, err := RecordOf(model); err == nil {
		rec.detach()
	}
	return nil
}

// Close rolls back any open transactions and clears session state.
func (s *Session) Close(ctx context.Context) error {
	err := s.Rollback(ctx)
	s.identity = make(map[identityKey]any)
	return err
}

func (s *Session) track(schema *Schema, model any) {
	if key, ok := s.identityKeyOf(schema, model); ok {
		s.identity[key] = model
	}
}

func (s *Session) untrack(schema *Schema, model any) {
	if key, ok := s.identityKeyOf(schema, model); ok {
		delete(s.identity, key)
	}
}

// Get returns the tracked instance for a primary key, or nil.
func (s *Session) Get(schema *Schema, pk any) any {
	return s.identity[identityKey{schema: schema, pk: pk}]
}

func (s *Session) identityKeyOf(schema *Schema, model any) (identityKey, bool) {
	if schema.Primary == nil {
		return identityKey{}, false
	}
	pk := fieldValue(schema, model, schema.Primary)
	if pk == nil || isZeroValue(pk) {
		return identityKey{}, false
	}
	return identityKey{schema: schema, pk: pk}, true
}

func (s *Session) pkCondition(schema *Schema, model any) (*Condition, error) {
	if schema.Primary == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPrimaryKey, schema.Table)
	}
	return Col(schema.Primary.Column).Eq(fieldValue(schema, model, schema.Primary)), nil
}

// adopt attaches a freshly materialized instance to the session. The
// snapshot is read back from the struct so later dirty diffs compare
// like-typed values.
func (s *Session) adopt(schema *Schema, model any) {
	if rec, err := RecordOf(model); err == nil {
		rec.attach(s, schema, model, rowOf(schema, model))
	}
	s.track(schema, model)
}

// dirtyChanges diffs the instance's non-key fields against its loaded
// snapshot.
func dirtyChanges(schema *Schema, model any, rec *Record) Changes {
	changes := make(Changes)
	for _, f := range schema.Fields {
		if f.IsPrimary {
			continue
		}
		current := fieldValue(schema, model, f)
		if !equalValue(current, rec.loaded[f.Column]) {
			changes[f.Column] = current
		}
	}
	return changes
}

func eachModel(models []any, fn func(model any) error) error {
	for _, m := range models {
		rv := reflect.ValueOf(m)
		if rv.Kind() == reflect.Slice {
			for i := 0; i < rv.Len(); i++ {
				if err := fn(rv.Index(i).Interface()); err != nil {
					return err
				}
			}
			continue
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func equalValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
	}
	return reflect.DeepEqual(a, b)
}

var uuidType = reflect.TypeOf(uuid.UUID{})
