package querykit

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/graph-gophers/dataloader"
)

// LoadRelated populates the named relations on an attached model. Relations
// configured with LoadSubquery batch through a shared dataloader, so
// concurrent loads of the same relation coalesce into one query.
func (s *Session) LoadRelated(ctx context.Context, model any, relations ...string) error {
	schema, err := s.SchemaFor(model)
	if err != nil {
		return err
	}
	if len(relations) == 0 {
		relations = schema.RelationNames()
	}
	return s.loadRelations(ctx, schema, []any{model}, relations, nil)
}

// loadRelations populates relations across a materialized result set.
// overrides holds per-query strategy choices; nil falls back to each
// relation's configured strategy.
func (s *Session) loadRelations(ctx context.Context, schema *Schema, roots []any, relations []string, overrides map[string]LoadStrategy) error {
	if len(roots) == 0 {
		return nil
	}
	done := make(map[string]bool, len(relations))
	for _, name := range relations {
		if done[name] {
			continue
		}
		done[name] = true
		rel, ok := schema.Relations[name]
		if !ok {
			return fmt.Errorf("%w: %q on %s", ErrUnknownRelation, name, schema.Table)
		}
		strategy := rel.Strategy
		if overrides != nil {
			if st, ok := overrides[name]; ok {
				strategy = st
			}
		}
		var err error
		switch strategy {
		case LoadNone:
			// leave unpopulated
		case LoadImmediate:
			err = s.loadImmediate(ctx, schema, rel, roots)
		case LoadSubquery:
			err = s.loadBatched(ctx, schema, rel, roots)
		default: // LoadLazy via LoadRelated, LoadJoined
			err = s.loadJoined(ctx, schema, rel, roots)
		}
		if err != nil {
			return fmt.Errorf("load relation %s.%s: %w", schema.Table, name, err)
		}
	}
	return nil
}

// loadJoined fetches every related row for the root set in one IN query and
// distributes the results.
func (s *Session) loadJoined(ctx context.Context, schema *Schema, rel *Relation, roots []any) error {
	local := schema.FieldByColumn(rel.LocalColumn)
	if local == nil {
		return fmt.Errorf("no local column %q", rel.LocalColumn)
	}
	keys := make([]any, 0, len(roots))
	seen := make(map[any]bool, len(roots))
	for _, root := range roots {
		k := fieldValue(schema, root, local)
		if k == nil || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil
	}

	byKey, err := s.fetchRelated(ctx, rel, keys, local.Type)
	if err != nil {
		return err
	}
	for _, root := range roots {
		k := fieldValue(schema, root, local)
		if err := assignRelated(root, rel, byKey[k]); err != nil {
			return err
		}
	}
	return nil
}

// loadImmediate issues one query per root row.
func (s *Session) loadImmediate(ctx context.Context, schema *Schema, rel *Relation, roots []any) error {
	local := schema.FieldByColumn(rel.LocalColumn)
	if local == nil {
		return fmt.Errorf("no local column %q", rel.LocalColumn)
	}
	for _, root := range roots {
		k := fieldValue(schema, root, local)
		if k == nil {
			continue
		}
		byKey, err := s.fetchRelated(ctx, rel, []any{k}, local.Type)
		if err != nil {
			return err
		}
		if err := assignRelated(root, rel, byKey[k]); err != nil {
			return err
		}
	}
	return nil
}

// loadBatched routes each root key through a per-relation dataloader, so
// loads issued close together collapse into one fetchRelated call.
func (s *Session) loadBatched(ctx context.Context, schema *Schema, rel *Relation, roots []any) error {
	local := schema.FieldByColumn(rel.LocalColumn)
	if local == nil {
		return fmt.Errorf("no local column %q", rel.LocalColumn)
	}
	rl := s.relationLoader(schema, rel)

	thunks := make(map[any]dataloader.Thunk, len(roots))
	for _, root := range roots {
		k := fieldValue(schema, root, local)
		if k == nil {
			continue
		}
		if _, ok := thunks[k]; ok {
			continue
		}
		key := fmt.Sprint(k)
		rl.remember(key, k)
		thunks[k] = rl.loader.Load(ctx, dataloader.StringKey(key))
	}
	for _, root := range roots {
		k := fieldValue(schema, root, local)
		thunk, ok := thunks[k]
		if !ok {
			continue
		}
		data, err := thunk()
		if err != nil {
			return err
		}
		related, _ := data.([]any)
		if err := assignRelated(root, rel, related); err != nil {
			return err
		}
	}
	return nil
}

// fetchRelated loads the target rows for a key set and groups them by the
// root-side key, normalized to keyType so the caller's field-value lookups
// hit. Many-to-many relations resolve through the pivot table first.
func (s *Session) fetchRelated(ctx context.Context, rel *Relation, keys []any, keyType reflect.Type) (map[any][]any, error) {
	driver, err := s.driverFor(rel.Target)
	if err != nil {
		return nil, err
	}
	if tx, ok := s.txs[rel.Target.Bind]; ok {
		ctx = WithTx(ctx, tx)
	}

	if rel.Kind == ManyToMany {
		return s.fetchThroughPivot(ctx, driver, rel, keys, keyType)
	}

	columns := rel.Target.DefaultProjection()
	if rel.Target.FieldByColumn(rel.ForeignColumn) == nil || rel.Target.FieldByColumn(rel.ForeignColumn).Deferred {
		columns = append(columns, rel.ForeignColumn)
	}
	rows, err := driver.Select(ctx, rel.Target, &Selection{
		Condition: Col(rel.ForeignColumn).In(keys...),
		Columns:   columns,
	})
	if err != nil {
		return nil, err
	}
	byKey := make(map[any][]any, len(keys))
	for _, row := range rows {
		model, err := s.materialize(rel.Target, row)
		if err != nil {
			return nil, err
		}
		k := normalizeKey(row[rel.ForeignColumn], keyType)
		byKey[k] = append(byKey[k], model)
	}
	return byKey, nil
}

func (s *Session) fetchThroughPivot(ctx context.Context, driver Driver, rel *Relation, keys []any, keyType reflect.Type) (map[any][]any, error) {
	if rel.Target.Primary == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPrimaryKey, rel.Target.Table)
	}
	pkType := rel.Target.Primary.Type

	pivot := pivotSchema(rel)
	links, err := driver.Select(ctx, pivot, &Selection{
		Condition: Col(rel.JoinLocal).In(keys...),
		Columns:   []string{rel.JoinLocal, rel.JoinForeign},
	})
	if err != nil {
		return nil, err
	}
	foreign := make([]any, 0, len(links))
	seen := make(map[any]bool, len(links))
	for _, link := range links {
		fk := normalizeKey(link[rel.JoinForeign], pkType)
		if fk == nil || seen[fk] {
			continue
		}
		seen[fk] = true
		foreign = append(foreign, fk)
	}
	byKey := make(map[any][]any, len(keys))
	if len(foreign) == 0 {
		return byKey, nil
	}

	rows, err := driver.Select(ctx, rel.Target, &Selection{
		Condition: Col(rel.Target.Primary.Column).In(foreign...),
	})
	if err != nil {
		return nil, err
	}
	byPK := make(map[any]any, len(rows))
	for _, row := range rows {
		model, err := s.materialize(rel.Target, row)
		if err != nil {
			return nil, err
		}
		byPK[normalizeKey(row[rel.Target.Primary.Column], pkType)] = model
	}
	for _, link := range links {
		if model, ok := byPK[normalizeKey(link[rel.JoinForeign], pkType)]; ok {
			lk := normalizeKey(link[rel.JoinLocal], keyType)
			byKey[lk] = append(byKey[lk], model)
		}
	}
	return byKey, nil
}

// pivotSchema builds an ad-hoc two-column schema for a many-to-many join
// table, enough for the driver to select link rows.
func pivotSchema(rel *Relation) *Schema {
	local := &Field{Name: rel.JoinLocal, Column: rel.JoinLocal, Index: 0}
	foreign := &Field{Name: rel.JoinForeign, Column: rel.JoinForeign, Index: 1}
	return &Schema{
		Table:    rel.JoinTable,
		Bind:     rel.Target.Bind,
		Fields:   []*Field{local, foreign},
		byColumn: map[string]*Field{rel.JoinLocal: local, rel.JoinForeign: foreign},
		byName:   map[string]*Field{rel.JoinLocal: local, rel.JoinForeign: foreign},
	}
}

// materialize builds a tracked model instance from a driver row.
func (s *Session) materialize(schema *Schema, row map[string]any) (any, error) {
	model := reflect.New(schema.GoType).Interface()
	if err := populate(schema, model, row); err != nil {
		return nil, err
	}
	s.adopt(schema, model)
	return model, nil
}

// assignRelated writes loaded target models into the root's relation field.
// To-one relations take the first row; to-many fill a slice of values or
// pointers, matching the field's element type.
func assignRelated(root any, rel *Relation, related []any) error {
	field := reflect.ValueOf(root).Elem().FieldByName(rel.Name)
	if !field.IsValid() || !field.CanSet() {
		return fmt.Errorf("no settable field %q", rel.Name)
	}
	if rel.Kind == OneToOne {
		if len(related) == 0 {
			field.Set(reflect.Zero(field.Type()))
			return nil
		}
		return assign(field, related[0])
	}
	if field.Kind() != reflect.Slice {
		return fmt.Errorf("field %q is %s, want a slice", rel.Name, field.Kind())
	}
	out := reflect.MakeSlice(field.Type(), len(related), len(related))
	for i, model := range related {
		if err := assign(out.Index(i), model); err != nil {
			return err
		}
	}
	field.Set(out)
	return nil
}

// relationLoader caches one dataloader per relation. Batches wait briefly so
// adjacent loads coalesce.
type relationLoader struct {
	loader *dataloader.Loader

	mu   sync.Mutex
	keys map[string]any
}

func (rl *relationLoader) remember(key string, value any) {
	rl.mu.Lock()
	rl.keys[key] = value
	rl.mu.Unlock()
}

func (rl *relationLoader) value(key string) any {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.keys[key]
}

func (s *Session) relationLoader(schema *Schema, rel *Relation) *relationLoader {
	name := schema.Table + "." + rel.Name
	if rl, ok := s.loaders[name]; ok {
		return rl
	}
	var keyType reflect.Type
	if local := schema.FieldByColumn(rel.LocalColumn); local != nil {
		keyType = local.Type
	}
	rl := &relationLoader{keys: make(map[string]any)}
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		raw := make([]any, len(keys))
		for i, k := range keys {
			raw[i] = rl.value(k.String())
		}
		byKey, err := s.fetchRelated(ctx, rel, raw, keyType)
		results := make([]*dataloader.Result, len(keys))
		for i := range keys {
			if err != nil {
				results[i] = &dataloader.Result{Error: err}
				continue
			}
			results[i] = &dataloader.Result{Data: byKey[raw[i]]}
		}
		return results
	}
	// the loader lives as long as the session; clearing per batch keeps
	// coalescing without serving stale rows on later loads
	rl.loader = dataloader.NewBatchedLoader(batchFn,
		dataloader.WithWait(5*time.Millisecond),
		dataloader.WithClearCacheOnBatch(),
	)
	s.loaders[name] = rl
	return rl
}
