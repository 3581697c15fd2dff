package querykit

import (
	"context"
	"fmt"
	"reflect"
)

// SearchRequest bundles the search surface applied by Query.Search: free
// text matched through the schema's simple filters, per-field values matched
// through its advanced filters, plus paging and ordering.
type SearchRequest struct {
	Query   string
	Filters map[string]any
	Page    int
	PerPage int
	Sort    []Sort
}

// Query builds and executes a SELECT over one schema. Builder methods return
// the query for chaining; the first builder error sticks and surfaces from
// the executing call.
type Query[T any] struct {
	session *Session
	schema  *Schema

	cond    *Condition
	sort    []Sort
	limit   int
	offset  int
	joins   []Join
	only    []string        // LoadOnly projection, nil when unset
	defers  map[string]bool // column -> deferred override
	loads   map[string]LoadStrategy
	loadAll []string // relations forced to load after materialization
	err     error
}

// NewQuery starts a query for T on the session. T must be registered on the
// session (or carry a schema via a prior attach).
func NewQuery[T any](s *Session) *Query[T] {
	q := &Query[T]{
		session: s,
		defers:  make(map[string]bool),
		loads:   make(map[string]LoadStrategy),
	}
	t := reflect.TypeOf((*T)(nil)).Elem()
	schema, ok := s.types[t]
	if !ok {
		q.err = fmt.Errorf("%w: %s", ErrNotRegistered, t)
		return q
	}
	q.schema = schema
	return q
}

func (q *Query[T]) fail(err error) *Query[T] {
	if q.err == nil {
		q.err = err
	}
	return q
}

// Filter ANDs conditions onto the query. Nil conditions are ignored.
func (q *Query[T]) Filter(conds ...*Condition) *Query[T] {
	all := append([]*Condition{q.cond}, conds...)
	q.cond = And(all...)
	return q
}

// OrderBy appends an ascending sort on column.
func (q *Query[T]) OrderBy(column string) *Query[T] {
	q.sort = append(q.sort, Sort{Column: column})
	return q
}

// OrderByDesc appends a descending sort on column.
func (q *Query[T]) OrderByDesc(column string) *Query[T] {
	q.sort = append(q.sort, Sort{Column: column, Desc: true})
	return q
}

// Limit caps the result set. Zero means no cap.
func (q *Query[T]) Limit(n int) *Query[T] { q.limit = n; return q }

// Offset skips the first n rows.
func (q *Query[T]) Offset(n int) *Query[T] { q.offset = n; return q }

// Join inner-joins the named relation's table so conditions can reference
// its columns. Pagination over a joined query pages distinct root rows.
func (q *Query[T]) Join(relation string) *Query[T] { return q.join(relation, false, false) }

// OuterJoin left-joins the named relation's table.
func (q *Query[T]) OuterJoin(relation string) *Query[T] { return q.join(relation, true, false) }

// JoinEager joins the relation and also populates it on the results.
func (q *Query[T]) JoinEager(relation string) *Query[T] { return q.join(relation, false, true) }

// OuterJoinEager left-joins the relation and also populates it.
func (q *Query[T]) OuterJoinEager(relation string) *Query[T] { return q.join(relation, true, true) }

func (q *Query[T]) join(relation string, outer, eager bool) *Query[T] {
	if q.err != nil {
		return q
	}
	rel, ok := q.schema.Relations[relation]
	if !ok {
		return q.fail(fmt.Errorf("%w: %q on %s", ErrUnknownRelation, relation, q.schema.Table))
	}
	j := Join{Outer: outer}
	switch rel.Kind {
	case ManyToMany:
		// join through the pivot; conditions against the target table use
		// Any/Has predicates instead
		j.Table = rel.JoinTable
		j.LocalColumn = rel.LocalColumn
		j.ForeignColumn = rel.JoinLocal
	default:
		j.Table = rel.Target.Table
		j.LocalColumn = rel.LocalColumn
		j.ForeignColumn = rel.ForeignColumn
	}
	q.joins = append(q.joins, j)
	if eager {
		q.loads[relation] = LoadJoined
		q.loadAll = append(q.loadAll, relation)
	}
	return q
}

// JoinedLoad batch-loads the relation with one IN query after the roots
// materialize.
func (q *Query[T]) JoinedLoad(relation string) *Query[T] { return q.load(relation, LoadJoined) }

// SubqueryLoad batch-loads the relation through the session's dataloader.
func (q *Query[T]) SubqueryLoad(relation string) *Query[T] { return q.load(relation, LoadSubquery) }

// ImmediateLoad loads the relation with one query per root row.
func (q *Query[T]) ImmediateLoad(relation string) *Query[T] { return q.load(relation, LoadImmediate) }

// LazyLoad defers the relation to Session.LoadRelated.
func (q *Query[T]) LazyLoad(relation string) *Query[T] { return q.load(relation, LoadLazy) }

// NoLoad leaves the relation unpopulated for this query.
func (q *Query[T]) NoLoad(relation string) *Query[T] { return q.load(relation, LoadNone) }

func (q *Query[T]) load(relation string, strategy LoadStrategy) *Query[T] {
	if q.err != nil {
		return q
	}
	if _, ok := q.schema.Relations[relation]; !ok {
		return q.fail(fmt.Errorf("%w: %q on %s", ErrUnknownRelation, relation, q.schema.Table))
	}
	q.loads[relation] = strategy
	if strategy == LoadJoined || strategy == LoadSubquery || strategy == LoadImmediate {
		q.loadAll = append(q.loadAll, relation)
	}
	return q
}

// LoadOnly restricts the projection to the primary key plus the named
// columns.
func (q *Query[T]) LoadOnly(columns ...string) *Query[T] {
	only := columns
	if q.schema != nil && q.schema.Primary != nil {
		only = append([]string{q.schema.Primary.Column}, columns...)
	}
	q.only = only
	return q
}

// Defer excludes columns from the projection for this query.
func (q *Query[T]) Defer(columns ...string) *Query[T] {
	for _, col := range columns {
		q.defers[col] = true
	}
	return q
}

// Undefer re-includes columns the schema marks deferred.
func (q *Query[T]) Undefer(columns ...string) *Query[T] {
	for _, col := range columns {
		q.defers[col] = false
	}
	return q
}

// UndeferGroup re-includes every column deferred under the named group.
func (q *Query[T]) UndeferGroup(group string) *Query[T] {
	if q.schema == nil {
		return q
	}
	for _, f := range q.schema.Fields {
		if f.Deferred && f.DeferGroup == group {
			q.defers[f.Column] = false
		}
	}
	return q
}

// Search applies a search request: free text through the simple filter
// registry, field filters through the advanced registry (unknown filter keys
// fail), plus the request's sort and page window.
func (q *Query[T]) Search(req SearchRequest) *Query[T] {
	if q.err != nil {
		return q
	}
	cond, err := Combined(q.schema.SimpleFilters, req.Query, q.schema.AdvancedFilters, req.Filters)
	if err != nil {
		return q.fail(err)
	}
	q.Filter(cond)
	q.sort = append(q.sort, req.Sort...)
	if req.PerPage > 0 {
		q.limit = req.PerPage
		if req.Page > 1 {
			q.offset = (req.Page - 1) * req.PerPage
		}
	}
	return q
}

func (q *Query[T]) projection() []string {
	if q.only != nil {
		return q.only
	}
	if len(q.defers) == 0 {
		return nil // driver applies the schema default
	}
	out := make([]string, 0, len(q.schema.Fields))
	for _, f := range q.schema.Fields {
		deferred := f.Deferred
		if override, ok := q.defers[f.Column]; ok {
			deferred = override
		}
		if !deferred {
			out = append(out, f.Column)
		}
	}
	return out
}

func (q *Query[T]) selection(limit, offset int) *Selection {
	sel := &Selection{
		Columns: q.projection(),
		Joins:   q.joins,
	}
	if len(q.joins) > 0 && (limit > 0 || offset > 0) {
		// page distinct root keys in a derived table, then join back, so
		// to-many fan-out cannot shrink or duplicate a page
		sel.KeyedPage = &KeyedPage{
			Condition: q.cond,
			Sort:      q.sort,
			Limit:     limit,
			Offset:    offset,
		}
		return sel
	}
	sel.Condition = q.cond
	sel.Sort = q.sort
	sel.Limit = limit
	sel.Offset = offset
	return sel
}

// All executes the query and returns the full result set.
func (q *Query[T]) All(ctx context.Context) ([]*T, error) {
	if q.err != nil {
		return nil, q.err
	}
	ctx, err := q.bindCtx(ctx)
	if err != nil {
		return nil, err
	}
	driver, err := q.session.driverFor(q.schema)
	if err != nil {
		return nil, err
	}
	rows, err := driver.Select(ctx, q.schema, q.selection(q.limit, q.offset))
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", q.schema.Table, err)
	}
	out := make([]*T, 0, len(rows))
	seen := make(map[any]bool, len(rows))
	for _, row := range rows {
		if q.schema.Primary != nil {
			if pk, ok := row[q.schema.Primary.Column]; ok {
				if seen[pk] {
					continue // joined fan-out duplicates the root row
				}
				seen[pk] = true
			}
		}
		model := new(T)
		if err := populate(q.schema, model, row); err != nil {
			return nil, err
		}
		q.session.adopt(q.schema, model)
		out = append(out, model)
	}
	if toLoad := q.eagerRelations(); len(toLoad) > 0 {
		roots := make([]any, len(out))
		for i, m := range out {
			roots[i] = m
		}
		if err := q.session.loadRelations(ctx, q.schema, roots, toLoad, q.loads); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// eagerRelations merges the schema's configured eager strategies with this
// query's per-relation overrides.
func (q *Query[T]) eagerRelations() []string {
	toLoad := append([]string(nil), q.loadAll...)
	for _, name := range q.schema.RelationNames() {
		if _, overridden := q.loads[name]; overridden {
			continue
		}
		switch q.schema.Relations[name].Strategy {
		case LoadJoined, LoadSubquery, LoadImmediate:
			toLoad = append(toLoad, name)
		}
	}
	return toLoad
}

// First executes the query limited to one row, returning nil when empty.
func (q *Query[T]) First(ctx context.Context) (*T, error) {
	limit := q.limit
	q.limit = 1
	items, err := q.All(ctx)
	q.limit = limit
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

// Count returns the number of distinct root rows matching the query.
func (q *Query[T]) Count(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	ctx, err := q.bindCtx(ctx)
	if err != nil {
		return 0, err
	}
	driver, err := q.session.driverFor(q.schema)
	if err != nil {
		return 0, err
	}
	n, err := driver.Count(ctx, q.schema, &Selection{Condition: q.cond, Joins: q.joins})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", q.schema.Table, err)
	}
	return n, nil
}

// Pluck executes the query projected to a single column and returns its
// values in result order.
func (q *Query[T]) Pluck(ctx context.Context, column string) ([]any, error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.schema.FieldByColumn(column) == nil {
		return nil, fmt.Errorf("querykit: pluck: no column %q on %s", column, q.schema.Table)
	}
	ctx, err := q.bindCtx(ctx)
	if err != nil {
		return nil, err
	}
	driver, err := q.session.driverFor(q.schema)
	if err != nil {
		return nil, err
	}
	sel := q.selection(q.limit, q.offset)
	sel.Columns = []string{column}
	rows, err := driver.Select(ctx, q.schema, sel)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", q.schema.Table, err)
	}
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = row[column]
	}
	return out, nil
}

// Page returns the given 1-based page using the schema's default page size.
// Out-of-range pages are errors.
func (q *Query[T]) Page(ctx context.Context, page int) (*Pagination[T], error) {
	return q.Paginate(ctx, page, 0, true)
}

// Paginate returns one page of results along with the total row count and
// derived page metadata. perPage zero falls back to the schema default. With
// errorOut set, page numbers below 1 and empty pages past the first are
// errors; otherwise the page clamps to 1.
func (q *Query[T]) Paginate(ctx context.Context, page, perPage int, errorOut bool) (*Pagination[T], error) {
	if q.err != nil {
		return nil, q.err
	}
	if perPage <= 0 {
		perPage = q.schema.perPage
	}
	if page < 1 {
		if errorOut {
			return nil, fmt.Errorf("%w: %d", ErrInvalidPage, page)
		}
		page = 1
	}

	limit, offset := q.limit, q.offset
	q.limit, q.offset = perPage, (page-1)*perPage
	items, err := q.All(ctx)
	q.limit, q.offset = limit, offset
	if err != nil {
		return nil, err
	}
	if len(items) == 0 && page != 1 && errorOut {
		return nil, fmt.Errorf("%w: page %d", ErrPageNotFound, page)
	}

	var total int64
	if page == 1 && len(items) < perPage {
		// the first short page is the whole result set; skip the count
		total = int64(len(items))
	} else {
		total, err = q.Count(ctx)
		if err != nil {
			return nil, err
		}
	}

	pages := int(total) / perPage
	if int(total)%perPage != 0 {
		pages++
	}
	return &Pagination[T]{
		query:    q,
		errorOut: errorOut,
		Page:     page,
		PerPage:  perPage,
		Total:    total,
		Pages:    pages,
		Items:    items,
	}, nil
}

func (q *Query[T]) bindCtx(ctx context.Context) (context.Context, error) {
	if tx, ok := q.session.txs[q.schema.Bind]; ok {
		return WithTx(ctx, tx), nil
	}
	return ctx, nil
}

// Map transforms each item through fn.
func Map[T, R any](items []T, fn func(T) R) []R {
	out := make([]R, len(items))
	for i, item := range items {
		out[i] = fn(item)
	}
	return out
}

// Reduce folds items left to right into an accumulator seeded with init.
func Reduce[T, A any](items []T, init A, fn func(A, T) A) A {
	acc := init
	for _, item := range items {
		acc = fn(acc, item)
	}
	return acc
}

// ReduceRight folds items right to left.
func ReduceRight[T, A any](items []T, init A, fn func(A, T) A) A {
	acc := init
	for i := len(items) - 1; i >= 0; i-- {
		acc = fn(acc, items[i])
	}
	return acc
}
