package querykit

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// memDriver is an in-memory Driver used by the tests: rows live in maps and
// conditions evaluate directly against them.
type memDriver struct {
	tables  map[string][]map[string]any
	created []string
	closed  bool

	commits   int32
	rollbacks int32
}

func newMemDriver() *memDriver {
	return &memDriver{tables: make(map[string][]map[string]any)}
}

func (d *memDriver) Ping(ctx context.Context) error  { return nil }
func (d *memDriver) Close(ctx context.Context) error { d.closed = true; return nil }

type memTx struct{ d *memDriver }

func (t *memTx) Commit(ctx context.Context) error {
	atomic.AddInt32(&t.d.commits, 1)
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	atomic.AddInt32(&t.d.rollbacks, 1)
	return nil
}

func (d *memDriver) Begin(ctx context.Context) (Tx, error) { return &memTx{d: d}, nil }

func (d *memDriver) Insert(ctx context.Context, schema *Schema, rows []Changes) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		stored := make(map[string]any, len(row))
		for k, v := range row {
			stored[k] = v
		}
		d.tables[schema.Table] = append(d.tables[schema.Table], stored)
		out = append(out, stored)
	}
	return out, nil
}

func (d *memDriver) Select(ctx context.Context, schema *Schema, sel *Selection) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cond, sorts, limit, offset := sel.Condition, sel.Sort, sel.Limit, sel.Offset
	if sel.KeyedPage != nil {
		cond = sel.KeyedPage.Condition
		sorts = sel.KeyedPage.Sort
		limit = sel.KeyedPage.Limit
		offset = sel.KeyedPage.Offset
	}
	var out []map[string]any
	for _, row := range d.tables[schema.Table] {
		ok, err := evalCond(row, cond)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	sortRows(out, sorts)
	out = window(out, limit, offset)

	copies := make([]map[string]any, len(out))
	for i, row := range out {
		cp := make(map[string]any, len(row))
		for k, v := range row {
			cp[k] = v
		}
		copies[i] = cp
	}
	return copies, nil
}

func (d *memDriver) Update(ctx context.Context, schema *Schema, cond *Condition, changes Changes) (int64, error) {
	var n int64
	for _, row := range d.tables[schema.Table] {
		ok, err := evalCond(row, cond)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		for k, v := range changes {
			row[k] = v
		}
		n++
	}
	return n, nil
}

func (d *memDriver) Delete(ctx context.Context, schema *Schema, cond *Condition) (int64, error) {
	kept := d.tables[schema.Table][:0]
	var n int64
	for _, row := range d.tables[schema.Table] {
		ok, err := evalCond(row, cond)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
			continue
		}
		kept = append(kept, row)
	}
	d.tables[schema.Table] = kept
	return n, nil
}

func (d *memDriver) Count(ctx context.Context, schema *Schema, sel *Selection) (int64, error) {
	var n int64
	for _, row := range d.tables[schema.Table] {
		ok, err := evalCond(row, sel.Condition)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (d *memDriver) CreateAll(ctx context.Context, schemas []*Schema) error {
	for _, s := range schemas {
		d.created = append(d.created, s.Table)
		if _, ok := d.tables[s.Table]; !ok {
			d.tables[s.Table] = nil
		}
	}
	return nil
}

func (d *memDriver) DropAll(ctx context.Context, schemas []*Schema) error {
	for _, s := range schemas {
		delete(d.tables, s.Table)
	}
	return nil
}

func (d *memDriver) Reflect(ctx context.Context) ([]TableInfo, error) {
	names := make([]string, 0, len(d.tables))
	for name := range d.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]TableInfo, len(names))
	for i, name := range names {
		out[i] = TableInfo{Name: name}
	}
	return out, nil
}

// wideDriver wraps memDriver and widens returned row values the way a SQL
// driver does: ints come back as int64 and uuids as raw byte arrays.
type wideDriver struct {
	*memDriver
	updates int32
}

func widenRows(rows []map[string]any) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		cp := make(map[string]any, len(row))
		for k, v := range row {
			switch val := v.(type) {
			case int:
				cp[k] = int64(val)
			case uuid.UUID:
				cp[k] = [16]byte(val)
			default:
				cp[k] = v
			}
		}
		out[i] = cp
	}
	return out
}

func (d *wideDriver) Insert(ctx context.Context, schema *Schema, rows []Changes) ([]map[string]any, error) {
	stored, err := d.memDriver.Insert(ctx, schema, rows)
	if err != nil {
		return nil, err
	}
	return widenRows(stored), nil
}

func (d *wideDriver) Select(ctx context.Context, schema *Schema, sel *Selection) ([]map[string]any, error) {
	rows, err := d.memDriver.Select(ctx, schema, sel)
	if err != nil {
		return nil, err
	}
	return widenRows(rows), nil
}

func (d *wideDriver) Update(ctx context.Context, schema *Schema, cond *Condition, changes Changes) (int64, error) {
	atomic.AddInt32(&d.updates, 1)
	return d.memDriver.Update(ctx, schema, cond, changes)
}

func evalCond(row map[string]any, c *Condition) (bool, error) {
	if c == nil {
		return true, nil
	}
	switch c.Op {
	case OpAnd:
		for _, child := range c.Children {
			ok, err := evalCond(row, child)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, child := range c.Children {
			ok, err := evalCond(row, child)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		ok, err := evalCond(row, c.Children[0])
		return !ok, err
	case OpEq:
		return compareVals(row[c.Column], c.Value) == 0, nil
	case OpGt:
		return compareVals(row[c.Column], c.Value) > 0, nil
	case OpGte:
		return compareVals(row[c.Column], c.Value) >= 0, nil
	case OpLt:
		return compareVals(row[c.Column], c.Value) < 0, nil
	case OpLte:
		return compareVals(row[c.Column], c.Value) <= 0, nil
	case OpLike:
		return likeMatch(fmt.Sprint(row[c.Column]), fmt.Sprint(c.Value)), nil
	case OpILike:
		return likeMatch(
			strings.ToLower(fmt.Sprint(row[c.Column])),
			strings.ToLower(fmt.Sprint(c.Value)),
		), nil
	case OpIn:
		values, _ := c.Value.([]any)
		for _, v := range values {
			if compareVals(row[c.Column], v) == 0 {
				return true, nil
			}
		}
		return false, nil
	case OpIsNull:
		return row[c.Column] == nil, nil
	default:
		return false, fmt.Errorf("memdriver: unsupported operator %q", c.Op)
	}
}

func likeMatch(s, pattern string) bool {
	switch {
	case strings.HasPrefix(pattern, "%") && strings.HasSuffix(pattern, "%"):
		return strings.Contains(s, strings.Trim(pattern, "%"))
	case strings.HasPrefix(pattern, "%"):
		return strings.HasSuffix(s, strings.TrimPrefix(pattern, "%"))
	case strings.HasSuffix(pattern, "%"):
		return strings.HasPrefix(s, strings.TrimSuffix(pattern, "%"))
	default:
		return s == pattern
	}
}

func compareVals(a, b any) int {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0
		}
		return -1
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb)
		}
	}
	av, aok := toFloat(a)
	bv, bok := toFloat(b)
	if aok && bok {
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}

func sortRows(rows []map[string]any, sorts []Sort) {
	if len(sorts) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, s := range sorts {
			c := compareVals(rows[i][s.Column], rows[j][s.Column])
			if c == 0 {
				continue
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func window(rows []map[string]any, limit, offset int) []map[string]any {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
