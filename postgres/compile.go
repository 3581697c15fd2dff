package postgres

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/querykit"
)

// builder accumulates a statement and its positional arguments.
type builder struct {
	sql  strings.Builder
	args []any
}

func (b *builder) write(s string) { b.sql.WriteString(s) }

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// qualify prefixes a bare column with the table name. Columns already
// carrying a table qualifier (joined tables) pass through.
func qualify(table, column string) string {
	if strings.Contains(column, ".") {
		return column
	}
	return table + "." + column
}

// writeCondition compiles a condition tree into SQL. Relation predicates
// (Any/Has) become EXISTS subqueries against the related table.
func writeCondition(b *builder, schema *querykit.Schema, table string, c *querykit.Condition) error {
	switch c.Op {
	case querykit.OpAnd, querykit.OpOr:
		b.write("(")
		for i, child := range c.Children {
			if i > 0 {
				b.write(" " + string(c.Op) + " ")
			}
			if err := writeCondition(b, schema, table, child); err != nil {
				return err
			}
		}
		b.write(")")
		return nil
	case querykit.OpNot:
		b.write("NOT (")
		if err := writeCondition(b, schema, table, c.Children[0]); err != nil {
			return err
		}
		b.write(")")
		return nil
	case querykit.OpAny, querykit.OpHas:
		return writeExists(b, schema, table, c)
	}

	col := qualify(table, c.Column)
	switch c.Op {
	case querykit.OpEq:
		if c.Value == nil {
			b.write(col + " IS NULL")
			return nil
		}
		b.write(col + " = " + b.arg(c.Value))
	case querykit.OpGt:
		b.write(col + " > " + b.arg(c.Value))
	case querykit.OpGte:
		b.write(col + " >= " + b.arg(c.Value))
	case querykit.OpLt:
		b.write(col + " < " + b.arg(c.Value))
	case querykit.OpLte:
		b.write(col + " <= " + b.arg(c.Value))
	case querykit.OpLike:
		b.write(col + " LIKE " + b.arg(c.Value))
	case querykit.OpILike:
		b.write(col + " ILIKE " + b.arg(c.Value))
	case querykit.OpIsNull:
		b.write(col + " IS NULL")
	case querykit.OpIn:
		values := inValues(c.Value)
		if len(values) == 0 {
			b.write("FALSE")
			return nil
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = b.arg(v)
		}
		b.write(col + " IN (" + strings.Join(placeholders, ", ") + ")")
	default:
		return fmt.Errorf("postgres: cannot compile operator %q on column %q", c.Op, c.Column)
	}
	return nil
}

func inValues(v any) []any {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// writeExists compiles an Any/Has predicate into an EXISTS subquery
// correlated on the relation's key columns. Many-to-many relations route
// through the pivot table.
func writeExists(b *builder, schema *querykit.Schema, table string, c *querykit.Condition) error {
	rel, ok := schema.Relations[c.Relation]
	if !ok {
		return fmt.Errorf("%w: %q on %s", querykit.ErrUnknownRelation, c.Relation, schema.Table)
	}
	local := rel.LocalColumn
	target := rel.Target.Table

	b.write("EXISTS (SELECT 1 FROM ")
	if rel.Kind == querykit.ManyToMany {
		if rel.Target.Primary == nil {
			return fmt.Errorf("%w: %s", querykit.ErrNoPrimaryKey, target)
		}
		b.write(rel.JoinTable + " JOIN " + target + " ON " +
			qualify(target, rel.Target.Primary.Column) + " = " + qualify(rel.JoinTable, rel.JoinForeign) +
			" WHERE " + qualify(rel.JoinTable, rel.JoinLocal) + " = " + qualify(table, local))
	} else {
		b.write(target +
			" WHERE " + qualify(target, rel.ForeignColumn) + " = " + qualify(table, local))
	}
	if c.Inner != nil {
		b.write(" AND ")
		if err := writeCondition(b, rel.Target, target, c.Inner); err != nil {
			return err
		}
	}
	b.write(")")
	return nil
}

func writeJoins(b *builder, table string, joins []querykit.Join) {
	for _, j := range joins {
		if j.Outer {
			b.write(" LEFT JOIN ")
		} else {
			b.write(" JOIN ")
		}
		b.write(j.Table + " ON " + qualify(j.Table, j.ForeignColumn) + " = " + qualify(table, j.LocalColumn))
	}
}

func writeSort(b *builder, table string, sorts []querykit.Sort) {
	if len(sorts) == 0 {
		return
	}
	b.write(" ORDER BY ")
	for i, s := range sorts {
		if i > 0 {
			b.write(", ")
		}
		b.write(qualify(table, s.Column))
		if s.Desc {
			b.write(" DESC")
		}
	}
}

func writeWindow(b *builder, limit, offset int) {
	if limit > 0 {
		b.write(" LIMIT " + strconv.Itoa(limit))
	}
	if offset > 0 {
		b.write(" OFFSET " + strconv.Itoa(offset))
	}
}

// buildSelect compiles a selection. A keyed page compiles into a derived
// table of distinct primary keys carrying the condition, sort, and window;
// the outer query joins back on the key so to-many joins cannot distort the
// page.
func buildSelect(schema *querykit.Schema, sel *querykit.Selection) (string, []any, error) {
	table := schema.Table
	columns := sel.Columns
	if columns == nil {
		columns = schema.DefaultProjection()
	}
	qualified := make([]string, len(columns))
	for i, col := range columns {
		qualified[i] = qualify(table, col)
	}

	b := &builder{}
	b.write("SELECT " + strings.Join(qualified, ", ") + " FROM " + table)
	writeJoins(b, table, sel.Joins)

	if kp := sel.KeyedPage; kp != nil {
		if schema.Primary == nil {
			return "", nil, fmt.Errorf("%w: %s", querykit.ErrNoPrimaryKey, table)
		}
		pk := schema.Primary.Column
		// DISTINCT requires the sort columns in the select list
		inner := []string{qualify(table, pk)}
		for _, s := range kp.Sort {
			if s.Column != pk {
				inner = append(inner, qualify(table, s.Column))
			}
		}
		b.write(" JOIN (SELECT DISTINCT " + strings.Join(inner, ", ") + " FROM " + table)
		writeJoins(b, table, sel.Joins)
		if kp.Condition != nil {
			b.write(" WHERE ")
			if err := writeCondition(b, schema, table, kp.Condition); err != nil {
				return "", nil, err
			}
		}
		writeSort(b, table, kp.Sort)
		writeWindow(b, kp.Limit, kp.Offset)
		b.write(") AS page_keys ON page_keys." + pk + " = " + qualify(table, pk))
		writeSort(b, "page_keys", kp.Sort)
		return b.sql.String(), b.args, nil
	}

	if sel.Condition != nil {
		b.write(" WHERE ")
		if err := writeCondition(b, schema, table, sel.Condition); err != nil {
			return "", nil, err
		}
	}
	writeSort(b, table, sel.Sort)
	writeWindow(b, sel.Limit, sel.Offset)
	return b.sql.String(), b.args, nil
}

// orderedColumns returns the change set's columns in schema field order,
// with unmapped keys sorted at the end.
func orderedColumns(schema *querykit.Schema, changes querykit.Changes) []string {
	out := make([]string, 0, len(changes))
	seen := make(map[string]bool, len(changes))
	for _, col := range schema.Columns() {
		if _, ok := changes[col]; ok {
			out = append(out, col)
			seen[col] = true
		}
	}
	var extra []string
	for col := range changes {
		if !seen[col] {
			extra = append(extra, col)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

func buildInsert(schema *querykit.Schema, row querykit.Changes) (string, []any) {
	b := &builder{}
	columns := orderedColumns(schema, row)
	placeholders := make([]string, len(columns))
	for i, col := range columns {
		placeholders[i] = b.arg(row[col])
	}
	b.write("INSERT INTO " + schema.Table +
		" (" + strings.Join(columns, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") +
		") RETURNING *")
	return b.sql.String(), b.args
}

func buildUpdate(schema *querykit.Schema, cond *querykit.Condition, changes querykit.Changes) (string, []any, error) {
	b := &builder{}
	b.write("UPDATE " + schema.Table + " SET ")
	for i, col := range orderedColumns(schema, changes) {
		if i > 0 {
			b.write(", ")
		}
		b.write(col + " = " + b.arg(changes[col]))
	}
	if cond != nil {
		b.write(" WHERE ")
		if err := writeCondition(b, schema, schema.Table, cond); err != nil {
			return "", nil, err
		}
	}
	return b.sql.String(), b.args, nil
}

func buildDelete(schema *querykit.Schema, cond *querykit.Condition) (string, []any, error) {
	b := &builder{}
	b.write("DELETE FROM " + schema.Table)
	if cond != nil {
		b.write(" WHERE ")
		if err := writeCondition(b, schema, schema.Table, cond); err != nil {
			return "", nil, err
		}
	}
	return b.sql.String(), b.args, nil
}

// buildCount counts matching rows. With joins present it counts distinct
// primary keys, so to-many fan-out cannot inflate the total.
func buildCount(schema *querykit.Schema, sel *querykit.Selection) (string, []any, error) {
	table := schema.Table
	b := &builder{}
	if len(sel.Joins) > 0 {
		if schema.Primary == nil {
			return "", nil, fmt.Errorf("%w: %s", querykit.ErrNoPrimaryKey, table)
		}
		b.write("SELECT COUNT(DISTINCT " + qualify(table, schema.Primary.Column) + ") FROM " + table)
		writeJoins(b, table, sel.Joins)
	} else {
		b.write("SELECT COUNT(*) FROM " + table)
	}
	if sel.Condition != nil {
		b.write(" WHERE ")
		if err := writeCondition(b, schema, table, sel.Condition); err != nil {
			return "", nil, err
		}
	}
	return b.sql.String(), b.args, nil
}

var (
	uuidType = reflect.TypeOf(uuid.UUID{})
	timeType = reflect.TypeOf(time.Time{})
	byteSlc  = reflect.TypeOf([]byte(nil))
)

// sqlType maps a Go field type onto a PostgreSQL column type.
func sqlType(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t {
	case uuidType:
		return "UUID"
	case timeType:
		return "TIMESTAMPTZ"
	case byteSlc:
		return "BYTEA"
	}
	switch t.Kind() {
	case reflect.String:
		return "TEXT"
	case reflect.Bool:
		return "BOOLEAN"
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Uint8, reflect.Uint16:
		return "INTEGER"
	case reflect.Int, reflect.Int64, reflect.Uint, reflect.Uint32, reflect.Uint64:
		return "BIGINT"
	case reflect.Float32:
		return "REAL"
	case reflect.Float64:
		return "DOUBLE PRECISION"
	default:
		// maps, slices, and nested structs persist as JSONB
		return "JSONB"
	}
}

func buildCreateTable(schema *querykit.Schema) (string, error) {
	if len(schema.Fields) == 0 {
		return "", fmt.Errorf("postgres: schema %s has no mapped fields", schema.Table)
	}
	defs := make([]string, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		switch {
		case f.IsPrimary && f.Type == uuidType:
			defs = append(defs, f.Column+" UUID PRIMARY KEY DEFAULT gen_random_uuid()")
		case f.IsPrimary && (f.Type.Kind() == reflect.Int || f.Type.Kind() == reflect.Int64):
			defs = append(defs, f.Column+" BIGSERIAL PRIMARY KEY")
		case f.IsPrimary:
			defs = append(defs, f.Column+" "+sqlType(f.Type)+" PRIMARY KEY")
		default:
			defs = append(defs, f.Column+" "+sqlType(f.Type))
		}
	}
	return "CREATE TABLE IF NOT EXISTS " + schema.Table + " (" + strings.Join(defs, ", ") + ")", nil
}
