package querykit

import (
	"reflect"
	"strings"
	"unicode"
)

// Field describes a struct field mapped to a table column.
type Field struct {
	Name   string // Go struct field name
	Column string // database column name
	Index  int    // struct field index
	Type   reflect.Type

	IsPrimary bool
	IsCreated bool // stamped on insert
	IsUpdated bool // stamped on insert and update

	Deferred   bool   // excluded from default column projection
	DeferGroup string // Undefer group name
}

// RelationKind classifies a relation between two schemas.
type RelationKind int

const (
	OneToOne RelationKind = iota + 1
	OneToMany
	ManyToMany
)

// LoadStrategy selects how a relation is populated when roots materialize.
type LoadStrategy int

const (
	// LoadLazy leaves the relation unpopulated until Session.LoadRelated.
	LoadLazy LoadStrategy = iota
	// LoadJoined batch-loads related rows in one IN query per result set.
	LoadJoined
	// LoadSubquery batch-loads through a shared dataloader, so concurrent
	// queries for the same relation coalesce into one IN query.
	LoadSubquery
	// LoadImmediate issues one query per root row.
	LoadImmediate
	// LoadNone never populates the relation.
	LoadNone
)

// Relation maps a struct field to rows of a target schema.
type Relation struct {
	Name          string // Go struct field on the parent model
	Kind          RelationKind
	Target        *Schema
	LocalColumn   string // column on the parent; defaults to the primary key
	ForeignColumn string // column on the target
	JoinTable     string // many-to-many pivot table
	JoinLocal     string // pivot column referencing the parent
	JoinForeign   string // pivot column referencing the target
	Strategy      LoadStrategy
}

// OneToManyOf declares a to-many relation populated from target rows whose
// foreignColumn equals the parent's primary key.
func OneToManyOf(field string, target *Schema, foreignColumn string) *Relation {
	return &Relation{Name: field, Kind: OneToMany, Target: target, ForeignColumn: foreignColumn}
}

// OneToOneOf declares a to-one relation.
func OneToOneOf(field string, target *Schema, foreignColumn string) *Relation {
	return &Relation{Name: field, Kind: OneToOne, Target: target, ForeignColumn: foreignColumn}
}

// ManyToManyOf declares a relation through a pivot table.
func ManyToManyOf(field string, target *Schema, joinTable, joinLocal, joinForeign string) *Relation {
	return &Relation{
		Name:        field,
		Kind:        ManyToMany,
		Target:      target,
		JoinTable:   joinTable,
		JoinLocal:   joinLocal,
		JoinForeign: joinForeign,
	}
}

// Schema holds the table mapping and declarative configuration for one model
// type. Build with NewSchema; read-only afterwards.
type Schema struct {
	Table string
	Bind  string

	GoType  reflect.Type // the model struct type
	Fields  []*Field
	Primary *Field

	Relations map[string]*Relation
	relNames  []string

	SimpleFilters   *FilterSpec
	AdvancedFilters *FilterSpec

	events       map[Event][]Handler
	mapFields    func(model any) []string
	strictFields []string
	perPage      int

	byColumn map[string]*Field
	byName   map[string]*Field
}

// SchemaOption customizes a schema at build time.
type SchemaOption func(*Schema)

// WithTable overrides the inferred table name.
func WithTable(name string) SchemaOption {
	return func(s *Schema) { s.Table = name }
}

// WithBind assigns the schema to a named bind. Empty means the default bind.
func WithBind(key string) SchemaOption {
	return func(s *Schema) { s.Bind = key }
}

// On registers a lifecycle handler; handlers run in registration order.
func On(event Event, h Handler) SchemaOption {
	return func(s *Schema) { s.events[event] = append(s.events[event], h) }
}

// WithEvents registers handler lists for several events at once.
func WithEvents(table map[Event][]Handler) SchemaOption {
	return func(s *Schema) {
		for event, hs := range table {
			s.events[event] = append(s.events[event], hs...)
		}
	}
}

// WithSimpleFilters merges spec into the schema's free-text search registry.
func WithSimpleFilters(spec *FilterSpec) SchemaOption {
	return func(s *Schema) {
		if s.SimpleFilters == nil {
			s.SimpleFilters = NewFilterSpec()
		}
		s.SimpleFilters.merge(spec)
	}
}

// WithAdvancedFilters merges spec into the schema's field-search registry.
func WithAdvancedFilters(spec *FilterSpec) SchemaOption {
	return func(s *Schema) {
		if s.AdvancedFilters == nil {
			s.AdvancedFilters = NewFilterSpec()
		}
		s.AdvancedFilters.merge(spec)
	}
}

// WithMapFields overrides the field-name hook used by ToMap.
func WithMapFields(hook func(model any) []string) SchemaOption {
	return func(s *Schema) { s.mapFields = hook }
}

// WithStrictFields overrides the allow-list applied by strict updates.
// Default is the schema's column names.
func WithStrictFields(columns ...string) SchemaOption {
	return func(s *Schema) { s.strictFields = append([]string(nil), columns...) }
}

// WithRelation registers a relation. LocalColumn defaults to the primary key.
func WithRelation(rel *Relation) SchemaOption {
	return func(s *Schema) {
		if _, ok := s.Relations[rel.Name]; !ok {
			s.relNames = append(s.relNames, rel.Name)
		}
		s.Relations[rel.Name] = rel
	}
}

// WithDeferred marks columns as deferred under an optional group name, so
// the default projection skips them until Undefer/UndeferGroup.
func WithDeferred(group string, columns ...string) SchemaOption {
	return func(s *Schema) {
		for _, col := range columns {
			if f, ok := s.byColumn[col]; ok {
				f.Deferred = true
				f.DeferGroup = group
			}
		}
	}
}

// WithPerPage sets the default page size used by Page and Paginate.
func WithPerPage(n int) SchemaOption {
	return func(s *Schema) { s.perPage = n }
}

// Defaults is a base configuration shared across schemas. Applying it merges
// deterministically: scalar values fill only unset slots, handler lists
// concatenate ahead of the child's own, and filter specs merge by key with
// the child's entries winning.
type Defaults struct {
	Bind            string
	PerPage         int
	Events          map[Event][]Handler
	SimpleFilters   *FilterSpec
	AdvancedFilters *FilterSpec
	StrictFields    []string
}

// WithDefaults applies a shared base configuration. Pass it before
// child-specific options so the child overrides the base.
func WithDefaults(d Defaults) SchemaOption {
	return func(s *Schema) {
		if s.Bind == "" {
			s.Bind = d.Bind
		}
		if s.perPage == 0 {
			s.perPage = d.PerPage
		}
		for event, hs := range d.Events {
			s.events[event] = append(s.events[event], hs...)
		}
		if d.SimpleFilters != nil {
			merged := d.SimpleFilters.clone()
			merged.merge(s.SimpleFilters)
			s.SimpleFilters = merged
		}
		if d.AdvancedFilters != nil {
			merged := d.AdvancedFilters.clone()
			merged.merge(s.AdvancedFilters)
			s.AdvancedFilters = merged
		}
		if len(s.strictFields) == 0 {
			s.strictFields = append([]string(nil), d.StrictFields...)
		}
	}
}

var recordType = reflect.TypeOf(Record{})

// NewSchema reflects the model struct T into a Schema. Column mapping reads
// the `db` struct tag: `db:"col"`, with comma options `pk`, `created`, and
// `updated`; `db:"-"` skips the field. Untagged exported fields map to the
// snake_case of their name, and the table name defaults to the snake_case of
// the type name.
func NewSchema[T any](opts ...SchemaOption) *Schema {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() != reflect.Struct {
		panic("querykit: NewSchema requires a struct type")
	}

	s := &Schema{
		Table:     snakeCase(t.Name()),
		GoType:    t,
		Relations: make(map[string]*Relation),
		events:    make(map[Event][]Handler),
		byColumn:  make(map[string]*Field),
		byName:    make(map[string]*Field),
	}

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() || sf.Type == recordType {
			continue
		}
		tag := sf.Tag.Get("db")
		if tag == "-" {
			continue
		}
		parts := strings.Split(tag, ",")
		column := parts[0]
		if column == "" {
			column = snakeCase(sf.Name)
		}
		f := &Field{Name: sf.Name, Column: column, Index: i, Type: sf.Type}
		for _, opt := range parts[1:] {
			switch opt {
			case "pk":
				f.IsPrimary = true
			case "created":
				f.IsCreated = true
			case "updated":
				f.IsUpdated = true
			}
		}
		s.Fields = append(s.Fields, f)
		s.byColumn[column] = f
		s.byName[sf.Name] = f
		if f.IsPrimary {
			s.Primary = f
		}
	}

	for _, opt := range opts {
		opt(s)
	}

	for _, rel := range s.Relations {
		if rel.LocalColumn == "" && s.Primary != nil {
			rel.LocalColumn = s.Primary.Column
		}
	}
	if s.perPage == 0 {
		s.perPage = DefaultPerPage
	}
	return s
}

// DefaultPerPage is the page size used when a schema does not configure one.
const DefaultPerPage = 50

// Columns returns the column names in field order.
func (s *Schema) Columns() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Column
	}
	return out
}

// FieldByColumn resolves a column name to its field, or nil.
func (s *Schema) FieldByColumn(column string) *Field { return s.byColumn[column] }

// FieldByName resolves a Go field name to its field, or nil.
func (s *Schema) FieldByName(name string) *Field { return s.byName[name] }

// RelationNames returns relation names in registration order.
func (s *Schema) RelationNames() []string {
	out := make([]string, len(s.relNames))
	copy(out, s.relNames)
	return out
}

// StrictFields returns the allow-list consulted by strict updates.
func (s *Schema) StrictFields() []string {
	if len(s.strictFields) > 0 {
		return s.strictFields
	}
	return s.Columns()
}

// DefaultProjection lists non-deferred columns, the projection drivers use
// when a selection names none.
func (s *Schema) DefaultProjection() []string {
	out := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		if !f.Deferred {
			out = append(out, f.Column)
		}
	}
	return out
}

func snakeCase(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			// break before an upper rune that starts a new word, including
			// the tail of an acronym (HTTPServer -> http_server)
			if i > 0 && (!unicode.IsUpper(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
