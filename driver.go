package querykit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Sort orders results by a column.
type Sort struct {
	Column string
	Desc   bool
}

// Changes is a column→value set applied by inserts and updates.
type Changes map[string]any

// Join describes an equi-join from the root table onto another table.
type Join struct {
	Table         string
	LocalColumn   string // column on the root table
	ForeignColumn string // column on the joined table
	Outer         bool
}

// KeyedPage restricts the root table to a page of primary keys: the
// condition, sort, and limit/offset apply to a key-only derived table which
// the root query joins back on its primary key. This keeps pagination
// operating on distinct root identities even when to-many joins fan out the
// outer row set. Sort applies before limit/offset.
type KeyedPage struct {
	Condition *Condition
	Sort      []Sort
	Limit     int
	Offset    int
}

// Selection is the driver-facing description of a SELECT.
type Selection struct {
	Condition *Condition
	Sort      []Sort
	Limit     int
	Offset    int
	Columns   []string // nil means the schema's default projection
	Joins     []Join
	KeyedPage *KeyedPage
}

// Tx is a driver transaction handle.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TableInfo describes a reflected table.
type TableInfo struct {
	Name    string
	Columns []ColumnInfo
}

// ColumnInfo describes a reflected column.
type ColumnInfo struct {
	Name     string
	DataType string
	Nullable bool
}

// Driver executes operations against one bound database. Implementations
// must honor a transaction carried in the context (see WithTx).
type Driver interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	Begin(ctx context.Context) (Tx, error)

	// Insert stores rows and returns the stored column values (including
	// database-assigned defaults), one map per input row, in order.
	Insert(ctx context.Context, schema *Schema, rows []Changes) ([]map[string]any, error)
	Select(ctx context.Context, schema *Schema, sel *Selection) ([]map[string]any, error)
	Update(ctx context.Context, schema *Schema, cond *Condition, changes Changes) (int64, error)
	Delete(ctx context.Context, schema *Schema, cond *Condition) (int64, error)
	// Count returns the number of distinct root rows matched by the
	// selection's condition; its joins apply so conditions may reference
	// joined columns.
	Count(ctx context.Context, schema *Schema, sel *Selection) (int64, error)

	CreateAll(ctx context.Context, schemas []*Schema) error
	DropAll(ctx context.Context, schemas []*Schema) error
	Reflect(ctx context.Context) ([]TableInfo, error)
}

// Migrator is implemented by drivers that can apply versioned migrations
// from a source path.
type Migrator interface {
	Migrate(ctx context.Context, source string) error
}

// DriverOptions carries per-bind connection settings resolved from Config.
type DriverOptions struct {
	URI          string
	Echo         bool
	PoolSize     int32
	PoolMinConns int32
	PoolRecycle  time.Duration
	PoolIdleTime time.Duration
}

// DriverFactory opens a driver for the given options.
type DriverFactory func(ctx context.Context, opts DriverOptions) (Driver, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]DriverFactory)
)

// RegisterDriver makes a factory available under a URI scheme. It panics on
// duplicate registration, mirroring database/sql.Register.
func RegisterDriver(scheme string, factory DriverFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if factory == nil {
		panic("querykit: RegisterDriver factory is nil")
	}
	if _, dup := factories[scheme]; dup {
		panic("querykit: RegisterDriver called twice for scheme " + scheme)
	}
	factories[scheme] = factory
}

// DriverSchemes lists registered schemes, sorted.
func DriverSchemes() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for scheme := range factories {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

// OpenDriver opens a driver selected by the URI scheme of opts.URI.
func OpenDriver(ctx context.Context, opts DriverOptions) (Driver, error) {
	scheme, _, ok := strings.Cut(opts.URI, "://")
	if !ok {
		return nil, fmt.Errorf("querykit: URI %q has no scheme", opts.URI)
	}
	factoriesMu.RLock()
	factory := factories[scheme]
	factoriesMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("querykit: no driver registered for scheme %q (registered: %s)",
			scheme, strings.Join(DriverSchemes(), ", "))
	}
	driver, err := factory(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("querykit: open %s driver: %w", scheme, err)
	}
	return driver, nil
}

type txKey struct{}

// WithTx returns a context carrying an open transaction. Drivers route
// statements through it when present.
func WithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFrom extracts the transaction carried by ctx, or nil.
func TxFrom(ctx context.Context) Tx {
	if tx, ok := ctx.Value(txKey{}).(Tx); ok {
		return tx
	}
	return nil
}

// Config configures a Manager: the default database URI, optional named
// binds, and pool settings shared by every bind. Immutable once the Manager
// is constructed.
type Config struct {
	URI   string
	Binds map[string]string

	// Echo logs every statement through the standard logger.
	Echo bool

	PoolSize     int32
	PoolMinConns int32
	PoolRecycle  time.Duration
	PoolIdleTime time.Duration
}

func (c Config) driverOptions(uri string) DriverOptions {
	return DriverOptions{
		URI:          uri,
		Echo:         c.Echo,
		PoolSize:     c.PoolSize,
		PoolMinConns: c.PoolMinConns,
		PoolRecycle:  c.PoolRecycle,
		PoolIdleTime: c.PoolIdleTime,
	}
}
