// Package postgres implements the querykit driver for PostgreSQL over a
// pgx connection pool. Importing it registers the "postgres" and
// "postgresql" URI schemes.
package postgres

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/querykit"
)

func init() {
	querykit.RegisterDriver("postgres", Open)
	querykit.RegisterDriver("postgresql", Open)
}

// Driver executes querykit operations against one PostgreSQL database.
type Driver struct {
	pool *pgxpool.Pool
	opts querykit.DriverOptions
}

// Open connects a pool using the options' URI and pool settings.
func Open(ctx context.Context, opts querykit.DriverOptions) (querykit.Driver, error) {
	poolConfig, err := pgxpool.ParseConfig(opts.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Conservative pool defaults; Config overrides them per bind.
	poolConfig.MaxConns = 5
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Minute * 30
	poolConfig.MaxConnIdleTime = time.Minute * 5
	poolConfig.HealthCheckPeriod = time.Minute
	if opts.PoolSize > 0 {
		poolConfig.MaxConns = opts.PoolSize
	}
	if opts.PoolMinConns > 0 {
		poolConfig.MinConns = opts.PoolMinConns
	}
	if opts.PoolRecycle > 0 {
		poolConfig.MaxConnLifetime = opts.PoolRecycle
	}
	if opts.PoolIdleTime > 0 {
		poolConfig.MaxConnIdleTime = opts.PoolIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Driver{pool: pool, opts: opts}, nil
}

// Ping verifies the pool can reach the database.
func (d *Driver) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// Close releases the connection pool.
func (d *Driver) Close(ctx context.Context) error {
	d.pool.Close()
	return nil
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// Begin opens a transaction on the pool.
func (d *Driver) Begin(ctx context.Context) (querykit.Tx, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

// executor is the statement surface shared by the pool and a transaction.
type executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// executor routes through the transaction carried in ctx when present.
func (d *Driver) executor(ctx context.Context) executor {
	if tx, ok := querykit.TxFrom(ctx).(*pgTx); ok {
		return tx.tx
	}
	return d.pool
}

func (d *Driver) echo(sql string, args []any) {
	if d.opts.Echo {
		log.Printf("[SQL] %s %v", sql, args)
	}
}

// Insert stores each row and returns the stored column values, including
// database-assigned defaults, in input order.
func (d *Driver) Insert(ctx context.Context, schema *querykit.Schema, rows []querykit.Changes) ([]map[string]any, error) {
	exec := d.executor(ctx)
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		sql, args := buildInsert(schema, row)
		d.echo(sql, args)
		result, err := exec.Query(ctx, sql, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to insert into %s: %w", schema.Table, err)
		}
		stored, err := rowsToMaps(result)
		if err != nil {
			return nil, fmt.Errorf("failed to read inserted row: %w", err)
		}
		if len(stored) == 0 {
			return nil, fmt.Errorf("insert into %s returned no row", schema.Table)
		}
		out = append(out, stored[0])
	}
	return out, nil
}

// Select runs the selection and returns its rows as column→value maps.
func (d *Driver) Select(ctx context.Context, schema *querykit.Schema, sel *querykit.Selection) ([]map[string]any, error) {
	sql, args, err := buildSelect(schema, sel)
	if err != nil {
		return nil, err
	}
	d.echo(sql, args)
	result, err := d.executor(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select from %s: %w", schema.Table, err)
	}
	return rowsToMaps(result)
}

// Update applies changes to matching rows and returns the affected count.
func (d *Driver) Update(ctx context.Context, schema *querykit.Schema, cond *querykit.Condition, changes querykit.Changes) (int64, error) {
	sql, args, err := buildUpdate(schema, cond, changes)
	if err != nil {
		return 0, err
	}
	d.echo(sql, args)
	tag, err := d.executor(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", schema.Table, err)
	}
	return tag.RowsAffected(), nil
}

// Delete removes matching rows and returns the affected count.
func (d *Driver) Delete(ctx context.Context, schema *querykit.Schema, cond *querykit.Condition) (int64, error) {
	sql, args, err := buildDelete(schema, cond)
	if err != nil {
		return 0, err
	}
	d.echo(sql, args)
	tag, err := d.executor(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", schema.Table, err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of distinct root rows matching the selection.
func (d *Driver) Count(ctx context.Context, schema *querykit.Schema, sel *querykit.Selection) (int64, error) {
	sql, args, err := buildCount(schema, sel)
	if err != nil {
		return 0, err
	}
	d.echo(sql, args)
	var n int64
	if err := d.executor(ctx).QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", schema.Table, err)
	}
	return n, nil
}

// CreateAll creates a table per schema if it does not already exist.
func (d *Driver) CreateAll(ctx context.Context, schemas []*querykit.Schema) error {
	exec := d.executor(ctx)
	for _, schema := range schemas {
		sql, err := buildCreateTable(schema)
		if err != nil {
			return err
		}
		d.echo(sql, nil)
		if _, err := exec.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to create table %s: %w", schema.Table, err)
		}
	}
	return nil
}

// DropAll drops the schemas' tables, newest registration first.
func (d *Driver) DropAll(ctx context.Context, schemas []*querykit.Schema) error {
	exec := d.executor(ctx)
	for i := len(schemas) - 1; i >= 0; i-- {
		sql := "DROP TABLE IF EXISTS " + schemas[i].Table + " CASCADE"
		d.echo(sql, nil)
		if _, err := exec.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", schemas[i].Table, err)
		}
	}
	return nil
}

// Reflect reads the live table layout from information_schema.
func (d *Driver) Reflect(ctx context.Context) ([]querykit.TableInfo, error) {
	const sql = `
		SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`
	rows, err := d.executor(ctx).Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to reflect tables: %w", err)
	}
	defer rows.Close()

	var tables []querykit.TableInfo
	index := make(map[string]int)
	for rows.Next() {
		var table, column, dataType, nullable string
		if err := rows.Scan(&table, &column, &dataType, &nullable); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		i, ok := index[table]
		if !ok {
			i = len(tables)
			index[table] = i
			tables = append(tables, querykit.TableInfo{Name: table})
		}
		tables[i].Columns = append(tables[i].Columns, querykit.ColumnInfo{
			Name:     column,
			DataType: dataType,
			Nullable: nullable == "YES",
		})
	}
	return tables, rows.Err()
}

func rowsToMaps(rows pgx.Rows) ([]map[string]any, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}
		m := make(map[string]any, len(fields))
		for i, fd := range fields {
			m[fd.Name] = values[i]
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
