package querykit

import (
	"context"
	"fmt"
	"log"
	"sort"
)

// AllBinds selects every configured bind in Manager operations that accept a
// bind key.
const AllBinds = "__all__"

// Manager owns the configured drivers, the schema registry, and a default
// session. It is the single entry point for applications: construct one per
// process, register schemas, then work through sessions.
type Manager struct {
	config  Config
	drivers map[string]Driver
	schemas []*Schema
	session *Session
}

// NewManager opens a driver for the config's URI (the default bind) and one
// per named bind, selected by URI scheme.
func NewManager(ctx context.Context, cfg Config, schemas ...*Schema) (*Manager, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("querykit: config has no URI")
	}
	m := &Manager{
		config:  cfg,
		drivers: make(map[string]Driver, len(cfg.Binds)+1),
	}
	driver, err := OpenDriver(ctx, cfg.driverOptions(cfg.URI))
	if err != nil {
		return nil, err
	}
	m.drivers[""] = driver

	for bind, uri := range cfg.Binds {
		driver, err := OpenDriver(ctx, cfg.driverOptions(uri))
		if err != nil {
			m.closeDrivers(ctx)
			return nil, fmt.Errorf("querykit: open bind %q: %w", bind, err)
		}
		m.drivers[bind] = driver
	}

	m.session = NewSession(m.drivers)
	m.Register(schemas...)
	return m, nil
}

// Register adds schemas to the manager and its default session.
func (m *Manager) Register(schemas ...*Schema) {
	m.schemas = append(m.schemas, schemas...)
	m.session.register(schemas...)
}

// Schemas returns the registered schemas.
func (m *Manager) Schemas() []*Schema {
	out := make([]*Schema, len(m.schemas))
	copy(out, m.schemas)
	return out
}

// Session returns the manager's default session.
func (m *Manager) Session() *Session { return m.session }

// NewSession opens an independent unit of work over the manager's drivers
// and schemas.
func (m *Manager) NewSession() *Session {
	return NewSession(m.drivers, m.schemas...)
}

// Driver returns the driver for a bind key. Empty selects the default bind.
func (m *Manager) Driver(bind string) (Driver, error) {
	if d, ok := m.drivers[bind]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBind, bind)
}

// Binds lists the configured bind keys, sorted, with the default bind first.
func (m *Manager) Binds() []string {
	out := make([]string, 0, len(m.drivers))
	for bind := range m.drivers {
		if bind != "" {
			out = append(out, bind)
		}
	}
	sort.Strings(out)
	return append([]string{""}, out...)
}

func (m *Manager) resolveBinds(bind string) ([]string, error) {
	if bind == AllBinds {
		return m.Binds(), nil
	}
	if _, ok := m.drivers[bind]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBind, bind)
	}
	return []string{bind}, nil
}

func (m *Manager) schemasFor(bind string) []*Schema {
	out := make([]*Schema, 0, len(m.schemas))
	for _, s := range m.schemas {
		if s.Bind == bind {
			out = append(out, s)
		}
	}
	return out
}

// Ping verifies connectivity on every bind.
func (m *Manager) Ping(ctx context.Context) error {
	for bind, driver := range m.drivers {
		if err := driver.Ping(ctx); err != nil {
			return fmt.Errorf("ping bind %q: %w", bind, err)
		}
	}
	return nil
}

// CreateAll creates the tables of every schema on the bind (or all binds).
func (m *Manager) CreateAll(ctx context.Context, bind string) error {
	binds, err := m.resolveBinds(bind)
	if err != nil {
		return err
	}
	for _, b := range binds {
		schemas := m.schemasFor(b)
		if len(schemas) == 0 {
			continue
		}
		if err := m.drivers[b].CreateAll(ctx, schemas); err != nil {
			return fmt.Errorf("create tables on bind %q: %w", b, err)
		}
	}
	return nil
}

// DropAll drops the tables of every schema on the bind (or all binds).
func (m *Manager) DropAll(ctx context.Context, bind string) error {
	binds, err := m.resolveBinds(bind)
	if err != nil {
		return err
	}
	for _, b := range binds {
		schemas := m.schemasFor(b)
		if len(schemas) == 0 {
			continue
		}
		if err := m.drivers[b].DropAll(ctx, schemas); err != nil {
			return fmt.Errorf("drop tables on bind %q: %w", b, err)
		}
	}
	return nil
}

// Reflect reads the live table layout per bind.
func (m *Manager) Reflect(ctx context.Context, bind string) (map[string][]TableInfo, error) {
	binds, err := m.resolveBinds(bind)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]TableInfo, len(binds))
	for _, b := range binds {
		tables, err := m.drivers[b].Reflect(ctx)
		if err != nil {
			return nil, fmt.Errorf("reflect bind %q: %w", b, err)
		}
		out[b] = tables
	}
	return out, nil
}

// Migrate applies versioned migrations from source on the bind's driver.
// Drivers that do not implement Migrator return ErrMigrateUnsupported.
func (m *Manager) Migrate(ctx context.Context, bind, source string) error {
	binds, err := m.resolveBinds(bind)
	if err != nil {
		return err
	}
	for _, b := range binds {
		migrator, ok := m.drivers[b].(Migrator)
		if !ok {
			return fmt.Errorf("%w: bind %q", ErrMigrateUnsupported, b)
		}
		log.Printf("[MIGRATE] applying migrations from %s on bind %q", source, b)
		if err := migrator.Migrate(ctx, source); err != nil {
			return fmt.Errorf("migrate bind %q: %w", b, err)
		}
	}
	return nil
}

// Add queues models on the default session.
func (m *Manager) Add(models ...any) error { return m.session.Add(models...) }

// AddCommit queues models and commits in one call.
func (m *Manager) AddCommit(ctx context.Context, models ...any) error {
	if err := m.session.Add(models...); err != nil {
		return err
	}
	return m.session.Commit(ctx)
}

// Delete queues deletions on the default session.
func (m *Manager) Delete(models ...any) error { return m.session.Delete(models...) }

// DeleteCommit queues deletions and commits in one call.
func (m *Manager) DeleteCommit(ctx context.Context, models ...any) error {
	if err := m.session.Delete(models...); err != nil {
		return err
	}
	return m.session.Commit(ctx)
}

// Flush flushes the default session.
func (m *Manager) Flush(ctx context.Context) error { return m.session.Flush(ctx) }

// Commit commits the default session.
func (m *Manager) Commit(ctx context.Context) error { return m.session.Commit(ctx) }

// Rollback rolls back the default session.
func (m *Manager) Rollback(ctx context.Context) error { return m.session.Rollback(ctx) }

// Close closes the default session and every driver.
func (m *Manager) Close(ctx context.Context) error {
	err := m.session.Close(ctx)
	if cerr := m.closeDrivers(ctx); err == nil {
		err = cerr
	}
	return err
}

func (m *Manager) closeDrivers(ctx context.Context) error {
	var firstErr error
	for bind, driver := range m.drivers {
		if err := driver.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close bind %q: %w", bind, err)
		}
		delete(m.drivers, bind)
	}
	return firstErr
}
