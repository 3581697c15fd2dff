package querykit

import (
	"context"
	"errors"
	"testing"
)

// the mem scheme hands out one fresh in-memory driver per opened URI
var memDrivers = map[string]*memDriver{}

func init() {
	RegisterDriver("mem", func(ctx context.Context, opts DriverOptions) (Driver, error) {
		d := newMemDriver()
		memDrivers[opts.URI] = d
		return d, nil
	})
}

func newTestManager(t *testing.T, schemas ...*Schema) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), Config{
		URI:   "mem://main",
		Binds: map[string]string{"analytics": "mem://analytics"},
	}, schemas...)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestOpenDriverUnknownScheme(t *testing.T) {
	_, err := OpenDriver(context.Background(), DriverOptions{URI: "bolt://nowhere"})
	if err == nil {
		t.Fatal("expected an error for an unregistered scheme")
	}
	if _, err := OpenDriver(context.Background(), DriverOptions{URI: "no-scheme"}); err == nil {
		t.Fatal("expected an error for a URI without a scheme")
	}
}

func TestManagerBindResolution(t *testing.T) {
	m := newTestManager(t)
	defer m.Close(context.Background())

	if _, err := m.Driver(""); err != nil {
		t.Fatalf("default bind should resolve: %v", err)
	}
	if _, err := m.Driver("analytics"); err != nil {
		t.Fatalf("named bind should resolve: %v", err)
	}
	if _, err := m.Driver("missing"); !errors.Is(err, ErrUnknownBind) {
		t.Fatalf("expected ErrUnknownBind, got %v", err)
	}

	binds := m.Binds()
	if len(binds) != 2 || binds[0] != "" || binds[1] != "analytics" {
		t.Fatalf("unexpected binds: %v", binds)
	}
}

func TestManagerCreateAllFansOutOverBinds(t *testing.T) {
	posts := postSchema()
	tags := NewSchema[Tag](WithTable("tags"), WithBind("analytics"))
	m := newTestManager(t, posts, tags)
	defer m.Close(context.Background())

	if err := m.CreateAll(context.Background(), AllBinds); err != nil {
		t.Fatalf("CreateAll failed: %v", err)
	}

	main := memDrivers["mem://main"]
	analytics := memDrivers["mem://analytics"]
	if len(main.created) != 1 || main.created[0] != "posts" {
		t.Fatalf("expected posts on the default bind, got %v", main.created)
	}
	if len(analytics.created) != 1 || analytics.created[0] != "tags" {
		t.Fatalf("expected tags on the analytics bind, got %v", analytics.created)
	}

	if err := m.CreateAll(context.Background(), "missing"); !errors.Is(err, ErrUnknownBind) {
		t.Fatalf("expected ErrUnknownBind, got %v", err)
	}
}

func TestManagerAddCommit(t *testing.T) {
	tags := tagSchema()
	m := newTestManager(t, tags)
	defer m.Close(context.Background())
	driver := memDrivers["mem://main"]

	if err := m.AddCommit(context.Background(), &Tag{Label: "a"}, []*Tag{{Label: "b"}, {Label: "c"}}); err != nil {
		t.Fatalf("AddCommit failed: %v", err)
	}
	if got := len(driver.tables["tags"]); got != 3 {
		t.Fatalf("expected 3 rows, got %d", got)
	}
	if driver.commits != 1 {
		t.Fatalf("expected 1 commit, got %d", driver.commits)
	}
}

func TestManagerDeleteCommit(t *testing.T) {
	tags := tagSchema()
	m := newTestManager(t, tags)
	defer m.Close(context.Background())
	driver := memDrivers["mem://main"]

	tag := &Tag{Label: "gone"}
	if err := m.AddCommit(context.Background(), tag); err != nil {
		t.Fatalf("AddCommit failed: %v", err)
	}
	if err := m.DeleteCommit(context.Background(), tag); err != nil {
		t.Fatalf("DeleteCommit failed: %v", err)
	}
	if len(driver.tables["tags"]) != 0 {
		t.Fatal("expected the row to be deleted")
	}
}

func TestManagerReflect(t *testing.T) {
	tags := tagSchema()
	m := newTestManager(t, tags)
	defer m.Close(context.Background())

	if err := m.CreateAll(context.Background(), ""); err != nil {
		t.Fatalf("CreateAll failed: %v", err)
	}
	layout, err := m.Reflect(context.Background(), AllBinds)
	if err != nil {
		t.Fatalf("Reflect failed: %v", err)
	}
	if len(layout) != 2 {
		t.Fatalf("expected layout for both binds, got %d", len(layout))
	}
	if len(layout[""]) != 1 || layout[""][0].Name != "tags" {
		t.Fatalf("expected the tags table on the default bind, got %v", layout[""])
	}
}

func TestManagerMigrateUnsupported(t *testing.T) {
	m := newTestManager(t)
	defer m.Close(context.Background())

	err := m.Migrate(context.Background(), "", "migrations")
	if !errors.Is(err, ErrMigrateUnsupported) {
		t.Fatalf("expected ErrMigrateUnsupported, got %v", err)
	}
}

func TestManagerNewSessionIsIndependent(t *testing.T) {
	tags := tagSchema()
	m := newTestManager(t, tags)
	defer m.Close(context.Background())

	other := m.NewSession()
	if other == m.Session() {
		t.Fatal("NewSession should not return the default session")
	}
	if err := other.Add(&Tag{Label: "x"}); err != nil {
		t.Fatalf("Add on the new session failed: %v", err)
	}
	if len(m.Session().pendingNew) != 0 {
		t.Fatal("sessions must not share pending queues")
	}
}

func TestManagerCloseClosesDrivers(t *testing.T) {
	m := newTestManager(t)
	main := memDrivers["mem://main"]
	analytics := memDrivers["mem://analytics"]

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !main.closed || !analytics.closed {
		t.Fatal("expected every driver to be closed")
	}
}
