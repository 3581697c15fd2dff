package querykit

import (
	"context"
	"errors"
	"testing"
)

func newDetachedUser(t *testing.T) *User {
	t.Helper()
	posts := postSchema()
	tags := tagSchema()
	u, err := NewModel[User](userSchema(posts, tags))
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	return u
}

func TestUpdateAssignsByColumnAndName(t *testing.T) {
	u := newDetachedUser(t)
	err := u.Update(map[string]any{
		"name":  "alice",
		"Email": "alice@example.com",
		"age":   33,
	}, false)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if u.Name != "alice" || u.Email != "alice@example.com" || u.Age != 33 {
		t.Fatalf("unexpected state: %+v", u)
	}
}

func TestUpdateMergesMapFieldsRecursively(t *testing.T) {
	u := newDetachedUser(t)

	if err := u.Update(map[string]any{
		"meta": map[string]any{"prefs": map[string]any{"theme": "dark"}},
	}, false); err != nil {
		t.Fatalf("first Update failed: %v", err)
	}
	if err := u.Update(map[string]any{
		"meta": map[string]any{"prefs": map[string]any{"lang": "en"}, "beta": true},
	}, false); err != nil {
		t.Fatalf("second Update failed: %v", err)
	}

	prefs, ok := u.Meta["prefs"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested prefs map, got %v", u.Meta)
	}
	if prefs["theme"] != "dark" || prefs["lang"] != "en" {
		t.Fatalf("nested maps should merge, not replace: %v", prefs)
	}
	if u.Meta["beta"] != true {
		t.Fatalf("sibling keys should survive the merge: %v", u.Meta)
	}
}

func TestUpdateStrictSkipsDisallowedKeys(t *testing.T) {
	schema := NewSchema[User](
		WithTable("users"),
		WithStrictFields("name"),
	)
	u, err := NewModel[User](schema)
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}

	if err := u.Update(map[string]any{"name": "ok", "email": "nope@example.com"}, true); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if u.Name != "ok" {
		t.Fatal("allow-listed key should apply")
	}
	if u.Email != "" {
		t.Fatal("disallowed keys should be skipped silently in strict mode")
	}
}

func TestUpdateIgnoresUnmappedKeys(t *testing.T) {
	u := newDetachedUser(t)
	if err := u.Update(map[string]any{"no_such_column": 1}, false); err != nil {
		t.Fatalf("unmapped keys should be ignored, got %v", err)
	}
}

func TestUpdateNestedRelationSlice(t *testing.T) {
	u := newDetachedUser(t)
	u.Posts = []*Post{{Title: "old-1"}, {Title: "old-2"}}

	err := u.Update(map[string]any{
		"Posts": []map[string]any{
			{"title": "new-1"},
			{"title": "new-2"},
			{"title": "dropped"},
		},
	}, false)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if u.Posts[0].Title != "new-1" || u.Posts[1].Title != "new-2" {
		t.Fatalf("expected element-wise update, got %+v", u.Posts)
	}
	if len(u.Posts) != 2 {
		t.Fatal("extra incoming elements should not grow the collection")
	}
}

func TestToMapRoundTrip(t *testing.T) {
	u := newDetachedUser(t)
	data := map[string]any{
		"name":  "bob",
		"email": "bob@example.com",
		"age":   41,
		"meta":  map[string]any{"active": true},
	}
	if err := u.Update(data, false); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	out, err := u.ToMap()
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	for k, want := range data {
		switch k {
		case "meta":
			meta, ok := out["meta"].(map[string]any)
			if !ok || meta["active"] != true {
				t.Fatalf("unexpected meta: %v", out["meta"])
			}
		default:
			if out[k] != want {
				t.Fatalf("round-trip mismatch for %s: %v != %v", k, out[k], want)
			}
		}
	}
}

func TestToMapCopiesMapValues(t *testing.T) {
	u := newDetachedUser(t)
	u.Meta = map[string]any{"k": "v"}
	out, err := u.ToMap()
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	out["meta"].(map[string]any)["k"] = "mutated"
	if u.Meta["k"] != "v" {
		t.Fatal("ToMap must not alias the instance's map state")
	}
}

func TestToMapExpandsPopulatedRelations(t *testing.T) {
	u := newDetachedUser(t)
	u.Name = "carol"

	posts := postSchema()
	p, err := NewModel[Post](posts)
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	p.Title = "hello"
	u.Posts = []*Post{p}

	out, err := u.ToMap()
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	rendered, ok := out["Posts"].([]any)
	if !ok || len(rendered) != 1 {
		t.Fatalf("expected rendered posts, got %v", out["Posts"])
	}
	nested, ok := rendered[0].(map[string]any)
	if !ok || nested["title"] != "hello" {
		t.Fatalf("expected nested post map, got %v", rendered[0])
	}
}

func TestToMapContextCancellation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	u := &User{Name: "zoe", Email: "zoe@example.com"}
	if err := env.session.Add(u); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := env.session.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := u.Expire(); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := u.ToMapContext(canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the refresh to observe cancellation, got %v", err)
	}

	m, err := u.ToMapContext(ctx)
	if err != nil {
		t.Fatalf("ToMapContext failed: %v", err)
	}
	if m["name"] != "zoe" {
		t.Fatalf("expected the refreshed map, got %v", m)
	}
}

func TestToMapHonorsMapFieldsHook(t *testing.T) {
	schema := NewSchema[Tag](
		WithTable("tags"),
		WithMapFields(func(model any) []string { return []string{"label"} }),
	)
	tag, err := NewModel[Tag](schema)
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	tag.Label = "infra"
	out, err := tag.ToMap()
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	if len(out) != 1 || out["label"] != "infra" {
		t.Fatalf("expected only the hook's fields, got %v", out)
	}
}

func TestDetachedLifecycleMethodsError(t *testing.T) {
	u := newDetachedUser(t)
	ctx := context.Background()
	if err := u.Save(ctx); !errors.Is(err, ErrDetached) {
		t.Fatalf("Save: expected ErrDetached, got %v", err)
	}
	if err := u.Record.Delete(ctx); !errors.Is(err, ErrDetached) {
		t.Fatalf("Delete: expected ErrDetached, got %v", err)
	}
	if err := u.Refresh(ctx); !errors.Is(err, ErrDetached) {
		t.Fatalf("Refresh: expected ErrDetached, got %v", err)
	}
	if err := u.Expire(); !errors.Is(err, ErrDetached) {
		t.Fatalf("Expire: expected ErrDetached, got %v", err)
	}
}

func TestRecordOfRequiresEmbed(t *testing.T) {
	type Bare struct{ X int }
	if _, err := RecordOf(&Bare{}); err == nil {
		t.Fatal("expected an error for a type without the embedded record")
	}
}
