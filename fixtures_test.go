package querykit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type User struct {
	Record `db:"-"`

	ID        uuid.UUID      `db:"id,pk"`
	Name      string         `db:"name"`
	Email     string         `db:"email"`
	Age       int            `db:"age"`
	Meta      map[string]any `db:"meta"`
	CreatedAt time.Time      `db:"created_at,created"`
	UpdatedAt time.Time      `db:"updated_at,updated"`

	Posts []*Post `db:"-"`
	Tags  []*Tag  `db:"-"`
}

type Post struct {
	Record `db:"-"`

	ID     uuid.UUID `db:"id,pk"`
	UserID uuid.UUID `db:"user_id"`
	Title  string    `db:"title"`
	Views  int       `db:"views"`
}

type Tag struct {
	Record `db:"-"`

	ID    uuid.UUID `db:"id,pk"`
	Label string    `db:"label"`
}

func postSchema() *Schema {
	return NewSchema[Post](WithTable("posts"))
}

func tagSchema() *Schema {
	return NewSchema[Tag](WithTable("tags"))
}

func userSchema(posts, tags *Schema) *Schema {
	return NewSchema[User](
		WithTable("users"),
		WithRelation(OneToManyOf("Posts", posts, "user_id")),
		WithRelation(ManyToManyOf("Tags", tags, "user_tags", "user_id", "tag_id")),
		WithSimpleFilters(NewFilterSpec().
			Add("name", IContains("name")).
			Add("email", IContains("email"))),
		WithAdvancedFilters(NewFilterSpec().
			Add("name", IContains("name")).
			Add("email", Eq("email")).
			Add("age_min", Ge("age")).
			Add("age_max", Le("age"))),
		WithPerPage(25),
	)
}

type testEnv struct {
	driver  *memDriver
	session *Session
	users   *Schema
	posts   *Schema
	tags    *Schema
}

func newTestEnv() *testEnv {
	driver := newMemDriver()
	posts := postSchema()
	tags := tagSchema()
	users := userSchema(posts, tags)
	session := NewSession(map[string]Driver{"": driver}, users, posts, tags)
	return &testEnv{driver: driver, session: session, users: users, posts: posts, tags: tags}
}

// newWideEnv mirrors newTestEnv over a wideDriver, whose rows come back
// with database-native value types instead of the structs' field types.
func newWideEnv() (*testEnv, *wideDriver) {
	driver := &wideDriver{memDriver: newMemDriver()}
	posts := postSchema()
	tags := tagSchema()
	users := userSchema(posts, tags)
	session := NewSession(map[string]Driver{"": driver}, users, posts, tags)
	env := &testEnv{driver: driver.memDriver, session: session, users: users, posts: posts, tags: tags}
	return env, driver
}

// seedUsers inserts n users directly into the fake driver, bypassing the
// session, named user-00..user-(n-1) with ascending ages.
func (e *testEnv) seedUsers(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := 0; i < n; i++ {
		id := uuid.New()
		ids[i] = id
		e.driver.tables["users"] = append(e.driver.tables["users"], map[string]any{
			"id":         id,
			"name":       fmt.Sprintf("user-%02d", i),
			"email":      fmt.Sprintf("user-%02d@example.com", i),
			"age":        20 + i,
			"meta":       map[string]any{},
			"created_at": time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
			"updated_at": time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
		})
	}
	return ids
}

func (e *testEnv) seedPost(userID uuid.UUID, title string, views int) uuid.UUID {
	id := uuid.New()
	e.driver.tables["posts"] = append(e.driver.tables["posts"], map[string]any{
		"id":      id,
		"user_id": userID,
		"title":   title,
		"views":   views,
	})
	return id
}
