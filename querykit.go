// Package querykit is a declarative data-access toolkit for Postgres.
//
// It maps Go structs to tables through a schema builder, composes search
// predicates from per-model filter registries, and executes typed queries
// with pagination, eager loading, and a small unit-of-work session. SQL
// execution, pooling, and transactions are delegated to the driver layer
// (see the postgres subpackage, built on pgx/v5).
package querykit

import "errors"

var (
	// ErrUnknownFilter is returned when a search request references a key
	// that is not registered in the model's filter spec.
	ErrUnknownFilter = errors.New("querykit: unknown search filter key")

	// ErrUnknownBind is returned when a schema's bind key has no configured
	// driver.
	ErrUnknownBind = errors.New("querykit: unknown bind key")

	// ErrUnknownRelation is returned when a query or loader references a
	// relation name that is not registered on the schema.
	ErrUnknownRelation = errors.New("querykit: unknown relation")

	// ErrInvalidPage is returned by Page and Paginate when page or per-page
	// values are less than one.
	ErrInvalidPage = errors.New("querykit: page and per-page must be >= 1")

	// ErrPageNotFound is returned by Paginate when the requested page is out
	// of range and error-out behavior is requested.
	ErrPageNotFound = errors.New("querykit: page out of range")

	// ErrDetached is returned by record lifecycle methods when the instance
	// is not associated with a session.
	ErrDetached = errors.New("querykit: instance is not attached to a session")

	// ErrNotRegistered is returned when a model type has no registered schema.
	ErrNotRegistered = errors.New("querykit: no schema registered for type")

	// ErrNoPrimaryKey is returned for operations that require a primary key
	// on a schema that does not declare one.
	ErrNoPrimaryKey = errors.New("querykit: schema has no primary key")

	// ErrMigrateUnsupported is returned by Manager.Migrate when the bound
	// driver does not support migrations.
	ErrMigrateUnsupported = errors.New("querykit: driver does not support migrations")
)
