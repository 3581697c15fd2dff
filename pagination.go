package querykit

import (
	"context"
	"fmt"
)

// Pagination is one page of query results plus the totals needed to render
// page controls. Page numbers are 1-based.
type Pagination[T any] struct {
	query    *Query[T]
	errorOut bool

	Page    int
	PerPage int
	Total   int64
	Pages   int
	Items   []*T
}

// HasNext reports whether a page follows this one.
func (p *Pagination[T]) HasNext() bool { return p.Page < p.Pages }

// HasPrev reports whether a page precedes this one.
func (p *Pagination[T]) HasPrev() bool { return p.Page > 1 }

// NextPage returns the next page number, or 0 when on the last page.
func (p *Pagination[T]) NextPage() int {
	if !p.HasNext() {
		return 0
	}
	return p.Page + 1
}

// PrevPage returns the previous page number, or 0 when on the first page.
func (p *Pagination[T]) PrevPage() int {
	if !p.HasPrev() {
		return 0
	}
	return p.Page - 1
}

// Next re-executes the query for the following page.
func (p *Pagination[T]) Next(ctx context.Context) (*Pagination[T], error) {
	if !p.HasNext() {
		return nil, fmt.Errorf("%w: no page after %d", ErrPageNotFound, p.Page)
	}
	return p.query.Paginate(ctx, p.Page+1, p.PerPage, p.errorOut)
}

// Prev re-executes the query for the preceding page.
func (p *Pagination[T]) Prev(ctx context.Context) (*Pagination[T], error) {
	if !p.HasPrev() {
		return nil, fmt.Errorf("%w: no page before %d", ErrPageNotFound, p.Page)
	}
	return p.query.Paginate(ctx, p.Page-1, p.PerPage, p.errorOut)
}
