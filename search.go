package querykit

import (
	"fmt"
	"strings"
)

// FilterFunc produces a predicate for a single request value. Filter specs
// map search keys to these factories.
type FilterFunc func(value any) *Condition

// Column comparison factories. Each returns a FilterFunc suitable for
// registration in a FilterSpec. The negative form of <Base> is Not<Base>.

func Like(column string) FilterFunc {
	return func(v any) *Condition { return Col(column).Like(v) }
}

func NotLike(column string) FilterFunc { return negate(Like(column)) }

func ILike(column string) FilterFunc {
	return func(v any) *Condition { return Col(column).ILike(v) }
}

func NotILike(column string) FilterFunc { return negate(ILike(column)) }

func StartsWith(column string) FilterFunc {
	return func(v any) *Condition { return Col(column).Like(fmt.Sprintf("%v%%", v)) }
}

func NotStartsWith(column string) FilterFunc { return negate(StartsWith(column)) }

func EndsWith(column string) FilterFunc {
	return func(v any) *Condition { return Col(column).Like(fmt.Sprintf("%%%v", v)) }
}

func NotEndsWith(column string) FilterFunc { return negate(EndsWith(column)) }

func Contains(column string) FilterFunc {
	return func(v any) *Condition { return Col(column).Like(fmt.Sprintf("%%%v%%", v)) }
}

func NotContains(column string) FilterFunc { return negate(Contains(column)) }

// IContains is a case-insensitive Contains.
func IContains(column string) FilterFunc {
	return func(v any) *Condition { return Col(column).ILike(fmt.Sprintf("%%%v%%", v)) }
}

func NotIContains(column string) FilterFunc { return negate(IContains(column)) }

func Eq(column string) FilterFunc {
	return func(v any) *Condition { return Col(column).Eq(v) }
}

func NotEq(column string) FilterFunc { return negate(Eq(column)) }

func Gt(column string) FilterFunc {
	return func(v any) *Condition { return Col(column).Gt(v) }
}

func Ge(column string) FilterFunc {
	return func(v any) *Condition { return Col(column).Gte(v) }
}

func Lt(column string) FilterFunc {
	return func(v any) *Condition { return Col(column).Lt(v) }
}

func Le(column string) FilterFunc {
	return func(v any) *Condition { return Col(column).Lte(v) }
}

// In accepts either a slice value or a scalar (treated as a one-element set).
func In(column string) FilterFunc {
	return func(v any) *Condition {
		if vs, ok := v.([]any); ok {
			return Col(column).In(vs...)
		}
		return Col(column).In(v)
	}
}

func NotIn(column string) FilterFunc { return negate(In(column)) }

func IsNull(column string) FilterFunc {
	return func(any) *Condition { return Col(column).IsNull() }
}

func NotNull(column string) FilterFunc { return negate(IsNull(column)) }

// Any applies an inner filter to a to-many relation: the predicate matches
// roots with at least one related row matching inner(value).
func Any(relation string, inner FilterFunc) FilterFunc {
	return func(v any) *Condition { return AnyOf(relation, inner(v)) }
}

func NotAny(relation string, inner FilterFunc) FilterFunc { return negate(Any(relation, inner)) }

// Has applies an inner filter to a to-one relation.
func Has(relation string, inner FilterFunc) FilterFunc {
	return func(v any) *Condition { return HasOf(relation, inner(v)) }
}

func NotHas(relation string, inner FilterFunc) FilterFunc { return negate(Has(relation, inner)) }

func negate(fn FilterFunc) FilterFunc {
	return func(v any) *Condition { return Not(fn(v)) }
}

// FilterSpec is an insertion-ordered registry of search keys to predicate
// factories. Specs are defined once per model at schema-build time and are
// read-only afterwards.
type FilterSpec struct {
	keys  []string
	funcs map[string]FilterFunc
}

// NewFilterSpec builds an empty spec; chain Add calls to populate it.
func NewFilterSpec() *FilterSpec {
	return &FilterSpec{funcs: make(map[string]FilterFunc)}
}

// Add registers a filter factory under key, preserving first-seen order.
// Re-adding an existing key replaces the factory in place.
func (s *FilterSpec) Add(key string, fn FilterFunc) *FilterSpec {
	if _, ok := s.funcs[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.funcs[key] = fn
	return s
}

// Keys returns the registered keys in insertion order.
func (s *FilterSpec) Keys() []string {
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Len reports the number of registered filters.
func (s *FilterSpec) Len() int { return len(s.keys) }

// merge folds other into s: keys merge by name, other's factory wins.
func (s *FilterSpec) merge(other *FilterSpec) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		s.Add(k, other.funcs[k])
	}
}

func (s *FilterSpec) clone() *FilterSpec {
	c := NewFilterSpec()
	c.merge(s)
	return c
}

// Advanced builds the advanced-search predicate for a field→value request:
// one predicate per request key, ANDed together. Keys absent from the spec
// fail fast with ErrUnknownFilter. An empty request yields a nil condition,
// which matches everything.
func (s *FilterSpec) Advanced(fields map[string]any) (*Condition, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	for key := range fields {
		if s == nil || s.funcs[key] == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownFilter, key)
		}
	}
	parts := make([]*Condition, 0, len(fields))
	for _, key := range s.keys {
		value, ok := fields[key]
		if !ok {
			continue
		}
		parts = append(parts, s.funcs[key](value))
	}
	return And(parts...), nil
}

// Simple builds the free-text predicate: the text splits on whitespace into
// terms; each term ORs across every registered filter, and the per-term
// results AND together (every term must match at least one field). Empty
// text or an empty spec yields nil.
func (s *FilterSpec) Simple(text string) *Condition {
	if s == nil || len(s.keys) == 0 {
		return nil
	}
	terms := strings.Fields(text)
	if len(terms) == 0 {
		return nil
	}
	perTerm := make([]*Condition, 0, len(terms))
	for _, term := range terms {
		alternatives := make([]*Condition, 0, len(s.keys))
		for _, key := range s.keys {
			alternatives = append(alternatives, s.funcs[key](term))
		}
		perTerm = append(perTerm, Or(alternatives...))
	}
	return And(perTerm...)
}

// Combined ANDs the simple predicate over text (against simple) with the
// advanced predicate over fields (against advanced). Either part may be
// absent; an entirely empty request yields nil.
func Combined(simple *FilterSpec, text string, advanced *FilterSpec, fields map[string]any) (*Condition, error) {
	adv, err := advanced.Advanced(fields)
	if err != nil {
		return nil, err
	}
	return And(simple.Simple(text), adv), nil
}
