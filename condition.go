package querykit

// Op identifies a condition operator.
type Op string

const (
	OpAnd Op = "AND"
	OpOr  Op = "OR"
	OpNot Op = "NOT"

	OpEq     Op = "EQ"
	OpGt     Op = "GT"
	OpGte    Op = "GTE"
	OpLt     Op = "LT"
	OpLte    Op = "LTE"
	OpLike   Op = "LIKE"
	OpILike  Op = "ILIKE"
	OpIn     Op = "IN"
	OpIsNull Op = "ISNULL"

	// OpAny and OpHas scope an inner condition to a related collection or
	// related instance. Drivers compile them to EXISTS subqueries.
	OpAny Op = "ANY"
	OpHas Op = "HAS"
)

// Condition is an opaque boolean expression over mapped columns. A leaf
// carries a column, operator, and value; a branch carries AND/OR/NOT
// children. Relation leaves (OpAny/OpHas) carry a relation name and an inner
// condition evaluated against the related schema.
type Condition struct {
	Column   string
	Op       Op
	Value    any
	Relation string
	Inner    *Condition
	Children []*Condition
}

// Col seeds a leaf condition for the named column. Combine with a comparison
// method, e.g. Col("email").Eq("a@b.c").
func Col(name string) *Condition {
	return &Condition{Column: name}
}

func (c *Condition) Eq(v any) *Condition   { c.Op = OpEq; c.Value = v; return c }
func (c *Condition) Gt(v any) *Condition   { c.Op = OpGt; c.Value = v; return c }
func (c *Condition) Gte(v any) *Condition  { c.Op = OpGte; c.Value = v; return c }
func (c *Condition) Lt(v any) *Condition   { c.Op = OpLt; c.Value = v; return c }
func (c *Condition) Lte(v any) *Condition  { c.Op = OpLte; c.Value = v; return c }
func (c *Condition) Like(v any) *Condition { c.Op = OpLike; c.Value = v; return c }

func (c *Condition) ILike(v any) *Condition { c.Op = OpILike; c.Value = v; return c }

func (c *Condition) In(values ...any) *Condition {
	c.Op = OpIn
	c.Value = values
	return c
}

func (c *Condition) IsNull() *Condition {
	c.Op = OpIsNull
	c.Value = nil
	return c
}

// And composes conditions with logical AND. Nil operands contribute nothing:
// And() of zero non-nil conditions is nil, which every consumer treats as
// "matches everything" rather than a vacuous false.
func And(conds ...*Condition) *Condition {
	return compose(OpAnd, conds)
}

// Or composes conditions with logical OR. Nil operands are dropped.
func Or(conds ...*Condition) *Condition {
	return compose(OpOr, conds)
}

// Not negates a condition. Not(nil) is nil.
func Not(c *Condition) *Condition {
	if c == nil {
		return nil
	}
	return &Condition{Op: OpNot, Children: []*Condition{c}}
}

func compose(op Op, conds []*Condition) *Condition {
	kept := make([]*Condition, 0, len(conds))
	for _, c := range conds {
		if c != nil {
			kept = append(kept, c)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return &Condition{Op: op, Children: kept}
	}
}

// AnyOf builds a relation predicate that matches roots having at least one
// related row (named relation) satisfying inner.
func AnyOf(relation string, inner *Condition) *Condition {
	return &Condition{Op: OpAny, Relation: relation, Inner: inner}
}

// HasOf builds a relation predicate against a to-one relation.
func HasOf(relation string, inner *Condition) *Condition {
	return &Condition{Op: OpHas, Relation: relation, Inner: inner}
}
