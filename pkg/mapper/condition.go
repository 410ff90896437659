package mapper

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Op enumerates condition leaf operators.
type Op int

const (
	OpEQ Op = iota
	OpNEQ
	OpGT
	OpGE
	OpLT
	OpLE
	OpBetween
	OpLike
	OpRegexp
	OpIn
	OpNotIn
	OpIsNull
	OpIsNotNull
	OpRaw
	OpTrue
	OpFalse
	opAnd
	opOr
	opNot
)

// Condition is a node in a query-condition tree. Leaves compare a column
// against values; compositors combine children. A tree is built, consumed
// by exactly one statement, then discarded.
type Condition struct {
	op       Op
	column   string
	values   []any
	children []*Condition
	raw      string
	rawArgs  []any
}

// Leaf constructors.

func EQ(column string, value any) *Condition {
	return &Condition{op: OpEQ, column: column, values: []any{value}}
}

func NEQ(column string, value any) *Condition {
	return &Condition{op: OpNEQ, column: column, values: []any{value}}
}

func GT(column string, value any) *Condition {
	return &Condition{op: OpGT, column: column, values: []any{value}}
}

func GE(column string, value any) *Condition {
	return &Condition{op: OpGE, column: column, values: []any{value}}
}

func LT(column string, value any) *Condition {
	return &Condition{op: OpLT, column: column, values: []any{value}}
}

func LE(column string, value any) *Condition {
	return &Condition{op: OpLE, column: column, values: []any{value}}
}

func Between(column string, low, high any) *Condition {
	return &Condition{op: OpBetween, column: column, values: []any{low, high}}
}

func Like(column string, pattern string) *Condition {
	return &Condition{op: OpLike, column: column, values: []any{pattern}}
}

func Regexp(column string, pattern string) *Condition {
	return &Condition{op: OpRegexp, column: column, values: []any{pattern}}
}

func In(column string, values ...any) *Condition {
	return &Condition{op: OpIn, column: column, values: values}
}

func NotIn(column string, values ...any) *Condition {
	return &Condition{op: OpNotIn, column: column, values: values}
}

func IsNull(column string) *Condition {
	return &Condition{op: OpIsNull, column: column}
}

func IsNotNull(column string) *Condition {
	return &Condition{op: OpIsNotNull, column: column}
}

// Raw injects a hand-written fragment with its bind arguments. The
// fragment contributes to SQL text verbatim.
func Raw(fragment string, args ...any) *Condition {
	return &Condition{op: OpRaw, raw: fragment, rawArgs: args}
}

func True() *Condition {
	return &Condition{op: OpTrue}
}

func False() *Condition {
	return &Condition{op: OpFalse}
}

// Compositors.

func And(children ...*Condition) *Condition {
	return &Condition{op: opAnd, children: children}
}

func Or(children ...*Condition) *Condition {
	return &Condition{op: opOr, children: children}
}

func Not(child *Condition) *Condition {
	return &Condition{op: opNot, children: []*Condition{child}}
}

// SQL emits the node's fragment with `?` placeholders.
func (c *Condition) SQL() string {
	switch c.op {
	case OpEQ:
		return quoteColumn(c.column) + " = ?"
	case OpNEQ:
		return quoteColumn(c.column) + " != ?"
	case OpGT:
		return quoteColumn(c.column) + " > ?"
	case OpGE:
		return quoteColumn(c.column) + " >= ?"
	case OpLT:
		return quoteColumn(c.column) + " < ?"
	case OpLE:
		return quoteColumn(c.column) + " <= ?"
	case OpBetween:
		return quoteColumn(c.column) + " BETWEEN ? AND ?"
	case OpLike:
		return quoteColumn(c.column) + " LIKE ?"
	case OpRegexp:
		return quoteColumn(c.column) + " REGEXP ?"
	case OpIn, OpNotIn:
		verb := " IN ("
		if c.op == OpNotIn {
			verb = " NOT IN ("
		}
		return quoteColumn(c.column) + verb + placeholders(len(c.values)) + ")"
	case OpIsNull:
		return quoteColumn(c.column) + " IS NULL"
	case OpIsNotNull:
		return quoteColumn(c.column) + " IS NOT NULL"
	case OpRaw:
		return c.raw
	case OpTrue:
		return "TRUE"
	case OpFalse:
		return "FALSE"
	case opAnd, opOr:
		sep := " AND "
		if c.op == opOr {
			sep = " OR "
		}
		parts := make([]string, len(c.children))
		for i, child := range c.children {
			parts[i] = child.SQL()
		}
		return "(" + strings.Join(parts, sep) + ")"
	case opNot:
		return "NOT (" + c.children[0].SQL() + ")"
	default:
		return "FALSE"
	}
}

// ParamCount returns the number of bind slots the subtree consumes.
func (c *Condition) ParamCount() int {
	switch c.op {
	case OpIsNull, OpIsNotNull, OpTrue, OpFalse:
		return 0
	case OpRaw:
		return len(c.rawArgs)
	case opAnd, opOr, opNot:
		n := 0
		for _, child := range c.children {
			n += child.ParamCount()
		}
		return n
	default:
		return len(c.values)
	}
}

// Bind writes the subtree's parameters into binds starting at index at and
// returns the next free index. The slice is shared with whatever SET
// parameters precede the WHERE clause, giving the statement a single bind
// pass.
func (c *Condition) Bind(binds []driver.Value, at int) (int, error) {
	bindAll := func(vals []any) error {
		for _, v := range vals {
			dv, err := bindValue(v)
			if err != nil {
				return err
			}
			if at >= len(binds) {
				return fmt.Errorf("bind index %d out of range", at)
			}
			binds[at] = dv
			at++
		}
		return nil
	}

	switch c.op {
	case OpIsNull, OpIsNotNull, OpTrue, OpFalse:
		return at, nil
	case OpRaw:
		if err := bindAll(c.rawArgs); err != nil {
			return at, err
		}
		return at, nil
	case opAnd, opOr, opNot:
		var err error
		for _, child := range c.children {
			if at, err = child.Bind(binds, at); err != nil {
				return at, err
			}
		}
		return at, nil
	default:
		if err := bindAll(c.values); err != nil {
			return at, err
		}
		return at, nil
	}
}

// Params materialises the subtree's bind list on its own; convenient for
// statements with no SET clause.
func (c *Condition) Params() ([]driver.Value, error) {
	binds := make([]driver.Value, c.ParamCount())
	if _, err := c.Bind(binds, 0); err != nil {
		return nil, err
	}
	return binds, nil
}

func quoteColumn(column string) string {
	return "`" + column + "`"
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
