package index

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/poiesic/modeldepot/core"
)

// Op is a comparison operator of a query clause.
type Op int

const (
	OpEq Op = iota
	OpLt
	OpLe
	OpGt
	OpGe
)

func (op Op) String() string {
	switch op {
	case OpEq:
		return "=="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// Clause is one predicate of a query: compare the indexed value under
// Key against Value with Op. A query is the conjunction of its clauses.
type Clause struct {
	Key   string
	Op    Op
	Value core.Value
}

// Eq is shorthand for an equality clause.
func Eq(key string, value core.Value) Clause {
	return Clause{Key: key, Op: OpEq, Value: value}
}

// matches reports whether a comparison result (from CompareScalars
// against the clause's value) satisfies the operator.
func (c Clause) matches(cmp int) bool {
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	}
	return false
}

// ParseClause builds a clause from a key and a textual condition. The
// condition may carry a leading operator (">= 0.95", "<2", "==best");
// without one it is an equality test. The operand is resolved to the
// narrowest scalar that parses: int, float, bool, RFC 3339 timestamp,
// then string.
func ParseClause(key, cond string) (Clause, error) {
	if key == "" {
		return Clause{}, fmt.Errorf("empty clause key")
	}
	op, rest := OpEq, cond
	switch {
	case strings.HasPrefix(cond, ">="):
		op, rest = OpGe, cond[2:]
	case strings.HasPrefix(cond, "<="):
		op, rest = OpLe, cond[2:]
	case strings.HasPrefix(cond, "=="):
		op, rest = OpEq, cond[2:]
	case strings.HasPrefix(cond, ">"):
		op, rest = OpGt, cond[1:]
	case strings.HasPrefix(cond, "<"):
		op, rest = OpLt, cond[1:]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return Clause{}, fmt.Errorf("clause %q: empty operand", cond)
	}
	return Clause{Key: key, Op: op, Value: ParseScalar(rest)}, nil
}

// ParseScalar resolves a textual operand to the narrowest scalar value
// that parses.
func ParseScalar(s string) core.Value {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return core.Int(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return core.Float(f)
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return core.Bool(b)
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return core.Time(ts)
	}
	return core.String(s)
}
