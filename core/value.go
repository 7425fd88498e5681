package core

import (
	"sort"
	"time"
)

// Value is the sum type for everything a persistent object can hold:
// scalars, lists, string-keyed maps, and references to other objects.
// References carry an ID, never an embedded copy, so object graphs
// (including cyclic ones) are representable without ownership cycles.
type Value interface {
	isValue()

	// Clone returns a deep copy. Scalars return themselves.
	Clone() Value

	// Equal reports structural equality with another value.
	Equal(other Value) bool
}

type (
	// Int is a signed integer scalar.
	Int int64
	// Float is a floating-point scalar.
	Float float64
	// Bool is a boolean scalar.
	Bool bool
	// String is a string scalar.
	String string
	// Time is a timestamp scalar, compared with microsecond precision.
	Time time.Time
	// List is an ordered sequence of values.
	List []Value
	// Map is a string-keyed mapping of values.
	Map map[string]Value
	// Ref is a reference to another persistent object by ID.
	Ref ID
)

func (Int) isValue()    {}
func (Float) isValue()  {}
func (Bool) isValue()   {}
func (String) isValue() {}
func (Time) isValue()   {}
func (List) isValue()   {}
func (Map) isValue()    {}
func (Ref) isValue()    {}

func (v Int) Clone() Value    { return v }
func (v Float) Clone() Value  { return v }
func (v Bool) Clone() Value   { return v }
func (v String) Clone() Value { return v }
func (v Time) Clone() Value   { return v }
func (v Ref) Clone() Value    { return v }

func (v List) Clone() Value {
	if v == nil {
		return List(nil)
	}
	out := make(List, len(v))
	for i, e := range v {
		out[i] = e.Clone()
	}
	return out
}

func (v Map) Clone() Value {
	if v == nil {
		return Map(nil)
	}
	out := make(Map, len(v))
	for k, e := range v {
		out[k] = e.Clone()
	}
	return out
}

func (v Int) Equal(other Value) bool    { o, ok := other.(Int); return ok && v == o }
func (v Float) Equal(other Value) bool  { o, ok := other.(Float); return ok && v == o }
func (v Bool) Equal(other Value) bool   { o, ok := other.(Bool); return ok && v == o }
func (v String) Equal(other Value) bool { o, ok := other.(String); return ok && v == o }
func (v Ref) Equal(other Value) bool    { o, ok := other.(Ref); return ok && v == o }

func (v Time) Equal(other Value) bool {
	o, ok := other.(Time)
	return ok && time.Time(v).UnixMicro() == time.Time(o).UnixMicro()
}

func (v List) Equal(other Value) bool {
	o, ok := other.(List)
	if !ok || len(v) != len(o) {
		return false
	}
	for i := range v {
		if !v[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

func (v Map) Equal(other Value) bool {
	o, ok := other.(Map)
	if !ok || len(v) != len(o) {
		return false
	}
	for k, e := range v {
		oe, present := o[k]
		if !present || !e.Equal(oe) {
			return false
		}
	}
	return true
}

// IsScalar reports whether v is an indexable scalar (Int, Float, Bool,
// String, Time). Lists, maps and references are not indexable.
func IsScalar(v Value) bool {
	switch v.(type) {
	case Int, Float, Bool, String, Time:
		return true
	}
	return false
}

// RewriteRefs returns a copy of v with every reference replaced through fn.
// References fn maps to themselves are kept as-is.
func RewriteRefs(v Value, fn func(ID) ID) Value {
	switch v := v.(type) {
	case Ref:
		return Ref(fn(ID(v)))
	case List:
		out := make(List, len(v))
		for i, e := range v {
			out[i] = RewriteRefs(e, fn)
		}
		return out
	case Map:
		out := make(Map, len(v))
		for k, e := range v {
			out[k] = RewriteRefs(e, fn)
		}
		return out
	default:
		return v
	}
}

// WalkRefs calls fn for every reference reachable inside v.
func WalkRefs(v Value, fn func(ID)) {
	switch v := v.(type) {
	case Ref:
		fn(ID(v))
	case List:
		for _, e := range v {
			WalkRefs(e, fn)
		}
	case Map:
		for _, e := range v {
			WalkRefs(e, fn)
		}
	}
}

// SortedKeys returns the map's keys in ascending order. Used wherever a
// deterministic traversal of a Map is needed (hashing, serialization).
func (v Map) SortedKeys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
