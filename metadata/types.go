package metadata

import (
	"fmt"
	"strconv"
)

// Kind discriminates the value types a metadata field may hold.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindArray
)

// Value is a typed metadata value.
type Value struct {
	Kind Kind
	S    string
	I64  int64
	F64  float64
	B    bool
	A    []Value
}

func String(s string) Value   { return Value{Kind: KindString, S: s} }
func Int(i int64) Value       { return Value{Kind: KindInt, I64: i} }
func Float(f float64) Value   { return Value{Kind: KindFloat, F64: f} }
func Bool(b bool) Value       { return Value{Kind: KindBool, B: b} }
func Array(vs ...Value) Value { return Value{Kind: KindArray, A: vs} }

// Key returns a stable string key for posting-list lookup. Ints and
// floats with the same numeric value produce distinct keys: equality
// across kinds goes through compareEqual, not Key.
func (v Value) Key() string {
	switch v.Kind {
	case KindString:
		return "s:" + v.S
	case KindInt:
		return "i:" + strconv.FormatInt(v.I64, 10)
	case KindFloat:
		return "f:" + strconv.FormatFloat(v.F64, 'g', -1, 64)
	case KindBool:
		if v.B {
			return "b:1"
		}
		return "b:0"
	case KindNull:
		return "n"
	default:
		return fmt.Sprintf("x:%v", v)
	}
}

// Document is the metadata attached to one record.
type Document map[string]Value

// Operator is a filter comparison operator.
type Operator uint8

const (
	OpEqual Operator = iota
	OpNotEqual
	OpGreaterThan
	OpGreaterEqual
	OpLessThan
	OpLessEqual
	OpIn
	OpContains
)

func (op Operator) String() string {
	switch op {
	case OpEqual:
		return "eq"
	case OpNotEqual:
		return "ne"
	case OpGreaterThan:
		return "gt"
	case OpGreaterEqual:
		return "gte"
	case OpLessThan:
		return "lt"
	case OpLessEqual:
		return "lte"
	case OpIn:
		return "in"
	case OpContains:
		return "contains"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Filter is a single field predicate.
type Filter struct {
	Field    string
	Operator Operator
	Value    Value
}

// FilterSet is a conjunction of filters. An empty set matches
// everything.
type FilterSet struct {
	Filters []Filter
}

// NewFilterSet builds a conjunctive filter set.
func NewFilterSet(filters ...Filter) *FilterSet {
	return &FilterSet{Filters: filters}
}

func Eq(field string, v Value) Filter {
	return Filter{Field: field, Operator: OpEqual, Value: v}
}

func In(field string, vs ...Value) Filter {
	return Filter{Field: field, Operator: OpIn, Value: Array(vs...)}
}

func Gt(field string, v Value) Filter {
	return Filter{Field: field, Operator: OpGreaterThan, Value: v}
}

func Lt(field string, v Value) Filter {
	return Filter{Field: field, Operator: OpLessThan, Value: v}
}
