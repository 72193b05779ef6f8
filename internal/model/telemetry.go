package model

import (
	"context"
	"maps"
	"strconv"
)

// ValueKind is the dynamic type carried by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInt
	KindFloat
	KindString
	KindBool
)

// Value is one typed metric value. The zero Value is null.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	s    string
	b    bool
}

func Null() Value               { return Value{} }
func Int(v int64) Value         { return Value{kind: KindInt, i: v} }
func Float(v float64) Value     { return Value{kind: KindFloat, f: v} }
func String(v string) Value     { return Value{kind: KindString, s: v} }
func Bool(v bool) Value         { return Value{kind: KindBool, b: v} }
func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

// IsNumeric reports whether v holds an integral or floating value.
func (v Value) IsNumeric() bool {
	return v.kind == KindInt || v.kind == KindFloat
}

func (v Value) AsInt() (int64, bool)     { return v.i, v.kind == KindInt }
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }
func (v Value) AsBool() (bool, bool)     { return v.b, v.kind == KindBool }

// Float64 converts a numeric value to float64. Non-numeric values yield false.
func (v Value) Float64() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	default:
		return 0, false
	}
}

// Equal reports whether both values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindBool:
		return v.b == o.b
	default:
		return true
	}
}

// String renders the value in its natural textual form. Null renders empty.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindString:
		return v.s
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// Fields maps metric names to values.
type Fields map[string]Value

// Clone returns a shallow copy; Values are immutable so this is a deep copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	return maps.Clone(f)
}

// Sample is one collection tick worth of metrics. It is created per tick,
// mutated in place by the pipeline and discarded after encoding.
type Sample struct {
	Timestamp int64 // unix milliseconds
	Namespace string
	App       string
	Fields    Fields
	Tags      map[string]string
}

// NewSample creates an empty sample stamped with ts (unix ms).
func NewSample(ts int64, namespace, app string) *Sample {
	return &Sample{
		Timestamp: ts,
		Namespace: namespace,
		App:       app,
		Fields:    Fields{},
		Tags:      map[string]string{},
	}
}

// Set stores a value under name.
func (s *Sample) Set(name string, v Value) {
	if s.Fields == nil {
		s.Fields = Fields{}
	}
	s.Fields[name] = v
}

// Get returns the value stored under name and whether the key is present.
func (s *Sample) Get(name string) (Value, bool) {
	v, ok := s.Fields[name]
	return v, ok
}

// Empty reports whether the sample carries no non-null field.
func (s *Sample) Empty() bool {
	for _, v := range s.Fields {
		if !v.IsNull() {
			return false
		}
	}
	return true
}

// FieldSource defines the minimal contract for something that yields the raw
// fields of one collection tick. available is false when the endpoint is
// currently unreachable or its circuit is open.
type FieldSource interface {
	Fetch(ctx context.Context) (fields Fields, available bool)
}
