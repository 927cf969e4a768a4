// Package opt provides an explicit "no value yet" variant for readings that
// only exist once a sensor has delivered its first sample.
package opt

// Value holds either a T (Some) or nothing (None). The zero Value is None.
type Value[T any] struct {
	v  T
	ok bool
}

func Some[T any](v T) Value[T] {
	return Value[T]{v: v, ok: true}
}

func None[T any]() Value[T] {
	return Value[T]{}
}

// Get returns the value and whether it is present.
func (o Value[T]) Get() (T, bool) {
	return o.v, o.ok
}

func (o Value[T]) OK() bool {
	return o.ok
}

// Or returns the value, or def when absent.
func (o Value[T]) Or(def T) T {
	if !o.ok {
		return def
	}
	return o.v
}
