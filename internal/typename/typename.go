// Package typename derives stable message type names from Go types.
package typename

import (
	"reflect"
	"sync"
)

var cache sync.Map // reflect.Type -> string

// For returns the name of T in the form "pkg.Type".
func For[T any]() string {
	return ForType(reflect.TypeFor[T]())
}

// Of returns the name of the dynamic type of x.
func Of(x any) string {
	return ForType(reflect.TypeOf(x))
}

// ForType returns the name of t, dereferencing pointers.
func ForType(t reflect.Type) string {
	if t == nil {
		return ""
	}
	if v, ok := cache.Load(t); ok {
		return v.(string)
	}
	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	name := base.String()
	cache.Store(t, name)
	return name
}
