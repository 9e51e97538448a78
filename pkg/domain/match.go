package domain

import (
	"reflect"
)

// Matches reports whether every filter entry equals the layout's value under the same key.
func Matches(l Layout, filter Layout) bool {
	for k, want := range filter {
		got, ok := l[k]
		if !ok || !ValuesEqual(got, want) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two attribute values. Numbers compare by value regardless of
// their decoded Go type, since JSON, msgpack and BSON decode them differently.
func ValuesEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// Matches reports whether the document satisfies every equality filter.
func (d *Doc) Matches(filter Layout) bool {
	for k, want := range filter {
		got, ok := d.Get(k)
		if !ok || !ValuesEqual(got, want) {
			return false
		}
	}
	return true
}

// InClasses reports whether the layout's `_class` is one of classes. An empty list matches all.
func InClasses(l Layout, classes []Ref) bool {
	if len(classes) == 0 {
		return true
	}
	c, _ := l[FieldClass].(string)
	for _, want := range classes {
		if Ref(c) == want {
			return true
		}
	}
	return false
}
