// Package sliceutil contains generic helpers related to slices that are
// broadly useful but not provided by the standard `slices` package.
package sliceutil

// Map manipulates a slice and transforms it into a slice of another type.
func Map[T any, R any](collection []T, mapFunc func(T) R) []R {
	result := make([]R, len(collection))
	for i, item := range collection {
		result[i] = mapFunc(item)
	}
	return result
}

// KeyBy transforms a slice into a map using a function that produces a
// key/value pair for each element. Later elements win key conflicts.
func KeyBy[T any, K comparable, V any](collection []T, keyFunc func(T) (K, V)) map[K]V {
	result := make(map[K]V, len(collection))
	for _, item := range collection {
		key, value := keyFunc(item)
		result[key] = value
	}
	return result
}
