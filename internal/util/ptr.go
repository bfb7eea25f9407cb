package util

// Ptr returns a pointer to v, for optional API fields such as replica counts.
func Ptr[T any](v T) *T {
	return &v
}
