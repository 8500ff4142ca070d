// Package validation checks names and environment entries of the master file.
package validation

// ValidationError reports why a single field value was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
