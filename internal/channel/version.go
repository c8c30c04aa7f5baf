package channel

import "fmt"

// ShapeError reports a value that does not have the shape an operation
// requires, such as a version spec without a "version" key.
type ShapeError struct {
	Value any
	Want  string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape violated, expected %s, got: %#v", e.Want, e.Value)
}

// ToVersion wraps a bare version string into a one-field version spec.
func ToVersion(versionString any) (map[string]any, error) {
	s, ok := versionString.(string)
	if !ok {
		return nil, &ShapeError{Value: versionString, Want: "string"}
	}
	return map[string]any{"version": s}, nil
}

// FromVersion extracts the version string from a version spec.
// A nil spec passes through as nil.
func FromVersion(versionSpec map[string]any) (any, error) {
	if versionSpec == nil {
		return nil, nil
	}
	v, ok := versionSpec["version"]
	if !ok {
		return nil, &ShapeError{Value: versionSpec, Want: "key 'version'"}
	}
	return v, nil
}
