// Package validation provides constructor assertions for mandatory dependencies.
package validation

import "fmt"

// AssertNotNil panics if ptr is nil. Store constructors call it for their
// database handles.
//
//	validation.AssertNotNil(client, "redis client")
func AssertNotNil[T any](ptr *T, name string) {
	if ptr == nil {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
}
