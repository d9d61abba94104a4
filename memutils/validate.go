package memutils

import cerrors "github.com/cockroachdb/errors"

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

// ValidateAll runs Validate on every item and combines the failures into one error
func ValidateAll(items ...Validatable) error {
	var err error
	for _, item := range items {
		if item == nil {
			continue
		}
		err = cerrors.CombineErrors(err, item.Validate())
	}
	return err
}
