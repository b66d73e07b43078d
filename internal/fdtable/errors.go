package fdtable

import (
	"errors"
	"fmt"
)

// CrossReferenceError reports a selected file that no descriptor points at.
// The checkpoint it came from cannot be restored faithfully.
type CrossReferenceError struct {
	FileID uint32
	Path   string
}

func (e *CrossReferenceError) Error() string {
	return fmt.Sprintf("file %d (%s) has no descriptor entry", e.FileID, e.Path)
}

// DuplicateDescriptorError reports a descriptor number bound twice.
type DuplicateDescriptorError struct {
	FD     int
	First  string
	Second string
}

func (e *DuplicateDescriptorError) Error() string {
	return fmt.Sprintf("descriptor %d bound to both %s and %s", e.FD, e.First, e.Second)
}

// IsCrossReferenceError reports whether err wraps a CrossReferenceError.
func IsCrossReferenceError(err error) bool {
	var ce *CrossReferenceError
	return errors.As(err, &ce)
}
