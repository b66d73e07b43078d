package distill

import (
	"errors"
	"fmt"
)

// ErrNotStatesRoot is returned when the input directory is missing or is not
// named like a states root.
var ErrNotStatesRoot = errors.New("not a saved-states directory")

// OutputRootCollisionError is returned when the output root already exists.
type OutputRootCollisionError struct {
	Path string
}

func (e *OutputRootCollisionError) Error() string {
	return fmt.Sprintf("output root %s already exists", e.Path)
}

// IsOutputRootCollision reports whether err wraps an OutputRootCollisionError.
func IsOutputRootCollision(err error) bool {
	var ce *OutputRootCollisionError
	return errors.As(err, &ce)
}
