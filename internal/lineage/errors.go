package lineage

import (
	"errors"
	"fmt"
)

// CorruptLineageError is returned when a walk revisits a state or exceeds
// the hop limit. Only the reconstruction of Terminal is affected.
type CorruptLineageError struct {
	Terminal string
	Hops     int
	Limit    int
	// Revisited is the state reached twice, empty when the limit was hit.
	Revisited string
}

func (e *CorruptLineageError) Error() string {
	if e.Revisited != "" {
		return fmt.Sprintf("lineage of %s revisits %s after %d hops", e.Terminal, e.Revisited, e.Hops)
	}
	return fmt.Sprintf("lineage of %s exceeds %d hops (stopped at %d)", e.Terminal, e.Limit, e.Hops)
}

// IsCorruptLineage reports whether err wraps a CorruptLineageError.
func IsCorruptLineage(err error) bool {
	var ce *CorruptLineageError
	return errors.As(err, &ce)
}
