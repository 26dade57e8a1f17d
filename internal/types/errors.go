package types

import "fmt"

// PersistenceError marks the datastore as unreachable. Callers surface
// it as a service-unavailable condition rather than a run failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("datastore unavailable during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
