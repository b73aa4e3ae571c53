package wire

import "fmt"

// SerializationError is returned when a single value cannot be encoded or
// decoded. It only ever concerns one record.
type SerializationError struct {
	Op         string
	Descriptor Descriptor
	Err        error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s value with descriptor %s: %v", e.Op, e.Descriptor, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}
