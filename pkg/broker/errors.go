package broker

import (
	"errors"
	"fmt"
)

// ErrClosed is returned when publishing through a closed publisher.
var ErrClosed = errors.New("publisher closed")

// ConnectionError reports a failure to reach the broker.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker connection to %s failed: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
