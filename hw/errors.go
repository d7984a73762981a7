package hw

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceRemoved = errors.New("the device was removed")
	ErrNotMappable   = errors.New("the buffer is not CPU-visible")
)

type ErrDeviceLost struct {
	Reason error
}

func (e ErrDeviceLost) Error() string {
	return fmt.Sprintf("device lost: %v", e.Reason)
}

func (e ErrDeviceLost) Unwrap() []error {
	return []error{ErrDeviceRemoved, e.Reason}
}
