package udev

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

var (
	// ErrInvalidInput is wrapped by every InputError.
	ErrInvalidInput = errors.New("udev: invalid input")

	// ErrNoEvent is returned by MonitorSocket.Next when nothing is queued.
	// Poll the descriptor and call Next again.
	ErrNoEvent = errors.New("udev: no event available")

	// ErrMonitorClosed is returned by a MonitorSocket that was closed or
	// whose socket failed.
	ErrMonitorClosed = errors.New("udev: monitor closed")

	// ErrBuilderConsumed is returned by a MonitorBuilder after Listen.
	ErrBuilderConsumed = errors.New("udev: monitor builder already listening")
)

// AllocationError reports that the device database could not produce a
// handle: the device does not exist, the key was rejected, or memory ran
// out. Errno tells them apart.
type AllocationError struct {
	Op    string
	Errno syscall.Errno
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("udev: %s: %v", e.Op, e.Errno)
}

func (e *AllocationError) Unwrap() error {
	return e.Errno
}

// SystemError reports a failed status from a device database or socket
// operation.
type SystemError struct {
	Op    string
	Errno syscall.Errno
	Err   error
}

func (e *SystemError) Error() string {
	if e.Err != nil && e.Err != error(e.Errno) {
		return fmt.Sprintf("udev: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("udev: %s: %v", e.Op, e.Errno)
}

func (e *SystemError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Errno}
	}
	return []error{e.Errno, e.Err}
}

// InputError reports a string that cannot be passed to libudev because it
// contains a NUL byte. No handle is touched when it is returned.
type InputError struct {
	Op    string
	Value string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("udev: %s: %q contains a NUL byte", e.Op, e.Value)
}

func (e *InputError) Unwrap() error {
	return ErrInvalidInput
}

func checkInput(op string, values ...string) error {
	for _, v := range values {
		if strings.IndexByte(v, 0) >= 0 {
			return &InputError{Op: op, Value: v}
		}
	}
	return nil
}

// checkHandle converts a missing handle into an AllocationError. cause, if
// any, supplies the errno; ENOMEM is assumed otherwise.
func checkHandle[T any](op string, h *T, cause error) (*T, error) {
	if h != nil {
		return h, nil
	}
	errno := errnoOf(cause)
	if errno == 0 {
		errno = syscall.ENOMEM
	}
	return nil, &AllocationError{Op: op, Errno: errno}
}

// checkStatus converts a failed status into a SystemError.
func checkStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	errno := errnoOf(err)
	if errno == 0 {
		errno = syscall.EINVAL
	}
	return &SystemError{Op: op, Errno: errno, Err: err}
}

func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
