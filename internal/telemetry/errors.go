package telemetry

import "errors"

// Status is the result code surfaced to collector clients.
type Status int

const (
	StatusOK Status = iota
	StatusBadParameter
	StatusNotFound
	StatusConflict
	StatusMaxLimit
	StatusUnsupported
	StatusHardwareError
	StatusAlreadyExist
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadParameter:
		return "bad_parameter"
	case StatusNotFound:
		return "not_found"
	case StatusConflict:
		return "conflict"
	case StatusMaxLimit:
		return "max_limit"
	case StatusUnsupported:
		return "unsupported"
	case StatusHardwareError:
		return "hardware_error"
	case StatusAlreadyExist:
		return "already_exist"
	default:
		return "internal"
	}
}

// StatusError is a sentinel error carrying a Status.
type StatusError struct {
	status  Status
	message string
}

func (e *StatusError) Error() string {
	return e.message
}

// Status returns the code carried by the error.
func (e *StatusError) Status() Status {
	return e.status
}

// Error definitions
var (
	ErrBadParameter = &StatusError{StatusBadParameter, "bad parameter"}
	ErrNotFound     = &StatusError{StatusNotFound, "not found"}
	ErrConflict     = &StatusError{StatusConflict, "conflict"}
	ErrMaxLimit     = &StatusError{StatusMaxLimit, "max limit reached"}
	ErrUnsupported  = &StatusError{StatusUnsupported, "unsupported"}
	ErrHardware     = &StatusError{StatusHardwareError, "hardware error"}
	ErrAlreadyExist = &StatusError{StatusAlreadyExist, "already exists"}
	ErrNotAvailable = &notYetAvailable{}
)

// notYetAvailable refines ErrNotFound for slow fields that have not been read yet.
type notYetAvailable struct{}

func (*notYetAvailable) Error() string { return "value not yet available" }

func (*notYetAvailable) Is(target error) bool { return target == ErrNotFound }

// StatusOf maps an error to its Status. nil maps to StatusOK and
// errors without a status map to StatusInternal.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	if errors.Is(err, ErrNotAvailable) {
		return StatusNotFound
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.status
	}
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return sentinel.status
		}
	}
	return StatusInternal
}

// sentinels lets error types that match a sentinel through an Is method map to its status.
var sentinels = []*StatusError{
	ErrBadParameter, ErrNotFound, ErrConflict, ErrMaxLimit, ErrUnsupported, ErrHardware, ErrAlreadyExist,
}
