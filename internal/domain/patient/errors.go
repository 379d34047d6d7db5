package patient

import "errors"

var (
	ErrPatientNotFound = errors.New("patient not found")
	ErrInvalidRecord   = errors.New("patient document is not a valid record")
)
