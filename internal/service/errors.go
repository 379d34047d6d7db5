package service

import (
	"errors"
	"strings"
)

var (
	ErrForbidden = errors.New("forbidden: insufficient permissions")

	// ErrOwnershipViolation is returned when a record does not belong to the
	// practitioner the operation runs for.
	ErrOwnershipViolation = errors.New("record does not belong to the practitioner")

	// ErrUndecryptableSource is returned when the record a sync would copy
	// from still carries ciphertext or error markers.
	ErrUndecryptableSource = errors.New("source record has undecryptable fields")

	ErrPlanChanged     = errors.New("retroactive plan changed since it was previewed")
	ErrApprovalInvalid = errors.New("approval token is invalid or expired")
)

type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, "; ")
}
