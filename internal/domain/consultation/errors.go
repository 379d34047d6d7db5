package consultation

import "errors"

var (
	ErrConsultationNotFound = errors.New("consultation not found")
	ErrNotInitial           = errors.New("consultation is not the initial consultation")
)
