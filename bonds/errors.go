package bonds

import "errors"

var (
	// ErrRowFull is returned when appending past the uniform row capacity
	ErrRowFull = errors.New("bond row is full")

	// ErrShortBuffer is returned when a buffer cannot hold or does not
	// contain a complete record
	ErrShortBuffer = errors.New("buffer too short for bond record")

	// ErrBadRecord is returned when a record's header is inconsistent
	ErrBadRecord = errors.New("malformed bond record")

	// ErrPartnerRange is returned for identifiers a float64 buffer cannot
	// carry exactly
	ErrPartnerRange = errors.New("partner identifier not exactly representable")
)
