package checkpoint

import "errors"

var (
	// ErrBadMagic is returned when a stream is not a restart file
	ErrBadMagic = errors.New("not a restart file")

	// ErrVersion is returned for restart files of an unknown layout
	ErrVersion = errors.New("unsupported restart file version")

	// ErrCorrupt is returned when sizes in a restart file are inconsistent
	ErrCorrupt = errors.New("corrupt restart file")
)
