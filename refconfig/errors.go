package refconfig

import "errors"

var (
	// ErrMissingUpdateFlag is returned when no reset flag is available
	ErrMissingUpdateFlag = errors.New("reference configuration update flag not available; a TLSPH pair style must provide it")

	// ErrMissingIncrementalDeformation is returned when the incremental
	// deformation gradients are absent or shorter than the owned particles
	ErrMissingIncrementalDeformation = errors.New("incremental deformation gradient not available")

	// ErrMissingNeighborCount is returned when the reference neighbor counts
	// are absent or shorter than the owned particles
	ErrMissingNeighborCount = errors.New("reference configuration neighbor counts not available")

	// ErrAtomMapRequired is returned when the particle arrays keep no tag map
	ErrAtomMapRequired = errors.New("reference configuration bonds require a particle map")

	// ErrTagsRequired is returned when particles carry no identifiers
	ErrTagsRequired = errors.New("reference configuration bonds require particle identifiers")
)
