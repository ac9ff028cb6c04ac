package refconfig

import (
	"fmt"
	"github.com/notargets/tlsph/utils"
)

// DeformationSource is the physical model's view the updater reads from.
// Slices are indexed by particle slot and must cover the owned particles.
type DeformationSource interface {
	// UpdateFlag is positive when this rank wants the reference
	// configuration reset
	UpdateFlag() int
	// IncrementalDeformation is the deformation gradient of each particle
	// relative to the current reference configuration
	IncrementalDeformation() []utils.Mat3
	// NeighborCounts is the number of reference neighbors of each particle
	NeighborCounts() []int
}

// Fields is a DeformationSource backed by plain slices, for models that keep
// their per-particle state in exported arrays
type Fields struct {
	Flag         *int
	Fincr        []utils.Mat3
	NumNeighbors []int
}

var _ DeformationSource = (*Fields)(nil)

func (f *Fields) UpdateFlag() int                      { return *f.Flag }
func (f *Fields) IncrementalDeformation() []utils.Mat3 { return f.Fincr }
func (f *Fields) NeighborCounts() []int                { return f.NumNeighbors }

// Validate reports the first missing field
func (f *Fields) Validate() error {
	switch {
	case f.Flag == nil:
		return ErrMissingUpdateFlag
	case f.Fincr == nil:
		return ErrMissingIncrementalDeformation
	case f.NumNeighbors == nil:
		return ErrMissingNeighborCount
	}
	return nil
}

// Names under which an Extractor publishes the model's fields
const (
	UpdateFlagName     = "smd/tlsph/updateFlag_ptr"
	FincrName          = "smd/tlsph/Fincr_ptr"
	NeighborCountsName = "smd/tlsph/numNeighsRefConfig_ptr"
)

// Extractor is a model that publishes its internal fields by name
type Extractor interface {
	Extract(name string) (any, bool)
}

// FromExtractor looks up the three fields the updater needs and fails when
// any of them is absent or of the wrong type. Extract must return *int,
// []utils.Mat3 and []int respectively; the slices are read once, so a model
// that reallocates them must be looked up again.
func FromExtractor(e Extractor) (*Fields, error) {
	var f Fields
	if v, ok := e.Extract(UpdateFlagName); ok {
		f.Flag, _ = v.(*int)
	}
	if v, ok := e.Extract(FincrName); ok {
		f.Fincr, _ = v.([]utils.Mat3)
	}
	if v, ok := e.Extract(NeighborCountsName); ok {
		f.NumNeighbors, _ = v.([]int)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("extracting deformation fields: %w", err)
	}
	return &f, nil
}
