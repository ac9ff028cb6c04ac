// Package bonds stores, per particle slot, the bonds captured at the last
// rebuild of the reference configuration: the partner's identifier and the
// kernel value and gradient evaluated for the pair.
//
// Each slot owns an independently sized row that only grows as bonds are
// appended. The store also carries a uniform logical row capacity, the global
// maximum bond count at the last rebuild, which bounds every row and sizes
// checkpoint buffers.
package bonds

import (
	"fmt"
	"log/slog"
	"unsafe"
)

// Bond is one directed entry in a particle's bond row
type Bond struct {
	Partner  int64   // Identifier of the bonded particle
	Value    float64 // Kernel value W(h, r)
	Gradient float64 // Kernel derivative dW/dr
}

// Store holds one bond row per particle slot
type Store struct {
	rows        [][]Bond
	capacity    int
	growthDelta int
	log         *slog.Logger

	// OnGrow, if set, is called whenever a migration forced slot growth
	OnGrow func(slots int)
}

// NewStore returns an empty store with a row capacity of one. growthDelta is
// the slot increment used when a migration arrives beyond the last slot.
func NewStore(growthDelta int, logger *slog.Logger) *Store {
	if growthDelta <= 0 {
		panic(fmt.Sprintf("bonds: growth delta must be positive, got %d", growthDelta))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{capacity: 1, growthDelta: growthDelta, log: logger}
}

// Slots returns the number of particle slots
func (s *Store) Slots() int { return len(s.rows) }

// Capacity returns the uniform logical row capacity
func (s *Store) Capacity() int { return s.capacity }

// EnsureCapacity makes room for maxParticles slots and sets the row capacity
// to maxBondsPerParticle. Existing bonds are preserved: neither the slot count
// nor the capacity ever drops below what is currently stored.
func (s *Store) EnsureCapacity(maxParticles, maxBondsPerParticle int) {
	if maxParticles > len(s.rows) {
		s.rows = append(s.rows, make([][]Bond, maxParticles-len(s.rows))...)
	}

	capacity := maxBondsPerParticle
	for _, row := range s.rows {
		if len(row) > capacity {
			capacity = len(row)
		}
	}
	s.capacity = capacity
}

// GrowArrays follows the engine's slot growth, keeping the row capacity
func (s *Store) GrowArrays(nmax int) {
	s.EnsureCapacity(nmax, s.capacity)
}

// CopyArrays copies slot i to slot j
func (s *Store) CopyArrays(i, j int) {
	s.Copy(i, j)
}

// Count returns the number of bonds in slot
func (s *Store) Count(slot int) int { return len(s.rows[slot]) }

// Bonds returns the bond row of slot. The slice aliases the store and is
// only valid until the next mutation.
func (s *Store) Bonds(slot int) []Bond { return s.rows[slot] }

// Reset empties the row of slot
func (s *Store) Reset(slot int) {
	s.rows[slot] = s.rows[slot][:0]
}

// ResetAll empties every row
func (s *Store) ResetAll() {
	for i := range s.rows {
		s.rows[i] = s.rows[i][:0]
	}
}

// Append adds b to the row of slot
func (s *Store) Append(slot int, b Bond) error {
	row := s.rows[slot]
	if len(row) >= s.capacity {
		return fmt.Errorf("slot %d already holds %d bonds: %w", slot, len(row), ErrRowFull)
	}
	s.rows[slot] = append(row, b)
	return nil
}

// Copy copies the full bond record of src into dst
func (s *Store) Copy(src, dst int) {
	if src == dst {
		return
	}
	s.rows[dst] = append(s.rows[dst][:0], s.rows[src]...)
}

// MemoryUsage returns the bytes accounted to the store: one count per slot
// plus a full-capacity row of bonds per slot
func (s *Store) MemoryUsage() int64 {
	countSize := int64(unsafe.Sizeof(int(0)))
	bondSize := int64(unsafe.Sizeof(Bond{}))
	slots := int64(len(s.rows))
	return slots*countSize + slots*int64(s.capacity)*bondSize
}

// growSlots makes slot addressable, growing by whole growth deltas
func (s *Store) growSlots(slot int) {
	nmax := len(s.rows)/s.growthDelta*s.growthDelta + s.growthDelta
	for nmax <= slot {
		nmax += s.growthDelta
	}
	s.EnsureCapacity(nmax, s.capacity)
	s.log.Info("bond arrays too small for incoming partner information; growing arrays",
		"slot", slot, "slots", nmax)
	if s.OnGrow != nil {
		s.OnGrow(nmax)
	}
}
