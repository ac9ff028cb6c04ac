package bonds

import (
	"fmt"
	"math"
)

// Bond records travel in flat float64 buffers, the unit the engine's
// communication and restart machinery works in.
//
// Migration record, 1 + 3n scalars for n bonds:
//
//	[0]        n
//	[1+3k]     partner identifier of bond k
//	[2+3k]     kernel value of bond k
//	[3+3k]     kernel gradient of bond k
//
// Checkpoint record, 4n + 2 scalars:
//
//	[0]        total record length 4n + 2
//	[1 ...]    migration record (1 + 3n scalars)
//	[...]      n reserved scalars, written as zero
//
// The length prefix makes checkpoint records skippable, and reserving four
// scalars per bond keeps it equal to the size reported by CheckpointSize.
const (
	BondFields = 3

	// maxExactID is the largest identifier a float64 represents exactly
	maxExactID = 1 << 53
)

// MigrationSize is the length of a migration record holding n bonds
func MigrationSize(n int) int { return 1 + BondFields*n }

// CheckpointSize is the length of a checkpoint record holding n bonds
func CheckpointSize(n int) int { return 4*n + 2 }

// EncodeRecord writes bonds as a migration record into buf, returning the
// number of scalars written
func EncodeRecord(bonds []Bond, buf []float64) (int, error) {
	if len(buf) < MigrationSize(len(bonds)) {
		return 0, fmt.Errorf("record of %d bonds needs %d scalars, have %d: %w",
			len(bonds), MigrationSize(len(bonds)), len(buf), ErrShortBuffer)
	}
	m := 0
	buf[m] = float64(len(bonds))
	m++
	for _, b := range bonds {
		if b.Partner > maxExactID || b.Partner < -maxExactID {
			return 0, fmt.Errorf("partner %d: %w", b.Partner, ErrPartnerRange)
		}
		buf[m] = float64(b.Partner)
		buf[m+1] = b.Value
		buf[m+2] = b.Gradient
		m += BondFields
	}
	return m, nil
}

// DecodeRecord reads a migration record from buf, appending its bonds to dst.
// It returns the extended slice and the number of scalars consumed. dst is
// left untouched when the record is rejected.
func DecodeRecord(buf []float64, dst []Bond) ([]Bond, int, error) {
	if len(buf) < 1 {
		return dst, 0, fmt.Errorf("empty record: %w", ErrShortBuffer)
	}
	count := buf[0]
	if !(count >= 0) || count != math.Trunc(count) {
		return dst, 0, fmt.Errorf("bond count %g: %w", count, ErrBadRecord)
	}
	// Bounded by the buffer before any size arithmetic
	if count > float64((len(buf)-1)/BondFields) {
		return dst, 0, fmt.Errorf("record of %g bonds does not fit in %d scalars: %w",
			count, len(buf), ErrShortBuffer)
	}
	n := int(count)
	m := 1
	for k := 0; k < n; k++ {
		dst = append(dst, Bond{
			Partner:  int64(buf[m]),
			Value:    buf[m+1],
			Gradient: buf[m+2],
		})
		m += BondFields
	}
	return dst, m, nil
}

// PackExchange writes the migration record of slot into buf
func (s *Store) PackExchange(slot int, buf []float64) (int, error) {
	return EncodeRecord(s.rows[slot], buf)
}

// UnpackExchange reads a migration record into slot, which is normally the
// next free owned slot on the receiving rank. A slot beyond the current
// arrays grows the store first, and a record longer than the row capacity
// raises the capacity once it has decoded; grew reports either.
func (s *Store) UnpackExchange(slot int, buf []float64) (m int, grew bool, err error) {
	if slot >= len(s.rows) {
		s.growSlots(slot)
		grew = true
	}

	row, m, err := DecodeRecord(buf, s.rows[slot][:0])
	if err != nil {
		return 0, grew, fmt.Errorf("unpacking bonds into slot %d: %w", slot, err)
	}
	s.rows[slot] = row
	if len(row) > s.capacity {
		s.log.Info("bond row capacity too small for incoming partner information; growing rows",
			"slot", slot, "capacity", len(row))
		s.EnsureCapacity(len(s.rows), len(row))
		grew = true
	}
	return m, grew, nil
}

// PackRestart writes the checkpoint record of slot into buf
func (s *Store) PackRestart(slot int, buf []float64) (int, error) {
	row := s.rows[slot]
	size := CheckpointSize(len(row))
	if len(buf) < size {
		return 0, fmt.Errorf("checkpoint record of %d bonds needs %d scalars, have %d: %w",
			len(row), size, len(buf), ErrShortBuffer)
	}
	buf[0] = float64(size)
	m, err := EncodeRecord(row, buf[1:])
	if err != nil {
		return 0, err
	}
	for k := 1 + m; k < size; k++ {
		buf[k] = 0
	}
	return size, nil
}

// UnpackRestart reads a checkpoint record into slot, returning the record
// length
func (s *Store) UnpackRestart(slot int, buf []float64) (int, error) {
	if len(buf) < 2 {
		return 0, fmt.Errorf("checkpoint record: %w", ErrShortBuffer)
	}
	length := buf[0]
	if !(length >= 2) || length != math.Trunc(length) || length > float64(len(buf)) {
		return 0, fmt.Errorf("checkpoint record length %g with %d scalars available: %w",
			length, len(buf), ErrBadRecord)
	}
	size := int(length)
	count := buf[1]
	if !(count >= 0) || count > float64((size-2)/4) || CheckpointSize(int(count)) != size {
		return 0, fmt.Errorf("checkpoint record length %d does not hold %g bonds: %w",
			size, count, ErrBadRecord)
	}

	if slot >= len(s.rows) {
		s.EnsureCapacity(slot+1, s.capacity)
	}
	row, _, err := DecodeRecord(buf[1:size], s.rows[slot][:0])
	if err != nil {
		return 0, fmt.Errorf("restoring bonds into slot %d: %w", slot, err)
	}
	s.rows[slot] = row
	if len(row) > s.capacity {
		s.EnsureCapacity(len(s.rows), len(row))
	}
	return size, nil
}

// SkipRecords returns the offset of record nth in a buffer holding
// consecutive length-prefixed records
func SkipRecords(buf []float64, nth int) (int, error) {
	m := 0
	for i := 0; i < nth; i++ {
		if m >= len(buf) {
			return 0, fmt.Errorf("record %d of %d: %w", i, nth, ErrShortBuffer)
		}
		size := buf[m]
		if !(size >= 1) || size != math.Trunc(size) || size > float64(len(buf)-m) {
			return 0, fmt.Errorf("record %d length %g: %w", i, size, ErrBadRecord)
		}
		m += int(size)
	}
	return m, nil
}

// SizeRestart is the checkpoint record length of slot
func (s *Store) SizeRestart(slot int) int {
	return CheckpointSize(len(s.rows[slot]))
}

// MaxSizeRestart is the checkpoint record length of a full row
func (s *Store) MaxSizeRestart() int {
	return CheckpointSize(s.capacity)
}
