// Package checkpoint writes and reads per-rank restart files. A file holds a
// fixed binary header followed by one zstd-compressed block of float64
// scalars. Every owned particle contributes its core fields and then the
// length-prefixed records of each registered fix, in registration order.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"github.com/DataDog/zstd"
	"github.com/google/uuid"
	"github.com/notargets/tlsph/particles"
	"io"
	"math"
)

const (
	Magic   uint32 = 0x54534c50 // "PLST" little endian
	Version uint32 = 1

	// maxBodyScalars bounds the uncompressed body of one rank's file
	maxBodyScalars = 1 << 34
)

// Header is the uncompressed prefix of a restart file
type Header struct {
	Magic     uint32
	Version   uint32
	RunID     uuid.UUID
	Step      int64
	Rank      int32
	NLocal    int64
	MaxRecord int64 // Longest per-particle block in scalars
}

// Restartable is a fix that stores per-particle state in restart files
type Restartable interface {
	// MaxSizeRestart bounds the record length of any particle
	MaxSizeRestart() int
	// PackRestart writes the record of slot i, starting with its length
	PackRestart(i int, buf []float64) (int, error)
	// UnpackRestart restores slot from the nth record in extra
	UnpackRestart(slot int, extra []float64, nth int) error
}

// Meta identifies the run and position a restart file belongs to
type Meta struct {
	RunID uuid.UUID
	Step  int64
	Rank  int
}

// NewRunID returns a fresh random run identifier
func NewRunID() uuid.UUID { return uuid.New() }

// Write stores the owned particles of a and the state of fixes to w,
// compressing the body at the given zstd level
func Write(w io.Writer, meta Meta, a *particles.Arrays, level int, fixes ...Restartable) (Header, error) {
	maxExtra := 0
	for _, f := range fixes {
		maxExtra += f.MaxSizeRestart()
	}

	// Per particle: core fields, extra length, fix records
	body := make([]float64, 0, a.NLocal*(particles.CoreSize+1))
	rec := make([]float64, particles.CoreSize+1+maxExtra)
	maxRecord := 0
	for i := 0; i < a.NLocal; i++ {
		m := a.PackCore(i, rec)
		lenAt := m
		m++
		for nth, f := range fixes {
			n, err := f.PackRestart(i, rec[m:])
			if err != nil {
				return Header{}, fmt.Errorf("packing fix %d of particle %d: %w", nth, a.Tag[i], err)
			}
			m += n
		}
		rec[lenAt] = float64(m - lenAt - 1)
		if m > maxRecord {
			maxRecord = m
		}
		body = append(body, rec[:m]...)
	}

	hdr := Header{
		Magic:     Magic,
		Version:   Version,
		RunID:     meta.RunID,
		Step:      meta.Step,
		Rank:      int32(meta.Rank),
		NLocal:    int64(a.NLocal),
		MaxRecord: int64(maxRecord),
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return Header{}, fmt.Errorf("writing restart header: %w", err)
	}

	compressed, err := zstd.CompressLevel(nil, floatsToBytes(body), level)
	if err != nil {
		return Header{}, fmt.Errorf("compressing restart body: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, int64(len(compressed))); err != nil {
		return Header{}, fmt.Errorf("writing restart body size: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return Header{}, fmt.Errorf("writing restart body: %w", err)
	}
	return hdr, nil
}

// Read restores the particles of a restart file as owned particles of a,
// handing every particle's extra records to fixes in the order they were
// written
func Read(r io.Reader, a *particles.Arrays, fixes ...Restartable) (Header, error) {
	var hdr Header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return Header{}, fmt.Errorf("reading restart header: %w", err)
	}
	if hdr.Magic != Magic {
		return Header{}, fmt.Errorf("magic %#x: %w", hdr.Magic, ErrBadMagic)
	}
	if hdr.Version != Version {
		return Header{}, fmt.Errorf("version %d: %w", hdr.Version, ErrVersion)
	}

	if hdr.NLocal < 0 || hdr.MaxRecord < 0 ||
		(hdr.MaxRecord > 0 && hdr.NLocal > maxBodyScalars/hdr.MaxRecord) {
		return Header{}, fmt.Errorf("%d particles of up to %d scalars: %w", hdr.NLocal, hdr.MaxRecord, ErrCorrupt)
	}
	maxRaw := int(8 * hdr.NLocal * hdr.MaxRecord)

	var size int64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return Header{}, fmt.Errorf("reading restart body size: %w", err)
	}
	if size < 0 || size > int64(zstd.CompressBound(maxRaw)) {
		return Header{}, fmt.Errorf("body of %d bytes for at most %d raw bytes: %w", size, maxRaw, ErrCorrupt)
	}
	compressed := make([]byte, size)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return Header{}, fmt.Errorf("reading restart body: %w", err)
	}
	raw, err := zstd.Decompress(nil, compressed)
	if err != nil {
		return Header{}, fmt.Errorf("decompressing restart body: %w", err)
	}
	if len(raw) > maxRaw {
		return Header{}, fmt.Errorf("body decompressed to %d bytes, expected at most %d: %w", len(raw), maxRaw, ErrCorrupt)
	}
	body, err := bytesToFloats(raw)
	if err != nil {
		return Header{}, err
	}

	a.ClearGhosts()
	m := 0
	for k := int64(0); k < hdr.NLocal; k++ {
		p, err := particles.UnpackCore(body[m:])
		if err != nil {
			return Header{}, fmt.Errorf("particle %d: %w", k, err)
		}
		m += particles.CoreSize
		if m >= len(body) {
			return Header{}, fmt.Errorf("particle %d: truncated restart body: %w", k, ErrCorrupt)
		}
		length := body[m]
		m++
		if !(length >= 0) || length != math.Trunc(length) || length > float64(len(body)-m) {
			return Header{}, fmt.Errorf("particle %d: extra data of %g scalars overruns body: %w", k, length, ErrCorrupt)
		}
		n := int(length)
		extra := body[m : m+n]
		m += n

		slot := a.AddLocal(p)
		for nth, f := range fixes {
			if err := f.UnpackRestart(slot, extra, nth); err != nil {
				return Header{}, fmt.Errorf("restoring fix %d of particle %d: %w", nth, p.Tag, err)
			}
		}
	}
	return hdr, nil
}

func floatsToBytes(x []float64) []byte {
	b := make([]byte, 8*len(x))
	for i, v := range x {
		binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return b
}

func bytesToFloats(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("restart body of %d bytes is not a whole number of scalars: %w", len(b), ErrCorrupt)
	}
	x := make([]float64, len(b)/8)
	for i := range x {
		x[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return x, nil
}
