// Package sectorstream serves byte-addressed reads from a device that only
// reads whole sectors.
package sectorstream

import (
	"io"

	"github.com/msmtools/qcedl/pkg/edlerr"
	"github.com/pkg/errors"
)

// SectorReader reads whole sectors, [first, last] inclusive.
type SectorReader interface {
	SectorSize() uint32
	ReadSectors(first, last uint64) ([]byte, error)
}

// AlignedRange is the smallest sector range covering n bytes at pos. n
// must be positive.
func AlignedRange(pos, n int64, sectorSize uint32) (first, last uint64) {
	ss := int64(sectorSize)
	first = uint64(pos / ss)
	last = uint64((pos+n+ss-1)/ss) - 1
	return first, last
}

// Stream is a read-only view over a run of sectors: a whole LUN or a
// partition window inside one. Every device read it issues is sector
// aligned, whatever the caller asks for.
type Stream struct {
	r       SectorReader
	first   uint64
	sectors uint64
	pos     int64
}

// NewLun makes a stream over sectors [0, count) of r.
func NewLun(r SectorReader, count uint64) (*Stream, error) {
	if count == 0 {
		return nil, errors.New("sectorstream: empty LUN")
	}
	return NewWindow(r, 0, count-1)
}

// NewWindow makes a stream over sectors [first, last] of r.
func NewWindow(r SectorReader, first, last uint64) (*Stream, error) {
	if last < first {
		return nil, errors.Errorf("sectorstream: bad window [%d, %d]", first, last)
	}
	if r.SectorSize() == 0 {
		return nil, errors.New("sectorstream: zero sector size")
	}
	return &Stream{r: r, first: first, sectors: last - first + 1}, nil
}

// Length is the stream size in bytes.
func (s *Stream) Length() int64 {
	return int64(s.sectors) * int64(s.r.SectorSize())
}

func (s *Stream) SectorSize() uint32 {
	return s.r.SectorSize()
}

// Position is the offset the next Read starts at.
func (s *Stream) Position() int64 {
	return s.pos
}

// read fills up to len(p) bytes at off and reports how many it filled.
// Requests past the end are clamped to it.
func (s *Stream) read(p []byte, off int64) (int, error) {
	n := int64(len(p))
	if rem := s.Length() - off; n > rem {
		n = rem
	}
	if n <= 0 {
		return 0, nil
	}
	ss := s.r.SectorSize()
	first, last := AlignedRange(off, n, ss)
	data, err := s.r.ReadSectors(s.first+first, s.first+last)
	if err != nil {
		return 0, err
	}
	skip := off % int64(ss)
	if int64(len(data)) < skip+n {
		return 0, edlerr.Errorf(edlerr.Integrity, "sector read", "got %d bytes for sectors [%d, %d]", len(data), s.first+first, s.first+last)
	}
	return copy(p, data[skip:skip+n]), nil
}

// Read reads from the current position. A read at or past the end leaves p
// untouched and reports len(p) bytes without error, so partition parsers
// that compute lengths from bad on-disk data keep going; bounded copies
// must use Length rather than wait for io.EOF.
func (s *Stream) Read(p []byte) (int, error) {
	if s.pos >= s.Length() {
		return len(p), nil
	}
	n, err := s.read(p, s.pos)
	s.pos += int64(n)
	return n, err
}

// ReadAt implements io.ReaderAt. Unlike Read it reports io.EOF when it
// returns fewer bytes than asked.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Errorf("sectorstream: negative offset %d", off)
	}
	n, err := s.read(p, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		abs = s.Length() + offset
	default:
		return 0, errors.Errorf("sectorstream: bad whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.Errorf("sectorstream: negative position %d", abs)
	}
	s.pos = abs
	return abs, nil
}

var (
	_ io.ReadSeeker = (*Stream)(nil)
	_ io.ReaderAt   = (*Stream)(nil)
)
