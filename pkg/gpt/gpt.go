// Package gpt reads GUID partition tables.
package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNoGPT means the header signature is missing or the header is corrupt.
var ErrNoGPT = errors.New("gpt: no valid GPT header")

const (
	signature       = "EFI PART"
	revision        = 0x00010000
	headerSize      = 92
	entrySize       = 128
	defaultEntries  = 128
	maxEntries      = 1024
	nameUTF16Chars  = 36
	entryNameOffset = 56
)

// Header is the primary GPT header.
type Header struct {
	CurrentLBA     uint64
	BackupLBA      uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       uuid.UUID
	EntriesLBA     uint64
	NumEntries     uint32
	EntrySize      uint32
	EntriesCRC32   uint32
	SectorSize     uint32
}

type Partition struct {
	Name       string
	TypeGUID   uuid.UUID
	UID        uuid.UUID
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
}

// Sectors is the partition length in sectors.
func (p Partition) Sectors() uint64 {
	return p.LastLBA - p.FirstLBA + 1
}

func (p Partition) String() string {
	return fmt.Sprintf("Name: %s, Type: %s, ID: %s, StartLBA: 0x%016X, EndLBA: 0x%016X, Attributes: 0x%016X, SizeLBA: 0x%016X",
		p.Name, p.TypeGUID, p.UID, p.FirstLBA, p.LastLBA, p.Attributes, p.Sectors())
}

type Table struct {
	Header     Header
	Partitions []Partition
}

// ByUID finds a partition by its unique GUID.
func (t *Table) ByUID(uid uuid.UUID) (Partition, bool) {
	for _, p := range t.Partitions {
		if p.UID == uid {
			return p, true
		}
	}
	return Partition{}, false
}

// ByName finds a partition by name, ignoring case.
func (t *Table) ByName(name string) (Partition, bool) {
	for _, p := range t.Partitions {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Partition{}, false
}

// ReadHeader parses and checks the header at LBA 1.
func ReadHeader(r io.ReaderAt, sectorSize uint32) (*Header, error) {
	if sectorSize < headerSize {
		return nil, errors.Errorf("gpt: sector size %d too small", sectorSize)
	}
	buf := make([]byte, sectorSize)
	if _, err := r.ReadAt(buf, int64(sectorSize)); err != nil {
		return nil, errors.Wrap(err, "gpt: cannot read header")
	}
	if string(buf[0:8]) != signature {
		return nil, ErrNoGPT
	}
	le := binary.LittleEndian
	hsize := le.Uint32(buf[12:])
	if hsize < headerSize || hsize > sectorSize {
		return nil, errors.Wrapf(ErrNoGPT, "header size %d", hsize)
	}
	wantCRC := le.Uint32(buf[16:])
	hdr := make([]byte, hsize)
	copy(hdr, buf[:hsize])
	le.PutUint32(hdr[16:], 0)
	if got := crc32.ChecksumIEEE(hdr); got != wantCRC {
		return nil, errors.Wrapf(ErrNoGPT, "header CRC %08X, want %08X", got, wantCRC)
	}
	h := &Header{
		CurrentLBA:     le.Uint64(buf[24:]),
		BackupLBA:      le.Uint64(buf[32:]),
		FirstUsableLBA: le.Uint64(buf[40:]),
		LastUsableLBA:  le.Uint64(buf[48:]),
		DiskGUID:       decodeGUID(buf[56:72]),
		EntriesLBA:     le.Uint64(buf[72:]),
		NumEntries:     le.Uint32(buf[80:]),
		EntrySize:      le.Uint32(buf[84:]),
		EntriesCRC32:   le.Uint32(buf[88:]),
		SectorSize:     sectorSize,
	}
	if h.EntrySize < entrySize || h.NumEntries > maxEntries {
		return nil, errors.Wrapf(ErrNoGPT, "%d entries of %d bytes", h.NumEntries, h.EntrySize)
	}
	return h, nil
}

// Read parses the header and the partition entries it points at.
func Read(r io.ReaderAt, sectorSize uint32) (*Table, error) {
	h, err := ReadHeader(r, sectorSize)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, int(h.NumEntries)*int(h.EntrySize))
	if _, err := r.ReadAt(raw, int64(h.EntriesLBA)*int64(sectorSize)); err != nil {
		return nil, errors.Wrap(err, "gpt: cannot read partition entries")
	}
	if got := crc32.ChecksumIEEE(raw); got != h.EntriesCRC32 {
		return nil, errors.Errorf("gpt: partition entries CRC %08X, want %08X", got, h.EntriesCRC32)
	}

	t := &Table{Header: *h}
	zero := make([]byte, 16)
	for i := 0; i < int(h.NumEntries); i++ {
		e := raw[i*int(h.EntrySize):]
		if bytes.Equal(e[0:16], zero) {
			continue
		}
		t.Partitions = append(t.Partitions, Partition{
			TypeGUID:   decodeGUID(e[0:16]),
			UID:        decodeGUID(e[16:32]),
			FirstLBA:   binary.LittleEndian.Uint64(e[32:]),
			LastLBA:    binary.LittleEndian.Uint64(e[40:]),
			Attributes: binary.LittleEndian.Uint64(e[48:]),
			Name:       decodeName(e[entryNameOffset : entryNameOffset+2*nameUTF16Chars]),
		})
	}
	return t, nil
}

// GPT stores the first three GUID fields little endian.
func decodeGUID(b []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], b[:16])
	u[0], u[1], u[2], u[3] = u[3], u[2], u[1], u[0]
	u[4], u[5] = u[5], u[4]
	u[6], u[7] = u[7], u[6]
	return u
}

func encodeGUID(u uuid.UUID) []byte {
	b := make([]byte, 16)
	copy(b, u[:])
	b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
	b[4], b[5] = b[5], b[4]
	b[6], b[7] = b[7], b[6]
	return b
}

func decodeName(b []byte) string {
	u := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		c := binary.LittleEndian.Uint16(b[i:])
		if c == 0 {
			break
		}
		u = append(u, c)
	}
	return string(utf16.Decode(u))
}
