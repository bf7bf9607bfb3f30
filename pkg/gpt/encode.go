package gpt

import (
	"encoding/binary"
	"hash/crc32"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Encode lays out a protective MBR, a primary header at LBA 1 and 128
// entries from LBA 2. The result covers the table only; the caller places
// it at the start of a disk of totalSectors sectors.
func Encode(sectorSize uint32, totalSectors uint64, diskGUID uuid.UUID, parts []Partition) ([]byte, error) {
	if len(parts) > defaultEntries {
		return nil, errors.Errorf("gpt: %d partitions do not fit", len(parts))
	}
	ss := uint64(sectorSize)
	entriesSectors := (defaultEntries*entrySize + ss - 1) / ss
	firstUsable := 2 + entriesSectors
	if totalSectors <= firstUsable+entriesSectors+1 {
		return nil, errors.Errorf("gpt: disk of %d sectors is too small", totalSectors)
	}
	// The backup copy is not written, but its sectors are kept out of use.
	lastUsable := totalSectors - 1 - entriesSectors - 1

	le := binary.LittleEndian
	entries := make([]byte, defaultEntries*entrySize)
	for i, p := range parts {
		if p.FirstLBA < firstUsable || p.LastLBA > lastUsable || p.LastLBA < p.FirstLBA {
			return nil, errors.Errorf("gpt: partition %q [%d, %d] outside usable [%d, %d]", p.Name, p.FirstLBA, p.LastLBA, firstUsable, lastUsable)
		}
		e := entries[i*entrySize:]
		copy(e[0:], encodeGUID(p.TypeGUID))
		copy(e[16:], encodeGUID(p.UID))
		le.PutUint64(e[32:], p.FirstLBA)
		le.PutUint64(e[40:], p.LastLBA)
		le.PutUint64(e[48:], p.Attributes)
		name := utf16.Encode([]rune(p.Name))
		if len(name) > nameUTF16Chars {
			name = name[:nameUTF16Chars]
		}
		for j, c := range name {
			le.PutUint16(e[entryNameOffset+2*j:], c)
		}
	}

	out := make([]byte, (2+entriesSectors)*ss)
	// Protective MBR: one 0xEE partition covering the disk.
	mbr := out[446:]
	mbr[4] = 0xEE
	le.PutUint32(mbr[8:], 1)
	mbrSectors := totalSectors - 1
	if mbrSectors > 0xFFFFFFFF {
		mbrSectors = 0xFFFFFFFF
	}
	le.PutUint32(mbr[12:], uint32(mbrSectors))
	out[510], out[511] = 0x55, 0xAA

	h := out[ss:]
	copy(h[0:], signature)
	le.PutUint32(h[8:], revision)
	le.PutUint32(h[12:], headerSize)
	le.PutUint64(h[24:], 1)
	le.PutUint64(h[32:], totalSectors-1)
	le.PutUint64(h[40:], firstUsable)
	le.PutUint64(h[48:], lastUsable)
	copy(h[56:], encodeGUID(diskGUID))
	le.PutUint64(h[72:], 2)
	le.PutUint32(h[80:], defaultEntries)
	le.PutUint32(h[84:], entrySize)
	le.PutUint32(h[88:], crc32.ChecksumIEEE(entries))
	le.PutUint32(h[16:], crc32.ChecksumIEEE(h[:headerSize]))

	copy(out[2*ss:], entries)
	return out, nil
}
