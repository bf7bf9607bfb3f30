package edlsim

import (
	"github.com/google/uuid"
	"github.com/msmtools/qcedl/pkg/gpt"
)

// GPTLUN makes an in-memory LUN with a GUID partition table. Partition
// contents are filled with a pattern derived from the partition index so
// dumps can be checked byte for byte.
func GPTLUN(name string, sectorSize uint32, sectors uint64, parts []gpt.Partition) (LUN, error) {
	table, err := gpt.Encode(sectorSize, sectors, uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)), parts)
	if err != nil {
		return LUN{}, err
	}
	img := make([]byte, uint64(sectorSize)*sectors)
	copy(img, table)
	for i, p := range parts {
		start := p.FirstLBA * uint64(sectorSize)
		end := (p.LastLBA + 1) * uint64(sectorSize)
		for off := start; off < end; off++ {
			img[off] = PatternByte(i, off-start)
		}
	}
	return MemoryLUN(name, sectorSize, sectors, img), nil
}

// PatternByte is the content GPTLUN writes at offset off of partition i.
// Every other 4K block is left zero so sparse copies have holes to find.
func PatternByte(i int, off uint64) byte {
	if (off/4096)%2 == 1 {
		return 0
	}
	return byte(i+1) ^ byte(off) ^ byte(off>>9)
}
