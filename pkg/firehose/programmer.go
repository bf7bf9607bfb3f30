package firehose

import "io"

// Programmer is what storage discovery and dumps need from a running
// Firehose programmer. *Channel implements it.
type Programmer interface {
	Configure(storage StorageType) (*ConfigureResult, error)
	StorageInfo(lun uint32) (*StorageInfo, error)
	Read(lun, sectorSize uint32, first, last uint64, w io.Writer, progress ProgressFunc) error
	MaxPayload() int
	Power(value PowerValue) error
}

var _ Programmer = (*Channel)(nil)

// Progress of a bulk read, in sectors.
type Progress struct {
	SectorsDone  uint64
	SectorsTotal uint64
}

// Percentage is SectorsDone as a whole percentage of SectorsTotal.
func (p Progress) Percentage() int {
	if p.SectorsTotal == 0 {
		return 100
	}
	return int(p.SectorsDone * 100 / p.SectorsTotal)
}

// ProgressFunc observes a bulk read after every chunk.
type ProgressFunc func(Progress)
