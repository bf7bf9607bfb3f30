package sectorstream

import (
	"github.com/msmtools/qcedl/pkg/firehose"
	"github.com/msmtools/qcedl/pkg/topology"
)

// EDLReader reads sectors of one LUN through a Firehose programmer.
type EDLReader struct {
	p   firehose.Programmer
	lun topology.LunGeometry
}

func NewEDLReader(p firehose.Programmer, lun topology.LunGeometry) *EDLReader {
	return &EDLReader{p: p, lun: lun}
}

func (r *EDLReader) SectorSize() uint32 {
	return r.lun.SectorSize
}

func (r *EDLReader) ReadSectors(first, last uint64) ([]byte, error) {
	return firehose.ReadSectors(r.p, r.lun.Index, r.lun.SectorSize, first, last)
}

// OpenLun is a stream over a whole LUN.
func OpenLun(p firehose.Programmer, lun topology.LunGeometry) (*Stream, error) {
	return NewLun(NewEDLReader(p, lun), lun.SectorCount)
}

// OpenWindow is a stream over sectors [first, last] of a LUN.
func OpenWindow(p firehose.Programmer, lun topology.LunGeometry, first, last uint64) (*Stream, error) {
	return NewWindow(NewEDLReader(p, lun), first, last)
}
