package topology

import (
	"bytes"

	"github.com/golang/glog"
	"github.com/msmtools/qcedl/pkg/edlerr"
	"github.com/msmtools/qcedl/pkg/firehose"
	"github.com/msmtools/qcedl/pkg/gpt"
	"github.com/pkg/errors"
)

// probeSectors is how much of each LUN the fallback reads: the protective
// MBR, the GPT header and the first entries.
const probeSectors = 6

type options struct {
	maxLuns         int
	sectorSizes     []uint32
	placeholderSize uint32
}

type Option func(*options)

// WithProbeLimit sets how many LUN indices the fallback tries.
func WithProbeLimit(n int) Option {
	return func(o *options) {
		o.maxLuns = n
	}
}

// WithProbeSectorSizes sets the sector sizes the fallback tries, in order.
func WithProbeSectorSizes(sizes ...uint32) Option {
	return func(o *options) {
		o.sectorSizes = sizes
	}
}

// WithPlaceholderSectorSize is the placeholder sector size used when the
// probe never confirmed one.
func WithPlaceholderSectorSize(n uint32) Option {
	return func(o *options) {
		o.placeholderSize = n
	}
}

// Discover enumerates LUNs. It asks the programmer for storage info first
// and falls back to probing for partition tables when LUN 0 gets no answer.
func Discover(p firehose.Programmer, opts ...Option) (*Topology, error) {
	o := options{maxLuns: 10, sectorSizes: []uint32{4096, 512}, placeholderSize: 4096}
	for _, opt := range opts {
		opt(&o)
	}

	main, err := p.StorageInfo(0)
	if err != nil {
		return nil, err
	}
	if main != nil {
		luns, err := fromStorageInfo(p, main)
		if err != nil {
			return nil, err
		}
		return &Topology{Luns: luns, Source: SourceStorageInfo}, nil
	}

	glog.Info("Storage info unavailable, probing LUNs for a GPT")
	luns, err := probe(p, o)
	if err != nil {
		return nil, err
	}
	return &Topology{Luns: luns, Source: SourceProbe}, nil
}

func geometryOf(i uint32, si *firehose.StorageInfo) (LunGeometry, error) {
	if si.BlockSize <= 0 || si.TotalBlocks < 0 {
		return LunGeometry{}, edlerr.Errorf(edlerr.Integrity, "storage info", "LUN %d reports %d blocks of %d bytes", i, si.TotalBlocks, si.BlockSize)
	}
	return LunGeometry{
		Index:       i,
		SectorSize:  uint32(si.BlockSize),
		SectorCount: uint64(si.TotalBlocks),
		Label:       si.ProdName,
	}, nil
}

func fromStorageInfo(p firehose.Programmer, main *firehose.StorageInfo) ([]LunGeometry, error) {
	total := main.NumPhysical
	if total < 1 {
		total = 1
	}
	g, err := geometryOf(0, main)
	if err != nil {
		return nil, err
	}
	luns := []LunGeometry{g}
	for i := 1; i < total; i++ {
		si, err := p.StorageInfo(uint32(i))
		if err != nil {
			return nil, err
		}
		if si == nil {
			return nil, edlerr.Errorf(edlerr.Integrity, "storage info", "error in reading LUN %d for storage info, LUN 0 reported %d LUNs", i, total)
		}
		g, err := geometryOf(uint32(i), si)
		if err != nil {
			return nil, err
		}
		luns = append(luns, g)
	}
	return luns, nil
}

func probe(p firehose.Programmer, o options) ([]LunGeometry, error) {
	var (
		results   []ProbeResult
		confirmed uint32
	)
	for i := 0; i < o.maxLuns; i++ {
		sizes := o.sectorSizes
		if confirmed != 0 {
			sizes = []uint32{confirmed}
		}
		found := false
		for _, ss := range sizes {
			h, err := probeLun(p, uint32(i), ss)
			if err != nil {
				if fatal(err) {
					return nil, err
				}
				glog.V(1).Infof("LUN %d at %d byte sectors: %v", i, ss, err)
				continue
			}
			confirmed = ss
			results = append(results, ProbeResult{Index: uint32(i), SectorSize: ss, SectorCount: h.LastUsableLBA + 1, OK: true})
			found = true
			break
		}
		if !found {
			glog.Infof("LUN %d: No GPT found", i)
			results = append(results, ProbeResult{Index: uint32(i)})
		}
	}
	luns := Reconcile(results, confirmed, o.placeholderSize)
	if len(luns) == 0 {
		return nil, edlerr.Errorf(edlerr.Denied, "discover", "storage info refused and no LUN has a GPT")
	}
	return luns, nil
}

func probeLun(p firehose.Programmer, lun, sectorSize uint32) (*gpt.Header, error) {
	data, err := firehose.ReadSectors(p, lun, sectorSize, 0, probeSectors-1)
	if err != nil {
		return nil, err
	}
	return gpt.ReadHeader(bytes.NewReader(data), sectorSize)
}

// fatal reports errors that leave the channel unusable, as opposed to a
// LUN that just has nothing to find.
func fatal(err error) bool {
	return errors.Is(err, firehose.ErrChannelInvalid) || edlerr.IsKind(err, edlerr.Transport)
}
