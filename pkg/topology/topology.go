// Package topology discovers the logical units behind a Firehose
// programmer and their geometry.
package topology

import (
	"fmt"
)

// Source says how a Topology was obtained.
type Source int

const (
	SourceStorageInfo Source = iota
	SourceProbe
)

func (s Source) String() string {
	if s == SourceProbe {
		return "GPT probe"
	}
	return "storage info"
}

// LunGeometry describes one LUN. Placeholder entries stand in for indices
// that could not be probed; their geometry is a guess of one sector.
type LunGeometry struct {
	Index       uint32
	SectorSize  uint32
	SectorCount uint64
	Label       string
	Placeholder bool
}

// Size is the LUN capacity in bytes.
func (g LunGeometry) Size() int64 {
	return int64(g.SectorSize) * int64(g.SectorCount)
}

func (g LunGeometry) String() string {
	s := fmt.Sprintf("LUN[%d] Name: %s, Total Blocks: %d, Block Size: %d", g.Index, g.Label, g.SectorCount, g.SectorSize)
	if g.Placeholder {
		s += " (placeholder)"
	}
	return s
}

// Topology is the set of LUNs found in one session. It is not modified
// after discovery.
type Topology struct {
	Luns   []LunGeometry
	Source Source
}

// NumOfLuns is the number of addressable LUN indices, placeholders included.
func (t *Topology) NumOfLuns() int {
	return len(t.Luns)
}

// Lun returns the geometry at index i.
func (t *Topology) Lun(i int) (LunGeometry, bool) {
	if i < 0 || i >= len(t.Luns) {
		return LunGeometry{}, false
	}
	return t.Luns[i], true
}

// TotalSize sums the capacity of every LUN.
func (t *Topology) TotalSize() int64 {
	var total int64
	for _, l := range t.Luns {
		total += l.Size()
	}
	return total
}

// String implements Stringer interface.
func (t Topology) String() string {
	info := fmt.Sprintf("Total size: %d MB\n", t.TotalSize()/1024/1024)
	info += fmt.Sprintf("%d LUNs from %s\n", len(t.Luns), t.Source)
	for _, l := range t.Luns {
		info += "  " + l.String() + "\n"
	}
	return info
}

// ProbeResult is the outcome of probing one LUN index for a partition table.
type ProbeResult struct {
	Index       uint32
	SectorSize  uint32
	SectorCount uint64
	OK          bool
}

// Reconcile turns probe results into a dense LUN list covering every index
// up to the highest one that succeeded. Gaps get a one-sector placeholder of
// confirmedSize, or defaultSize when no size was confirmed.
func Reconcile(results []ProbeResult, confirmedSize, defaultSize uint32) []LunGeometry {
	maxValid := -1
	found := make(map[uint32]ProbeResult)
	for _, r := range results {
		if !r.OK {
			continue
		}
		found[r.Index] = r
		if int(r.Index) > maxValid {
			maxValid = int(r.Index)
		}
	}

	placeholderSize := confirmedSize
	if placeholderSize == 0 {
		placeholderSize = defaultSize
	}
	luns := make([]LunGeometry, 0, maxValid+1)
	for i := 0; i <= maxValid; i++ {
		if r, ok := found[uint32(i)]; ok {
			luns = append(luns, LunGeometry{Index: r.Index, SectorSize: r.SectorSize, SectorCount: r.SectorCount})
			continue
		}
		luns = append(luns, LunGeometry{Index: uint32(i), SectorSize: placeholderSize, SectorCount: 1, Placeholder: true})
	}
	return luns
}
