package tasks

import (
	"fmt"
	"io"

	"github.com/golang/glog"
	"github.com/msmtools/qcedl/pkg/edlerr"
	"github.com/msmtools/qcedl/pkg/firehose"
	"github.com/msmtools/qcedl/pkg/gpt"
	"github.com/msmtools/qcedl/pkg/sectorstream"
	"github.com/msmtools/qcedl/pkg/topology"
)

// readGPT reads the partition table of a LUN. A LUN without one yields a
// nil table and no error; only transport failures are returned.
func readGPT(p firehose.Programmer, lun topology.LunGeometry) (*gpt.Table, error) {
	if lun.SectorCount == 0 {
		glog.Warningf("LUN %d has no sectors", lun.Index)
		return nil, nil
	}
	s, err := sectorstream.OpenLun(p, lun)
	if err != nil {
		return nil, err
	}
	table, err := gpt.Read(s, lun.SectorSize)
	if err != nil {
		if edlerr.IsKind(err, edlerr.Transport) {
			return nil, err
		}
		glog.V(1).Infof("LUN %d: %v", lun.Index, err)
		return nil, nil
	}
	return table, nil
}

func printPartitions(w io.Writer, lun uint32, table *gpt.Table) {
	if table == nil {
		fmt.Fprintf(w, "LUN %d: No GPT found\n", lun)
		return
	}
	fmt.Fprintf(w, "LUN %d:\n", lun)
	width := 0
	for _, p := range table.Partitions {
		if len(p.Name) > width {
			width = len(p.Name)
		}
	}
	for _, p := range table.Partitions {
		fmt.Fprintf(w, "Name: %-*s, Type: %s, ID: %s, StartLBA: 0x%016X, EndLBA: 0x%016X, Attributes: 0x%016X, SizeLBA: 0x%016X\n",
			width, p.Name, p.TypeGUID, p.UID, p.FirstLBA, p.LastLBA, p.Attributes, p.Sectors())
	}
	fmt.Fprintln(w)
}

// ReadStorageInfo prints the geometry of every LUN and its partitions.
func ReadStorageInfo(o Options) error {
	return run("FirehoseReadStorageInfo", func() error {
		ch, topo, err := configured(&o)
		if err != nil {
			return err
		}
		defer ch.Close()

		w := o.out()
		for _, lun := range topo.Luns {
			fmt.Fprintf(w, "LUN[%d] Name: %s\n", lun.Index, lun.Label)
			fmt.Fprintf(w, "LUN[%d] Total Blocks: %d\n", lun.Index, lun.SectorCount)
			fmt.Fprintf(w, "LUN[%d] Block Size: %d\n\n", lun.Index, lun.SectorSize)
		}
		for _, lun := range topo.Luns {
			if lun.Placeholder {
				continue
			}
			table, err := readGPT(ch, lun)
			if err != nil {
				return err
			}
			printPartitions(w, lun.Index, table)
		}
		return nil
	})
}
