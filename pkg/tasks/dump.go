package tasks

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/msmtools/qcedl/pkg/edlerr"
	"github.com/msmtools/qcedl/pkg/firehose"
	"github.com/msmtools/qcedl/pkg/gpt"
	"github.com/msmtools/qcedl/pkg/imagewriter"
	"github.com/msmtools/qcedl/pkg/sectorstream"
	"github.com/msmtools/qcedl/pkg/topology"
	"github.com/pkg/errors"
)

// LunImageName is the file a whole LUN is dumped to.
func LunImageName(lun uint32) string {
	return fmt.Sprintf("LUN%d.img", lun)
}

func checkNotExists(path string) error {
	if _, err := os.Lstat(path); err == nil {
		return edlerr.New(edlerr.UserInput, "dump", errors.Wrap(ErrOutputExists, path))
	}
	return nil
}

// createOutput creates a new image file and fails if it already exists.
func createOutput(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return nil, edlerr.New(edlerr.UserInput, "dump", errors.Wrap(ErrOutputExists, path))
	}
	if err != nil {
		return nil, edlerr.New(edlerr.UserInput, "dump", err)
	}
	return f, nil
}

// finish closes f and removes it when the dump did not complete.
func finish(f *os.File, err error) error {
	cerr := f.Close()
	if err != nil {
		os.Remove(f.Name())
		return err
	}
	if cerr != nil {
		return edlerr.New(edlerr.Integrity, "dump", cerr)
	}
	return nil
}

func (o *Options) newManifest(ch *firehose.Channel) *imagewriter.Manifest {
	return &imagewriter.Manifest{
		Created: o.clock()().UTC(),
		Device:  ch.Transport().Name(),
		Storage: o.Storage.String(),
	}
}

// saveManifest adds the entries of m to the manifest in dir, if any.
func (o *Options) saveManifest(dir string, m *imagewriter.Manifest) error {
	if !o.Config.Manifest {
		return nil
	}
	prev, err := imagewriter.LoadManifest(dir)
	switch {
	case err == nil:
		prev.Images = append(prev.Images, m.Images...)
		m = prev
	case !os.IsNotExist(errors.Cause(err)):
		return edlerr.New(edlerr.UserInput, "manifest", err)
	}
	if err := m.Save(dir); err != nil {
		return edlerr.New(edlerr.Integrity, "manifest", err)
	}
	return nil
}

// dumpLun streams a whole LUN into path with one bulk read.
func dumpLun(o *Options, ch *firehose.Channel, lun topology.LunGeometry, path string) (*imagewriter.Result, error) {
	f, err := createOutput(path)
	if err != nil {
		return nil, err
	}
	w, err := imagewriter.NewSparseWriter(f, lun.SectorSize)
	if err != nil {
		return nil, finish(f, err)
	}
	glog.Infof("Dumping %s to %s", lun, path)
	pp := NewProgressPrinter(fmt.Sprintf("LUN %d", lun.Index), o.now)
	err = ch.Read(lun.Index, lun.SectorSize, 0, lun.SectorCount-1, w, pp.Firehose(lun.SectorSize))
	if err == nil {
		err = w.Close()
	}
	if err := finish(f, err); err != nil {
		return nil, err
	}
	return w.Result(), nil
}

// DumpStorage writes every LUN to outDir/LUN<i>.img.
func DumpStorage(o Options, outDir string) error {
	return run("FirehoseDumpStorage", func() error {
		if err := checkDumpable(o.Storage); err != nil {
			return err
		}
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return edlerr.New(edlerr.UserInput, "dump", err)
		}
		for i := 0; i < o.Config.ProbeMaxLuns; i++ {
			if err := checkNotExists(filepath.Join(outDir, LunImageName(uint32(i)))); err != nil {
				return err
			}
		}

		ch, topo, err := configured(&o)
		if err != nil {
			return err
		}
		defer ch.Close()

		m := o.newManifest(ch)
		for _, lun := range topo.Luns {
			if !readable(lun) {
				glog.Warningf("Skipping LUN %d: it has no readable sectors", lun.Index)
				continue
			}
			name := LunImageName(lun.Index)
			res, err := dumpLun(&o, ch, lun, filepath.Join(outDir, name))
			if err != nil {
				return err
			}
			if err := m.Add(imagewriter.Entry{File: name, Lun: lun.Index, SectorSize: lun.SectorSize}, res); err != nil {
				return err
			}
		}
		return o.saveManifest(outDir, m)
	})
}

// DumpStorageLun writes one LUN to outDir/LUN<lun>.img.
func DumpStorageLun(o Options, outDir string, lun uint32) error {
	return run("FirehoseDumpStorageLun", func() error {
		if err := checkDumpable(o.Storage); err != nil {
			return err
		}
		name := LunImageName(lun)
		path := filepath.Join(outDir, name)
		if err := checkNotExists(path); err != nil {
			return err
		}
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return edlerr.New(edlerr.UserInput, "dump", err)
		}

		ch, topo, err := configured(&o)
		if err != nil {
			return err
		}
		defer ch.Close()

		geo, ok := topo.Lun(int(lun))
		if !ok || !readable(geo) {
			return edlerr.New(edlerr.UserInput, "dump", errors.Wrapf(ErrLunNotFound, "LUN %d", lun))
		}
		res, err := dumpLun(&o, ch, geo, path)
		if err != nil {
			return err
		}
		m := o.newManifest(ch)
		if err := m.Add(imagewriter.Entry{File: name, Lun: lun, SectorSize: geo.SectorSize}, res); err != nil {
			return err
		}
		return o.saveManifest(outDir, m)
	})
}

// dumpPartition copies one partition through a sector stream.
func dumpPartition(o *Options, ch *firehose.Channel, lun topology.LunGeometry, part gpt.Partition, path string) error {
	if part.LastLBA >= lun.SectorCount {
		return edlerr.Errorf(edlerr.Integrity, "dump", "partition %q ends at LBA %d past the end of LUN %d", part.Name, part.LastLBA, lun.Index)
	}
	s, err := sectorstream.OpenWindow(ch, lun, part.FirstLBA, part.LastLBA)
	if err != nil {
		return err
	}
	chunk := o.Config.ImageChunkSize
	if chunk == 0 {
		chunk = ch.MaxPayload()
	}

	f, err := createOutput(path)
	if err != nil {
		return err
	}
	glog.Infof("Dumping LUN %d %s to %s", lun.Index, part, path)
	pp := NewProgressPrinter(part.Name, o.now)
	res, err := imagewriter.Copy(f, s, s.Length(), lun.SectorSize,
		imagewriter.WithChunkSize(chunk),
		imagewriter.WithProgress(pp.Update))
	if err := finish(f, err); err != nil {
		return err
	}

	first := part.FirstLBA
	m := o.newManifest(ch)
	entry := imagewriter.Entry{
		File:       filepath.Base(path),
		Lun:        lun.Index,
		Partition:  part.Name,
		FirstLBA:   &first,
		SectorSize: lun.SectorSize,
	}
	if err := m.Add(entry, res); err != nil {
		return err
	}
	return o.saveManifest(filepath.Dir(path), m)
}

// DumpPartitionByUID searches every LUN for the partition with the given
// unique GUID and dumps it to outPath.
func DumpPartitionByUID(o Options, uid uuid.UUID, outPath string) error {
	return run("FirehoseDumpPartition", func() error {
		if err := checkDumpable(o.Storage); err != nil {
			return err
		}
		if err := checkNotExists(outPath); err != nil {
			return err
		}
		ch, topo, err := configured(&o)
		if err != nil {
			return err
		}
		defer ch.Close()

		for _, lun := range topo.Luns {
			if !readable(lun) {
				continue
			}
			table, err := readGPT(ch, lun)
			if err != nil {
				return err
			}
			if table == nil {
				continue
			}
			if part, ok := table.ByUID(uid); ok {
				return dumpPartition(&o, ch, lun, part, outPath)
			}
		}
		return edlerr.New(edlerr.UserInput, "dump", errors.Wrapf(ErrPartitionNotFound, "uid %s", uid))
	})
}

// DumpPartitionByName dumps the partition called name on LUN lun.
func DumpPartitionByName(o Options, name string, lun uint32, outPath string) error {
	return run("FirehoseDumpPartition", func() error {
		if err := checkDumpable(o.Storage); err != nil {
			return err
		}
		if err := checkNotExists(outPath); err != nil {
			return err
		}
		ch, topo, err := configured(&o)
		if err != nil {
			return err
		}
		defer ch.Close()

		geo, ok := topo.Lun(int(lun))
		if !ok || !readable(geo) {
			return edlerr.New(edlerr.UserInput, "dump", errors.Wrapf(ErrLunNotFound, "LUN %d", lun))
		}
		table, err := readGPT(ch, geo)
		if err != nil {
			return err
		}
		if table == nil {
			return edlerr.New(edlerr.UserInput, "dump", errors.Wrapf(ErrPartitionNotFound, "LUN %d has no partition table", lun))
		}
		part, ok := table.ByName(name)
		if !ok {
			return edlerr.New(edlerr.UserInput, "dump", errors.Wrapf(ErrPartitionNotFound, "%q on LUN %d", name, lun))
		}
		return dumpPartition(&o, ch, geo, part, outPath)
	})
}
