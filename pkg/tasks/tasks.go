// Package tasks are the user-level EDL workflows: load a programmer, reset
// the device, print storage information and dump LUNs or partitions.
//
// Every task opens its own session and closes the transport when done.
package tasks

import (
	"io"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/msmtools/qcedl/pkg/config"
	"github.com/msmtools/qcedl/pkg/device"
	"github.com/msmtools/qcedl/pkg/edlerr"
	"github.com/msmtools/qcedl/pkg/firehose"
	"github.com/msmtools/qcedl/pkg/sahara"
	"github.com/msmtools/qcedl/pkg/topology"
	"github.com/pkg/errors"
)

var (
	ErrLunNotFound       = errors.New("LUN not found")
	ErrPartitionNotFound = errors.New("partition not found")
	ErrOutputExists      = errors.New("output file already exists")
)

// Options says which device to talk to and how.
type Options struct {
	// Device is a path accepted by device.Open.
	Device string
	// Transport, when set, is used instead of opening Device.
	Transport device.Transport

	Programmer string
	Storage    firehose.StorageType
	Verbose    bool
	Config     config.Config

	// Out receives the human readable listings. Defaults to os.Stdout.
	Out io.Writer
	// now is replaced in tests.
	now func() time.Time
}

func (o *Options) out() io.Writer {
	if o.Out == nil {
		return os.Stdout
	}
	return o.Out
}

func (o *Options) clock() func() time.Time {
	if o.now == nil {
		return time.Now
	}
	return o.now
}

func (o *Options) open() (device.Transport, error) {
	if o.Transport != nil {
		return o.Transport, nil
	}
	return device.Open(o.Device, time.Duration(o.Config.ReadTimeout))
}

func (o *Options) channelOptions() []firehose.Option {
	return []firehose.Option{
		firehose.WithVerbose(o.Verbose),
		firehose.WithMaxPayloadCeiling(o.Config.MaxPayloadCeiling),
		firehose.WithDigestTableSize(o.Config.MaxDigestTableSizeInBytes),
		firehose.WithPowerDelay(o.Config.PowerDelaySeconds),
	}
}

func (o *Options) topologyOptions() []topology.Option {
	return []topology.Option{
		topology.WithProbeLimit(o.Config.ProbeMaxLuns),
		topology.WithProbeSectorSizes(o.Config.ProbeSectorSizes...),
		topology.WithPlaceholderSectorSize(o.Config.PlaceholderSectorSize),
	}
}

// run brackets a task with START and END log lines.
func run(name string, fn func() error) error {
	glog.Infof("START %s", name)
	err := fn()
	if err != nil {
		glog.Errorf("%s failed: %v", name, err)
	}
	glog.Infof("END %s", name)
	return err
}

// commonLoad boots the device and returns a channel to its programmer.
// The greeting is only drained after a fresh upload; a resident programmer
// has already printed its own.
func commonLoad(o *Options) (*firehose.Channel, error) {
	t, err := o.open()
	if err != nil {
		return nil, err
	}
	glog.Infof("Connected to %s", t.Name())

	res, err := sahara.Boot(t, o.Programmer)
	if err != nil {
		t.Close()
		return nil, err
	}
	if !res.ProgrammerReady {
		t.Close()
		return nil, edlerr.Errorf(edlerr.Transport, "load", "programmer did not start")
	}

	ch := firehose.NewChannel(t, o.channelOptions()...)
	if !res.AssumedResident {
		if err := ch.DrainBoot(); err != nil {
			ch.Close()
			return nil, err
		}
	}
	return ch, nil
}

// configured is commonLoad followed by Configure and storage discovery.
func configured(o *Options) (*firehose.Channel, *topology.Topology, error) {
	ch, err := commonLoad(o)
	if err != nil {
		return nil, nil, err
	}
	if _, err := ch.Configure(o.Storage); err != nil {
		ch.Close()
		return nil, nil, err
	}
	topo, err := topology.Discover(ch, o.topologyOptions()...)
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	glog.Infof("Storage layout from %s:\n%s", topo.Source, topo)
	return ch, topo, nil
}

// Load uploads the programmer and leaves it running.
func Load(o Options) error {
	return run("FirehoseLoad", func() error {
		ch, err := commonLoad(&o)
		if err != nil {
			return err
		}
		glog.Info("Emergency programmer test succeeded")
		return ch.Close()
	})
}

// Reset loads the programmer and sends a power command.
func Reset(o Options, value firehose.PowerValue) error {
	return run("FirehoseReset", func() error {
		ch, err := commonLoad(&o)
		if err != nil {
			return err
		}
		return ch.Power(value)
	})
}

// readable reports whether a LUN has sectors to read. Placeholders from
// the probe and unprovisioned LUNs have none.
func readable(lun topology.LunGeometry) bool {
	return !lun.Placeholder && lun.SectorCount > 0
}

func checkDumpable(s firehose.StorageType) error {
	switch s {
	case firehose.StorageUFS, firehose.StorageSPINOR:
		return nil
	}
	return edlerr.Errorf(edlerr.UserInput, "dump", "dumping %s storage is not supported", s)
}
