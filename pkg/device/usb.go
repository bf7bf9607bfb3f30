package device

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
)

const (
	QualcommVendorID gousb.ID = 0x05c6
	EDLProductID     gousb.ID = 0x9008

	usbReadBufferSize = 1 << 20
)

// bulkIn is the receiving half of the bulk interface.
type bulkIn interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// USBDevice talks to an EDL device through its vendor-specific bulk
// interface with libusb.
type USBDevice struct {
	ctx     *gousb.Context
	dev     *gousb.Device
	cfg     *gousb.Config
	intf    *gousb.Interface
	in      bulkIn
	out     *gousb.OutEndpoint
	timeout time.Duration

	// Bulk IN transfers are read whole into rbuf and handed out from there,
	// so callers may ask for fewer bytes than the device sends.
	rbuf []byte
	rpos int
	rend int
}

// OpenUSB opens the EDL device at bus:addr. Negative values pick the only
// EDL device on the bus and fail if there is more than one.
func OpenUSB(bus, addr int) (d *USBDevice, err error) {
	ctx := gousb.NewContext()
	defer func() {
		if err != nil {
			ctx.Close()
		}
	}()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor != QualcommVendorID || desc.Product != EDLProductID {
			return false
		}
		return bus < 0 || (desc.Bus == bus && desc.Address == addr)
	})
	if err != nil {
		for _, d := range devs {
			d.Close()
		}
		return nil, errors.Wrap(err, "cannot enumerate USB devices")
	}
	if len(devs) == 0 {
		return nil, errors.New("no USB devices in EDL mode were found")
	}
	if len(devs) != 1 {
		for _, d := range devs {
			d.Close()
		}
		return nil, errors.New("found more than one USB device in EDL mode, pass usb:BUS:ADDR")
	}
	dev := devs[0]

	d, err = claimBulkInterface(dev)
	if err != nil {
		dev.Close()
		return nil, errors.Wrapf(err, "device %d:%d", dev.Desc.Bus, dev.Desc.Address)
	}
	d.ctx = ctx
	return d, nil
}

func claimBulkInterface(dev *gousb.Device) (*USBDevice, error) {
	var cn, in, an int
	ok := false
	for _, cfg := range dev.Desc.Configs {
		for _, id := range cfg.Interfaces {
			for _, is := range id.AltSettings {
				if is.Class == gousb.ClassVendorSpec && len(is.Endpoints) == 2 {
					cn, in, an = cfg.Number, id.Number, is.Alternate
					ok = true
				}
			}
		}
	}
	if !ok {
		return nil, errors.New("no vendor-specific interface with two bulk endpoints")
	}
	dev.SetAutoDetach(true)

	cfg, err := dev.Config(cn)
	if err != nil {
		return nil, err
	}
	intf, err := cfg.Interface(in, an)
	if err != nil {
		cfg.Close()
		return nil, err
	}
	var rxn, txn int
	for _, ed := range intf.Setting.Endpoints {
		if ed.Direction == gousb.EndpointDirectionIn {
			rxn = ed.Number
		} else {
			txn = ed.Number
		}
	}
	if rxn == 0 || txn == 0 {
		intf.Close()
		cfg.Close()
		return nil, errors.New("missing bulk IN or OUT endpoint")
	}
	ie, err := intf.InEndpoint(rxn)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, err
	}
	oe, err := intf.OutEndpoint(txn)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, err
	}
	return &USBDevice{
		dev:  dev,
		cfg:  cfg,
		intf: intf,
		in:   ie,
		out:  oe,
		rbuf: make([]byte, usbReadBufferSize),
	}, nil
}

func (u *USBDevice) Name() string {
	return fmt.Sprintf("EDL USB device %d:%d", u.dev.Desc.Bus, u.dev.Desc.Address)
}

func (u *USBDevice) SetReadTimeout(t time.Duration) error {
	u.timeout = t
	return nil
}

func (u *USBDevice) context() (context.Context, context.CancelFunc) {
	if u.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), u.timeout)
}

func (u *USBDevice) Read(buf []byte) (int, error) {
	if u.rpos == u.rend {
		ctx, cancel := u.context()
		defer cancel()
		// A zero-length packet only ends a transfer that filled whole
		// packets; the data continues in the next one.
		for u.rpos == u.rend {
			n, err := u.in.ReadContext(ctx, u.rbuf)
			if err != nil && ctx.Err() != nil {
				return 0, ErrTimeout
			}
			if err != nil {
				return 0, err
			}
			u.rpos, u.rend = 0, n
		}
	}
	n := copy(buf, u.rbuf[u.rpos:u.rend])
	u.rpos += n
	return n, nil
}

func (u *USBDevice) Write(buf []byte) (int, error) {
	ctx, cancel := u.context()
	defer cancel()
	n, err := u.out.WriteContext(ctx, buf)
	if err != nil {
		return n, err
	}
	// Terminate transfers that end on a packet boundary.
	if mps := u.out.Desc.MaxPacketSize; mps > 0 && len(buf) > 0 && len(buf)%mps == 0 {
		if _, err := u.out.WriteContext(ctx, nil); err != nil {
			return n, errors.Wrap(err, "cannot send zero-length packet")
		}
	}
	return n, nil
}

func (u *USBDevice) Close() error {
	u.intf.Close()
	if err := u.cfg.Close(); err != nil {
		return err
	}
	if err := u.dev.Close(); err != nil {
		return err
	}
	return u.ctx.Close()
}
