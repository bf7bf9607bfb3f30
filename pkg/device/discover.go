package device

import (
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/pkg/errors"
	"go.bug.st/serial/enumerator"
)

// EDLDevice is a device found in Emergency Download mode.
type EDLDevice struct {
	// Path can be passed to Open.
	Path   string
	Serial string
	Kind   string
}

func (d EDLDevice) String() string {
	return fmt.Sprintf("%s (%s, serial %q)", d.Path, d.Kind, d.Serial)
}

// FindEDLDevices lists 05C6:9008 devices visible as serial ports and on
// the USB bus. A device bound to a serial driver shows up only once, as
// its port, because libusb cannot claim it.
func FindEDLDevices() ([]EDLDevice, error) {
	var found []EDLDevice

	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		glog.Warningf("Cannot list serial ports: %v", err)
	}
	for _, p := range ports {
		if !p.IsUSB || !isEDLID(p.VID, p.PID) {
			continue
		}
		found = append(found, EDLDevice{Path: "serial:" + p.Name, Serial: p.SerialNumber, Kind: "serial"})
	}

	ctx := gousb.NewContext()
	defer ctx.Close()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == QualcommVendorID && desc.Product == EDLProductID
	})
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && len(found) == 0 {
		return nil, errors.Wrap(err, "cannot enumerate USB devices")
	}
	for _, d := range devs {
		sn, err := d.SerialNumber()
		if err != nil {
			glog.V(1).Infof("No serial number for %d:%d: %v", d.Desc.Bus, d.Desc.Address, err)
		}
		found = append(found, EDLDevice{
			Path:   fmt.Sprintf("usb:%d:%d", d.Desc.Bus, d.Desc.Address),
			Serial: sn,
			Kind:   "usb",
		})
	}
	return found, nil
}

func isEDLID(vid, pid string) bool {
	return strings.EqualFold(vid, QualcommVendorID.String()) && strings.EqualFold(pid, EDLProductID.String())
}
