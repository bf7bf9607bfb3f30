package device

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/msmtools/qcedl/pkg/edlerr"
	"github.com/pkg/errors"
)

// ErrTimeout is returned when a receive gets no bytes before the read timeout.
var ErrTimeout = errors.New("device: receive timed out")

// Transport is a duplex byte channel to a device in EDL mode. It has no
// framing of its own.
type Transport interface {
	io.ReadWriteCloser
	// Name() returns a human readable description of the endpoint. It is not machine readable.
	Name() string
	// SetReadTimeout bounds every subsequent Read. A Read that times out
	// returns 0 bytes and either a nil error or ErrTimeout.
	SetReadTimeout(t time.Duration) error
}

// ReadFull receives exactly len(buf) bytes or fails with a Transport error.
func ReadFull(t Transport, buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := t.Read(buf[got:])
		got += n
		if err != nil {
			return edlerr.New(edlerr.Transport, "receive", errors.Wrapf(err, "got %d of %d bytes", got, len(buf)))
		}
		if n == 0 {
			return edlerr.New(edlerr.Transport, "receive", errors.Wrapf(ErrTimeout, "got %d of %d bytes", got, len(buf)))
		}
	}
	return nil
}

// Send writes all of buf.
func Send(t Transport, buf []byte) error {
	for len(buf) > 0 {
		n, err := t.Write(buf)
		if err != nil {
			return edlerr.New(edlerr.Transport, "send", err)
		}
		if n == 0 {
			return edlerr.Errorf(edlerr.Transport, "send", "short write on %s", t.Name())
		}
		buf = buf[n:]
	}
	return nil
}

// Open opens a transport by path. Recognized forms:
//
//	usb                 first EDL device on the USB bus
//	usb:BUS:ADDR        a specific USB device, decimal bus and address
//	unix:/path/to/sock  the device simulator
//	serial:/dev/ttyUSB0 a serial port (the "serial:" prefix is optional)
func Open(path string, timeout time.Duration) (Transport, error) {
	var (
		t   Transport
		err error
	)
	switch {
	case path == "usb" || strings.HasPrefix(path, "usb:"):
		bus, addr, perr := parseBusAddr(strings.TrimPrefix(strings.TrimPrefix(path, "usb"), ":"))
		if perr != nil {
			return nil, edlerr.New(edlerr.UserInput, "open", perr)
		}
		t, err = OpenUSB(bus, addr)
	case strings.HasPrefix(path, "unix:"):
		t, err = DialEmulator(strings.TrimPrefix(path, "unix:"))
	case path == "":
		return nil, edlerr.Errorf(edlerr.UserInput, "open", "empty device path")
	default:
		t, err = NewSerial(strings.TrimPrefix(path, "serial:"))
	}
	if err != nil {
		return nil, edlerr.New(edlerr.Transport, "open", err)
	}
	if err := t.SetReadTimeout(timeout); err != nil {
		t.Close()
		return nil, edlerr.New(edlerr.Transport, "open", err)
	}
	return t, nil
}

// parseBusAddr parses "BUS:ADDR". An empty string means "any device".
func parseBusAddr(s string) (bus, addr int, err error) {
	if s == "" {
		return -1, -1, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("bad USB address %q, want BUS:ADDR", s)
	}
	if bus, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, errors.Wrapf(err, "bad USB bus in %q", s)
	}
	if addr, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, errors.Wrapf(err, "bad USB address in %q", s)
	}
	return bus, addr, nil
}
