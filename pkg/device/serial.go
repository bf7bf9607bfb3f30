package device

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// SerialPort is an EDL device exposed as a serial port (qcserial on Linux,
// the QDLoader COM port on Windows).
type SerialPort struct {
	serialPath string
	port       serial.Port
}

func NewSerial(serialPortNameOrPath string) (*SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(serialPortNameOrPath, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open serial port %q", serialPortNameOrPath)
	}
	// Stale bytes from a previous session would desync the first packet.
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, errors.Wrapf(err, "cannot flush serial port %q", serialPortNameOrPath)
	}
	return &SerialPort{
		serialPath: serialPortNameOrPath,
		port:       port,
	}, nil
}

func (p *SerialPort) Name() string {
	return fmt.Sprintf("EDL serial port at %q", p.serialPath)
}

func (p *SerialPort) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

func (p *SerialPort) Write(buf []byte) (int, error) {
	return p.port.Write(buf)
}

func (p *SerialPort) SetReadTimeout(t time.Duration) error {
	return p.port.SetReadTimeout(t)
}

func (p *SerialPort) Close() error {
	return p.port.Close()
}
