package device

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

const (
	DefaultEmulatorSocket = "/tmp/qcedl.sock"
)

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// StreamDevice adapts a plain io.ReadWriteCloser (a socket, a pipe) to
// Transport. Read timeouts are honored when the stream supports deadlines.
type StreamDevice struct {
	name    string
	rwc     io.ReadWriteCloser
	timeout time.Duration
}

func NewStream(name string, rwc io.ReadWriteCloser) *StreamDevice {
	return &StreamDevice{name: name, rwc: rwc}
}

func (s *StreamDevice) Name() string {
	return s.name
}

func (s *StreamDevice) Read(buf []byte) (int, error) {
	if d, ok := s.rwc.(deadliner); ok && s.timeout > 0 {
		if err := d.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
			return 0, err
		}
	}
	n, err := s.rwc.Read(buf)
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return n, ErrTimeout
	}
	return n, err
}

func (s *StreamDevice) Write(buf []byte) (int, error) {
	return s.rwc.Write(buf)
}

func (s *StreamDevice) SetReadTimeout(t time.Duration) error {
	s.timeout = t
	return nil
}

func (s *StreamDevice) Close() error {
	return s.rwc.Close()
}

// DialEmulator connects to a device simulator listening on a UNIX socket.
func DialEmulator(socketPath string) (*StreamDevice, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot connect to emulator socket %q", socketPath)
	}
	return NewStream(fmt.Sprintf("EDL emulator on %q", socketPath), conn), nil
}

// EmulatorListener is the device side of the simulator socket.
type EmulatorListener struct {
	socketPath string
	listener   net.Listener
}

func NewEmulatorListener(socketPath string) (*EmulatorListener, error) {
	// Remove the socket file if it already exists
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "error removing existing socket")
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errors.Wrap(err, "error creating socket listener")
	}

	return &EmulatorListener{
		socketPath: socketPath,
		listener:   listener,
	}, nil
}

func (e *EmulatorListener) Name() string {
	return fmt.Sprintf("EDL emulator listening on %q", e.socketPath)
}

// Accept blocks until a host connects.
func (e *EmulatorListener) Accept() (net.Conn, error) {
	glog.Infof("Waiting for a host on %s", e.socketPath)
	conn, err := e.listener.Accept()
	if err != nil {
		return nil, errors.Wrap(err, "cannot accept host connection")
	}
	glog.Info("Host connected")
	return conn, nil
}

func (e *EmulatorListener) Close() error {
	return e.listener.Close()
}
