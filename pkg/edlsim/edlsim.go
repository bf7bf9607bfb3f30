// Package edlsim is a simulated EDL device. It plays the boot ROM and a
// Firehose programmer over any byte stream, serving reads from in-memory
// or file-backed LUN images. It is used for tests and for bench work
// without hardware.
package edlsim

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/msmtools/qcedl/pkg/device"
)

// LUN is one simulated logical unit.
type LUN struct {
	SectorSize uint32
	Sectors    uint64
	Data       io.ReaderAt
	Name       string
}

// MemoryLUN makes a LUN backed by data. data is padded with zeroes up to
// sectors*sectorSize.
func MemoryLUN(name string, sectorSize uint32, sectors uint64, data []byte) LUN {
	img := make([]byte, uint64(sectorSize)*sectors)
	copy(img, data)
	return LUN{SectorSize: sectorSize, Sectors: sectors, Data: bytes.NewReader(img), Name: name}
}

// Device describes how the simulator behaves.
type Device struct {
	LUNs []LUN

	// Identity answered in Sahara command mode.
	RKH    []byte
	Serial []byte
	HWID   uint64

	// StartInProgrammer skips the boot ROM: the session begins with a
	// programmer that is already running.
	StartInProgrammer bool
	// DenyIdentity refuses Execute requests and skips straight to the
	// programmer, as if one was already running.
	DenyIdentity bool
	// ProgrammerSize is how many bytes of programmer the ROM requests.
	ProgrammerSize int64
	// UseReadData64 makes the ROM request the programmer with 64-bit reads.
	UseReadData64 bool
	// RejectImage makes the ROM fail the transfer with this status.
	RejectImage uint32

	// Greeting is printed by the programmer once it starts.
	Greeting []string
	// QuietGreeting starts the programmer without printing anything.
	QuietGreeting bool
	// MaxPayloadSupported is the largest payload configure accepts.
	MaxPayloadSupported uint64
	// DenyStorageInfo answers getstorageinfo with a NAK.
	DenyStorageInfo bool
	// RefuseRaw acknowledges reads without entering raw mode.
	RefuseRaw bool
	// DisconnectOnPower drops the connection instead of answering a power command.
	DisconnectOnPower bool

	mu    sync.Mutex
	stats Stats
}

// Stats is what the simulated device saw.
type Stats struct {
	ConfigureRequests []uint64
	Reads             []ReadRequest
	StorageInfoLUNs   []uint32
	Programmer        []byte
	PowerValue        string
}

type ReadRequest struct {
	LUN        uint32
	SectorSize uint32
	First      uint64
	Count      uint64
}

// Stats returns a copy of what the device saw so far.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.ConfigureRequests = append([]uint64(nil), s.ConfigureRequests...)
	s.Reads = append([]ReadRequest(nil), s.Reads...)
	s.StorageInfoLUNs = append([]uint32(nil), s.StorageInfoLUNs...)
	s.Programmer = append([]byte(nil), s.Programmer...)
	return s
}

func (d *Device) record(fn func(s *Stats)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.stats)
}

// Serve runs one session on conn: the boot ROM first, then the programmer.
// It returns when the host disconnects or a power command is handled.
func (d *Device) Serve(conn io.ReadWriteCloser) error {
	defer conn.Close()
	skipGreeting := false
	if !d.StartInProgrammer {
		var err error
		if skipGreeting, err = d.serveROM(conn); err != nil {
			glog.Warningf("edlsim: boot ROM: %v", err)
			return err
		}
	}
	err := d.serveProgrammer(conn, skipGreeting)
	if err != nil && err != io.EOF {
		glog.Warningf("edlsim: programmer: %v", err)
		return err
	}
	return nil
}

// Run serves conn in the background and returns a channel with the result.
func (d *Device) Run(conn io.ReadWriteCloser) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- d.Serve(conn)
	}()
	return done
}

// Pipe connects a host transport to d through an in-memory pipe. The
// returned channel yields the result of the device session once the host
// side is closed.
func (d *Device) Pipe(readTimeout time.Duration) (device.Transport, <-chan error) {
	host, dev := net.Pipe()
	t := device.NewStream("simulated EDL device", host)
	t.SetReadTimeout(readTimeout)
	return t, d.Run(dev)
}
