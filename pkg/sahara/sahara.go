// Package sahara drives the boot ROM's Sahara protocol: it reads the
// device identity in command mode, then uploads a Firehose programmer.
package sahara

import (
	"fmt"
	"io"
	"os"

	"github.com/golang/glog"
	"github.com/msmtools/qcedl/pkg/device"
	"github.com/msmtools/qcedl/pkg/edlerr"
	"github.com/pkg/errors"
)

// State of a handshake session.
type State int

const (
	StateIdle State = iota
	StateHandshaking
	StateRKHRetrieved
	StateRKHDenied
	StateModeSwitched
	StateImageSent
	StateProgrammerRunning
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateHandshaking:
		return "Handshaking"
	case StateRKHRetrieved:
		return "RKHRetrieved"
	case StateRKHDenied:
		return "RKHDenied"
	case StateModeSwitched:
		return "ModeSwitched"
	case StateImageSent:
		return "ImageSent"
	case StateProgrammerRunning:
		return "ProgrammerRunning"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var transitions = map[State][]State{
	StateIdle:         {StateHandshaking},
	StateHandshaking:  {StateRKHRetrieved, StateRKHDenied},
	StateRKHRetrieved: {StateModeSwitched},
	StateModeSwitched: {StateImageSent},
	StateImageSent:    {StateProgrammerRunning},
}

// Session is one boot-ROM conversation over a transport.
type Session struct {
	t     device.Transport
	state State

	PassedHandshake bool
	PassedRKH       bool
	Identity        Identity
}

func NewSession(t device.Transport) *Session {
	return &Session{t: t, state: StateIdle}
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) moveTo(next State) error {
	if next == StateFailed {
		s.state = StateFailed
		return nil
	}
	for _, allowed := range transitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return errors.Errorf("sahara: illegal transition %s -> %s", s.state, next)
}

func (s *Session) fail(err error) error {
	s.state = StateFailed
	return err
}

// Handshake receives the ROM's Hello and answers it asking for command mode.
func (s *Session) Handshake() error {
	if err := s.moveTo(StateHandshaking); err != nil {
		return err
	}
	hello, err := ExpectPacket(s.t, CmdHello)
	if err != nil {
		return s.fail(errors.Wrap(err, "no hello from boot ROM"))
	}
	ver, _ := hello.Word(0)
	mode, _ := hello.Word(3)
	glog.Infof("Sahara hello: version %d, mode %d", ver, mode)

	if err := device.Send(s.t, BuildHelloResponse(ModeCommand)); err != nil {
		return s.fail(err)
	}
	s.PassedHandshake = true
	return nil
}

// ReadIdentity queries root key hashes, serial number and HWID. A refusal
// is recorded in PassedRKH and is not an error.
func (s *Session) ReadIdentity() error {
	if s.state != StateHandshaking {
		return errors.Errorf("sahara: cannot read identity in state %s", s.state)
	}
	id, err := s.readIdentity()
	if err != nil {
		glog.Warningf("Boot ROM refused identity queries: %v", err)
		return s.moveTo(StateRKHDenied)
	}
	s.Identity = id
	s.PassedRKH = true
	return s.moveTo(StateRKHRetrieved)
}

func (s *Session) readIdentity() (Identity, error) {
	var id Identity
	if _, err := ExpectPacket(s.t, CmdCommandReady); err != nil {
		return id, err
	}
	blob, err := s.execute(ExecOemPKHashRead)
	if err != nil {
		return id, err
	}
	id.RKHs = splitRKHs(blob)
	if len(id.RKHs) == 0 {
		return id, edlerr.Errorf(edlerr.Integrity, "pk hash", "%d bytes is not a hash", len(blob))
	}
	if id.Serial, err = s.execute(ExecSerialNumRead); err != nil {
		return id, err
	}
	hw, err := s.execute(ExecMsmHWIDRead)
	if err != nil {
		return id, err
	}
	if id.HWID, err = ParseHWID(hw); err != nil {
		return id, edlerr.New(edlerr.Integrity, "hwid", err)
	}
	return id, nil
}

func (s *Session) execute(cmd ExecCommand) ([]byte, error) {
	if err := device.Send(s.t, BuildExecute(cmd)); err != nil {
		return nil, err
	}
	resp, err := ExpectPacket(s.t, CmdExecuteResponse)
	if err != nil {
		return nil, err
	}
	gotCmd, err := resp.Word(0)
	if err != nil {
		return nil, err
	}
	dataLen, err := resp.Word(1)
	if err != nil {
		return nil, err
	}
	if ExecCommand(gotCmd) != cmd {
		return nil, edlerr.Errorf(edlerr.Integrity, "execute", "asked for command %d, got response for %d", cmd, gotCmd)
	}
	if dataLen == 0 || dataLen > maxPacketSize {
		return nil, edlerr.Errorf(edlerr.Denied, "execute", "command %d returned %d bytes", cmd, dataLen)
	}
	if err := device.Send(s.t, BuildExecuteData(cmd)); err != nil {
		return nil, err
	}
	data := make([]byte, dataLen)
	if err := device.ReadFull(s.t, data); err != nil {
		return nil, err
	}
	return data, nil
}

// SwitchMode leaves command mode. The ROM restarts with a Hello in the new mode.
func (s *Session) SwitchMode(mode Mode) error {
	if err := s.moveTo(StateModeSwitched); err != nil {
		return err
	}
	if err := device.Send(s.t, BuildSwitchMode(mode)); err != nil {
		return s.fail(err)
	}
	return nil
}

// UploadImage serves the ROM's read requests from image until it reports
// the end of the transfer, then completes the session.
func (s *Session) UploadImage(image io.ReaderAt, size int64) error {
	if s.state != StateModeSwitched {
		return errors.Errorf("sahara: cannot upload in state %s", s.state)
	}
	if _, err := ExpectPacket(s.t, CmdHello); err != nil {
		return s.fail(errors.Wrap(err, "no hello after mode switch"))
	}
	if err := device.Send(s.t, BuildHelloResponse(ModeImageTxPending)); err != nil {
		return s.fail(err)
	}

	sent := int64(0)
	for {
		pkt, err := ReadPacket(s.t)
		if err != nil {
			return s.fail(err)
		}
		switch pkt.Cmd {
		case CmdReadData, CmdReadData64:
			off, length, err := readWindow(pkt)
			if err != nil {
				return s.fail(err)
			}
			if off < 0 || length < 0 || off+length > size {
				return s.fail(edlerr.Errorf(edlerr.Integrity, "upload", "ROM asked for [0x%X, +0x%X) of a 0x%X byte image", off, length, size))
			}
			chunk := make([]byte, length)
			if _, err := image.ReadAt(chunk, off); err != nil && !(errors.Is(err, io.EOF) && off+length == size) {
				return s.fail(errors.Wrap(err, "cannot read programmer image"))
			}
			if err := device.Send(s.t, chunk); err != nil {
				return s.fail(err)
			}
			sent += length
			glog.V(2).Infof("Sent 0x%X bytes at 0x%X", length, off)
		case CmdEndImageTransfer:
			status, err := pkt.Word(1)
			if err != nil {
				return s.fail(err)
			}
			if status != 0 {
				return s.fail(edlerr.Errorf(edlerr.Denied, "upload", "boot ROM rejected the programmer, status 0x%X", status))
			}
			if err := s.moveTo(StateImageSent); err != nil {
				return err
			}
			glog.Infof("Programmer transferred (%d bytes served)", sent)
			return s.done()
		default:
			return s.fail(edlerr.Errorf(edlerr.Integrity, "upload", "unexpected %s during image transfer", pkt.Cmd))
		}
	}
}

func readWindow(pkt Packet) (off, length int64, err error) {
	if pkt.Cmd == CmdReadData64 {
		o, err := pkt.Quad(1)
		if err != nil {
			return 0, 0, err
		}
		l, err := pkt.Quad(2)
		if err != nil {
			return 0, 0, err
		}
		return int64(o), int64(l), nil
	}
	o, err := pkt.Word(1)
	if err != nil {
		return 0, 0, err
	}
	l, err := pkt.Word(2)
	if err != nil {
		return 0, 0, err
	}
	return int64(o), int64(l), nil
}

func (s *Session) done() error {
	if err := device.Send(s.t, BuildDone()); err != nil {
		return s.fail(err)
	}
	if _, err := ExpectPacket(s.t, CmdDoneResponse); err != nil {
		return s.fail(errors.Wrap(err, "no done response"))
	}
	return s.moveTo(StateProgrammerRunning)
}

// Result is how a boot attempt ended.
type Result struct {
	Session *Session
	// ProgrammerReady is true when a Firehose programmer should be
	// listening on the transport, either uploaded now or already resident.
	ProgrammerReady bool
	// AssumedResident is true when identity queries were refused and the
	// programmer was not uploaded because one is probably running already.
	AssumedResident bool
}

// Boot runs the whole boot-ROM conversation and uploads the programmer
// at programmerPath. The transport stays open in every case.
func Boot(t device.Transport, programmerPath string) (*Result, error) {
	s := NewSession(t)
	res := &Result{Session: s}

	if err := s.Handshake(); err != nil {
		return res, edlerr.New(edlerr.Transport, "sahara handshake", err)
	}
	if err := s.ReadIdentity(); err != nil {
		return res, err
	}
	if !s.PassedRKH {
		glog.Info("Device successfully performed sahara handshake but failed retrieving RKH information. Assuming device is already booted into a programmer.")
		res.ProgrammerReady = true
		res.AssumedResident = true
		return res, nil
	}
	glog.Info(s.Identity.String())

	f, err := os.Open(programmerPath)
	if err != nil {
		return res, edlerr.New(edlerr.UserInput, "open programmer", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return res, edlerr.New(edlerr.UserInput, "open programmer", err)
	}

	if err := s.SwitchMode(ModeImageTxPending); err != nil {
		return res, err
	}
	if err := s.UploadImage(f, st.Size()); err != nil {
		glog.Error("Emergency programmer test failed")
		return res, err
	}
	res.ProgrammerReady = true
	return res, nil
}
