package sahara

import (
	"encoding/binary"
	"fmt"

	"github.com/msmtools/qcedl/pkg/device"
	"github.com/msmtools/qcedl/pkg/edlerr"
	"github.com/pkg/errors"
)

// Command is the first word of every Sahara packet.
type Command uint32

const (
	CmdHello             Command = 0x01
	CmdHelloResponse     Command = 0x02
	CmdReadData          Command = 0x03
	CmdEndImageTransfer  Command = 0x04
	CmdDone              Command = 0x05
	CmdDoneResponse      Command = 0x06
	CmdReset             Command = 0x07
	CmdResetResponse     Command = 0x08
	CmdCommandReady      Command = 0x0B
	CmdSwitchMode        Command = 0x0C
	CmdExecute           Command = 0x0D
	CmdExecuteResponse   Command = 0x0E
	CmdExecuteData       Command = 0x0F
	CmdReadData64        Command = 0x12
	CmdResetStateMachine Command = 0x13
)

func (c Command) String() string {
	switch c {
	case CmdHello:
		return "Hello"
	case CmdHelloResponse:
		return "HelloResponse"
	case CmdReadData:
		return "ReadData"
	case CmdEndImageTransfer:
		return "EndImageTransfer"
	case CmdDone:
		return "Done"
	case CmdDoneResponse:
		return "DoneResponse"
	case CmdReset:
		return "Reset"
	case CmdResetResponse:
		return "ResetResponse"
	case CmdCommandReady:
		return "CommandReady"
	case CmdSwitchMode:
		return "SwitchMode"
	case CmdExecute:
		return "Execute"
	case CmdExecuteResponse:
		return "ExecuteResponse"
	case CmdExecuteData:
		return "ExecuteData"
	case CmdReadData64:
		return "ReadData64"
	case CmdResetStateMachine:
		return "ResetStateMachine"
	}
	return fmt.Sprintf("Command(0x%X)", uint32(c))
}

// Mode is the boot-ROM operating mode carried in Hello and SwitchMode.
type Mode uint32

const (
	ModeImageTxPending  Mode = 0x0
	ModeImageTxComplete Mode = 0x1
	ModeMemoryDebug     Mode = 0x2
	ModeCommand         Mode = 0x3
)

// ExecCommand selects what an Execute packet asks the boot ROM for.
type ExecCommand uint32

const (
	ExecSerialNumRead ExecCommand = 0x01
	ExecMsmHWIDRead   ExecCommand = 0x02
	ExecOemPKHashRead ExecCommand = 0x03
)

const (
	headerSize      = 8
	protoVersion    = 2
	protoMinVersion = 1

	// Larger packets are not part of the protocol; a header claiming more
	// means the stream is desynchronized.
	maxPacketSize = 0x1000
)

// Packet is a decoded Sahara packet: its command and the body after the
// 8-byte header.
type Packet struct {
	Cmd  Command
	Body []byte
}

// Word returns the i-th little-endian uint32 of the body.
func (p Packet) Word(i int) (uint32, error) {
	if len(p.Body) < (i+1)*4 {
		return 0, edlerr.Errorf(edlerr.Integrity, p.Cmd.String(), "body is %d bytes, no word %d", len(p.Body), i)
	}
	return binary.LittleEndian.Uint32(p.Body[i*4:]), nil
}

// Quad returns the i-th little-endian uint64 of the body.
func (p Packet) Quad(i int) (uint64, error) {
	if len(p.Body) < (i+1)*8 {
		return 0, edlerr.Errorf(edlerr.Integrity, p.Cmd.String(), "body is %d bytes, no quad %d", len(p.Body), i)
	}
	return binary.LittleEndian.Uint64(p.Body[i*8:]), nil
}

func buildPacket(cmd Command, words ...uint32) []byte {
	pkt := make([]byte, headerSize+4*len(words))
	binary.LittleEndian.PutUint32(pkt[0:], uint32(cmd))
	binary.LittleEndian.PutUint32(pkt[4:], uint32(len(pkt)))
	for i, w := range words {
		binary.LittleEndian.PutUint32(pkt[headerSize+4*i:], w)
	}
	return pkt
}

// BuildHelloResponse answers a Hello, asking the ROM to enter mode.
func BuildHelloResponse(mode Mode) []byte {
	// version, version supported, status, mode, reserved x6
	return buildPacket(CmdHelloResponse, protoVersion, protoMinVersion, 0, uint32(mode), 0, 0, 0, 0, 0, 0)
}

// BuildHello is the packet the ROM opens a session with.
func BuildHello(mode Mode) []byte {
	// version, version supported, max command packet length, mode, reserved x6
	return buildPacket(CmdHello, protoVersion, protoMinVersion, maxPacketSize, uint32(mode), 0, 0, 0, 0, 0, 0)
}

func BuildSwitchMode(mode Mode) []byte {
	return buildPacket(CmdSwitchMode, uint32(mode))
}

func BuildExecute(cmd ExecCommand) []byte {
	return buildPacket(CmdExecute, uint32(cmd))
}

func BuildExecuteData(cmd ExecCommand) []byte {
	return buildPacket(CmdExecuteData, uint32(cmd))
}

func BuildDone() []byte {
	return buildPacket(CmdDone)
}

func BuildReset() []byte {
	return buildPacket(CmdReset)
}

// ReadPacket receives one packet.
func ReadPacket(t device.Transport) (Packet, error) {
	hdr := make([]byte, headerSize)
	if err := device.ReadFull(t, hdr); err != nil {
		return Packet{}, err
	}
	cmd := Command(binary.LittleEndian.Uint32(hdr[0:]))
	length := binary.LittleEndian.Uint32(hdr[4:])
	if length < headerSize || length > maxPacketSize {
		return Packet{}, edlerr.New(edlerr.Transport, "read packet", errors.Errorf("%s claims length 0x%X", cmd, length))
	}
	body := make([]byte, length-headerSize)
	if err := device.ReadFull(t, body); err != nil {
		return Packet{}, err
	}
	return Packet{Cmd: cmd, Body: body}, nil
}

// ExpectPacket receives one packet and checks its command.
func ExpectPacket(t device.Transport, want Command) (Packet, error) {
	p, err := ReadPacket(t)
	if err != nil {
		return p, err
	}
	if p.Cmd != want {
		return p, edlerr.Errorf(edlerr.Denied, "expect "+want.String(), "got %s", p.Cmd)
	}
	return p, nil
}
