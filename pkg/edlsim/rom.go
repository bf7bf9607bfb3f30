package edlsim

import (
	"encoding/binary"
	"io"

	"github.com/msmtools/qcedl/pkg/sahara"
	"github.com/pkg/errors"
)

const (
	programmerImageID = 0x0D
	romChunk          = 0x1000
)

func writePacket(w io.Writer, cmd sahara.Command, words ...uint32) error {
	pkt := make([]byte, 8+4*len(words))
	binary.LittleEndian.PutUint32(pkt[0:], uint32(cmd))
	binary.LittleEndian.PutUint32(pkt[4:], uint32(len(pkt)))
	for i, word := range words {
		binary.LittleEndian.PutUint32(pkt[8+4*i:], word)
	}
	_, err := w.Write(pkt)
	return err
}

func readPacket(r io.Reader) (sahara.Packet, error) {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return sahara.Packet{}, err
	}
	length := binary.LittleEndian.Uint32(hdr[4:])
	if length < 8 {
		return sahara.Packet{}, errors.Errorf("bad packet length %d", length)
	}
	body := make([]byte, length-8)
	if _, err := io.ReadFull(r, body); err != nil {
		return sahara.Packet{}, err
	}
	return sahara.Packet{Cmd: sahara.Command(binary.LittleEndian.Uint32(hdr)), Body: body}, nil
}

func expect(r io.Reader, want sahara.Command) (sahara.Packet, error) {
	p, err := readPacket(r)
	if err != nil {
		return p, err
	}
	if p.Cmd != want {
		return p, errors.Errorf("got %s, want %s", p.Cmd, want)
	}
	return p, nil
}

// serveROM plays the boot ROM. It reports whether the programmer should
// skip its greeting because it is pretending to have been resident.
func (d *Device) serveROM(rw io.ReadWriter) (bool, error) {
	if _, err := rw.Write(sahara.BuildHello(sahara.ModeImageTxPending)); err != nil {
		return false, err
	}
	resp, err := expect(rw, sahara.CmdHelloResponse)
	if err != nil {
		return false, err
	}
	mode, err := resp.Word(3)
	if err != nil {
		return false, err
	}
	if sahara.Mode(mode) == sahara.ModeCommand {
		if err := writePacket(rw, sahara.CmdCommandReady); err != nil {
			return false, err
		}
		resident, err := d.serveCommandMode(rw)
		if err != nil || resident {
			return resident, err
		}
	}
	return false, d.serveImage(rw)
}

func (d *Device) serveCommandMode(rw io.ReadWriter) (bool, error) {
	for {
		p, err := readPacket(rw)
		if err != nil {
			return false, err
		}
		switch p.Cmd {
		case sahara.CmdExecute:
			cmd, err := p.Word(0)
			if err != nil {
				return false, err
			}
			if d.DenyIdentity {
				return true, writePacket(rw, sahara.CmdExecuteResponse, cmd, 0)
			}
			data := d.execData(sahara.ExecCommand(cmd))
			if err := writePacket(rw, sahara.CmdExecuteResponse, cmd, uint32(len(data))); err != nil {
				return false, err
			}
			if _, err := expect(rw, sahara.CmdExecuteData); err != nil {
				return false, err
			}
			if _, err := rw.Write(data); err != nil {
				return false, err
			}
		case sahara.CmdSwitchMode:
			mode, err := p.Word(0)
			if err != nil {
				return false, err
			}
			if _, err := rw.Write(sahara.BuildHello(sahara.Mode(mode))); err != nil {
				return false, err
			}
			if _, err := expect(rw, sahara.CmdHelloResponse); err != nil {
				return false, err
			}
			return false, nil
		default:
			return false, errors.Errorf("unexpected %s in command mode", p.Cmd)
		}
	}
}

func (d *Device) execData(cmd sahara.ExecCommand) []byte {
	switch cmd {
	case sahara.ExecOemPKHashRead:
		return d.RKH
	case sahara.ExecSerialNumRead:
		return d.Serial
	case sahara.ExecMsmHWIDRead:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, d.HWID)
		return b
	}
	return nil
}

func (d *Device) serveImage(rw io.ReadWriter) error {
	got := make([]byte, 0, d.ProgrammerSize)
	for off := int64(0); off < d.ProgrammerSize; off += romChunk {
		n := d.ProgrammerSize - off
		if n > romChunk {
			n = romChunk
		}
		var err error
		if d.UseReadData64 {
			pkt := make([]byte, 0x20)
			binary.LittleEndian.PutUint32(pkt[0:], uint32(sahara.CmdReadData64))
			binary.LittleEndian.PutUint32(pkt[4:], 0x20)
			binary.LittleEndian.PutUint64(pkt[8:], programmerImageID)
			binary.LittleEndian.PutUint64(pkt[16:], uint64(off))
			binary.LittleEndian.PutUint64(pkt[24:], uint64(n))
			_, err = rw.Write(pkt)
		} else {
			err = writePacket(rw, sahara.CmdReadData, programmerImageID, uint32(off), uint32(n))
		}
		if err != nil {
			return err
		}
		chunk := make([]byte, n)
		if _, err := io.ReadFull(rw, chunk); err != nil {
			return err
		}
		got = append(got, chunk...)
	}
	d.record(func(s *Stats) { s.Programmer = got })

	if err := writePacket(rw, sahara.CmdEndImageTransfer, programmerImageID, d.RejectImage); err != nil {
		return err
	}
	if d.RejectImage != 0 {
		return errors.Errorf("image rejected with status 0x%X", d.RejectImage)
	}
	if _, err := expect(rw, sahara.CmdDone); err != nil {
		return err
	}
	return writePacket(rw, sahara.CmdDoneResponse, 1)
}
