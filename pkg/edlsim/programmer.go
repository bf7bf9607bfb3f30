package edlsim

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

const defaultMaxPayload = 1024 * 1024

type command struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
}

func (c command) attr(name string) string {
	for _, a := range c.Attrs {
		if strings.EqualFold(a.Name.Local, name) {
			return a.Value
		}
	}
	return ""
}

func (c command) uint(name string) (uint64, error) {
	v := c.attr(name)
	n, err := strconv.ParseUint(strings.TrimSpace(v), 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "attribute %s=%q", name, v)
	}
	return n, nil
}

type document struct {
	XMLName  xml.Name  `xml:"data"`
	Commands []command `xml:",any"`
}

// programmer is the Firehose side of one session.
type programmer struct {
	d          *Device
	rw         io.ReadWriter
	buf        []byte
	maxPayload uint64
}

func (d *Device) serveProgrammer(rw io.ReadWriter, skipGreeting bool) error {
	p := &programmer{d: d, rw: rw, maxPayload: d.supported()}
	if !skipGreeting && !d.QuietGreeting {
		var b reply
		for _, line := range d.Greeting {
			b.log(line)
		}
		b.response("ACK")
		if err := p.send(b); err != nil {
			return err
		}
	}
	for {
		doc, err := p.nextDocument()
		if err != nil {
			return err
		}
		var parsed document
		if err := xml.Unmarshal(doc, &parsed); err != nil {
			return errors.Wrapf(err, "malformed command %q", doc)
		}
		for _, cmd := range parsed.Commands {
			stop, err := p.handle(cmd)
			if err != nil || stop {
				return err
			}
		}
	}
}

func (d *Device) supported() uint64 {
	if d.MaxPayloadSupported == 0 {
		return defaultMaxPayload
	}
	return d.MaxPayloadSupported
}

func (p *programmer) nextDocument() ([]byte, error) {
	chunk := make([]byte, 4096)
	for {
		if end := bytes.Index(p.buf, []byte("</data>")); end >= 0 {
			end += len("</data>")
			doc := append([]byte(nil), p.buf[:end]...)
			p.buf = p.buf[end:]
			return doc, nil
		}
		n, err := p.rw.Read(chunk)
		p.buf = append(p.buf, chunk[:n]...)
		if err != nil {
			return nil, err
		}
	}
}

// reply accumulates one outgoing <data> document.
type reply struct {
	elems []string
}

func (r *reply) log(line string) {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(line))
	r.elems = append(r.elems, fmt.Sprintf(`<log value="%s" />`, b.String()))
}

func (r *reply) response(value string, attrs ...string) {
	s := fmt.Sprintf(`<response value="%s"`, value)
	for i := 0; i+1 < len(attrs); i += 2 {
		s += fmt.Sprintf(` %s="%s"`, attrs[i], attrs[i+1])
	}
	r.elems = append(r.elems, s+" />")
}

func (p *programmer) send(r reply) error {
	doc := `<?xml version="1.0" encoding="UTF-8" ?>` + "\n<data>\n" + strings.Join(r.elems, "\n") + "\n</data>"
	_, err := io.WriteString(p.rw, doc)
	return err
}

func (p *programmer) nak(format string, args ...interface{}) error {
	var r reply
	r.log("ERROR: " + fmt.Sprintf(format, args...))
	r.response("NAK")
	return p.send(r)
}

func (p *programmer) handle(cmd command) (bool, error) {
	glog.V(2).Infof("edlsim: <%s>", cmd.XMLName.Local)
	switch strings.ToLower(cmd.XMLName.Local) {
	case "configure":
		return false, p.configure(cmd)
	case "getstorageinfo":
		return false, p.storageInfo(cmd)
	case "read":
		return false, p.read(cmd)
	case "power":
		return true, p.power(cmd)
	case "nop":
		var r reply
		r.response("ACK")
		return false, p.send(r)
	}
	return false, p.nak("Unknown command %s", cmd.XMLName.Local)
}

func (p *programmer) configure(cmd command) error {
	want, err := cmd.uint("MaxPayloadSizeToTargetInBytes")
	if err != nil {
		return p.nak("%v", err)
	}
	p.d.record(func(s *Stats) { s.ConfigureRequests = append(s.ConfigureRequests, want) })

	supported := p.d.supported()
	var r reply
	if want > supported {
		r.log(fmt.Sprintf("ERROR: MaxPayloadSizeToTargetInBytes %d is larger than %d", want, supported))
		r.response("NAK",
			"MaxPayloadSizeToTargetInBytes", strconv.FormatUint(supported, 10),
			"MaxPayloadSizeToTargetInBytesSupported", strconv.FormatUint(supported, 10))
		return p.send(r)
	}
	p.maxPayload = want
	r.response("ACK",
		"MemoryName", cmd.attr("MemoryName"),
		"MinVersionSupported", "1",
		"Version", "1",
		"MaxPayloadSizeToTargetInBytes", strconv.FormatUint(want, 10),
		"MaxPayloadSizeToTargetInBytesSupported", strconv.FormatUint(supported, 10),
		"MaxXMLSizeInBytes", "4096")
	return p.send(r)
}

type storageInfo struct {
	TotalBlocks uint64 `json:"total_blocks"`
	BlockSize   uint32 `json:"block_size"`
	PageSize    uint32 `json:"page_size"`
	NumPhysical int    `json:"num_physical"`
	MemType     string `json:"mem_type"`
	ProdName    string `json:"prod_name"`
	FwVersion   string `json:"fw_version"`
}

func (p *programmer) storageInfo(cmd command) error {
	lun, err := cmd.uint("physical_partition_number")
	if err != nil {
		return p.nak("%v", err)
	}
	p.d.record(func(s *Stats) { s.StorageInfoLUNs = append(s.StorageInfoLUNs, uint32(lun)) })
	if p.d.DenyStorageInfo {
		return p.nak("getstorageinfo is not supported")
	}
	if lun >= uint64(len(p.d.LUNs)) {
		return p.nak("LUN %d does not exist", lun)
	}
	l := p.d.LUNs[lun]
	blob, err := json.Marshal(storageInfo{
		TotalBlocks: l.Sectors,
		BlockSize:   l.SectorSize,
		PageSize:    l.SectorSize,
		NumPhysical: len(p.d.LUNs),
		MemType:     "UFS",
		ProdName:    l.Name,
		FwVersion:   "0100",
	})
	if err != nil {
		return err
	}
	var r reply
	r.log(`INFO: {"storage_info": ` + string(blob) + "}")
	r.response("ACK")
	return p.send(r)
}

func (p *programmer) read(cmd command) error {
	var (
		req ReadRequest
		err error
		v   uint64
	)
	if v, err = cmd.uint("physical_partition_number"); err != nil {
		return p.nak("%v", err)
	}
	req.LUN = uint32(v)
	if v, err = cmd.uint("SECTOR_SIZE_IN_BYTES"); err != nil {
		return p.nak("%v", err)
	}
	req.SectorSize = uint32(v)
	if req.First, err = cmd.uint("start_sector"); err != nil {
		return p.nak("%v", err)
	}
	if req.Count, err = cmd.uint("num_partition_sectors"); err != nil {
		return p.nak("%v", err)
	}
	p.d.record(func(s *Stats) { s.Reads = append(s.Reads, req) })

	if req.LUN >= uint32(len(p.d.LUNs)) {
		return p.nak("LUN %d does not exist", req.LUN)
	}
	l := p.d.LUNs[req.LUN]
	if req.SectorSize != l.SectorSize {
		return p.nak("sector size %d does not match LUN %d (%d)", req.SectorSize, req.LUN, l.SectorSize)
	}
	if req.Count == 0 || req.First+req.Count > l.Sectors {
		return p.nak("sectors [%d, +%d) out of range for LUN %d", req.First, req.Count, req.LUN)
	}

	var r reply
	if p.d.RefuseRaw {
		r.response("ACK", "rawmode", "false")
		return p.send(r)
	}
	r.response("ACK", "rawmode", "true")
	if err := p.send(r); err != nil {
		return err
	}

	chunk := p.maxPayload / uint64(l.SectorSize) * uint64(l.SectorSize)
	if chunk == 0 {
		chunk = uint64(l.SectorSize)
	}
	off := req.First * uint64(l.SectorSize)
	end := off + req.Count*uint64(l.SectorSize)
	buf := make([]byte, chunk)
	for off < end {
		n := end - off
		if n > chunk {
			n = chunk
		}
		if _, err := l.Data.ReadAt(buf[:n], int64(off)); err != nil && err != io.EOF {
			return errors.Wrapf(err, "LUN %d image", req.LUN)
		}
		if _, err := p.rw.Write(buf[:n]); err != nil {
			return err
		}
		off += n
	}

	var tail reply
	tail.response("ACK", "rawmode", "false")
	return p.send(tail)
}

func (p *programmer) power(cmd command) error {
	value := cmd.attr("value")
	p.d.record(func(s *Stats) { s.PowerValue = value })
	if p.d.DisconnectOnPower {
		return nil
	}
	var r reply
	r.log("INFO: Calling power " + value)
	r.response("ACK")
	return p.send(r)
}
