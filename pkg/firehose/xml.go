package firehose

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	xmlHeader = `<?xml version="1.0" encoding="UTF-8" ?>`
	dataOpen  = "<data>"
	dataClose = "</data>"
)

// Element is one command element, like <read .../>. Attributes are written
// in the order given.
type Element struct {
	Name  string
	Attrs []Attr
}

type Attr struct {
	Name, Value string
}

func (e Element) With(name string, value interface{}) Element {
	e.Attrs = append(e.Attrs, Attr{Name: name, Value: fmt.Sprint(value)})
	return e
}

func (e Element) writeTo(b *bytes.Buffer) {
	b.WriteByte('<')
	b.WriteString(e.Name)
	for _, a := range e.Attrs {
		b.WriteByte(' ')
		b.WriteString(a.Name)
		b.WriteString(`="`)
		xml.EscapeText(b, []byte(a.Value))
		b.WriteByte('"')
	}
	b.WriteString(" />")
}

// BuildCommandPacket wraps elements in the <data> envelope.
func BuildCommandPacket(elems ...Element) []byte {
	var b bytes.Buffer
	b.WriteString(xmlHeader)
	b.WriteString(dataOpen)
	for _, e := range elems {
		e.writeTo(&b)
	}
	b.WriteString(dataClose)
	return b.Bytes()
}

func boolAttr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// ConfigureElement asks the programmer to set up storage and negotiate the
// transfer size.
func ConfigureElement(storage StorageType, verbose bool, maxPayload uint64, digestTable uint32) Element {
	return Element{Name: "configure"}.
		With("MemoryName", storage.MemoryName()).
		With("Verbose", boolAttr(verbose)).
		With("AlwaysValidate", boolAttr(false)).
		With("MaxDigestTableSizeInBytes", digestTable).
		With("MaxPayloadSizeToTargetInBytes", maxPayload).
		With("ZLPAwareHost", boolAttr(true)).
		With("SkipStorageInit", boolAttr(false))
}

func ReadElement(lun, sectorSize uint32, first, last uint64) Element {
	return Element{Name: "read"}.
		With("SECTOR_SIZE_IN_BYTES", sectorSize).
		With("num_partition_sectors", last-first+1).
		With("physical_partition_number", lun).
		With("start_sector", first)
}

func PowerElement(value PowerValue, delaySeconds uint32) Element {
	return Element{Name: "power"}.
		With("value", string(value)).
		With("DelayInSeconds", delaySeconds)
}

func StorageInfoElement(lun uint32) Element {
	return Element{Name: "getstorageinfo"}.
		With("physical_partition_number", lun)
}

func NopElement() Element {
	return Element{Name: "nop"}
}

// ResponseValue is the value attribute of a <response>.
type ResponseValue string

const (
	ACK ResponseValue = "ACK"
	NAK ResponseValue = "NAK"
)

// Response is a terminal frame. Optional attributes are nil when absent or
// unparseable; Attrs keeps every attribute verbatim.
type Response struct {
	Value ResponseValue

	RawMode                                *bool
	MaxPayloadSizeToTargetInBytes          *uint64
	MaxPayloadSizeToTargetInBytesSupported *uint64
	MaxPayloadSizeFromTargetInBytes        *uint64
	MaxXMLSizeInBytes                      *uint64
	Version                                *uint64
	MinVersionSupported                    *uint64
	MemoryName                             *string
	DateTime                               *string

	Attrs map[string]string
}

func (r *Response) Acked() bool {
	return r != nil && r.Value == ACK
}

func (r *Response) IsRaw() bool {
	return r != nil && r.RawMode != nil && *r.RawMode
}

func (r *Response) String() string {
	keys := make([]string, 0, len(r.Attrs))
	for k := range r.Attrs {
		if k != "value" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + r.Attrs[k]
	}
	return fmt.Sprintf("%s %s", r.Value, strings.Join(pairs, " "))
}

// FrameKind tags a Frame.
type FrameKind int

const (
	FrameLog FrameKind = iota
	FrameResponse
	FrameUnrecognized
)

// Frame is one element of a reply document.
type Frame struct {
	Kind     FrameKind
	Log      string
	Response *Response
	// Raw is the element re-serialized, for FrameUnrecognized.
	Raw string
}

type xmlData struct {
	XMLName xml.Name     `xml:"data"`
	Items   []xmlElement `xml:",any"`
}

type xmlElement struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
}

func (e xmlElement) attr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// ParseDocument decodes one <data> document into frames.
func ParseDocument(doc []byte) ([]Frame, error) {
	var d xmlData
	if err := xml.Unmarshal(doc, &d); err != nil {
		return nil, errors.Wrapf(err, "malformed reply document %q", truncate(doc, 128))
	}
	frames := make([]Frame, 0, len(d.Items))
	for _, it := range d.Items {
		switch strings.ToLower(it.XMLName.Local) {
		case "log":
			v, _ := it.attr("value")
			frames = append(frames, Frame{Kind: FrameLog, Log: v})
		case "response":
			frames = append(frames, Frame{Kind: FrameResponse, Response: parseResponse(it)})
		default:
			raw, _ := xml.Marshal(it)
			frames = append(frames, Frame{Kind: FrameUnrecognized, Raw: string(raw)})
		}
	}
	return frames, nil
}

func parseResponse(e xmlElement) *Response {
	r := &Response{Attrs: make(map[string]string, len(e.Attrs))}
	for _, a := range e.Attrs {
		r.Attrs[a.Name.Local] = a.Value
	}
	v, _ := e.attr("value")
	r.Value = ResponseValue(strings.ToUpper(strings.TrimSpace(v)))

	r.RawMode = optBool(e, "rawmode")
	r.MaxPayloadSizeToTargetInBytes = optUint(e, "MaxPayloadSizeToTargetInBytes")
	r.MaxPayloadSizeToTargetInBytesSupported = optUint(e, "MaxPayloadSizeToTargetInBytesSupported")
	r.MaxPayloadSizeFromTargetInBytes = optUint(e, "MaxPayloadSizeFromTargetInBytes")
	r.MaxXMLSizeInBytes = optUint(e, "MaxXMLSizeInBytes")
	r.Version = optUint(e, "Version")
	r.MinVersionSupported = optUint(e, "MinVersionSupported")
	r.MemoryName = optString(e, "MemoryName")
	r.DateTime = optString(e, "DateTime")
	return r
}

func optString(e xmlElement, name string) *string {
	v, ok := e.attr(name)
	if !ok {
		return nil
	}
	return &v
}

func optUint(e xmlElement, name string) *uint64 {
	v, ok := e.attr(name)
	if !ok {
		return nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 0, 64)
	if err != nil {
		return nil
	}
	return &n
}

func optBool(e xmlElement, name string) *bool {
	v, ok := e.attr(name)
	if !ok {
		return nil
	}
	var b bool
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		b = true
	case "false", "0", "no":
		b = false
	default:
		return nil
	}
	return &b
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
