package firehose

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/glog"
	"github.com/msmtools/qcedl/pkg/device"
	"github.com/msmtools/qcedl/pkg/edlerr"
	"github.com/pkg/errors"
)

var (
	// ErrChannelInvalid is returned by every call on a channel that saw a
	// framing or transport failure, or that was closed by a power command.
	ErrChannelInvalid = errors.New("firehose: channel is no longer usable")
	// ErrRawModeRefused means a read was acknowledged without raw mode.
	ErrRawModeRefused = errors.New("firehose: raw mode not enabled")
)

// State of the command/response protocol on a channel.
type State int

const (
	StateIdle State = iota
	StateAwaitingReply
	StateRawTransfer
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingReply:
		return "AwaitingReply"
	case StateRawTransfer:
		return "RawTransfer"
	case StateInvalid:
		return "Invalid"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const readChunk = 64 * 1024

// Channel speaks the Firehose protocol to a running programmer. Commands
// are strictly sequential: each one is drained to its terminal response
// before the next can start.
type Channel struct {
	t     device.Transport
	state State
	opts  options

	// Bytes received but not consumed yet. May hold the start of a raw
	// payload that followed a response document.
	pending []byte
	rbuf    []byte

	storage    StorageType
	negotiated *ConfigureResult
}

func NewChannel(t device.Transport, opts ...Option) *Channel {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logObserver == nil {
		verbose := o.verbose
		o.logObserver = func(line string) { logDeviceLine(verbose, line) }
	}
	return &Channel{
		t:    t,
		opts: o,
		rbuf: make([]byte, readChunk),
	}
}

func (c *Channel) State() State {
	return c.state
}

// Transport returns the underlying transport.
func (c *Channel) Transport() device.Transport {
	return c.t
}

func (c *Channel) invalidate(err error) error {
	c.state = StateInvalid
	c.pending = nil
	return err
}

func (c *Channel) begin() error {
	switch c.state {
	case StateIdle:
		c.state = StateAwaitingReply
		return nil
	case StateInvalid:
		return ErrChannelInvalid
	}
	return errors.Wrapf(ErrChannelInvalid, "command issued while %s", c.state)
}

// SendAndCollect writes one command packet and drains replies until a
// response frame arrives. Log frames go to the log observer.
func (c *Channel) SendAndCollect(elems ...Element) (*Response, error) {
	return c.sendAndCollect(nil, elems...)
}

func (c *Channel) sendAndCollect(onLog func(string), elems ...Element) (*Response, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	pkt := BuildCommandPacket(elems...)
	glog.V(3).Infof("Firehose TX: %s", pkt)
	if err := device.Send(c.t, pkt); err != nil {
		return nil, c.invalidate(err)
	}
	resp, err := c.collect(onLog)
	if err != nil {
		return nil, c.invalidate(err)
	}
	c.state = StateIdle
	return resp, nil
}

// collect drains frames until a response. It has no frame limit: it only
// stops on a response or a transport failure.
func (c *Channel) collect(onLog func(string)) (*Response, error) {
	for {
		doc, err := c.nextDocument()
		if err != nil {
			return nil, err
		}
		glog.V(3).Infof("Firehose RX: %s", doc)
		frames, err := ParseDocument(doc)
		if err != nil {
			return nil, edlerr.New(edlerr.Transport, "parse reply", err)
		}
		for _, f := range frames {
			switch f.Kind {
			case FrameLog:
				c.opts.logObserver(f.Log)
				if onLog != nil {
					onLog(f.Log)
				}
			case FrameResponse:
				return f.Response, nil
			default:
				glog.Warningf("Unrecognized frame from programmer: %s", f.Raw)
			}
		}
	}
}

// nextDocument returns the next complete <data> document, reading from the
// transport as needed. Bytes after the document stay pending.
func (c *Channel) nextDocument() ([]byte, error) {
	for {
		// Whitespace between documents is not payload. Raw transfers read
		// pending bytes directly and never get here.
		c.pending = bytes.TrimLeft(c.pending, " \r\n\t")
		if doc, ok := c.splitDocument(); ok {
			return doc, nil
		}
		n, err := c.t.Read(c.rbuf)
		if n > 0 {
			c.pending = append(c.pending, c.rbuf[:n]...)
			continue
		}
		if err == nil {
			err = device.ErrTimeout
		}
		return nil, edlerr.New(edlerr.Transport, "receive reply", errors.Wrapf(err, "%d bytes of an incomplete reply buffered", len(c.pending)))
	}
}

func (c *Channel) splitDocument() ([]byte, bool) {
	end := bytes.Index(c.pending, []byte(dataClose))
	if end < 0 {
		return nil, false
	}
	end += len(dataClose)
	start := bytes.Index(c.pending[:end], []byte("<?xml"))
	if start < 0 {
		start = bytes.Index(c.pending[:end], []byte(dataOpen))
	}
	if start < 0 {
		start = 0
	}
	if start > 0 && len(bytes.TrimSpace(c.pending[:start])) > 0 {
		glog.Warningf("Skipping %d stray bytes before reply document", start)
	}
	doc := make([]byte, end-start)
	copy(doc, c.pending[start:end])
	c.pending = c.pending[end:]
	return doc, true
}

// receiveRaw copies exactly n unframed bytes to w.
func (c *Channel) receiveRaw(w io.Writer, n int) error {
	for n > 0 {
		if len(c.pending) > 0 {
			take := len(c.pending)
			if take > n {
				take = n
			}
			if _, err := w.Write(c.pending[:take]); err != nil {
				return edlerr.New(edlerr.Integrity, "raw transfer", errors.Wrap(err, "cannot store payload"))
			}
			c.pending = c.pending[take:]
			n -= take
			continue
		}
		buf := c.rbuf
		if len(buf) > n {
			buf = buf[:n]
		}
		got, err := c.t.Read(buf)
		if got == 0 {
			if err == nil {
				err = device.ErrTimeout
			}
			return edlerr.New(edlerr.Transport, "raw transfer", errors.Wrapf(err, "%d payload bytes missing", n))
		}
		if _, werr := w.Write(buf[:got]); werr != nil {
			return edlerr.New(edlerr.Integrity, "raw transfer", errors.Wrap(werr, "cannot store payload"))
		}
		n -= got
	}
	return nil
}

// DrainBoot consumes the greeting a freshly started programmer prints. A
// quiet programmer is fine: a timeout ends the drain without error.
func (c *Channel) DrainBoot() error {
	if err := c.begin(); err != nil {
		return err
	}
	_, err := c.collect(nil)
	if err != nil {
		if errors.Is(err, device.ErrTimeout) {
			glog.V(1).Info("Programmer greeting drained")
			c.state = StateIdle
			return nil
		}
		return c.invalidate(err)
	}
	c.state = StateIdle
	return nil
}

// Close closes the transport and invalidates the channel.
func (c *Channel) Close() error {
	c.state = StateInvalid
	return c.t.Close()
}
