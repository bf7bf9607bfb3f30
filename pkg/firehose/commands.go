package firehose

import (
	"bytes"
	"io"
	"math"

	"github.com/golang/glog"
	"github.com/msmtools/qcedl/pkg/edlerr"
	"github.com/pkg/errors"
)

// DefaultMaxPayload is used when a programmer ACKs configure without
// saying what payload size it granted.
const DefaultMaxPayload = 1024 * 1024

// ConfigureResult is what configure negotiated. Optional fields are nil
// when the programmer did not report them.
type ConfigureResult struct {
	MaxPayload uint64
	Version    *uint64
	MinVersion *uint64
	MaxXMLSize *uint64
	MemoryName *string
	RawMode    bool
	// RoundTrips is 1 when the first attempt was accepted, 2 otherwise.
	RoundTrips int
}

// Configure sets up the storage and negotiates the payload size. The first
// attempt asks for the configured ceiling; programmers reveal their real
// limit only when they NAK it, so a NAK is retried once with that limit.
func (c *Channel) Configure(storage StorageType) (*ConfigureResult, error) {
	glog.Info("Configuring")
	ceiling := c.opts.maxPayloadCeiling
	resp, err := c.SendAndCollect(ConfigureElement(storage, c.opts.verbose, ceiling, c.opts.digestTableSize))
	if err != nil {
		return nil, err
	}
	rounds := 1
	if !resp.Acked() {
		supported := resp.MaxPayloadSizeToTargetInBytesSupported
		if supported == nil || *supported == 0 {
			return nil, edlerr.Errorf(edlerr.Denied, "configure", "NAK without a supported payload size: %s", resp)
		}
		ceiling = *supported
		glog.Infof("Programmer supports a payload of %d bytes, configuring again", ceiling)
		resp, err = c.SendAndCollect(ConfigureElement(storage, c.opts.verbose, ceiling, c.opts.digestTableSize))
		if err != nil {
			return nil, err
		}
		rounds = 2
		if !resp.Acked() {
			return nil, edlerr.Errorf(edlerr.Denied, "configure", "second attempt refused: %s", resp)
		}
	}

	res := &ConfigureResult{
		MaxPayload: ceiling,
		Version:    resp.Version,
		MinVersion: resp.MinVersionSupported,
		MaxXMLSize: resp.MaxXMLSizeInBytes,
		MemoryName: resp.MemoryName,
		RawMode:    resp.IsRaw(),
		RoundTrips: rounds,
	}
	if granted := resp.MaxPayloadSizeToTargetInBytes; granted != nil && *granted > 0 {
		res.MaxPayload = *granted
	} else if res.MaxPayload == math.MaxUint64 {
		res.MaxPayload = DefaultMaxPayload
	}
	c.storage = storage
	c.negotiated = res
	glog.Infof("Configured %s, max payload %d bytes", storage, res.MaxPayload)
	return res, nil
}

// MaxPayload is the negotiated payload size, or 0 before Configure.
func (c *Channel) MaxPayload() int {
	if c.negotiated == nil {
		return 0
	}
	if c.negotiated.MaxPayload > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(c.negotiated.MaxPayload)
}

// Storage is the storage type set by Configure.
func (c *Channel) Storage() StorageType {
	return c.storage
}

// Read reads sectors [first, last] of a LUN into w. The payload arrives in
// chunks no larger than the negotiated size and never splits a sector;
// progress is called after every chunk.
func (c *Channel) Read(lun, sectorSize uint32, first, last uint64, w io.Writer, progress ProgressFunc) error {
	if c.negotiated == nil {
		return errors.New("firehose: read before configure")
	}
	if last < first || sectorSize == 0 {
		return edlerr.Errorf(edlerr.UserInput, "read", "bad sector range [%d, %d] with sector size %d", first, last, sectorSize)
	}
	// The sector count and the byte count must both fit.
	if span := last - first; span == math.MaxUint64 || span+1 > math.MaxInt64/uint64(sectorSize) {
		return edlerr.Errorf(edlerr.UserInput, "read", "sector range [%d, %d] is too large", first, last)
	}
	glog.V(2).Infof("READ: LUN %d, FirstSector: %d - LastSector: %d - SectorSize: %d", lun, first, last, sectorSize)

	resp, err := c.SendAndCollect(ReadElement(lun, sectorSize, first, last))
	if err != nil {
		return err
	}
	if !resp.Acked() {
		return edlerr.Errorf(edlerr.Denied, "read", "LUN %d sectors [%d, %d] refused: %s", lun, first, last, resp)
	}
	if !resp.IsRaw() {
		return edlerr.New(edlerr.Integrity, "read", errors.Wrapf(ErrRawModeRefused, "LUN %d sectors [%d, %d]: %s", lun, first, last, resp))
	}

	c.state = StateRawTransfer
	total := last - first + 1
	perChunk := uint64(c.MaxPayload()) / uint64(sectorSize)
	if perChunk == 0 {
		perChunk = 1
	}
	done := uint64(0)
	for done < total {
		n := total - done
		if n > perChunk {
			n = perChunk
		}
		if err := c.receiveRaw(w, int(n*uint64(sectorSize))); err != nil {
			return c.invalidate(err)
		}
		done += n
		if progress != nil {
			progress(Progress{SectorsDone: done, SectorsTotal: total})
		}
	}

	// The programmer closes every raw transfer with one more response.
	c.state = StateAwaitingReply
	tail, err := c.collect(nil)
	if err != nil {
		return c.invalidate(err)
	}
	c.state = StateIdle
	if !tail.Acked() {
		return edlerr.Errorf(edlerr.Integrity, "read", "programmer reported a failed transfer: %s", tail)
	}
	return nil
}

// ReadSectors reads sectors [first, last] into memory.
func ReadSectors(p Programmer, lun, sectorSize uint32, first, last uint64) ([]byte, error) {
	if last < first {
		return nil, edlerr.Errorf(edlerr.UserInput, "read", "bad sector range [%d, %d]", first, last)
	}
	var buf bytes.Buffer
	buf.Grow(int((last - first + 1) * uint64(sectorSize)))
	if err := p.Read(lun, sectorSize, first, last, &buf, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Power sends a power command and closes the transport, whatever the
// outcome of the drain: a rebooting device may vanish mid-reply and a
// dangling handle to it would leak.
func (c *Channel) Power(value PowerValue) error {
	glog.Infof("Sending power %s", value)
	resp, err := c.SendAndCollect(PowerElement(value, c.opts.powerDelay))
	cerr := c.Close()
	if err != nil {
		return err
	}
	if !resp.Acked() {
		return edlerr.Errorf(edlerr.Denied, "power", "refused: %s", resp)
	}
	if cerr != nil {
		glog.Warningf("Closing %s: %v", c.t.Name(), cerr)
	}
	return nil
}

// StorageInfo asks about one LUN. A programmer that refuses or answers in
// an unexpected shape yields nil without error; only channel failures are
// errors.
func (c *Channel) StorageInfo(lun uint32) (*StorageInfo, error) {
	glog.Infof("Getting storage info for LUN %d", lun)
	var info *StorageInfo
	resp, err := c.sendAndCollect(func(line string) {
		if si, ok := ParseStorageInfoLog(line); ok {
			info = si
		}
	}, StorageInfoElement(lun))
	if err != nil {
		return nil, err
	}
	if !resp.Acked() {
		glog.V(1).Infof("getstorageinfo for LUN %d: %s", lun, resp)
	}
	return info, nil
}
