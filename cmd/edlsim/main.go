// Command edlsim serves a simulated EDL device on a UNIX socket so that
// qcedl can be run with --device unix:/path/to/socket and no hardware.
// Each --lun flag adds a LUN backed by a raw image file.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/msmtools/qcedl/pkg/device"
	"github.com/msmtools/qcedl/pkg/edlsim"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

var (
	socketPath      = pflag.String("socket", "/tmp/edlsim.sock", "Path of the UNIX socket to listen on.")
	denyIdentity    = pflag.Bool("deny-identity", false, "Refuse identity queries, as if a programmer was already running.")
	denyStorageInfo = pflag.Bool("deny-storage-info", false, "NAK getstorageinfo so hosts have to probe.")
	maxPayload      = pflag.Uint64("max-payload", 1024*1024, "Largest payload configure accepts.")
	programmerSize  = pflag.Int64("programmer-size", 0x1000, "Bytes of programmer the boot ROM requests. The programmer file must be at least this long.")
	luns            = pflag.StringArray("lun", nil, "LUN image as PATH or PATH:SECTOR_SIZE. Repeat for more LUNs.")
)

// parseLunArg splits "PATH[:SECTOR_SIZE]". The sector size defaults to 4096.
func parseLunArg(arg string) (string, uint32, error) {
	path, ss := arg, uint64(4096)
	if i := strings.LastIndexByte(arg, ':'); i >= 0 {
		n, err := strconv.ParseUint(arg[i+1:], 0, 32)
		if err != nil {
			return "", 0, errors.Wrapf(err, "bad sector size in %q", arg)
		}
		path, ss = arg[:i], n
	}
	if ss < 512 || ss&(ss-1) != 0 {
		return "", 0, errors.Errorf("sector size %d in %q is not a power of two of at least 512", ss, arg)
	}
	if path == "" {
		return "", 0, errors.Errorf("empty path in %q", arg)
	}
	return path, uint32(ss), nil
}

// openLun opens a LUN image. A trailing partial sector is not served.
func openLun(arg string) (edlsim.LUN, *device.ImageFile, error) {
	path, ss, err := parseLunArg(arg)
	if err != nil {
		return edlsim.LUN{}, nil, err
	}
	img := device.NewImageFile(path)
	if err := img.Open(); err != nil {
		return edlsim.LUN{}, nil, errors.Wrapf(err, "cannot open %s", path)
	}
	sectors := uint64(img.Size()) / uint64(ss)
	if sectors == 0 {
		img.Close()
		return edlsim.LUN{}, nil, errors.Errorf("%s is smaller than one %d byte sector", path, ss)
	}
	return edlsim.LUN{SectorSize: ss, Sectors: sectors, Data: img, Name: img.Name()}, img, nil
}

func main() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	flag.CommandLine.Parse(nil)
	defer glog.Flush()

	if len(*luns) == 0 {
		fmt.Println("At least one --lun is required")
		os.Exit(1)
	}
	d := &edlsim.Device{
		RKH:                 make([]byte, 32),
		Serial:              []byte{0x78, 0x56, 0x34, 0x12},
		HWID:                0x000CB0E100510000,
		ProgrammerSize:      *programmerSize,
		DenyIdentity:        *denyIdentity,
		DenyStorageInfo:     *denyStorageInfo,
		MaxPayloadSupported: *maxPayload,
		Greeting:            []string{"edlsim programmer"},
	}
	for _, arg := range *luns {
		lun, img, err := openLun(arg)
		if err != nil {
			fmt.Printf("Cannot add LUN: %v\n", err)
			os.Exit(1)
		}
		defer img.Close()
		glog.Infof("LUN %d: %s, %d sectors of %d bytes", len(d.LUNs), img.Name(), lun.Sectors, lun.SectorSize)
		d.LUNs = append(d.LUNs, lun)
	}

	l, err := device.NewEmulatorListener(*socketPath)
	if err != nil {
		fmt.Printf("Cannot listen: %v\n", err)
		os.Exit(1)
	}
	defer l.Close()
	fmt.Println("Serving", l.Name())

	// One host at a time, like a real USB device.
	for {
		conn, err := l.Accept()
		if err != nil {
			glog.Errorf("Accept: %v", err)
			continue
		}
		if err := d.Serve(conn); err != nil {
			glog.Warningf("Session ended: %v", err)
		}
		s := d.Stats()
		glog.Infof("Session done: %d reads, power %q", len(s.Reads), s.PowerValue)
	}
}
