package firehose

import (
	"math"

	"github.com/golang/glog"
)

type options struct {
	verbose           bool
	logObserver       func(string)
	maxPayloadCeiling uint64
	digestTableSize   uint32
	powerDelay        uint32
}

func defaultOptions() options {
	return options{
		maxPayloadCeiling: math.MaxUint64,
		digestTableSize:   8192,
		powerDelay:        1,
	}
}

func logDeviceLine(verbose bool, line string) {
	if verbose {
		glog.Infof("DEVPRG LOG: %s", line)
		return
	}
	glog.V(1).Infof("DEVPRG LOG: %s", line)
}

// Option configures a Channel.
type Option func(*options)

// WithVerbose asks the programmer for verbose logs and prints them.
func WithVerbose(v bool) Option {
	return func(o *options) {
		o.verbose = v
	}
}

// WithLogObserver replaces the default handling of device log lines.
func WithLogObserver(fn func(string)) Option {
	return func(o *options) {
		o.logObserver = fn
	}
}

// WithMaxPayloadCeiling sets the first payload size Configure asks for.
func WithMaxPayloadCeiling(n uint64) Option {
	return func(o *options) {
		o.maxPayloadCeiling = n
	}
}

func WithDigestTableSize(n uint32) Option {
	return func(o *options) {
		o.digestTableSize = n
	}
}

func WithPowerDelay(seconds uint32) Option {
	return func(o *options) {
		o.powerDelay = seconds
	}
}
