// Package rig drives the GPIO lines of a test bench that can force a
// device into EDL: a boot-select line held while a reset line is pulsed.
package rig

import (
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/msmtools/qcedl/pkg/config"
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var hostInitialized atomic.Bool

type Rig struct {
	boot  gpio.PinIO
	reset gpio.PinIO
	cfg   config.Rig

	sleep func(time.Duration)
}

// New makes a rig from pins that are already open.
func New(boot, reset gpio.PinIO, cfg config.Rig) *Rig {
	return &Rig{boot: boot, reset: reset, cfg: cfg, sleep: time.Sleep}
}

// Open initializes the host drivers once and looks the pins up by name.
func Open(cfg config.Rig) (*Rig, error) {
	if cfg.BootPin == "" || cfg.ResetPin == "" {
		return nil, errors.New("rig: boot and reset pins must be configured")
	}
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			hostInitialized.Store(false)
			return nil, errors.Wrap(err, "rig: host initialization failed")
		}
	}
	boot := gpioreg.ByName(cfg.BootPin)
	if boot == nil {
		return nil, errors.Errorf("rig: no GPIO named %q", cfg.BootPin)
	}
	reset := gpioreg.ByName(cfg.ResetPin)
	if reset == nil {
		return nil, errors.Errorf("rig: no GPIO named %q", cfg.ResetPin)
	}
	return New(boot, reset, cfg), nil
}

func (r *Rig) level(asserted bool) gpio.Level {
	if r.cfg.ActiveLow {
		return gpio.Level(!asserted)
	}
	return gpio.Level(asserted)
}

// EnterEDL holds boot select, pulses reset and releases boot select once
// the boot ROM has had time to sample it.
func (r *Rig) EnterEDL() error {
	glog.Infof("Forcing EDL: boot %s, reset %s", r.boot, r.reset)
	if err := r.boot.Out(r.level(true)); err != nil {
		return errors.Wrap(err, "rig: boot select")
	}
	if err := r.reset.Out(r.level(true)); err != nil {
		return errors.Wrap(err, "rig: reset")
	}
	r.sleep(time.Duration(r.cfg.ResetPulse))
	if err := r.reset.Out(r.level(false)); err != nil {
		return errors.Wrap(err, "rig: reset")
	}
	r.sleep(time.Duration(r.cfg.BootRelease))
	if err := r.boot.Out(r.level(false)); err != nil {
		return errors.Wrap(err, "rig: boot select")
	}
	return nil
}
