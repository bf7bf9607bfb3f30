// Package config holds the tunables of an EDL session: transport timeouts,
// the topology probe heuristic, configure defaults and dump settings.
//
// A config file is JSON. Every field is optional; missing fields keep the
// value from Default().
//
//	{
//	  "read_timeout": "5s",
//	  "probe_max_luns": 10,
//	  "probe_sector_sizes": [4096, 512],
//	  "rig": {"boot_pin": "GPIO17", "reset_pin": "GPIO27"}
//	}
package config

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Duration is a time.Duration that reads from JSON strings like "1.5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "duration must be a string")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Rig names the GPIO lines that force a device into EDL.
type Rig struct {
	BootPin     string   `json:"boot_pin,omitempty"`
	ResetPin    string   `json:"reset_pin,omitempty"`
	ActiveLow   bool     `json:"active_low,omitempty"`
	ResetPulse  Duration `json:"reset_pulse,omitempty"`
	BootRelease Duration `json:"boot_release,omitempty"`
}

type Config struct {
	ReadTimeout Duration `json:"read_timeout"`

	// Fallback LUN probing when the programmer refuses getstorageinfo.
	ProbeMaxLuns          int      `json:"probe_max_luns"`
	ProbeSectorSizes      []uint32 `json:"probe_sector_sizes"`
	PlaceholderSectorSize uint32   `json:"placeholder_sector_size"`

	MaxPayloadCeiling         uint64 `json:"max_payload_ceiling"`
	MaxDigestTableSizeInBytes uint32 `json:"max_digest_table_size"`
	PowerDelaySeconds         uint32 `json:"power_delay_seconds"`

	// ImageChunkSize of 0 means "use the negotiated max payload".
	ImageChunkSize int  `json:"image_chunk_size"`
	Manifest       bool `json:"manifest"`

	Rig Rig `json:"rig"`
}

func Default() Config {
	return Config{
		ReadTimeout:               Duration(5 * time.Second),
		ProbeMaxLuns:              10,
		ProbeSectorSizes:          []uint32{4096, 512},
		PlaceholderSectorSize:     4096,
		MaxPayloadCeiling:         math.MaxUint64,
		MaxDigestTableSizeInBytes: 8192,
		PowerDelaySeconds:         1,
		Manifest:                  true,
		Rig: Rig{
			ResetPulse:  Duration(200 * time.Millisecond),
			BootRelease: Duration(2 * time.Second),
		},
	}
}

// LoadFile reads a JSON config on top of Default().
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("config: empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: cannot parse %q", path)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ReadTimeout <= 0 {
		return errors.New("config: read_timeout must be positive")
	}
	if c.ProbeMaxLuns <= 0 {
		return errors.Errorf("config: probe_max_luns must be positive, got %d", c.ProbeMaxLuns)
	}
	if len(c.ProbeSectorSizes) == 0 {
		return errors.New("config: probe_sector_sizes is empty")
	}
	for _, s := range c.ProbeSectorSizes {
		if !validSectorSize(s) {
			return errors.Errorf("config: invalid probe sector size %d", s)
		}
	}
	if !validSectorSize(c.PlaceholderSectorSize) {
		return errors.Errorf("config: invalid placeholder_sector_size %d", c.PlaceholderSectorSize)
	}
	if c.MaxPayloadCeiling == 0 {
		return errors.New("config: max_payload_ceiling must be positive")
	}
	if c.ImageChunkSize < 0 {
		return errors.Errorf("config: negative image_chunk_size %d", c.ImageChunkSize)
	}
	if (c.Rig.BootPin == "") != (c.Rig.ResetPin == "") {
		return errors.New("config: rig needs both boot_pin and reset_pin")
	}
	return nil
}

func validSectorSize(s uint32) bool {
	return s >= 512 && s&(s-1) == 0
}
