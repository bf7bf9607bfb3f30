package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qcedl.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Cannot write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	testCases := []struct {
		descr     string
		body      string
		wantError bool
		check     func(Config) bool
	}{
		{
			descr: "empty object keeps defaults",
			body:  "{}",
			check: func(c Config) bool {
				return c.ProbeMaxLuns == 10 && len(c.ProbeSectorSizes) == 2 && c.ProbeSectorSizes[0] == 4096
			},
		},
		{
			descr: "override probe order and timeout",
			body:  `{"read_timeout": "250ms", "probe_sector_sizes": [512]}`,
			check: func(c Config) bool {
				return time.Duration(c.ReadTimeout) == 250*time.Millisecond && len(c.ProbeSectorSizes) == 1 && c.ProbeSectorSizes[0] == 512
			},
		},
		{
			descr:     "unknown field",
			body:      `{"probe_max_lun": 3}`,
			wantError: true,
		},
		{
			descr:     "bad sector size",
			body:      `{"probe_sector_sizes": [1000]}`,
			wantError: true,
		},
		{
			descr:     "half a rig",
			body:      `{"rig": {"boot_pin": "GPIO17"}}`,
			wantError: true,
		},
	}

	for _, tc := range testCases {
		cfg, err := LoadFile(writeConfig(t, tc.body))
		if (err != nil) != tc.wantError {
			t.Fatalf("Test %q: failed = %t (%v), want %t", tc.descr, err != nil, err, tc.wantError)
		}
		if err != nil {
			continue
		}
		if !tc.check(cfg) {
			t.Errorf("Test %q: unexpected config %+v", tc.descr, cfg)
		}
	}
}
