package tasks

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/msmtools/qcedl/pkg/config"
	"github.com/msmtools/qcedl/pkg/edlerr"
	"github.com/msmtools/qcedl/pkg/edlsim"
	"github.com/msmtools/qcedl/pkg/firehose"
	"github.com/msmtools/qcedl/pkg/gpt"
	"github.com/msmtools/qcedl/pkg/imagewriter"
	"github.com/pkg/errors"
)

var (
	basicData = uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")
	modemUID  = uuid.MustParse("7B7A5F3E-1C2D-4E5F-8A9B-0C1D2E3F4A5B")
)

var lun0Parts = []gpt.Partition{
	{Name: "xbl_a", TypeGUID: basicData, UID: uuid.MustParse("DEA0BA2C-CBDD-4805-B4F9-F428251C3E98"), FirstLBA: 6, LastLBA: 9},
	{Name: "boot_a", TypeGUID: basicData, UID: uuid.MustParse("20117F86-E985-4357-B9EE-374BC1D8487D"), FirstLBA: 10, LastLBA: 41},
}

var lun1Parts = []gpt.Partition{
	{Name: "modemst1", TypeGUID: basicData, UID: modemUID, FirstLBA: 6, LastLBA: 13},
}

func simDevice(t *testing.T) *edlsim.Device {
	t.Helper()
	lun0, err := edlsim.GPTLUN("HN8T05BZGKX015", 4096, 256, lun0Parts)
	if err != nil {
		t.Fatalf("GPTLUN(0) = %v", err)
	}
	lun1, err := edlsim.GPTLUN("HN8T05BZGKX015", 4096, 64, lun1Parts)
	if err != nil {
		t.Fatalf("GPTLUN(1) = %v", err)
	}
	return &edlsim.Device{
		LUNs:           []edlsim.LUN{lun0, lun1},
		RKH:            bytes.Repeat([]byte{0x5A}, 32),
		Serial:         []byte{0xEF, 0xBE, 0xAD, 0xDE},
		HWID:           0x000CB0E100510000,
		ProgrammerSize: 0x1000,
		Greeting:       []string{"Binary build date: Oct 19 2026"},
	}
}

// testOptions connects the tasks to d through an in-memory pipe.
func testOptions(t *testing.T, d *edlsim.Device) (Options, *bytes.Buffer) {
	t.Helper()
	prog := filepath.Join(t.TempDir(), "prog_firehose_ddr.elf")
	if err := os.WriteFile(prog, bytes.Repeat([]byte{0x7F}, 0x1000), 0o644); err != nil {
		t.Fatalf("cannot write programmer: %v", err)
	}
	tr, done := d.Pipe(2 * time.Second)
	t.Cleanup(func() {
		tr.Close()
		<-done
	})
	var out bytes.Buffer
	return Options{
		Transport:  tr,
		Programmer: prog,
		Storage:    firehose.StorageUFS,
		Config:     config.Default(),
		Out:        &out,
		now:        func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) },
	}, &out
}

func lunBytes(t *testing.T, l edlsim.LUN, sectors uint64) []byte {
	t.Helper()
	buf := make([]byte, sectors*uint64(l.SectorSize))
	if _, err := l.Data.ReadAt(buf, 0); err != nil {
		t.Fatalf("cannot read simulated LUN: %v", err)
	}
	return buf
}

func partitionBytes(index int, p gpt.Partition) []byte {
	buf := make([]byte, p.Sectors()*4096)
	for off := range buf {
		buf[off] = edlsim.PatternByte(index, uint64(off))
	}
	return buf
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) = %v", path, err)
	}
	return b
}

func TestLoad(t *testing.T) {
	d := simDevice(t)
	o, _ := testOptions(t, d)
	if err := Load(o); err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if got := d.Stats().Programmer; !bytes.Equal(got, bytes.Repeat([]byte{0x7F}, 0x1000)) {
		t.Errorf("device received %d programmer bytes, want the whole file", len(got))
	}
}

func TestLoadResidentProgrammer(t *testing.T) {
	d := simDevice(t)
	d.DenyIdentity = true
	o, out := testOptions(t, d)
	if err := ReadStorageInfo(o); err != nil {
		t.Fatalf("ReadStorageInfo() = %v", err)
	}
	if n := len(d.Stats().Programmer); n != 0 {
		t.Errorf("uploaded %d bytes to a resident programmer", n)
	}
	if !strings.Contains(out.String(), "Name: boot_a") {
		t.Errorf("output lacks the partition list:\n%s", out)
	}
}

func TestLoadMissingProgrammer(t *testing.T) {
	d := simDevice(t)
	o, _ := testOptions(t, d)
	o.Programmer = filepath.Join(t.TempDir(), "missing.elf")
	if err := Load(o); !edlerr.IsKind(err, edlerr.UserInput) {
		t.Errorf("Load() = %v, want a UserInputError", err)
	}
}

func TestReset(t *testing.T) {
	d := simDevice(t)
	o, _ := testOptions(t, d)
	if err := Reset(o, firehose.PowerResetToEDL); err != nil {
		t.Fatalf("Reset() = %v", err)
	}
	if got := d.Stats().PowerValue; got != "reset_to_edl" {
		t.Errorf("power value %q, want reset_to_edl", got)
	}
}

func TestReadStorageInfo(t *testing.T) {
	d := simDevice(t)
	o, out := testOptions(t, d)
	if err := ReadStorageInfo(o); err != nil {
		t.Fatalf("ReadStorageInfo() = %v", err)
	}
	for _, want := range []string{
		"LUN[0] Name: HN8T05BZGKX015",
		"LUN[0] Total Blocks: 256",
		"LUN[1] Total Blocks: 64",
		"LUN[1] Block Size: 4096",
		"LUN 0:\n",
		"Name: xbl_a , Type: ebd0a0a2-b9e5-4433-87c0-68b6b72699c7",
		"StartLBA: 0x000000000000000A, EndLBA: 0x0000000000000029",
		"LUN 1:\nName: modemst1, Type:",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestDumpStorage(t *testing.T) {
	for _, tc := range []struct {
		name     string
		deny     bool
		wantLen0 uint64
		wantLen1 uint64
	}{
		{"storage info", false, 256, 64},
		// Probed LUNs end at the last usable LBA.
		{"probe fallback", true, 251, 59},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := simDevice(t)
			d.DenyStorageInfo = tc.deny
			o, _ := testOptions(t, d)
			dir := filepath.Join(t.TempDir(), "dump")
			if err := DumpStorage(o, dir); err != nil {
				t.Fatalf("DumpStorage() = %v", err)
			}
			if got, want := readFile(t, filepath.Join(dir, "LUN0.img")), lunBytes(t, d.LUNs[0], tc.wantLen0); !bytes.Equal(got, want) {
				t.Errorf("LUN0.img is %d bytes and differs from the device (%d bytes)", len(got), len(want))
			}
			if got, want := readFile(t, filepath.Join(dir, "LUN1.img")), lunBytes(t, d.LUNs[1], tc.wantLen1); !bytes.Equal(got, want) {
				t.Errorf("LUN1.img is %d bytes and differs from the device (%d bytes)", len(got), len(want))
			}

			m, err := imagewriter.LoadManifest(dir)
			if err != nil {
				t.Fatalf("LoadManifest() = %v", err)
			}
			if len(m.Images) != 2 || m.Images[0].File != "LUN0.img" || m.Images[1].Lun != 1 {
				t.Fatalf("manifest images = %+v", m.Images)
			}
			if m.Storage != "UFS" || m.Images[0].CID == "" {
				t.Errorf("manifest = %+v", m)
			}
		})
	}
}

func TestDumpStorageLun(t *testing.T) {
	d := simDevice(t)
	o, _ := testOptions(t, d)
	dir := t.TempDir()
	if err := DumpStorageLun(o, dir, 1); err != nil {
		t.Fatalf("DumpStorageLun() = %v", err)
	}
	if got, want := readFile(t, filepath.Join(dir, "LUN1.img")), lunBytes(t, d.LUNs[1], 64); !bytes.Equal(got, want) {
		t.Errorf("LUN1.img differs from the device")
	}
	if _, err := os.Stat(filepath.Join(dir, "LUN0.img")); !os.IsNotExist(err) {
		t.Errorf("LUN0.img was written too")
	}
}

func TestDumpStorageLunNotFound(t *testing.T) {
	d := simDevice(t)
	o, _ := testOptions(t, d)
	err := DumpStorageLun(o, t.TempDir(), 5)
	if !errors.Is(err, ErrLunNotFound) || !edlerr.IsKind(err, edlerr.UserInput) {
		t.Errorf("DumpStorageLun(5) = %v, want ErrLunNotFound", err)
	}
}

func TestDumpPartition(t *testing.T) {
	for _, tc := range []struct {
		name  string
		dump  func(o Options, path string) error
		index int
		part  gpt.Partition
		lun   uint32
	}{
		{
			name:  "by name, any case",
			dump:  func(o Options, path string) error { return DumpPartitionByName(o, "BOOT_A", 0, path) },
			index: 1,
			part:  lun0Parts[1],
			lun:   0,
		},
		{
			name:  "by uid on a later LUN",
			dump:  func(o Options, path string) error { return DumpPartitionByUID(o, modemUID, path) },
			index: 0,
			part:  lun1Parts[0],
			lun:   1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := simDevice(t)
			o, _ := testOptions(t, d)
			dir := t.TempDir()
			path := filepath.Join(dir, tc.part.Name+".img")
			if err := tc.dump(o, path); err != nil {
				t.Fatalf("dump = %v", err)
			}
			if got := readFile(t, path); !bytes.Equal(got, partitionBytes(tc.index, tc.part)) {
				t.Errorf("%s is %d bytes and differs from the partition", path, len(got))
			}
			m, err := imagewriter.LoadManifest(dir)
			if err != nil {
				t.Fatalf("LoadManifest() = %v", err)
			}
			e := m.Images[0]
			if e.Partition != tc.part.Name || e.Lun != tc.lun || e.FirstLBA == nil || *e.FirstLBA != tc.part.FirstLBA {
				t.Errorf("manifest entry = %+v", e)
			}
		})
	}
}

func TestDumpPartitionAppendsManifest(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"xbl_a", "boot_a"} {
		d := simDevice(t)
		o, _ := testOptions(t, d)
		if err := DumpPartitionByName(o, name, 0, filepath.Join(dir, name+".img")); err != nil {
			t.Fatalf("DumpPartitionByName(%s) = %v", name, err)
		}
	}
	m, err := imagewriter.LoadManifest(dir)
	if err != nil {
		t.Fatalf("LoadManifest() = %v", err)
	}
	if len(m.Images) != 2 || m.Images[0].Partition != "xbl_a" || m.Images[1].Partition != "boot_a" {
		t.Errorf("manifest images = %+v", m.Images)
	}
}

func TestDumpFailures(t *testing.T) {
	existing := filepath.Join(t.TempDir(), "boot_a.img")
	if err := os.WriteFile(existing, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		name     string
		storage  firehose.StorageType
		dump     func(o Options) error
		wantErr  error
		wantKind edlerr.Kind
	}{
		{
			name:     "output exists",
			storage:  firehose.StorageUFS,
			dump:     func(o Options) error { return DumpPartitionByName(o, "boot_a", 0, existing) },
			wantErr:  ErrOutputExists,
			wantKind: edlerr.UserInput,
		},
		{
			name:     "unknown name",
			storage:  firehose.StorageUFS,
			dump:     func(o Options) error { return DumpPartitionByName(o, "modem", 0, existing+".new") },
			wantErr:  ErrPartitionNotFound,
			wantKind: edlerr.UserInput,
		},
		{
			name:     "unknown uid",
			storage:  firehose.StorageSPINOR,
			dump:     func(o Options) error { return DumpPartitionByUID(o, uuid.New(), existing+".new") },
			wantErr:  ErrPartitionNotFound,
			wantKind: edlerr.UserInput,
		},
		{
			name:     "name on a missing LUN",
			storage:  firehose.StorageUFS,
			dump:     func(o Options) error { return DumpPartitionByName(o, "boot_a", 3, existing+".new") },
			wantErr:  ErrLunNotFound,
			wantKind: edlerr.UserInput,
		},
		{
			name:     "unsupported storage",
			storage:  firehose.StorageEMMC,
			dump:     func(o Options) error { return DumpStorage(o, t.TempDir()) },
			wantKind: edlerr.UserInput,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := simDevice(t)
			o, _ := testOptions(t, d)
			o.Storage = tc.storage
			err := tc.dump(o)
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("dump = %v, want %v", err, tc.wantErr)
			}
			if !edlerr.IsKind(err, tc.wantKind) {
				t.Errorf("dump = %v, want kind %s", err, tc.wantKind)
			}
			if _, err := os.Stat(existing + ".new"); !os.IsNotExist(err) {
				t.Errorf("a failed dump left an output file behind")
			}
		})
	}
	if got := readFile(t, existing); string(got) != "keep" {
		t.Errorf("existing output was overwritten with %q", got)
	}
}

func TestProgressLine(t *testing.T) {
	for _, tc := range []struct {
		done, total int64
		elapsed     time.Duration
		want        []string
	}{
		{50 << 20, 100 << 20, 10 * time.Second, []string{"[" + strings.Repeat("=", 25) + strings.Repeat(" ", 25) + "]", " 50%", "5.00 MB/s", "ETA 10s"}},
		{100 << 20, 100 << 20, 20 * time.Second, []string{"100%", "ETA 0s"}},
		{0, 100 << 20, 0, []string{"  0%", "0.00 MB/s", "ETA --"}},
	} {
		got := progressLine("LUN 0", tc.done, tc.total, tc.elapsed)
		if !strings.HasPrefix(got, "LUN 0 [") {
			t.Errorf("progressLine(%d, %d) = %q", tc.done, tc.total, got)
		}
		for _, w := range tc.want {
			if !strings.Contains(got, w) {
				t.Errorf("progressLine(%d, %d) = %q, want it to contain %q", tc.done, tc.total, got, w)
			}
		}
	}
}

func withEmptyLun(t *testing.T) *edlsim.Device {
	d := simDevice(t)
	d.LUNs = append(d.LUNs, edlsim.MemoryLUN("unprovisioned", 4096, 0, nil))
	return d
}

func TestEmptyLunIsSkipped(t *testing.T) {
	t.Run("storage info", func(t *testing.T) {
		o, out := testOptions(t, withEmptyLun(t))
		if err := ReadStorageInfo(o); err != nil {
			t.Fatalf("ReadStorageInfo() = %v", err)
		}
		for _, want := range []string{"LUN[2] Total Blocks: 0", "LUN 2: No GPT found", "Name: modemst1"} {
			if !strings.Contains(out.String(), want) {
				t.Errorf("output lacks %q:\n%s", want, out)
			}
		}
	})

	t.Run("dump storage", func(t *testing.T) {
		o, _ := testOptions(t, withEmptyLun(t))
		dir := t.TempDir()
		if err := DumpStorage(o, dir); err != nil {
			t.Fatalf("DumpStorage() = %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "LUN2.img")); !os.IsNotExist(err) {
			t.Errorf("LUN2.img was written for an empty LUN")
		}
		m, err := imagewriter.LoadManifest(dir)
		if err != nil {
			t.Fatalf("LoadManifest() = %v", err)
		}
		if len(m.Images) != 2 {
			t.Errorf("manifest images = %+v", m.Images)
		}
	})

	t.Run("dump by uid", func(t *testing.T) {
		o, _ := testOptions(t, withEmptyLun(t))
		err := DumpPartitionByUID(o, uuid.New(), filepath.Join(t.TempDir(), "none.img"))
		if !errors.Is(err, ErrPartitionNotFound) {
			t.Errorf("DumpPartitionByUID() = %v, want ErrPartitionNotFound", err)
		}
	})

	for _, tc := range []struct {
		name string
		dump func(o Options, dir string) error
	}{
		{"dump lun", func(o Options, dir string) error { return DumpStorageLun(o, dir, 2) }},
		{"dump by name", func(o Options, dir string) error {
			return DumpPartitionByName(o, "boot_a", 2, filepath.Join(dir, "boot_a.img"))
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			o, _ := testOptions(t, withEmptyLun(t))
			err := tc.dump(o, t.TempDir())
			if !errors.Is(err, ErrLunNotFound) || !edlerr.IsKind(err, edlerr.UserInput) {
				t.Errorf("dump = %v, want ErrLunNotFound", err)
			}
		})
	}
}
