package topology

import (
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/msmtools/qcedl/pkg/edlerr"
	"github.com/msmtools/qcedl/pkg/edlsim"
	"github.com/msmtools/qcedl/pkg/firehose"
	"github.com/msmtools/qcedl/pkg/gpt"
)

func gptLun(t *testing.T, name string, ss uint32, sectors uint64) edlsim.LUN {
	t.Helper()
	first := uint64(34)
	if ss == 4096 {
		first = 6
	}
	lun, err := edlsim.GPTLUN(name, ss, sectors, []gpt.Partition{{
		Name:     "userdata",
		TypeGUID: uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"),
		UID:      uuid.New(),
		FirstLBA: first,
		LastLBA:  first + 7,
	}})
	if err != nil {
		t.Fatalf("GPTLUN(%s) = %v", name, err)
	}
	return lun
}

func configured(t *testing.T, d *edlsim.Device) *firehose.Channel {
	t.Helper()
	d.StartInProgrammer = true
	tr, done := d.Pipe(2 * time.Second)
	t.Cleanup(func() {
		tr.Close()
		<-done
	})
	ch := firehose.NewChannel(tr)
	if err := ch.DrainBoot(); err != nil {
		t.Fatalf("DrainBoot() = %v", err)
	}
	if _, err := ch.Configure(firehose.StorageUFS); err != nil {
		t.Fatalf("Configure() = %v", err)
	}
	return ch
}

func TestDiscoverFromStorageInfo(t *testing.T) {
	d := &edlsim.Device{LUNs: []edlsim.LUN{
		edlsim.MemoryLUN("LUN0", 4096, 128, nil),
		edlsim.MemoryLUN("LUN1", 4096, 16, nil),
		edlsim.MemoryLUN("LUN2", 4096, 32, nil),
	}}
	topo, err := Discover(configured(t, d))
	if err != nil {
		t.Fatalf("Discover() = %v", err)
	}
	if topo.Source != SourceStorageInfo {
		t.Errorf("Source = %s, want storage info", topo.Source)
	}
	want := []LunGeometry{
		{Index: 0, SectorSize: 4096, SectorCount: 128, Label: "LUN0"},
		{Index: 1, SectorSize: 4096, SectorCount: 16, Label: "LUN1"},
		{Index: 2, SectorSize: 4096, SectorCount: 32, Label: "LUN2"},
	}
	if len(topo.Luns) != len(want) {
		t.Fatalf("Discover() found %d LUNs, want %d", len(topo.Luns), len(want))
	}
	for i := range want {
		if topo.Luns[i] != want[i] {
			t.Errorf("LUN %d = %+v, want %+v", i, topo.Luns[i], want[i])
		}
	}
	if n := len(d.Stats().Reads); n != 0 {
		t.Errorf("primary path issued %d reads", n)
	}
}

func TestDiscoverProbe(t *testing.T) {
	testCases := []struct {
		desc      string
		luns      func(t *testing.T) []edlsim.LUN
		want      []LunGeometry
		wantReads int
	}{
		{
			desc: "LUN 1 has no GPT",
			luns: func(t *testing.T) []edlsim.LUN {
				return []edlsim.LUN{
					gptLun(t, "LUN0", 4096, 64),
					edlsim.MemoryLUN("LUN1", 4096, 64, nil),
					gptLun(t, "LUN2", 4096, 32),
				}
			},
			want: []LunGeometry{
				{Index: 0, SectorSize: 4096, SectorCount: 64 - 5},
				{Index: 1, SectorSize: 4096, SectorCount: 1, Placeholder: true},
				{Index: 2, SectorSize: 4096, SectorCount: 32 - 5},
			},
			// One read per index: 4096 is confirmed by LUN 0.
			wantReads: 10,
		},
		{
			desc: "512 byte sectors",
			luns: func(t *testing.T) []edlsim.LUN {
				return []edlsim.LUN{gptLun(t, "LUN0", 512, 2048)}
			},
			want: []LunGeometry{
				{Index: 0, SectorSize: 512, SectorCount: 2048 - 33},
			},
			// LUN 0 tries 4096 then 512. The other nine indices only try 512.
			wantReads: 11,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			d := &edlsim.Device{DenyStorageInfo: true, LUNs: tc.luns(t)}
			topo, err := Discover(configured(t, d))
			if err != nil {
				t.Fatalf("Discover() = %v", err)
			}
			if topo.Source != SourceProbe {
				t.Errorf("Source = %s, want GPT probe", topo.Source)
			}
			if len(topo.Luns) != len(tc.want) {
				t.Fatalf("Discover() found %d LUNs, want %d: %v", len(topo.Luns), len(tc.want), topo)
			}
			for i := range tc.want {
				if topo.Luns[i] != tc.want[i] {
					t.Errorf("LUN %d = %+v, want %+v", i, topo.Luns[i], tc.want[i])
				}
			}
			reads := d.Stats().Reads
			if len(reads) != tc.wantReads {
				t.Errorf("probe issued %d reads, want %d", len(reads), tc.wantReads)
			}
			for _, r := range reads {
				if r.First != 0 || r.Count != 6 {
					t.Errorf("probe read %+v, want sectors 0..5", r)
				}
			}
		})
	}
}

func TestDiscoverNothingFound(t *testing.T) {
	d := &edlsim.Device{DenyStorageInfo: true, LUNs: []edlsim.LUN{edlsim.MemoryLUN("LUN0", 4096, 64, nil)}}
	_, err := Discover(configured(t, d), WithProbeLimit(3))
	if !edlerr.IsKind(err, edlerr.Denied) {
		t.Fatalf("Discover() = %v, want a denial", err)
	}
	if n := len(d.Stats().Reads); n != 6 {
		t.Errorf("probe issued %d reads, want 6", n)
	}
}

// scripted answers storage info queries from a table; a missing entry is a
// refusal.
type scripted struct {
	infos map[uint32]*firehose.StorageInfo
}

func (s *scripted) Configure(firehose.StorageType) (*firehose.ConfigureResult, error) {
	return &firehose.ConfigureResult{MaxPayload: 1 << 20, RoundTrips: 1}, nil
}

func (s *scripted) StorageInfo(lun uint32) (*firehose.StorageInfo, error) {
	return s.infos[lun], nil
}

func (s *scripted) Read(lun, sectorSize uint32, first, last uint64, w io.Writer, progress firehose.ProgressFunc) error {
	return edlerr.Errorf(edlerr.Denied, "read", "not scripted")
}

func (s *scripted) MaxPayload() int {
	return 1 << 20
}

func (s *scripted) Power(firehose.PowerValue) error {
	return nil
}

func TestDiscoverInconsistentStorageInfo(t *testing.T) {
	p := &scripted{infos: map[uint32]*firehose.StorageInfo{
		0: {TotalBlocks: 100, BlockSize: 4096, NumPhysical: 3},
		2: {TotalBlocks: 100, BlockSize: 4096, NumPhysical: 3},
	}}
	_, err := Discover(p)
	if !edlerr.IsKind(err, edlerr.Integrity) {
		t.Fatalf("Discover() = %v, want an integrity error", err)
	}
}

func TestDiscoverBadGeometry(t *testing.T) {
	p := &scripted{infos: map[uint32]*firehose.StorageInfo{
		0: {TotalBlocks: 100, BlockSize: 0, NumPhysical: 1},
	}}
	if _, err := Discover(p); err == nil {
		t.Fatalf("Discover() accepted a zero block size")
	}
}
