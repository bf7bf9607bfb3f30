package gpt

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	testDisk  = uuid.MustParse("11111111-2222-3333-4444-555555555555")
	basicData = uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")
)

func testPartitions() []Partition {
	return []Partition{
		{
			Name:     "xbl_a",
			TypeGUID: basicData,
			UID:      uuid.MustParse("DEA0BA2C-CBDD-4805-B4F9-F428251C3E98"),
			FirstLBA: 40,
			LastLBA:  47,
		},
		{
			Name:       "boot_a",
			TypeGUID:   basicData,
			UID:        uuid.MustParse("20117F86-E985-4357-B9EE-374BC1D8487D"),
			FirstLBA:   48,
			LastLBA:    99,
			Attributes: 1 << 60,
		},
	}
}

func TestEncodeRead(t *testing.T) {
	testCases := []struct {
		descr      string
		sectorSize uint32
		total      uint64
	}{
		{
			descr:      "UFS style 4K sectors",
			sectorSize: 4096,
			total:      256,
		},
		{
			descr:      "eMMC style 512 byte sectors",
			sectorSize: 512,
			total:      2048,
		},
	}

	for _, tc := range testCases {
		raw, err := Encode(tc.sectorSize, tc.total, testDisk, testPartitions())
		if err != nil {
			t.Fatalf("Test %q: Encode() = %v", tc.descr, err)
		}
		table, err := Read(bytes.NewReader(raw), tc.sectorSize)
		if err != nil {
			t.Fatalf("Test %q: Read() = %v", tc.descr, err)
		}
		if table.Header.DiskGUID != testDisk {
			t.Errorf("Test %q: disk GUID %s, want %s", tc.descr, table.Header.DiskGUID, testDisk)
		}
		if table.Header.LastUsableLBA >= tc.total {
			t.Errorf("Test %q: last usable LBA %d beyond disk of %d sectors", tc.descr, table.Header.LastUsableLBA, tc.total)
		}
		if len(table.Partitions) != 2 {
			t.Fatalf("Test %q: got %d partitions, want 2", tc.descr, len(table.Partitions))
		}
		for i, want := range testPartitions() {
			if got := table.Partitions[i]; got != want {
				t.Errorf("Test %q: partition %d = %+v, want %+v", tc.descr, i, got, want)
			}
		}
	}
}

func TestLookup(t *testing.T) {
	raw, err := Encode(4096, 256, testDisk, testPartitions())
	if err != nil {
		t.Fatalf("Encode() = %v", err)
	}
	table, err := Read(bytes.NewReader(raw), 4096)
	if err != nil {
		t.Fatalf("Read() = %v", err)
	}

	if p, ok := table.ByName("BOOT_A"); !ok || p.FirstLBA != 48 {
		t.Errorf("ByName(BOOT_A) = %+v, %t", p, ok)
	}
	if p, ok := table.ByUID(uuid.MustParse("dea0ba2c-cbdd-4805-b4f9-f428251c3e98")); !ok || p.Name != "xbl_a" {
		t.Errorf("ByUID() = %+v, %t", p, ok)
	}
	if _, ok := table.ByName("modem"); ok {
		t.Errorf("ByName(modem) found a partition")
	}
}

func TestReadHeaderRejects(t *testing.T) {
	raw, err := Encode(4096, 256, testDisk, testPartitions())
	if err != nil {
		t.Fatalf("Encode() = %v", err)
	}

	// The header is at LBA 1 of a 4K disk; reading as 512 finds nothing there.
	if _, err := ReadHeader(bytes.NewReader(raw), 512); !errors.Is(err, ErrNoGPT) {
		t.Errorf("ReadHeader(512) = %v, want ErrNoGPT", err)
	}

	corrupt := append([]byte(nil), raw...)
	corrupt[4096+48] ^= 0xFF
	if _, err := ReadHeader(bytes.NewReader(corrupt), 4096); !errors.Is(err, ErrNoGPT) {
		t.Errorf("ReadHeader(corrupt) = %v, want ErrNoGPT", err)
	}
}
