package sectorstream

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
)

type call struct{ first, last uint64 }

// memReader serves sectors from memory and records every request.
type memReader struct {
	ss    uint32
	data  []byte
	calls []call
}

func (m *memReader) SectorSize() uint32 {
	return m.ss
}

func (m *memReader) ReadSectors(first, last uint64) ([]byte, error) {
	m.calls = append(m.calls, call{first, last})
	start, end := first*uint64(m.ss), (last+1)*uint64(m.ss)
	if end > uint64(len(m.data)) {
		return nil, errors.Errorf("sectors [%d, %d] beyond the disk", first, last)
	}
	return append([]byte(nil), m.data[start:end]...), nil
}

func patterned(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i/251)
	}
	return b
}

func TestAlignedRangeIsMinimal(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, ss := range []uint32{512, 4096} {
		for i := 0; i < 5000; i++ {
			pos := rng.Int63n(1 << 24)
			n := rng.Int63n(3*int64(ss)) + 1
			first, last := AlignedRange(pos, n, ss)
			s := int64(ss)
			if int64(first)*s > pos {
				t.Fatalf("AlignedRange(%d, %d, %d) starts at sector %d, after the request", pos, n, ss, first)
			}
			if int64(last+1)*s < pos+n {
				t.Fatalf("AlignedRange(%d, %d, %d) ends at sector %d, before the request", pos, n, ss, last)
			}
			if int64(first+1)*s <= pos {
				t.Fatalf("AlignedRange(%d, %d, %d) = [%d, %d], first sector is not needed", pos, n, ss, first, last)
			}
			if int64(last)*s >= pos+n {
				t.Fatalf("AlignedRange(%d, %d, %d) = [%d, %d], last sector is not needed", pos, n, ss, first, last)
			}
		}
	}
}

func TestAlignedRangeExamples(t *testing.T) {
	for _, tc := range []struct {
		pos, n      int64
		first, last uint64
	}{
		{0, 512, 0, 0},
		{0, 513, 0, 1},
		{511, 2, 0, 1},
		{512, 512, 1, 1},
		{1000, 24, 1, 1},
		{1023, 1, 1, 1},
	} {
		first, last := AlignedRange(tc.pos, tc.n, 512)
		if first != tc.first || last != tc.last {
			t.Errorf("AlignedRange(%d, %d, 512) = [%d, %d], want [%d, %d]", tc.pos, tc.n, first, last, tc.first, tc.last)
		}
	}
}

func TestWindowReadsUnaligned(t *testing.T) {
	disk := patterned(64 * 512)
	m := &memReader{ss: 512, data: disk}
	s, err := NewWindow(m, 10, 19)
	if err != nil {
		t.Fatalf("NewWindow() = %v", err)
	}
	if s.Length() != 10*512 {
		t.Fatalf("Length() = %d, want %d", s.Length(), 10*512)
	}
	if _, err := s.Seek(700, io.SeekStart); err != nil {
		t.Fatalf("Seek() = %v", err)
	}
	buf := make([]byte, 1000)
	n, err := s.Read(buf)
	if err != nil || n != 1000 {
		t.Fatalf("Read() = %d, %v", n, err)
	}
	if want := disk[10*512+700 : 10*512+1700]; !bytes.Equal(buf, want) {
		t.Errorf("Read() returned the wrong bytes")
	}
	if len(m.calls) != 1 || m.calls[0] != (call{11, 13}) {
		t.Errorf("device reads = %v, want one read of [11, 13]", m.calls)
	}
	if s.Position() != 1700 {
		t.Errorf("Position() = %d, want 1700", s.Position())
	}
}

func TestEndOfStream(t *testing.T) {
	m := &memReader{ss: 512, data: patterned(4 * 512)}
	s, err := NewLun(m, 4)
	if err != nil {
		t.Fatalf("NewLun() = %v", err)
	}

	// Across the end: truncated, no error.
	s.Seek(-100, io.SeekEnd)
	buf := make([]byte, 300)
	n, err := s.Read(buf)
	if err != nil || n != 100 {
		t.Fatalf("Read() across the end = %d, %v; want 100, nil", n, err)
	}

	// At the end: the requested size, nothing touched, no device read.
	calls := len(m.calls)
	sentinel := bytes.Repeat([]byte{0xEE}, 64)
	buf = append([]byte(nil), sentinel...)
	n, err = s.Read(buf)
	if err != nil || n != len(buf) {
		t.Fatalf("Read() at the end = %d, %v; want %d, nil", n, err, len(buf))
	}
	if !bytes.Equal(buf, sentinel) {
		t.Errorf("Read() at the end modified the buffer")
	}
	if len(m.calls) != calls {
		t.Errorf("Read() at the end issued a device read")
	}
	if s.Position() != s.Length() {
		t.Errorf("Position() = %d, want %d", s.Position(), s.Length())
	}

	// Past the end, through ReadAt: io.EOF.
	if n, err := s.ReadAt(buf, s.Length()+10); n != 0 || err != io.EOF {
		t.Errorf("ReadAt() past the end = %d, %v; want 0, EOF", n, err)
	}
	if n, err := s.ReadAt(buf, s.Length()-10); n != 10 || err != io.EOF {
		t.Errorf("ReadAt() across the end = %d, %v; want 10, EOF", n, err)
	}
}

func TestRandomReadsMatchDisk(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, ss := range []uint32{512, 4096} {
		disk := patterned(int(32 * ss))
		m := &memReader{ss: ss, data: disk}
		s, err := NewWindow(m, 3, 28)
		if err != nil {
			t.Fatalf("NewWindow() = %v", err)
		}
		base := 3 * int64(ss)
		for i := 0; i < 300; i++ {
			off := rng.Int63n(s.Length())
			n := rng.Int63n(s.Length()-off) + 1
			buf := make([]byte, n)
			got, err := s.ReadAt(buf, off)
			if err != nil || int64(got) != n {
				t.Fatalf("ReadAt(%d, %d) = %d, %v", off, n, got, err)
			}
			if !bytes.Equal(buf, disk[base+off:base+off+n]) {
				t.Fatalf("ReadAt(%d, %d) differs from the disk", off, n)
			}
		}
	}
}

func TestSeek(t *testing.T) {
	s, err := NewLun(&memReader{ss: 512, data: make([]byte, 2048)}, 4)
	if err != nil {
		t.Fatalf("NewLun() = %v", err)
	}
	for _, tc := range []struct {
		off     int64
		whence  int
		want    int64
		wantErr bool
	}{
		{100, io.SeekStart, 100, false},
		{50, io.SeekCurrent, 150, false},
		{-48, io.SeekEnd, 2000, false},
		{4096, io.SeekStart, 4096, false},
		{-1, io.SeekStart, 0, true},
		{0, 42, 0, true},
	} {
		got, err := s.Seek(tc.off, tc.whence)
		if (err != nil) != tc.wantErr {
			t.Fatalf("Seek(%d, %d) error = %v, want error %t", tc.off, tc.whence, err, tc.wantErr)
		}
		if err == nil && got != tc.want {
			t.Errorf("Seek(%d, %d) = %d, want %d", tc.off, tc.whence, got, tc.want)
		}
	}
}

func TestBadWindows(t *testing.T) {
	m := &memReader{ss: 512}
	if _, err := NewWindow(m, 5, 4); err == nil {
		t.Errorf("NewWindow(5, 4) succeeded")
	}
	if _, err := NewLun(m, 0); err == nil {
		t.Errorf("NewLun(0) succeeded")
	}
	if _, err := NewLun(&memReader{}, 1); err == nil {
		t.Errorf("NewLun() with zero sector size succeeded")
	}
}

func TestDeviceErrorsPropagate(t *testing.T) {
	s, err := NewLun(&memReader{ss: 512, data: make([]byte, 512)}, 4)
	if err != nil {
		t.Fatalf("NewLun() = %v", err)
	}
	if _, err := s.ReadAt(make([]byte, 10), 1024); err == nil || err == io.EOF {
		t.Errorf("ReadAt() = %v, want the device error", err)
	}
}
