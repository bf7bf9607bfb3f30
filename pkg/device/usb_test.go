package device

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// scriptedBulk returns one queued transfer per call, then waits for the deadline.
type scriptedBulk struct {
	transfers [][]byte
	calls     int
}

func (s *scriptedBulk) ReadContext(ctx context.Context, buf []byte) (int, error) {
	s.calls++
	if len(s.transfers) == 0 {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	n := copy(buf, s.transfers[0])
	s.transfers = s.transfers[1:]
	return n, nil
}

func TestUSBReadSkipsZeroLengthPackets(t *testing.T) {
	bulk := &scriptedBulk{transfers: [][]byte{
		[]byte("full"),
		{},
		{},
		[]byte("next"),
	}}
	u := &USBDevice{in: bulk, rbuf: make([]byte, 4), timeout: time.Second}

	var got []byte
	buf := make([]byte, 3)
	for len(got) < 8 {
		n, err := u.Read(buf)
		if err != nil {
			t.Fatalf("Read() after %q = %v", got, err)
		}
		if n == 0 {
			t.Fatalf("Read() returned no bytes after %q", got)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, []byte("fullnext")) {
		t.Errorf("Read() assembled %q, want %q", got, "fullnext")
	}
	if bulk.calls != 4 {
		t.Errorf("%d bulk transfers, want 4", bulk.calls)
	}
}

func TestUSBReadTimeout(t *testing.T) {
	u := &USBDevice{in: &scriptedBulk{transfers: [][]byte{{}}}, rbuf: make([]byte, 4), timeout: 20 * time.Millisecond}
	if _, err := u.Read(make([]byte, 4)); !errors.Is(err, ErrTimeout) {
		t.Errorf("Read() = %v, want ErrTimeout", err)
	}
}
