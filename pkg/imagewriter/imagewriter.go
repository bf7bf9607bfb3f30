// Package imagewriter stores dumped storage as raw, sparse image files.
package imagewriter

import (
	"bytes"
	"crypto/sha256"
	"hash"
	"io"

	"github.com/msmtools/qcedl/pkg/edlerr"
	"github.com/pkg/errors"
)

// Destination is where an image is written: usually a new *os.File.
type Destination interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
}

// Result describes a finished image.
type Result struct {
	Bytes int64
	// Holes is how many bytes were skipped instead of written.
	Holes  int64
	SHA256 []byte
}

// SparseWriter writes a stream into a fresh Destination, seeking over
// zero-filled runs instead of writing them. Runs are checked in pieces of
// one sector. Close truncates the file to the full length.
type SparseWriter struct {
	dst    Destination
	piece  int
	sparse bool
	zeros  []byte
	h      hash.Hash
	res    Result
}

func NewSparseWriter(dst Destination, sectorSize uint32) (*SparseWriter, error) {
	if sectorSize == 0 {
		return nil, errors.New("imagewriter: zero sector size")
	}
	return &SparseWriter{
		dst:    dst,
		piece:  int(sectorSize),
		sparse: true,
		zeros:  make([]byte, sectorSize),
		h:      sha256.New(),
	}, nil
}

func (w *SparseWriter) isHole(b []byte) bool {
	return w.sparse && bytes.Equal(b, w.zeros[:len(b)])
}

func (w *SparseWriter) Write(p []byte) (int, error) {
	w.h.Write(p)
	for off := 0; off < len(p); {
		end := off + w.piece
		if end > len(p) {
			end = len(p)
		}
		if w.isHole(p[off:end]) {
			if _, err := w.dst.Seek(int64(end-off), io.SeekCurrent); err != nil {
				return off, edlerr.New(edlerr.Integrity, "write image", err)
			}
			w.res.Holes += int64(end - off)
			w.res.Bytes += int64(end - off)
			off = end
			continue
		}
		// Extend the data run up to the next hole.
		for end < len(p) {
			next := end + w.piece
			if next > len(p) {
				next = len(p)
			}
			if w.isHole(p[end:next]) {
				break
			}
			end = next
		}
		if _, err := w.dst.Write(p[off:end]); err != nil {
			return off, edlerr.New(edlerr.Integrity, "write image", err)
		}
		w.res.Bytes += int64(end - off)
		off = end
	}
	return len(p), nil
}

// Close sets the file length to the number of bytes written. It does not
// close the Destination.
func (w *SparseWriter) Close() error {
	if err := w.dst.Truncate(w.res.Bytes); err != nil {
		return edlerr.New(edlerr.Integrity, "write image", err)
	}
	return nil
}

// Result is what was written so far.
func (w *SparseWriter) Result() *Result {
	res := w.res
	res.SHA256 = w.h.Sum(nil)
	return &res
}

// ProgressFunc observes a copy after every chunk.
type ProgressFunc func(done, total int64)

type options struct {
	chunkSize int
	sparse    bool
	progress  ProgressFunc
}

type Option func(*options)

// WithChunkSize sets how many bytes are read from the source at a time.
// It is rounded down to a whole number of sectors.
func WithChunkSize(n int) Option {
	return func(o *options) {
		o.chunkSize = n
	}
}

// WithSparse turns hole punching on or off. It is on by default.
func WithSparse(sparse bool) Option {
	return func(o *options) {
		o.sparse = sparse
	}
}

func WithProgress(fn ProgressFunc) Option {
	return func(o *options) {
		o.progress = fn
	}
}

// Copy copies exactly capacity bytes from src into dst through a
// SparseWriter.
func Copy(dst Destination, src io.Reader, capacity int64, sectorSize uint32, opts ...Option) (*Result, error) {
	w, err := NewSparseWriter(dst, sectorSize)
	if err != nil {
		return nil, err
	}
	o := options{chunkSize: 256 * int(sectorSize), sparse: true}
	for _, opt := range opts {
		opt(&o)
	}
	w.sparse = o.sparse
	ss := int(sectorSize)
	chunk := o.chunkSize / ss * ss
	if chunk == 0 {
		chunk = ss
	}

	buf := make([]byte, chunk)
	for done := int64(0); done < capacity; {
		n := int64(chunk)
		if rem := capacity - done; n > rem {
			n = rem
		}
		if _, err := io.ReadFull(src, buf[:n]); err != nil {
			return w.Result(), errors.Wrapf(err, "imagewriter: reading at %d", done)
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return w.Result(), err
		}
		done += n
		if o.progress != nil {
			o.progress(done, capacity)
		}
	}
	if err := w.Close(); err != nil {
		return w.Result(), err
	}
	return w.Result(), nil
}
