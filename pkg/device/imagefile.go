package device

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

type writeableBackingStore interface {
	io.ReadWriteCloser
	io.ReadWriteSeeker
}

// ImageFile is a raw LUN image on disk. The simulator serves reads from it.
type ImageFile struct {
	backingStore writeableBackingStore
	fileName     string
	fileSize     int64
}

// NewImageFile creates an ImageFile for an existing file. Call Open before use.
func NewImageFile(filePath string) *ImageFile {
	return &ImageFile{
		fileName: filePath,
	}
}

// CreateImageFile creates (or truncates) a file of the given size and opens it.
func CreateImageFile(filePath string, size int64) (*ImageFile, error) {
	f, err := os.Create(filePath)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return &ImageFile{backingStore: f, fileName: filePath, fileSize: size}, nil
}

func (img *ImageFile) Name() string {
	return fmt.Sprintf("LUN image file %q", img.fileName)
}

func (img *ImageFile) Open() error {
	if img.backingStore != nil {
		return errors.Errorf("file %q is already open", img.fileName)
	}

	f, err := os.OpenFile(img.fileName, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	img.backingStore = f

	fileStat, err := f.Stat()
	if err != nil {
		return err
	}
	img.fileSize = fileStat.Size()
	return nil
}

func (img *ImageFile) Close() error {
	if img.backingStore == nil {
		return errors.New("already closed")
	}
	if err := img.backingStore.Close(); err != nil {
		return err
	}
	img.backingStore = nil
	img.fileSize = 0
	return nil
}

func (img *ImageFile) ReadRegion(baseAddr, size int64) ([]byte, error) {
	if img.backingStore == nil {
		return nil, errors.New("need to open first")
	}

	if baseAddr < 0 || baseAddr+size > img.fileSize {
		return nil, errors.Errorf("region [0x%x, 0x%x] out of bounds (max addr %x)", baseAddr, baseAddr+size-1, img.fileSize)
	}

	if _, err := img.backingStore.Seek(baseAddr, io.SeekStart); err != nil {
		return nil, errors.Wrapf(err, "cannot seek to 0x%x", baseAddr)
	}

	buf := make([]byte, size)
	n, err := io.ReadFull(img.backingStore, buf)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read %d bytes, got %d", size, n)
	}
	return buf, nil
}

func (img *ImageFile) WriteRegion(baseAddr int64, block []byte) error {
	if img.backingStore == nil {
		return errors.New("need to open first")
	}

	bytesToWrite := int64(len(block))
	if baseAddr < 0 || baseAddr+bytesToWrite > img.fileSize {
		return errors.Errorf("region [0x%x, 0x%x] out of bounds (max addr %x)", baseAddr, baseAddr+bytesToWrite-1, img.fileSize)
	}

	if _, err := img.backingStore.Seek(baseAddr, io.SeekStart); err != nil {
		return errors.Wrapf(err, "cannot seek to 0x%x", baseAddr)
	}

	n, err := img.backingStore.Write(block)
	if err != nil {
		return errors.Wrapf(err, "cannot write %d bytes", len(block))
	}
	if int64(n) < bytesToWrite {
		return errors.Errorf("wrote %d bytes, want %d", n, bytesToWrite)
	}

	return nil
}

func (img *ImageFile) Size() int64 {
	return img.fileSize
}

// ReadAt implements io.ReaderAt. Reads past the end are short and return io.EOF.
func (img *ImageFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= img.fileSize {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > img.fileSize {
		want = img.fileSize - off
	}
	buf, err := img.ReadRegion(off, want)
	if err != nil {
		return 0, err
	}
	n := copy(p, buf)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
