package imagewriter

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
)

// ManifestName is the file a Manifest is saved as, next to the images.
const ManifestName = "manifest.json"

// Entry describes one dumped image.
type Entry struct {
	File       string  `json:"file"`
	Lun        uint32  `json:"lun"`
	Partition  string  `json:"partition,omitempty"`
	FirstLBA   *uint64 `json:"first_lba,omitempty"`
	SectorSize uint32  `json:"sector_size"`
	Bytes      int64   `json:"bytes"`
	SHA256     string  `json:"sha256"`
	CID        string  `json:"cid"`
}

// Manifest lists the images written by one dump.
type Manifest struct {
	Created time.Time `json:"created"`
	Device  string    `json:"device"`
	Storage string    `json:"storage"`
	Images  []Entry   `json:"images"`
}

// ContentID is the CIDv1 (raw codec, sha2-256) of content with the given
// sha256 digest.
func ContentID(sha256Digest []byte) (cid.Cid, error) {
	mh, err := multihash.Encode(sha256Digest, multihash.SHA2_256)
	if err != nil {
		return cid.Undef, errors.Wrap(err, "imagewriter: bad digest")
	}
	return cid.NewCidV1(cid.Raw, multihash.Multihash(mh)), nil
}

// Add records a finished copy.
func (m *Manifest) Add(e Entry, res *Result) error {
	id, err := ContentID(res.SHA256)
	if err != nil {
		return err
	}
	e.Bytes = res.Bytes
	e.SHA256 = hex.EncodeToString(res.SHA256)
	e.CID = id.String()
	m.Images = append(m.Images, e)
	return nil
}

// Save writes the manifest into dir.
func (m *Manifest) Save(dir string) error {
	blob, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, ManifestName)
	if err := os.WriteFile(path, append(blob, '\n'), 0o644); err != nil {
		return errors.Wrapf(err, "cannot write %s", path)
	}
	return nil
}

// LoadManifest reads a manifest saved by Save.
func LoadManifest(dir string) (*Manifest, error) {
	blob, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, errors.Wrapf(err, "malformed %s", ManifestName)
	}
	return &m, nil
}
