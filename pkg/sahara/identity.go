package sahara

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// knownIssuers maps a root key hash (hex, upper case) to who signs with it.
var knownIssuers = map[string]string{
	"CC3153A80293939B90D02D3BF8B23E0292E452FEF662C74998421ADAD42A380F": "Qualcomm (test key)",
}

// IssuerName returns a friendly name for a root key hash, or "Unknown".
func IssuerName(rkh []byte) string {
	if name, ok := knownIssuers[strings.ToUpper(hex.EncodeToString(rkh))]; ok {
		return name
	}
	return "Unknown"
}

// HWID is the 64-bit hardware identifier of the SoC.
type HWID uint64

func ParseHWID(b []byte) (HWID, error) {
	if len(b) < 8 {
		return 0, errors.Errorf("hwid is %d bytes, want 8", len(b))
	}
	return HWID(binary.LittleEndian.Uint64(b)), nil
}

// MsmID identifies the chip family.
func (h HWID) MsmID() uint32 {
	return uint32(h>>32) & 0xFFFFFF
}

func (h HWID) OemID() uint16 {
	return uint16(h >> 16)
}

func (h HWID) ModelID() uint16 {
	return uint16(h)
}

func (h HWID) String() string {
	return fmt.Sprintf("%016X (MSM 0x%06X, OEM 0x%04X, model 0x%04X)", uint64(h), h.MsmID(), h.OemID(), h.ModelID())
}

// Identity is what the boot ROM reveals about the device. It is read once
// per session and only used for diagnostics.
type Identity struct {
	RKHs   [][]byte
	Serial []byte
	HWID   HWID
}

// splitRKHs cuts the OEM PK hash blob into individual hashes. Older ROMs
// return SHA-256 digests, newer ones SHA-384.
func splitRKHs(blob []byte) [][]byte {
	size := 32
	if len(blob)%32 != 0 && len(blob)%48 == 0 {
		size = 48
	}
	var out [][]byte
	for off := 0; off+size <= len(blob); off += size {
		out = append(out, blob[off:off+size])
	}
	return out
}

func (id Identity) String() string {
	var sb strings.Builder
	for i, rkh := range id.RKHs {
		fmt.Fprintf(&sb, "RKH[%d]: %X (%s)\n", i, rkh, IssuerName(rkh))
	}
	fmt.Fprintf(&sb, "Serial Number: %X\n", id.Serial)
	fmt.Fprintf(&sb, "HWID: %s", id.HWID)
	return sb.String()
}
