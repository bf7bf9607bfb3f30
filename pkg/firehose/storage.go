package firehose

import (
	"strings"

	"github.com/pkg/errors"
)

// StorageType is the medium behind the programmer. It is fixed for the
// lifetime of a channel once Configure succeeds.
type StorageType int

const (
	StorageUnknown StorageType = iota
	StorageUFS
	StorageSPINOR
	StorageEMMC
	StorageNAND
	StorageSDCC
)

var storageNames = map[StorageType]string{
	StorageUFS:    "ufs",
	StorageSPINOR: "spinor",
	StorageEMMC:   "emmc",
	StorageNAND:   "nand",
	StorageSDCC:   "sdcc",
}

// MemoryName is the value of the configure MemoryName attribute.
func (s StorageType) MemoryName() string {
	if n, ok := storageNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s StorageType) String() string {
	return strings.ToUpper(s.MemoryName())
}

// ParseStorageType accepts names like "UFS", "spinor" or "sd".
func ParseStorageType(name string) (StorageType, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "sd" {
		return StorageSDCC, nil
	}
	for t, tn := range storageNames {
		if tn == n {
			return t, nil
		}
	}
	return StorageUnknown, errors.Errorf("unknown storage type %q", name)
}

// PowerValue is the action of a power command.
type PowerValue string

const (
	PowerReset         PowerValue = "reset"
	PowerOff           PowerValue = "off"
	PowerResetToEDL    PowerValue = "reset_to_edl"
	PowerWarmReset     PowerValue = "warm_reset"
	PowerShutdownAfter PowerValue = "shutdown_after_reset"
)

func ParsePowerValue(s string) (PowerValue, error) {
	switch v := PowerValue(strings.ToLower(strings.TrimSpace(s))); v {
	case PowerReset, PowerOff, PowerResetToEDL, PowerWarmReset, PowerShutdownAfter:
		return v, nil
	}
	return "", errors.Errorf("unknown power value %q", s)
}
