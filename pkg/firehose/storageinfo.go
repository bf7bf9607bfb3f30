package firehose

import (
	"encoding/json"
	"strconv"
	"strings"
)

// storageInfoPrefix marks the one log line whose text is data: the
// programmer answers getstorageinfo with JSON inside a <log>.
const storageInfoPrefix = `INFO: {"storage_info": `

// StorageInfo is the getstorageinfo payload. Fields the programmer leaves
// out or sends with an unexpected type stay zero.
type StorageInfo struct {
	TotalBlocks    int64
	BlockSize      int64
	PageSize       int64
	NumPhysical    int
	ManufacturerID int64
	SerialNum      int64
	FwVersion      string
	MemType        string
	ProdName       string
}

// ParseStorageInfoLog extracts a StorageInfo from a device log line. It
// reports false for any other line and for payloads it cannot decode.
func ParseStorageInfoLog(line string) (*StorageInfo, bool) {
	if !strings.HasPrefix(line, storageInfoPrefix) {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(line[len("INFO: "):]))
	dec.UseNumber()
	var root struct {
		Info map[string]interface{} `json:"storage_info"`
	}
	if err := dec.Decode(&root); err != nil || root.Info == nil {
		return nil, false
	}
	m := root.Info
	return &StorageInfo{
		TotalBlocks:    jsonInt(m["total_blocks"]),
		BlockSize:      jsonInt(m["block_size"]),
		PageSize:       jsonInt(m["page_size"]),
		NumPhysical:    int(jsonInt(m["num_physical"])),
		ManufacturerID: jsonInt(m["manufacturer_id"]),
		SerialNum:      jsonInt(m["serial_num"]),
		FwVersion:      jsonString(m["fw_version"]),
		MemType:        jsonString(m["mem_type"]),
		ProdName:       jsonString(m["prod_name"]),
	}, true
}

func jsonInt(v interface{}) int64 {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return int64(f)
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(x), 0, 64); err == nil {
			return n
		}
	}
	return 0
}

func jsonString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	}
	return ""
}
