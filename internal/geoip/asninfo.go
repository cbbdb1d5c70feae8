package geoip

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// ASNMeta is one operator entry from the ASN directory file.
type ASNMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ASNDirectory maps ASN numbers to localized operator metadata. An empty
// directory is valid; enrichment is best-effort.
type ASNDirectory map[uint]ASNMeta

// Category reported for operators the directory lists without a type.
const defaultNetworkType = "其他网络"

// LoadASNDirectory reads the asn_info.json sidecar next to the databases.
// A missing file yields an empty directory; a malformed one is an error.
func LoadASNDirectory(path string) (ASNDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ASNDirectory{}, nil
		}
		return nil, err
	}

	// Pointer fields distinguish an absent key from an empty string: an
	// entry without name or type is skipped, an empty type is kept and
	// later reported as the default category.
	var raw struct {
		ASNInfo map[string]struct {
			Name *string `json:"name"`
			Type *string `json:"type"`
		} `json:"asn_info"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse ASN directory: %w", err)
	}

	dir := make(ASNDirectory, len(raw.ASNInfo))
	for key, entry := range raw.ASNInfo {
		number, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			continue
		}
		if entry.Name == nil || entry.Type == nil {
			continue
		}
		dir[uint(number)] = ASNMeta{Name: *entry.Name, Type: *entry.Type}
	}
	return dir, nil
}
