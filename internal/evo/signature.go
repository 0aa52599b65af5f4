package evo

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"nasfront/internal/storage"
)

// Fingerprint identifies a configuration by the sha1 of its canonical YAML
// encoding. 1 and 1.0 encode differently and so get different fingerprints.
func Fingerprint(config map[string]any) (string, error) {
	payload, err := storage.EncodeValue(config)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha1.Sum(payload)
	return hex.EncodeToString(sum[:]), nil
}
