package experiment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// canonicalHash computes the content-addressable digest of a compiled
// config: SHA-256 over the stable JSON serialization of the canonical form
// with the hash field cleared. encoding/json emits struct fields in
// declaration order and map keys sorted, so the serialization is stable.
func canonicalHash(cfg *Config) (string, error) {
	shadow := *cfg
	shadow.Hash = ""
	data, err := json.Marshal(&shadow)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalDocument serializes the compiled config back to its canonical
// JSON document form. Compiling the result yields an identical config
// (compilation is idempotent on canonical documents).
func (c *Config) CanonicalDocument() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
