package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint identifies a request for caching: a SHA-256 over the kind,
// the normalized input and the sorted config pairs. Inputs that differ only
// in case or whitespace share a fingerprint.
func Fingerprint(kind, input string, config map[string]string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(input)))

	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(config[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize trims, lower-cases and collapses runs of whitespace.
func Normalize(input string) string {
	return strings.Join(strings.Fields(strings.ToLower(input)), " ")
}
