// Package secrets contains the pure parts of secrets handling: dotenv
// parsing and serialization, and content hashing used to skip redundant
// decryption during deploys.
package secrets

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// ParseDotenv parses dotenv content into a map. Blank lines and
// #-comments are skipped; keys and values are trimmed.
func ParseDotenv(content string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}

// SerializeDotenv renders a map as dotenv content with keys sorted, so
// the same secrets always serialize to the same bytes.
func SerializeDotenv(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(env[k])
		b.WriteByte('\n')
	}
	return b.String()
}

// HashContent returns the sha256 hex digest of an encrypted secrets blob.
// The digest is recorded in the lock; a matching digest on the next
// deploy means the shared .env on the host is already current.
func HashContent(ciphertext []byte) string {
	sum := sha256.Sum256(ciphertext)
	return hex.EncodeToString(sum[:])
}
