package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes. The version suffix leaves room for algorithm changes.
const (
	DomainTrace         = "protocore/trace/v1"
	DomainAttachmentDir = "protocore/attachment-dir/v1"
)

// HashWithDomain returns hex(SHA-256(domain || 0x00 || data)). The zero byte
// keeps the domain and data boundary unambiguous.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest hashes the canonical JSON of v under domain.
func Digest(domain string, v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	return HashWithDomain(domain, canonical), nil
}

// AttachmentDirName is the on-disk directory name of a message's
// attachments.
func AttachmentDirName(messageID []byte) string {
	return HashWithDomain(DomainAttachmentDir, messageID)
}
