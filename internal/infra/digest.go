package infra

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gowebpki/jcs"
)

// DigestJSON считает sha256 от канонической (RFC 8785) формы JSON.
// Одинаковые по смыслу документы с разным порядком ключей дают один digest.
func DigestJSON(input []byte) (string, error) {
	canonical, err := jcs.Transform(input)
	if err != nil {
		return "", fmt.Errorf("canonicalize json: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
