package helpers

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// ContentHash returns the hex-encoded BLAKE3 hash of the given content.
// Used as the content-addressable key for archived attachments and for the
// image-reuse spam check.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
