package helpers

import "fmt"

// NewS3Key constructs an S3 key for an archived attachment.
func NewS3Key(prefix, hash string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, hash[:2], hash)
}
