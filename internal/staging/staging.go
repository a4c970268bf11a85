// Package staging implements the object-store staging client described in
// spec.md §4.2: a narrow put/get/head/delete/touch capability over a
// temporary object-store location, with ASCII-sanitized keys and
// control-character-stripped metadata.
package staging

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Metadata accompanies a staged object. ExpiresAt/UploadedAt/LastAccessedAt
// drive the store's lifecycle tagging (spec.md §4.2).
type Metadata struct {
	ContentType    string
	Filename       string
	Lifecycle      string
	ExpiresAt      time.Time
	UploadedAt     time.Time
	LastAccessedAt time.Time
	PreEncrypted   bool
}

// LifecycleTemporary marks an object staged between intake and a completed
// chain protocol run.
const LifecycleTemporary = "temporary"

// StagingTTL is how long a pending object survives without being touched.
const StagingTTL = 14 * 24 * time.Hour

// Store is the capability every backend (S3, in-memory) satisfies. It is
// deliberately narrow so tests can substitute Memory for the real S3 client
// (Design Note "Dynamic dispatch over storage backend", SPEC_FULL.md §9).
type Store interface {
	Put(ctx context.Context, key string, data []byte, meta Metadata) error
	Get(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Touch(ctx context.Context, key string) error
}

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SanitizeKey replaces every character outside [a-zA-Z0-9._-] with '_' in
// each '/'-separated segment of key, per spec.md §4.2; the '/' separators
// themselves are kept.
func SanitizeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = keySanitizer.ReplaceAllString(p, "_")
	}
	return strings.Join(parts, "/")
}

var controlOrNonASCII = regexp.MustCompile(`[^\x20-\x7E]`)

// SanitizeMetadataValue strips control and non-ASCII characters from a
// metadata header value, per spec.md §4.2.
func SanitizeMetadataValue(v string) string {
	return controlOrNonASCII.ReplaceAllString(v, "")
}

// PendingKey builds the key for an object staged before its real blobId is
// known: {user}/pending/{tempId}/{filename}.
func PendingKey(user, tempID, filename string) string {
	return SanitizeKey(user) + "/pending/" + SanitizeKey(tempID) + "/" + SanitizeKey(filename)
}

// FinalKey builds the key for an object whose blobId is known:
// {user}/{blobId}/{filename}.
func FinalKey(user, blobID, filename string) string {
	return SanitizeKey(user) + "/" + SanitizeKey(blobID) + "/" + SanitizeKey(filename)
}
