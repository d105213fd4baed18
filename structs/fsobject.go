package structs

import "fmt"

// DigestLen is the length of a content digest: 40 hex characters of
// SHA-1.
const DigestLen = 40

// FSObject is one stored blob, keyed by the digest of its content.
// Uniqueness of the digest is enforced at insert time by the backing
// store.
type FSObject struct {
	Digest      string
	Description string

	// LOID is the backing store's large-object reference.
	LOID uint32
}

// ValidateDigest checks that s looks like a content digest.
func ValidateDigest(s string) error {
	if len(s) != DigestLen {
		return fmt.Errorf("digest %q: want %d characters, got %d", s, DigestLen, len(s))
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("digest %q: not lowercase hex", s)
		}
	}
	return nil
}
