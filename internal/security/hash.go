package security

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var ErrEmptyHashKey = errors.New("subject hash key is required")

// SubjectHasher derives storage keys from usernames with a keyed BLAKE2b-256.
// Without the key the mapping cannot be recomputed, even by enumerating
// likely usernames.
type SubjectHasher struct {
	key []byte
}

func NewSubjectHasher(key string) (*SubjectHasher, error) {
	if key == "" {
		return nil, ErrEmptyHashKey
	}
	k := []byte(key)
	if len(k) > blake2b.Size {
		sum := blake2b.Sum512(k)
		k = sum[:]
	}
	if _, err := blake2b.New256(k); err != nil {
		return nil, fmt.Errorf("subject hash key: %w", err)
	}
	return &SubjectHasher{key: k}, nil
}

func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Subject returns the hex key used for every per-user record.
func (h *SubjectHasher) Subject(username string) string {
	return h.sum("subject", NormalizeUsername(username))
}

// Fingerprint binds a username to a secret without revealing either. It is
// used to group concurrent logins that present identical credentials.
func (h *SubjectHasher) Fingerprint(username, secret string) string {
	return h.sum("fingerprint", NormalizeUsername(username), secret)
}

func (h *SubjectHasher) sum(domain string, parts ...string) string {
	// h.key was accepted by blake2b.New256 in NewSubjectHasher.
	mac, _ := blake2b.New256(h.key)
	var lenBuf [8]byte
	for _, p := range append([]string{domain}, parts...) {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(p)))
		_, _ = mac.Write(lenBuf[:])
		_, _ = mac.Write([]byte(p))
	}
	return hex.EncodeToString(mac.Sum(nil))
}
