package ids

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SecretBytes is the amount of entropy behind every link secret.
const SecretBytes = 32

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Secret returns an unguessable URL-safe value read from crypto/rand.
func Secret() (string, error) {
	return SecretFrom(rand.Reader)
}

// SecretFrom reads SecretBytes from r and encodes them without padding.
func SecretFrom(r io.Reader) (string, error) {
	var b [SecretBytes]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", fmt.Errorf("ids: read secret entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// MessageID builds an RFC 5322 message identifier rooted at domain.
func MessageID(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	return "<" + New() + "@" + domain + ">"
}
