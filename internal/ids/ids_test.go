package ids

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("unexpected ulid length: %q %q", a, b)
	}
	if a >= b {
		t.Fatalf("expected monotonic ids, got %s then %s", a, b)
	}
}

func TestSecretUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		s, err := Secret()
		if err != nil {
			t.Fatalf("Secret: %v", err)
		}
		if strings.ContainsAny(s, "+/=") {
			t.Fatalf("secret is not url-safe: %q", s)
		}
		if _, dup := seen[s]; dup {
			t.Fatalf("duplicate secret %q", s)
		}
		seen[s] = struct{}{}
	}
}

func TestSecretFromShortReader(t *testing.T) {
	if _, err := SecretFrom(bytes.NewReader([]byte("short"))); err == nil {
		t.Fatal("expected error for exhausted entropy source")
	}
}

func TestMessageID(t *testing.T) {
	id := MessageID("yardlink.org")
	if !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, "@yardlink.org>") {
		t.Fatalf("unexpected message id %q", id)
	}
}
