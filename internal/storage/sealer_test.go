package storage

import (
	"errors"
	"strings"
	"testing"
)

const testSealKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	key, err := ParseSealKey(testSealKey)
	if err != nil {
		t.Fatalf("ParseSealKey failed: %v", err)
	}
	s, err := NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	return s
}

func TestSealer_RoundTrip(t *testing.T) {
	s := newTestSealer(t)

	sealed, err := s.Seal("auth.session", []byte(`{"access_token":"abc"}`))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if strings.Contains(sealed, "abc") {
		t.Error("Sealed value leaks plaintext")
	}

	plain, err := s.Open("auth.session", sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(plain) != `{"access_token":"abc"}` {
		t.Errorf("Unexpected plaintext %q", plain)
	}
}

func TestSealer_BoundToKey(t *testing.T) {
	s := newTestSealer(t)

	sealed, _ := s.Seal("auth.session", []byte("secret"))
	if _, err := s.Open("auth.user", sealed); err == nil {
		t.Error("Expected error opening value under a different key")
	}
}

func TestSealer_Unsealed(t *testing.T) {
	s := newTestSealer(t)

	if _, err := s.Open("k", `{"plain":true}`); !errors.Is(err, ErrUnsealed) {
		t.Errorf("Expected ErrUnsealed, got %v", err)
	}
}

func TestParseSealKey_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"not hex", "zz"},
		{"too short", "0011"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSealKey(tt.key); err == nil {
				t.Errorf("Expected error for %q", tt.key)
			}
		})
	}
}
