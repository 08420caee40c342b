package secrets

import (
	"errors"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	kb, err := New("test-master-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, plain := range []string{
		"sk-proj-abc123",
		"",
		strings.Repeat("x", 300),
		"key-with-:-colons::",
	} {
		sealed, err := kb.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plain, err)
		}
		if !strings.HasPrefix(sealed, "v1:") {
			t.Fatalf("sealed %q missing version prefix", sealed)
		}
		got, err := kb.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", plain, err)
		}
		if got != plain {
			t.Fatalf("round trip = %q, want %q", got, plain)
		}
	}
}

func TestEncryptIsRandomized(t *testing.T) {
	kb, _ := New("test-master-key")
	a, err := kb.Encrypt("same-key")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := kb.Encrypt("same-key")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Fatalf("two encryptions of the same plaintext are identical")
	}
}

func TestWrongMasterKey(t *testing.T) {
	kb, _ := New("master-a")
	other, _ := New("master-b")

	sealed, err := kb.Encrypt("sk-secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := other.Decrypt(sealed)
	if err == nil && got == "sk-secret" {
		t.Fatalf("wrong master key recovered the plaintext")
	}
}

func TestDecryptMalformed(t *testing.T) {
	kb, _ := New("test-master-key")
	sealed, _ := kb.Encrypt("sk-secret")
	parts := strings.Split(sealed, ":")

	cases := map[string]string{
		"empty":         "",
		"no prefix":     "v2:" + strings.Join(parts[1:], ":"),
		"too few parts": "v1:abc:def",
		"bad base64":    "v1:!!!:" + parts[2] + ":" + parts[3],
		"short iv":      "v1:" + parts[1] + ":YWJj:" + parts[3],
		"ragged ct":     "v1:" + parts[1] + ":" + parts[2] + ":YWJj",
	}
	for name, in := range cases {
		if _, err := kb.Decrypt(in); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestNewRequiresMasterKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty master key")
	}
}

func TestTamperedCiphertext(t *testing.T) {
	kb, _ := New("test-master-key")
	sealed, _ := kb.Encrypt("sk-secret")
	parts := strings.Split(sealed, ":")

	// Truncate the sealed data key below one block.
	tampered := "v1:YQ==:" + parts[2] + ":" + parts[3]
	if _, err := kb.Decrypt(tampered); !errors.Is(err, ErrMalformed) && !errors.Is(err, ErrBadKey) {
		t.Fatalf("tampered blob: err = %v", err)
	}
}
