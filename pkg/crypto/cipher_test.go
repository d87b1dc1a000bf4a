package crypto

import (
	"errors"
	"strings"
	"testing"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := New(Config{MasterSecret: "test-master-secret"})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestCipher(t)
	for _, plaintext := range []string{"", "a", "apiVersion: v1\nkind: Config\n", strings.Repeat("x", 4096)} {
		payload, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt returned error: %v", err)
		}
		if got := strings.Count(payload, ":"); got != 2 {
			t.Fatalf("expected 3 segments, payload %q", payload)
		}
		decrypted, err := c.Decrypt(payload)
		if err != nil {
			t.Fatalf("Decrypt returned error: %v", err)
		}
		if decrypted != plaintext {
			t.Fatalf("round trip mismatch: got %q want %q", decrypted, plaintext)
		}
	}
}

func TestLegacyRoundTrip(t *testing.T) {
	c := newTestCipher(t)
	payload, err := c.encryptLegacy("legacy kubeconfig contents")
	if err != nil {
		t.Fatalf("encryptLegacy returned error: %v", err)
	}
	if got := strings.Count(payload, ":"); got != 1 {
		t.Fatalf("expected 2 segments, payload %q", payload)
	}
	decrypted, err := c.Decrypt(payload)
	if err != nil {
		t.Fatalf("Decrypt returned error: %v", err)
	}
	if decrypted != "legacy kubeconfig contents" {
		t.Fatalf("legacy round trip mismatch: got %q", decrypted)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	c := newTestCipher(t)
	first, err := c.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt returned error: %v", err)
	}
	second, err := c.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt returned error: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct payloads for identical plaintext")
	}
	for _, payload := range []string{first, second} {
		decrypted, err := c.Decrypt(payload)
		if err != nil {
			t.Fatalf("Decrypt returned error: %v", err)
		}
		if decrypted != "same plaintext" {
			t.Fatalf("decrypt mismatch: got %q", decrypted)
		}
	}
}

func TestDecryptRejectsTamperedTag(t *testing.T) {
	c := newTestCipher(t)
	payload, err := c.Encrypt("sensitive")
	if err != nil {
		t.Fatalf("Encrypt returned error: %v", err)
	}
	segments := strings.Split(payload, ":")
	tag := []byte(segments[1])
	if tag[0] == 'f' {
		tag[0] = '0'
	} else {
		tag[0] = 'f'
	}
	segments[1] = string(tag)
	if _, err := c.Decrypt(strings.Join(segments, ":")); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestDecryptRejectsMalformedPayloads(t *testing.T) {
	c := newTestCipher(t)
	valid, err := c.Encrypt("sensitive")
	if err != nil {
		t.Fatalf("Encrypt returned error: %v", err)
	}
	segments := strings.Split(valid, ":")

	cases := map[string]string{
		"empty":              "",
		"one segment":        "deadbeef",
		"four segments":      "aa:bb:cc:dd",
		"non-hex iv":         "zz" + segments[0][2:] + ":" + segments[1] + ":" + segments[2],
		"non-hex tag":        segments[0] + ":zz" + segments[1][2:] + ":" + segments[2],
		"truncated tag":      segments[0] + ":" + segments[1][:8] + ":" + segments[2],
		"truncated iv":       segments[0][:8] + ":" + segments[1] + ":" + segments[2],
		"legacy short iv":    "deadbeef:cafe",
		"legacy non-hex":     strings.Repeat("zz", 16) + ":cafe",
		"plain text record":  "apiVersion: v1",
	}
	for name, payload := range cases {
		if _, err := c.Decrypt(payload); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("%s: expected ErrInvalidPayload, got %v", name, err)
		}
	}
}

func TestDecryptRejectsForeignKey(t *testing.T) {
	c := newTestCipher(t)
	other, err := New(Config{MasterSecret: "another-secret"})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	payload, err := other.Encrypt("sensitive")
	if err != nil {
		t.Fatalf("Encrypt returned error: %v", err)
	}
	if _, err := c.Decrypt(payload); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty master secret")
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword returned error: %v", err)
	}
	if err := ComparePassword(hash, "hunter2"); err != nil {
		t.Fatalf("ComparePassword rejected valid password: %v", err)
	}
	if err := ComparePassword(hash, "wrong"); err == nil {
		t.Fatal("ComparePassword accepted wrong password")
	}
}
