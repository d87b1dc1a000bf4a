package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// The at-rest payload format is ASCII and colon-separated:
//
//	ivHex:tagHex:cipherHex   AES-256-GCM (current)
//	ivHex:cipherHex          AES-256-CTR (legacy, decode kept permanently)
//
// Records written before encryption was introduced are stored as plaintext;
// callers handle that fallback themselves after Decrypt fails.
var (
	ErrInvalidPayload = errors.New("crypto: invalid payload")
	ErrDecryptFailed  = errors.New("crypto: decryption failed")
)

const (
	keyLength = 32
	scryptN   = 1 << 15
	scryptR   = 8
	scryptP   = 1

	// keySalt is fixed so the same master secret always derives the same
	// key and no key material needs to be persisted.
	keySalt = "devpocket-credential-key-v1"
)

// Config carries the cipher inputs so tests can construct isolated instances.
type Config struct {
	MasterSecret string
}

// Cipher encrypts and decrypts credential blobs with a key derived from the
// configured master secret.
type Cipher struct {
	block cipher.Block
	aead  cipher.AEAD
}

// New derives the AES key via scrypt and prepares both cipher modes.
func New(cfg Config) (*Cipher, error) {
	if strings.TrimSpace(cfg.MasterSecret) == "" {
		return nil, errors.New("crypto: master secret required")
	}
	key, err := scrypt.Key([]byte(cfg.MasterSecret), []byte(keySalt), scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{block: block, aead: aead}, nil
}

// Encrypt seals plaintext with AES-GCM under a fresh random IV. Two calls with
// the same plaintext produce different payloads.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	tagStart := len(sealed) - c.aead.Overhead()
	return strings.Join([]string{
		hex.EncodeToString(iv),
		hex.EncodeToString(sealed[tagStart:]),
		hex.EncodeToString(sealed[:tagStart]),
	}, ":"), nil
}

// Decrypt reverses Encrypt. Three segments select the GCM path, two the
// legacy CTR path. Malformed payloads fail with ErrInvalidPayload and a
// failed tag check with ErrDecryptFailed; partial plaintext is never returned.
func (c *Cipher) Decrypt(payload string) (string, error) {
	if payload == "" {
		return "", fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	segments := strings.Split(payload, ":")
	switch len(segments) {
	case 3:
		return c.decryptGCM(segments[0], segments[1], segments[2])
	case 2:
		return c.decryptLegacy(segments[0], segments[1])
	default:
		return "", fmt.Errorf("%w: expected 2 or 3 segments, got %d", ErrInvalidPayload, len(segments))
	}
}

func (c *Cipher) decryptGCM(ivHex, tagHex, cipherHex string) (string, error) {
	iv, err := decodeSegment("iv", ivHex)
	if err != nil {
		return "", err
	}
	tag, err := decodeSegment("tag", tagHex)
	if err != nil {
		return "", err
	}
	ciphertext, err := decodeSegment("ciphertext", cipherHex)
	if err != nil {
		return "", err
	}
	if len(iv) != c.aead.NonceSize() {
		return "", fmt.Errorf("%w: iv length %d", ErrInvalidPayload, len(iv))
	}
	if len(tag) != c.aead.Overhead() {
		return "", fmt.Errorf("%w: tag length %d", ErrInvalidPayload, len(tag))
	}
	plain, err := c.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return string(plain), nil
}

func (c *Cipher) decryptLegacy(ivHex, cipherHex string) (string, error) {
	iv, err := decodeSegment("iv", ivHex)
	if err != nil {
		return "", err
	}
	ciphertext, err := decodeSegment("ciphertext", cipherHex)
	if err != nil {
		return "", err
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: legacy iv length %d", ErrInvalidPayload, len(iv))
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCTR(c.block, iv).XORKeyStream(plain, ciphertext)
	return string(plain), nil
}

// encryptLegacy produces the two-segment CTR payload. Only the decode path is
// part of the public contract; this keeps the round-trip testable.
func (c *Cipher) encryptLegacy(plaintext string) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(c.block, iv).XORKeyStream(ciphertext, []byte(plaintext))
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

func decodeSegment(name, value string) ([]byte, error) {
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s segment is not hex", ErrInvalidPayload, name)
	}
	return decoded, nil
}
