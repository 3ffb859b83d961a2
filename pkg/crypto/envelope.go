// Package crypto provides the key derivation and authenticated-encryption
// envelope lockbox uses to seal the item keyring under a master secret.
//
// # Security Features
//
//   - PBKDF2-HMAC-SHA256 key derivation, domain-separated with a fixed prefix
//   - AES-256-GCM authenticated encryption
//   - Compact, JWE-style dot-separated serialization
//   - Cryptographically secure random nonce generation
//   - Secure memory wiping for sensitive data
//
// # Example Usage
//
//	salt := crypto.NewSalt()
//	key := crypto.DeriveKey(masterSecret, salt, crypto.DefaultIterations)
//	blob, err := crypto.Wrap(key, salt, crypto.DefaultIterations, plaintext)
//	plaintext, err := crypto.Unwrap(key, blob)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Constants per spec.md §6.
const (
	// PasswordPrefix is the domain-separation tag prefixed to the master
	// secret before derivation. It is the base64url encoding of
	// SHA-256("project lockbox").
	PasswordPrefix = "-GV3ItzyNxfBGp3ZjtqVGswWWlT7tIMZjeXanHqhxm0"

	// DefaultIterations is the default PBKDF2 iteration count.
	DefaultIterations = 8192

	// SaltLength is the length in bytes of a freshly generated salt.
	SaltLength = 16

	// KeyLength is the length of derived wrapping keys and item keys, in bytes.
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12
)

// Sentinel errors. Matches spec.md §7's taxonomy for this component.
var (
	// ErrInvalidMasterKey indicates the AEAD tag failed to verify. A
	// malformed container yields ErrCorrupt instead.
	ErrInvalidMasterKey = errors.New("crypto: invalid master key")

	// ErrCorrupt indicates the container could not be parsed structurally
	// (bad base64, bad JSON header, wrong number of sections).
	ErrCorrupt = errors.New("crypto: corrupt envelope")
)

var b64 = base64.RawURLEncoding

// header is the associated-authenticated-data section of a wrapped blob.
type header struct {
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
}

// NewSalt returns a fresh, cryptographically random 16-byte salt.
func NewSalt() []byte {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		// crypto/rand failing is not recoverable; nothing this package can
		// return would be meaningful.
		panic(fmt.Sprintf("crypto: failed to read random salt: %v", err))
	}
	return salt
}

// DeriveKey derives a 32-byte wrapping key from a master secret using
// PBKDF2-HMAC-SHA256, per spec.md §4.1. salt and master are not modified.
func DeriveKey(master, salt []byte, iterations int) []byte {
	prefixed := make([]byte, 0, len(PasswordPrefix)+len(master))
	prefixed = append(prefixed, []byte(PasswordPrefix)...)
	prefixed = append(prefixed, master...)
	return pbkdf2.Key(prefixed, salt, iterations, KeyLength, sha256.New)
}

// Wrap seals plaintext under key using AES-256-GCM with a fresh random
// nonce, authenticating (salt, iterations) as associated data. It never
// fails as long as the system RNG is healthy. The result is a compact,
// self-describing string: "<header>.<nonce>.<ciphertext+tag>".
func Wrap(key, salt []byte, iterations int, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	hdr := header{Salt: b64.EncodeToString(salt), Iterations: iterations}
	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return "", fmt.Errorf("crypto: failed to marshal header: %w", err)
	}

	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, hdrJSON)

	return strings.Join([]string{
		b64.EncodeToString(hdrJSON),
		b64.EncodeToString(nonce),
		b64.EncodeToString(ciphertext),
	}, "."), nil
}

// Unwrap opens a blob produced by Wrap under key, verifying the embedded
// (salt, iterations) as associated data. Returns ErrCorrupt if the
// container isn't structurally well-formed, ErrInvalidMasterKey if the
// AEAD tag fails to verify.
func Unwrap(key []byte, blob string) ([]byte, error) {
	parts := strings.Split(blob, ".")
	if len(parts) != 3 {
		return nil, ErrCorrupt
	}

	hdrJSON, err := b64.DecodeString(parts[0])
	if err != nil {
		return nil, ErrCorrupt
	}
	nonce, err := b64.DecodeString(parts[1])
	if err != nil {
		return nil, ErrCorrupt
	}
	ciphertext, err := b64.DecodeString(parts[2])
	if err != nil {
		return nil, ErrCorrupt
	}
	if len(nonce) != NonceLength {
		return nil, ErrCorrupt
	}

	var hdr header
	if err := json.Unmarshal(hdrJSON, &hdr); err != nil {
		return nil, ErrCorrupt
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, hdrJSON)
	if err != nil {
		return nil, ErrInvalidMasterKey
	}
	return plaintext, nil
}

// Header reports the (salt, iterations) a wrapped blob was sealed under,
// without attempting to decrypt it. Returns ErrCorrupt if the blob isn't
// well-formed.
func Header(blob string) (salt []byte, iterations int, err error) {
	parts := strings.Split(blob, ".")
	if len(parts) != 3 {
		return nil, 0, ErrCorrupt
	}
	hdrJSON, err := b64.DecodeString(parts[0])
	if err != nil {
		return nil, 0, ErrCorrupt
	}
	var hdr header
	if err := json.Unmarshal(hdrJSON, &hdr); err != nil {
		return nil, 0, ErrCorrupt
	}
	salt, err = b64.DecodeString(hdr.Salt)
	if err != nil {
		return nil, 0, ErrCorrupt
	}
	return salt, hdr.Iterations, nil
}

// SealCompact encrypts plaintext under key with AES-256-GCM, authenticating
// aad as associated data, using a fresh random nonce. Unlike Wrap, no
// header is embedded — the caller is expected to supply and remember aad
// out of band (e.g. an item id). Result: "<nonce>.<ciphertext+tag>".
func SealCompact(key, aad, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, aad)
	return b64.EncodeToString(nonce) + "." + b64.EncodeToString(ciphertext), nil
}

// OpenCompact decrypts a blob produced by SealCompact under key, verifying
// aad as associated data. Returns ErrCorrupt on structural decode failure,
// ErrInvalidMasterKey on tag mismatch (including when aad doesn't match
// what was sealed).
func OpenCompact(key, aad []byte, blob string) ([]byte, error) {
	parts := strings.Split(blob, ".")
	if len(parts) != 2 {
		return nil, ErrCorrupt
	}
	nonce, err := b64.DecodeString(parts[0])
	if err != nil || len(nonce) != NonceLength {
		return nil, ErrCorrupt
	}
	ciphertext, err := b64.DecodeString(parts[1])
	if err != nil {
		return nil, ErrCorrupt
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrInvalidMasterKey
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("crypto: invalid key length %d, must be %d", len(key), KeyLength)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SecureWipe overwrites b with zeros in a way the compiler cannot optimize
// away, since b is kept alive by runtime.KeepAlive afterwards.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
