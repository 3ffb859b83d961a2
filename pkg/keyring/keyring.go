// Package keyring implements the in-memory item keyring and its
// envelope-wrapped persisted form, per spec.md §4.2.
//
// A Keyring maps an item id to a 256-bit AEAD key (an ItemKey). The map
// itself is sealed as a single opaque blob under a key derived from the
// vault's master secret, using pkg/crypto.
package keyring

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/forest6511/lockbox/pkg/crypto"
)

// Sentinel errors, per spec.md §7.
var (
	// ErrInvalidMasterKey is returned by Load when no master is available,
	// or the supplied one fails to unwrap the persisted blob.
	ErrInvalidMasterKey = errors.New("keyring: invalid master key")

	// ErrNotEncrypted is returned by Load when there is no persisted blob
	// to unwrap yet.
	ErrNotEncrypted = errors.New("keyring: no persisted blob")

	// ErrCorrupt is returned when the persisted blob can't be parsed.
	ErrCorrupt = errors.New("keyring: corrupt blob")
)

// ItemKey is a 256-bit symmetric AEAD key bound to exactly one item.
type ItemKey struct {
	key []byte
}

// Bytes returns the raw 32-byte key. The returned slice aliases the
// ItemKey's own storage; callers must not retain or mutate it beyond the
// lifetime of the operation they're performing.
func (k ItemKey) Bytes() []byte {
	return k.key
}

func newItemKey() ItemKey {
	b := make([]byte, crypto.KeyLength)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("keyring: failed to generate item key: %v", err))
	}
	return ItemKey{key: b}
}

// jwk is the on-wire shape of a single ItemKey inside the wrapped blob:
// a minimal JSON Web Key for a symmetric ("oct") key.
type jwk struct {
	Kty string `json:"kty"`
	K   string `json:"k"`
}

func (k ItemKey) toJWK() jwk {
	return jwk{Kty: "oct", K: base64.RawURLEncoding.EncodeToString(k.key)}
}

func (j jwk) toItemKey() (ItemKey, error) {
	if j.Kty != "oct" {
		return ItemKey{}, fmt.Errorf("%w: unsupported kty %q", ErrCorrupt, j.Kty)
	}
	b, err := base64.RawURLEncoding.DecodeString(j.K)
	if err != nil {
		return ItemKey{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(b) != crypto.KeyLength {
		return ItemKey{}, fmt.Errorf("%w: key length %d, want %d", ErrCorrupt, len(b), crypto.KeyLength)
	}
	return ItemKey{key: b}, nil
}

// Persisted is the on-disk shape of a Keyring, per spec.md §6.
type Persisted struct {
	Group      string `json:"group"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
	Encrypted  string `json:"encrypted"`
}

// Keyring is the in-memory id -> ItemKey map plus the envelope parameters
// needed to persist it.
type Keyring struct {
	group      string
	salt       []byte
	iterations int
	encrypted  string // last-saved wrapped blob, "" if never saved

	master []byte // wrapping key, held only while unlocked
	keys   map[string]ItemKey
}

// New creates a fresh, empty Keyring for the given group (use "" for the
// default/only keyring) with a fresh random salt and the default
// iteration count.
func New(group string) *Keyring {
	return &Keyring{
		group:      group,
		salt:       crypto.NewSalt(),
		iterations: crypto.DefaultIterations,
		keys:       make(map[string]ItemKey),
	}
}

// SetEnvelope overrides the salt and iteration count a fresh Keyring will
// wrap under. Only meaningful before the first Save; used by
// Vault.Initialize to honor caller-supplied salt/iterations.
func (k *Keyring) SetEnvelope(salt []byte, iterations int) {
	k.salt = salt
	k.iterations = iterations
}

// FromPersisted reconstructs a Keyring's envelope parameters from its
// on-disk shape. The in-memory map starts empty; call Load to populate it.
func FromPersisted(p Persisted) (*Keyring, error) {
	salt, err := base64.RawURLEncoding.DecodeString(p.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad salt: %v", ErrCorrupt, err)
	}
	if p.Iterations <= 0 {
		return nil, fmt.Errorf("%w: non-positive iterations %d", ErrCorrupt, p.Iterations)
	}
	return &Keyring{
		group:      p.Group,
		salt:       salt,
		iterations: p.Iterations,
		encrypted:  p.Encrypted,
		keys:       make(map[string]ItemKey),
	}, nil
}

// ToPersisted returns the on-disk shape of the Keyring's envelope
// parameters and latest wrapped blob.
func (k *Keyring) ToPersisted() Persisted {
	return Persisted{
		Group:      k.group,
		Salt:       base64.RawURLEncoding.EncodeToString(k.salt),
		Iterations: k.iterations,
		Encrypted:  k.encrypted,
	}
}

// Group returns the keyring's group tag.
func (k *Keyring) Group() string { return k.group }

// Has reports whether id has a key.
func (k *Keyring) Has(id string) bool {
	_, ok := k.keys[id]
	return ok
}

// Get returns the ItemKey for id, if any.
func (k *Keyring) Get(id string) (ItemKey, bool) {
	key, ok := k.keys[id]
	return key, ok
}

// Size returns the number of keys currently held.
func (k *Keyring) Size() int {
	return len(k.keys)
}

// Add is idempotent: if id already has a key, it is returned unchanged;
// otherwise a fresh random 256-bit key is generated, stored, and returned.
func (k *Keyring) Add(id string) ItemKey {
	if key, ok := k.keys[id]; ok {
		return key
	}
	key := newItemKey()
	k.keys[id] = key
	return key
}

// Delete removes and zeroizes the key for id, if present.
func (k *Keyring) Delete(id string) {
	if key, ok := k.keys[id]; ok {
		crypto.SecureWipe(key.key)
		delete(k.keys, id)
	}
}

// Load unwraps the persisted blob using master, or the already-held
// master if master is nil. On success the in-memory map is replaced with
// the unwrapped contents and master is retained for subsequent Save
// calls.
func (k *Keyring) Load(master []byte) error {
	if k.encrypted == "" {
		return ErrNotEncrypted
	}

	m := master
	if m == nil {
		m = k.master
	}
	if m == nil {
		return ErrInvalidMasterKey
	}

	wrapKey := crypto.DeriveKey(m, k.salt, k.iterations)
	plaintext, err := crypto.Unwrap(wrapKey, k.encrypted)
	crypto.SecureWipe(wrapKey)
	if err != nil {
		if errors.Is(err, crypto.ErrInvalidMasterKey) {
			return ErrInvalidMasterKey
		}
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var onWire map[string]jwk
	if err := json.Unmarshal(plaintext, &onWire); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	keys := make(map[string]ItemKey, len(onWire))
	for id, j := range onWire {
		key, err := j.toItemKey()
		if err != nil {
			return err
		}
		keys[id] = key
	}

	k.keys = keys
	k.master = append([]byte(nil), m...)
	return nil
}

// Save re-wraps the current key map under the in-memory master and
// updates the persisted blob. Requires a master to already be held (via
// Load or a prior Save); fails ErrInvalidMasterKey otherwise.
func (k *Keyring) Save() error {
	if k.master == nil {
		return ErrInvalidMasterKey
	}

	onWire := make(map[string]jwk, len(k.keys))
	for id, key := range k.keys {
		onWire[id] = key.toJWK()
	}
	plaintext, err := json.Marshal(onWire)
	if err != nil {
		return fmt.Errorf("keyring: failed to marshal keys: %w", err)
	}

	wrapKey := crypto.DeriveKey(k.master, k.salt, k.iterations)
	blob, err := crypto.Wrap(wrapKey, k.salt, k.iterations, plaintext)
	crypto.SecureWipe(wrapKey)
	if err != nil {
		return fmt.Errorf("keyring: failed to wrap: %w", err)
	}

	k.encrypted = blob
	return nil
}

// SetMaster adopts master as the in-memory wrapping key without touching
// the key map or persisted blob. Used by Vault.Initialize to give a fresh
// keyring its master before the first Save, and by Rebase.
func (k *Keyring) SetMaster(master []byte) {
	k.master = append([]byte(nil), master...)
}

// Rebase re-derives the keyring's envelope under a new (salt, master) and
// saves immediately, without touching the in-memory key map.
func (k *Keyring) Rebase(master, salt []byte, iterations int) error {
	k.salt = salt
	k.iterations = iterations
	k.SetMaster(master)
	return k.Save()
}

// Clear drops the in-memory map and zeroizes the master key. When hard is
// true, the persisted blob is also dropped (used only by Vault.Reset).
func (k *Keyring) Clear(hard bool) {
	for id, key := range k.keys {
		crypto.SecureWipe(key.key)
		delete(k.keys, id)
	}
	if k.master != nil {
		crypto.SecureWipe(k.master)
		k.master = nil
	}
	if hard {
		k.encrypted = ""
	}
}

// HasPersisted reports whether the keyring has ever been saved.
func (k *Keyring) HasPersisted() bool {
	return k.encrypted != ""
}
