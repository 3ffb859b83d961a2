// Package vault implements the lifecycle state machine that gates every
// read/write operation on a local encrypted credential store, per
// spec.md §4.5.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/forest6511/lockbox/pkg/crypto"
	"github.com/forest6511/lockbox/pkg/eventsink"
	"github.com/forest6511/lockbox/pkg/item"
	"github.com/forest6511/lockbox/pkg/keyring"
	"github.com/forest6511/lockbox/pkg/store"
)

// DefaultBucket is the keyring group used when Config.Bucket is empty.
const DefaultBucket = "lockbox"

// State is one of the vault's three lifecycle states, per spec.md §3.
type State int

const (
	// StateFresh is a vault with no persisted keyring.
	StateFresh State = iota
	// StateLocked is a vault with a persisted keyring but no master key
	// in memory.
	StateLocked
	// StateUnlocked is a vault with the master key present and per-item
	// keys decrypted.
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// Errors, per spec.md §7. Crypto and schema errors (keyring.Err*,
// item.Err*) surface unchanged from the packages that raise them.
var (
	ErrNotInitialized     = errors.New("vault: not initialized")
	ErrAlreadyInitialized = errors.New("vault: already initialized")
	ErrLocked             = errors.New("vault: locked")
	ErrMissingAppKey      = errors.New("vault: master secret is required")
	ErrMissingItem        = errors.New("vault: item not found")
)

// Config configures a Vault: the bucket (keyring group, default
// "lockbox") and the event sink (default NopSink). It has no field for
// an initial persisted keyring; Open always reads the keyring from the
// store.
//
// [ADDED] Dir names the filesystem directory the vault's SQLite database
// lives in; the bucket concept assumes an already-addressable local
// key-value store, but a concrete on-disk adapter needs a path to open.
type Config struct {
	Dir    string
	Bucket string
	Sink   eventsink.Sink
}

// InitParams carries initialize's optional arguments, per spec.md §4.5:
// `initialize(master, salt?, iterations?)`.
type InitParams struct {
	Salt       []byte
	Iterations int
	Rebase     bool
}

// Vault is the addressable object spec.md §3 describes: the Keyring plus
// a handle to the Persistence Adapter plus a bucket name.
type Vault struct {
	mu sync.Mutex

	dir    string
	bucket string
	sink   eventsink.Sink

	db    *store.Store
	kr    *keyring.Keyring
	state State
}

// Open binds a Vault to the SQLite database under cfg.Dir (creating it if
// necessary) and loads any persisted keyring for cfg.Bucket, corresponding
// to spec.md §4.5's Fresh --prepare--> {Fresh, Locked} transition.
func Open(cfg Config) (*Vault, error) {
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}
	sink := cfg.Sink
	if sink == nil {
		sink = eventsink.NopSink{}
	}

	db, err := store.Open(cfg.Dir)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		dir:    cfg.Dir,
		bucket: bucket,
		sink:   sink,
		db:     db,
		state:  StateFresh,
	}

	persisted, err := db.GetKeyring(context.Background(), bucket)
	if errors.Is(err, store.ErrNotFound) {
		return v, nil
	}
	if err != nil {
		db.Close()
		return nil, err
	}

	kr, err := keyring.FromPersisted(persisted)
	if err != nil {
		db.Close()
		return nil, err
	}
	v.kr = kr
	v.state = StateLocked
	return v, nil
}

// Close releases the underlying database connection. It does not lock or
// zeroize the Keyring; call Lock first if that matters to the caller.
func (v *Vault) Close() error {
	return v.db.Close()
}

// SetSink replaces the vault's event sink. A sink that implements
// keyedSink (such as AuditSink) has its key bound by Initialize and
// Unlock whether it was installed here or passed via Config.Sink.
func (v *Vault) SetSink(sink eventsink.Sink) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if sink == nil {
		sink = eventsink.NopSink{}
	}
	v.sink = sink
}

// keyedSink is implemented by sinks whose signing key derives from the
// vault's master secret, such as AuditSink. Vault binds the key as soon
// as master becomes available so the sink never buffers without one.
type keyedSink interface {
	SetHMACKey(master []byte) error
}

func (v *Vault) rekeySink(master []byte) error {
	if ks, ok := v.sink.(keyedSink); ok {
		return ks.SetHMACKey(master)
	}
	return nil
}

// State reports the vault's current lifecycle state.
func (v *Vault) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Initialize creates a fresh keyring and transitions Fresh -> Unlocked, or,
// with params.Rebase, re-wraps the existing keyring under a new master and
// stays Unlocked, per spec.md §4.5.
func (v *Vault) Initialize(ctx context.Context, master []byte, params InitParams) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(master) == 0 {
		return ErrMissingAppKey
	}

	if params.Rebase {
		if v.state != StateUnlocked {
			return ErrLocked
		}
		salt := params.Salt
		if salt == nil {
			salt = crypto.NewSalt()
		}
		iterations := params.Iterations
		if iterations == 0 {
			iterations = crypto.DefaultIterations
		}
		if err := v.kr.Rebase(master, salt, iterations); err != nil {
			return err
		}
		if err := v.rekeySink(master); err != nil {
			return err
		}
		return v.db.PutKeyring(ctx, v.kr.ToPersisted())
	}

	if v.state != StateFresh {
		return ErrAlreadyInitialized
	}

	kr := keyring.New(v.bucket)
	if params.Salt != nil || params.Iterations != 0 {
		salt := params.Salt
		if salt == nil {
			salt = crypto.NewSalt()
		}
		iterations := params.Iterations
		if iterations == 0 {
			iterations = crypto.DefaultIterations
		}
		kr.SetEnvelope(salt, iterations)
	}
	kr.SetMaster(master)
	if err := kr.Save(); err != nil {
		return err
	}
	if err := v.rekeySink(master); err != nil {
		return err
	}
	if err := v.db.PutKeyring(ctx, kr.ToPersisted()); err != nil {
		return err
	}

	v.kr = kr
	v.state = StateUnlocked
	return nil
}

// Unlock loads the persisted keyring under master and transitions
// Locked -> Unlocked. It is a no-op on an already-unlocked vault, per
// spec.md §4.5 and its "no zero-arg overload" open-question resolution:
// master is required at the type level (a non-nil, non-empty slice).
func (v *Vault) Unlock(master []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == StateUnlocked {
		return nil
	}
	if v.state == StateFresh {
		return ErrNotInitialized
	}
	if len(master) == 0 {
		return ErrMissingAppKey
	}

	if err := v.kr.Load(master); err != nil {
		return err
	}
	if err := v.rekeySink(master); err != nil {
		return err
	}
	v.state = StateUnlocked
	return nil
}

// Lock zeroizes the master key and every ItemKey and transitions
// Unlocked -> Locked. It is idempotent.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateUnlocked {
		return
	}
	v.kr.Clear(false)
	v.state = StateLocked
}

// Reset drops every item and the keyring entirely, returning the vault to
// Fresh from any state.
func (v *Vault) Reset(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.db.Reset(ctx); err != nil {
		return err
	}
	if v.kr != nil {
		v.kr.Clear(true)
	}
	v.kr = nil
	v.state = StateFresh
	return nil
}

func (v *Vault) requireUnlocked() error {
	switch v.state {
	case StateFresh:
		return ErrNotInitialized
	case StateLocked:
		return ErrLocked
	default:
		return nil
	}
}

// List decrypts and returns every item in the vault, keyed by id.
// Decryption failures are reported, not silently skipped: the first one
// encountered aborts the call.
func (v *Vault) List(ctx context.Context) (map[string]*item.Item, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlocked(); err != nil {
		return nil, err
	}

	ids, err := v.db.ListItemIDs(ctx)
	if err != nil {
		return nil, err
	}
	return v.decryptAll(ctx, ids)
}

// ListByTag decrypts and returns every item carrying tag, keyed by id,
// using the item_tags secondary index rather than a full scan.
func (v *Vault) ListByTag(ctx context.Context, tag string) (map[string]*item.Item, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlocked(); err != nil {
		return nil, err
	}

	ids, err := v.db.ListItemIDsByTag(ctx, tag)
	if err != nil {
		return nil, err
	}
	return v.decryptAll(ctx, ids)
}

// ListByOrigin decrypts and returns every item bound to origin, keyed by
// id, using the item_origins secondary index rather than a full scan.
func (v *Vault) ListByOrigin(ctx context.Context, origin string) (map[string]*item.Item, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlocked(); err != nil {
		return nil, err
	}

	ids, err := v.db.ListItemIDsByOrigin(ctx, origin)
	if err != nil {
		return nil, err
	}
	return v.decryptAll(ctx, ids)
}

func (v *Vault) decryptAll(ctx context.Context, ids []string) (map[string]*item.Item, error) {
	items := make(map[string]*item.Item, len(ids))
	for _, id := range ids {
		it, err := v.getLocked(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("vault: failed to decrypt item %s: %w", id, err)
		}
		items[id] = it
	}
	return items, nil
}

// Get returns the item for id, or nil if it doesn't exist.
func (v *Vault) Get(ctx context.Context, id string) (*item.Item, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlocked(); err != nil {
		return nil, err
	}
	return v.getLocked(ctx, id)
}

func (v *Vault) getLocked(ctx context.Context, id string) (*item.Item, error) {
	ciphertext, err := v.db.GetItem(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.Decrypt(v.kr, id, ciphertext)
}

// Add validates raw as a new item, encrypts it under a fresh ItemKey, and
// persists both tables atomically, emitting an "added" event.
func (v *Vault) Add(ctx context.Context, raw []byte) (*item.Item, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlocked(); err != nil {
		return nil, err
	}

	it, err := item.Prepare(raw, nil)
	if err != nil {
		return nil, err
	}
	ciphertext, err := item.Encrypt(v.kr, it)
	if err != nil {
		return nil, err
	}
	if err := v.kr.Save(); err != nil {
		return nil, err
	}

	rec := recordFor(it, ciphertext)
	if err := v.db.PutItemWithKeyring(ctx, rec, v.kr.ToPersisted()); err != nil {
		return nil, err
	}

	v.sink.Record(eventsink.MethodAdded, it.ID, nil)
	return it, nil
}

// Update validates raw against the existing item it names, re-encrypts
// it, and persists the change, emitting an "updated" event naming the
// fields that changed.
func (v *Vault) Update(ctx context.Context, raw []byte) (*item.Item, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlocked(); err != nil {
		return nil, err
	}

	id, err := item.PeekID(raw)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", item.ErrInvalidItem)
	}

	existing, err := v.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrMissingItem
	}

	next, err := item.Prepare(raw, existing)
	if err != nil {
		return nil, err
	}
	fields := item.Diff(existing, next)

	hadKey := v.kr.Has(id)
	ciphertext, err := item.Encrypt(v.kr, next)
	if err != nil {
		return nil, err
	}
	rec := recordFor(next, ciphertext)

	if hadKey {
		if err := v.db.PutItem(ctx, rec); err != nil {
			return nil, err
		}
	} else {
		if err := v.kr.Save(); err != nil {
			return nil, err
		}
		if err := v.db.PutItemWithKeyring(ctx, rec, v.kr.ToPersisted()); err != nil {
			return nil, err
		}
	}

	v.sink.Record(eventsink.MethodUpdated, id, splitFields(fields))
	return next, nil
}

// Touch refreshes id's last_used timestamp and persists it, emitting a
// "touched" event.
func (v *Vault) Touch(ctx context.Context, id string) (*item.Item, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlocked(); err != nil {
		return nil, err
	}

	existing, err := v.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrMissingItem
	}
	existing.LastUsed = time.Now().UTC()

	ciphertext, err := item.Encrypt(v.kr, existing)
	if err != nil {
		return nil, err
	}
	if err := v.db.PutItem(ctx, recordFor(existing, ciphertext)); err != nil {
		return nil, err
	}

	v.sink.Record(eventsink.MethodTouched, id, nil)
	return existing, nil
}

// Remove decrypts and deletes id from both tables atomically, destroying
// its ItemKey, and emits a "deleted" event.
func (v *Vault) Remove(ctx context.Context, id string) (*item.Item, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlocked(); err != nil {
		return nil, err
	}

	existing, err := v.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrMissingItem
	}

	v.kr.Delete(id)
	if err := v.kr.Save(); err != nil {
		return nil, err
	}
	if err := v.db.DeleteItemWithKeyring(ctx, id, v.kr.ToPersisted()); err != nil {
		return nil, err
	}

	v.sink.Record(eventsink.MethodDeleted, id, nil)
	return existing, nil
}

// DiskSpaceInfo reports free space for the vault's directory, used by the
// CLI layer to warn before an operation that would write to a nearly-full
// disk. Populated by the platform-specific CheckDiskSpace.
type DiskSpaceInfo struct {
	Total     uint64
	Free      uint64
	Available uint64
	UsedPct   int
}

func recordFor(it *item.Item, ciphertext string) store.Record {
	return store.Record{
		ID:         it.ID,
		Ciphertext: ciphertext,
		Origins:    it.Origins,
		Tags:       it.Tags,
		Disabled:   it.Disabled,
		Created:    it.Created,
		Modified:   it.Modified,
		LastUsed:   it.LastUsed,
	}
}

func splitFields(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}
