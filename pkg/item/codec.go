package item

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/forest6511/lockbox/pkg/crypto"
	"github.com/forest6511/lockbox/pkg/keyring"
)

// Encrypt serializes item to its canonical JSON form and seals it under
// the keyring's key for item.ID (adding one if it doesn't exist yet),
// binding the item's id as associated data so a ciphertext for one item
// cannot be silently accepted under another's id, per spec.md §4.3.
func Encrypt(kr *keyring.Keyring, it *Item) (string, error) {
	plaintext, err := json.Marshal(it)
	if err != nil {
		return "", fmt.Errorf("item: failed to marshal item: %w", err)
	}
	key := kr.Add(it.ID)
	return crypto.SealCompact(key.Bytes(), []byte(it.ID), plaintext)
}

// Decrypt looks up the keyring's key for id, opens ciphertext with id as
// associated data, and parses the result as an Item.
func Decrypt(kr *keyring.Keyring, id string, ciphertext string) (*Item, error) {
	key, ok := kr.Get(id)
	if !ok {
		return nil, ErrUnknownKey
	}

	plaintext, err := crypto.OpenCompact(key.Bytes(), []byte(id), ciphertext)
	if err != nil {
		if errors.Is(err, crypto.ErrInvalidMasterKey) {
			return nil, ErrAuthTagMismatch
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var it Item
	if err := json.Unmarshal(plaintext, &it); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &it, nil
}
