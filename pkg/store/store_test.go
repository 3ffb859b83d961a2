package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/forest6511/lockbox/pkg/keyring"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	tmpDir := t.TempDir()
	s, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesDatabaseFile(t *testing.T) {
	tmpDir := t.TempDir()
	s, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	matches, err := filepath.Glob(filepath.Join(tmpDir, DBFileName))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("database file %s not found in %s", DBFileName, tmpDir)
	}
}

func TestPutGetItemRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := Record{
		ID:         "item-1",
		Ciphertext: "opaque-blob",
		Origins:    []string{"example.com"},
		Tags:       []string{"work"},
		Created:    now,
		Modified:   now,
		LastUsed:   now,
	}
	if err := s.PutItem(ctx, rec); err != nil {
		t.Fatalf("PutItem: %v", err)
	}

	got, err := s.GetItem(ctx, "item-1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got != "opaque-blob" {
		t.Fatalf("GetItem = %q, want %q", got, "opaque-blob")
	}
}

func TestGetItemMissingReturnsNotFound(t *testing.T) {
	s := openTest(t)
	if _, err := s.GetItem(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetItem on missing id: got %v, want ErrNotFound", err)
	}
}

func TestPutItemOverwritesExistingRow(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := Record{ID: "item-1", Ciphertext: "v1", Created: now, Modified: now, LastUsed: now}
	if err := s.PutItem(ctx, rec); err != nil {
		t.Fatalf("PutItem v1: %v", err)
	}
	rec.Ciphertext = "v2"
	if err := s.PutItem(ctx, rec); err != nil {
		t.Fatalf("PutItem v2: %v", err)
	}

	got, err := s.GetItem(ctx, "item-1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got != "v2" {
		t.Fatalf("GetItem = %q, want %q", got, "v2")
	}
}

func TestDeleteItemRemovesJunctionRows(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := Record{ID: "item-1", Ciphertext: "v1", Origins: []string{"example.com"}, Tags: []string{"work"}, Created: now, Modified: now, LastUsed: now}
	if err := s.PutItem(ctx, rec); err != nil {
		t.Fatalf("PutItem: %v", err)
	}
	if err := s.DeleteItem(ctx, "item-1"); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}

	if _, err := s.GetItem(ctx, "item-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetItem after delete: got %v, want ErrNotFound", err)
	}
	ids, err := s.ListItemIDsByOrigin(ctx, "example.com")
	if err != nil {
		t.Fatalf("ListItemIDsByOrigin: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("ListItemIDsByOrigin after delete = %v, want empty", ids)
	}
}

func TestDeleteItemMissingReturnsNotFound(t *testing.T) {
	s := openTest(t)
	if err := s.DeleteItem(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteItem on missing id: got %v, want ErrNotFound", err)
	}
}

func TestListItemIDsOrderedByCreation(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"c", "a", "b"} {
		created := base.Add(time.Duration(i) * time.Second)
		rec := Record{ID: id, Ciphertext: "x", Created: created, Modified: created, LastUsed: created}
		if err := s.PutItem(ctx, rec); err != nil {
			t.Fatalf("PutItem %s: %v", id, err)
		}
	}

	ids, err := s.ListItemIDs(ctx)
	if err != nil {
		t.Fatalf("ListItemIDs: %v", err)
	}
	want := []string{"c", "a", "b"}
	if len(ids) != len(want) {
		t.Fatalf("ListItemIDs = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ListItemIDs = %v, want %v", ids, want)
		}
	}
}

func TestListItemIDsByTagMatchesOnlyTaggedItems(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for id, tags := range map[string][]string{
		"tagged":   {"work"},
		"untagged": nil,
	} {
		rec := Record{ID: id, Ciphertext: "x", Tags: tags, Created: now, Modified: now, LastUsed: now}
		if err := s.PutItem(ctx, rec); err != nil {
			t.Fatalf("PutItem %s: %v", id, err)
		}
	}

	ids, err := s.ListItemIDsByTag(ctx, "work")
	if err != nil {
		t.Fatalf("ListItemIDsByTag: %v", err)
	}
	if len(ids) != 1 || ids[0] != "tagged" {
		t.Fatalf("ListItemIDsByTag = %v, want [tagged]", ids)
	}
}

func TestKeyringRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	p := keyring.Persisted{Group: "", Salt: "c2FsdA", Iterations: 8192, Encrypted: "blob"}
	if err := s.PutKeyring(ctx, p); err != nil {
		t.Fatalf("PutKeyring: %v", err)
	}

	got, err := s.GetKeyring(ctx, "")
	if err != nil {
		t.Fatalf("GetKeyring: %v", err)
	}
	if got != p {
		t.Fatalf("GetKeyring = %+v, want %+v", got, p)
	}
}

func TestGetKeyringMissingReturnsNotFound(t *testing.T) {
	s := openTest(t)
	if _, err := s.GetKeyring(context.Background(), "missing-group"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetKeyring on missing group: got %v, want ErrNotFound", err)
	}
}

func TestPutItemWithKeyringCommitsBothTables(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := Record{ID: "item-1", Ciphertext: "v1", Created: now, Modified: now, LastUsed: now}
	p := keyring.Persisted{Group: "", Salt: "c2FsdA", Iterations: 8192, Encrypted: "blob"}
	if err := s.PutItemWithKeyring(ctx, rec, p); err != nil {
		t.Fatalf("PutItemWithKeyring: %v", err)
	}

	if _, err := s.GetItem(ctx, "item-1"); err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if _, err := s.GetKeyring(ctx, ""); err != nil {
		t.Fatalf("GetKeyring: %v", err)
	}
}

func TestDeleteItemWithKeyringCommitsBothTables(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := Record{ID: "item-1", Ciphertext: "v1", Created: now, Modified: now, LastUsed: now}
	if err := s.PutItem(ctx, rec); err != nil {
		t.Fatalf("PutItem: %v", err)
	}

	p := keyring.Persisted{Group: "", Salt: "c2FsdA", Iterations: 8192, Encrypted: "blob-after-delete"}
	if err := s.DeleteItemWithKeyring(ctx, "item-1", p); err != nil {
		t.Fatalf("DeleteItemWithKeyring: %v", err)
	}

	if _, err := s.GetItem(ctx, "item-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetItem after delete: got %v, want ErrNotFound", err)
	}
	got, err := s.GetKeyring(ctx, "")
	if err != nil {
		t.Fatalf("GetKeyring: %v", err)
	}
	if got.Encrypted != "blob-after-delete" {
		t.Fatalf("GetKeyring.Encrypted = %q, want %q", got.Encrypted, "blob-after-delete")
	}
}

func TestResetDropsItemsAndKeystores(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := Record{ID: "item-1", Ciphertext: "v1", Tags: []string{"work"}, Created: now, Modified: now, LastUsed: now}
	if err := s.PutItem(ctx, rec); err != nil {
		t.Fatalf("PutItem: %v", err)
	}
	if err := s.PutKeyring(ctx, keyring.Persisted{Group: "", Salt: "c2FsdA", Iterations: 8192, Encrypted: "blob"}); err != nil {
		t.Fatalf("PutKeyring: %v", err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	ids, err := s.ListItemIDs(ctx)
	if err != nil {
		t.Fatalf("ListItemIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("ListItemIDs after Reset = %v, want empty", ids)
	}
	if _, err := s.GetKeyring(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetKeyring after Reset: got %v, want ErrNotFound", err)
	}
}

func TestKeyringPutOverwritesExisting(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.PutKeyring(ctx, keyring.Persisted{Group: "g", Salt: "s1", Iterations: 1, Encrypted: "e1"}); err != nil {
		t.Fatalf("PutKeyring v1: %v", err)
	}
	if err := s.PutKeyring(ctx, keyring.Persisted{Group: "g", Salt: "s2", Iterations: 2, Encrypted: "e2"}); err != nil {
		t.Fatalf("PutKeyring v2: %v", err)
	}

	got, err := s.GetKeyring(ctx, "g")
	if err != nil {
		t.Fatalf("GetKeyring: %v", err)
	}
	if got.Encrypted != "e2" || got.Iterations != 2 {
		t.Fatalf("GetKeyring = %+v, want overwritten values", got)
	}
}
