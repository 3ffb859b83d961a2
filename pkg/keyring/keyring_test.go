package keyring

import (
	"testing"
)

func TestAddIsIdempotent(t *testing.T) {
	k := New("")
	k.SetMaster([]byte("master"))

	key1 := k.Add("item-1")
	key2 := k.Add("item-1")
	if string(key1.Bytes()) != string(key2.Bytes()) {
		t.Fatal("Add returned a different key for the same id")
	}
	if k.Size() != 1 {
		t.Fatalf("Size = %d, want 1", k.Size())
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	k := New("")
	k.SetMaster([]byte("master"))
	k.Add("item-1")

	k.Delete("item-1")
	if k.Has("item-1") {
		t.Fatal("Has returned true after Delete")
	}
	if k.Size() != 0 {
		t.Fatalf("Size = %d, want 0", k.Size())
	}
}

func TestSaveRequiresMaster(t *testing.T) {
	k := New("")
	if err := k.Save(); err != ErrInvalidMasterKey {
		t.Fatalf("Save without master: got %v, want ErrInvalidMasterKey", err)
	}
}

func TestLoadRequiresEncryptedBlob(t *testing.T) {
	k := New("")
	k.SetMaster([]byte("master"))
	if err := k.Load(nil); err != ErrNotEncrypted {
		t.Fatalf("Load without persisted blob: got %v, want ErrNotEncrypted", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	master := []byte("correct horse battery staple")

	k := New("")
	k.SetMaster(master)
	key := k.Add("item-1")
	k.Add("item-2")

	if err := k.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !k.HasPersisted() {
		t.Fatal("HasPersisted false after Save")
	}

	persisted := k.ToPersisted()

	loaded, err := FromPersisted(persisted)
	if err != nil {
		t.Fatalf("FromPersisted: %v", err)
	}
	if err := loaded.Load(master); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Size() != 2 {
		t.Fatalf("Size = %d, want 2", loaded.Size())
	}
	got, ok := loaded.Get("item-1")
	if !ok {
		t.Fatal("item-1 missing after Load")
	}
	if string(got.Bytes()) != string(key.Bytes()) {
		t.Fatal("loaded key differs from original")
	}
}

func TestLoadWrongMasterFails(t *testing.T) {
	k := New("")
	k.SetMaster([]byte("password-one"))
	k.Add("item-1")
	if err := k.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := FromPersisted(k.ToPersisted())
	if err != nil {
		t.Fatalf("FromPersisted: %v", err)
	}
	if err := loaded.Load([]byte("password-two")); err != ErrInvalidMasterKey {
		t.Fatalf("Load with wrong master: got %v, want ErrInvalidMasterKey", err)
	}
}

func TestClearZeroizesAndKeepsPersisted(t *testing.T) {
	k := New("")
	k.SetMaster([]byte("master"))
	k.Add("item-1")
	if err := k.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	k.Clear(false)
	if k.Size() != 0 {
		t.Fatal("Clear(false) did not empty the map")
	}
	if !k.HasPersisted() {
		t.Fatal("Clear(false) dropped the persisted blob")
	}

	k.Clear(true)
	if k.HasPersisted() {
		t.Fatal("Clear(true) kept the persisted blob")
	}
}

func TestRebaseChangesMasterAndSaves(t *testing.T) {
	k := New("")
	k.SetMaster([]byte("master-one"))
	k.Add("item-1")
	if err := k.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	before := k.ToPersisted().Encrypted

	newSalt := make([]byte, 16)
	for i := range newSalt {
		newSalt[i] = byte(i)
	}
	if err := k.Rebase([]byte("master-two"), newSalt, 4096); err != nil {
		t.Fatalf("Rebase: %v", err)
	}
	after := k.ToPersisted().Encrypted
	if before == after {
		t.Fatal("Rebase did not change the persisted blob")
	}

	loaded, err := FromPersisted(k.ToPersisted())
	if err != nil {
		t.Fatalf("FromPersisted: %v", err)
	}
	if err := loaded.Load([]byte("master-one")); err != ErrInvalidMasterKey {
		t.Fatalf("old master after rebase: got %v, want ErrInvalidMasterKey", err)
	}
	if err := loaded.Load([]byte("master-two")); err != nil {
		t.Fatalf("new master after rebase: %v", err)
	}
	if loaded.Size() != 1 {
		t.Fatalf("Size after rebase load = %d, want 1", loaded.Size())
	}
}
