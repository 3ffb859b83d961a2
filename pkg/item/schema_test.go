package item

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPrepareCreateRequiresEntry(t *testing.T) {
	raw := []byte(`{"title":"no entry here"}`)
	if _, err := Prepare(raw, nil); !errors.Is(err, ErrInvalidItem) {
		t.Fatalf("Prepare without entry: got %v, want ErrInvalidItem", err)
	}
}

func TestPrepareCreateRejectsUnknownKind(t *testing.T) {
	raw := []byte(`{"entry":{"kind":"totp","username":"u"}}`)
	if _, err := Prepare(raw, nil); !errors.Is(err, ErrInvalidItem) {
		t.Fatalf("Prepare with unknown kind: got %v, want ErrInvalidItem", err)
	}
}

func TestPrepareCreateRejectsUnknownKeys(t *testing.T) {
	raw := []byte(`{"entry":{"kind":"login"},"bogus":"field"}`)
	if _, err := Prepare(raw, nil); !errors.Is(err, ErrInvalidItem) {
		t.Fatalf("Prepare with unknown top-level key: got %v, want ErrInvalidItem", err)
	}
}

func TestPrepareCreateAssignsFreshIDAndTimestamps(t *testing.T) {
	raw := []byte(`{"title":"My Item","entry":{"kind":"login","username":"foo","password":"bar"}}`)
	it, err := Prepare(raw, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if it.ID == "" {
		t.Fatal("ID was not assigned")
	}
	if len(it.History) != 0 {
		t.Fatalf("History = %v, want empty", it.History)
	}
	if it.Created != it.Modified || it.Modified != it.LastUsed {
		t.Fatalf("created/modified/last_used not aligned on creation: %v %v %v", it.Created, it.Modified, it.LastUsed)
	}
	if it.Disabled {
		t.Fatal("Disabled defaulted to true")
	}
	if it.Origins == nil || it.Tags == nil {
		t.Fatal("Origins/Tags were left nil instead of empty sets")
	}
}

func TestPrepareCreateTwoItemsGetDifferentIDs(t *testing.T) {
	raw := []byte(`{"entry":{"kind":"login","username":"foo","password":"bar"}}`)
	a, err := Prepare(raw, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	b, err := Prepare(raw, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("two independently created items share an id")
	}
}

func TestPrepareUpdateRequiresMatchingID(t *testing.T) {
	prev := mustCreate(t, `{"entry":{"kind":"login","username":"foo","password":"bar"}}`)
	raw := []byte(`{"id":"not-the-same-id"}`)
	if _, err := Prepare(raw, prev); !errors.Is(err, ErrInvalidItem) {
		t.Fatalf("Prepare with mismatched id: got %v, want ErrInvalidItem", err)
	}
}

func TestPrepareUpdateGeneratesReversingHistoryPatch(t *testing.T) {
	prev := mustCreate(t, `{"entry":{"kind":"login","username":"foo","password":"bar"}}`)

	raw := []byte(`{"entry":{"kind":"login","username":"foo","password":"baz"}}`)
	next, err := Prepare(raw, prev)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(next.History) != 1 {
		t.Fatalf("History length = %d, want 1", len(next.History))
	}

	reconstructed, err := ReconstructEntry(next.Entry, next.History, 1)
	if err != nil {
		t.Fatalf("ReconstructEntry: %v", err)
	}
	if reconstructed.Password != "bar" {
		t.Fatalf("reconstructed password = %q, want %q", reconstructed.Password, "bar")
	}
}

func TestPrepareUpdateHistoryBounded(t *testing.T) {
	prev := mustCreate(t, `{"entry":{"kind":"login","username":"foo","password":"v0"}}`)

	for i := 1; i <= HistoryLimit+3; i++ {
		raw, _ := json.Marshal(map[string]any{
			"entry": Entry{Kind: KindLogin, Username: "foo", Password: passwordAt(i)},
		})
		next, err := Prepare(raw, prev)
		if err != nil {
			t.Fatalf("Prepare iteration %d: %v", i, err)
		}
		prev = next
	}

	if len(prev.History) != HistoryLimit {
		t.Fatalf("History length = %d, want %d", len(prev.History), HistoryLimit)
	}
}

func TestPrepareUpdatePreservesUnspecifiedFields(t *testing.T) {
	prev := mustCreate(t, `{"title":"Keep Me","origins":["example.com"],"entry":{"kind":"login","username":"foo","password":"bar"}}`)

	raw := []byte(`{"entry":{"kind":"login","username":"foo","password":"baz"}}`)
	next, err := Prepare(raw, prev)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if next.Title != "Keep Me" {
		t.Fatalf("Title = %q, want preserved", next.Title)
	}
	if len(next.Origins) != 1 || next.Origins[0] != "example.com" {
		t.Fatalf("Origins = %v, want preserved", next.Origins)
	}
}

func TestPrepareNormalizesOriginsAndTags(t *testing.T) {
	raw := []byte(`{"origins":["a.example","a.example","b.example"],"tags":["x","x"],"entry":{"kind":"login"}}`)
	it, err := Prepare(raw, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(it.Origins) != 2 {
		t.Fatalf("Origins = %v, want 2 deduplicated entries", it.Origins)
	}
	if len(it.Tags) != 1 {
		t.Fatalf("Tags = %v, want 1 deduplicated entry", it.Tags)
	}
}

func mustCreate(t *testing.T, raw string) *Item {
	t.Helper()
	it, err := Prepare([]byte(raw), nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return it
}

func passwordAt(i int) string {
	return string(rune('a' + (i % 26)))
}
