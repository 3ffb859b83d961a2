package item

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// reversePatch computes the JSON merge patch (RFC 7396) that transforms
// next back into previous, per spec.md §4.4: "applying patches in order
// reconstructs older states".
func reversePatch(next, previous Entry) ([]byte, error) {
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	prevJSON, err := json.Marshal(previous)
	if err != nil {
		return nil, err
	}
	return jsonpatch.CreateMergePatch(nextJSON, prevJSON)
}

// ReconstructEntry applies up to n history patches, in order, to current,
// recovering an older entry state. n=0 returns current unchanged; n=1
// returns the entry state immediately before the most recent change, and
// so on. Supplements spec.md §3's remark that history enables
// reconstructing older states — no pack repo or the distilled spec names
// this operation, but it falls directly out of the history format it
// requires.
func ReconstructEntry(current Entry, history []HistoryRecord, n int) (Entry, error) {
	if n > len(history) {
		n = len(history)
	}
	entryJSON, err := json.Marshal(current)
	if err != nil {
		return Entry{}, err
	}
	for i := 0; i < n; i++ {
		entryJSON, err = jsonpatch.MergePatch(entryJSON, history[i].Patch)
		if err != nil {
			return Entry{}, fmt.Errorf("item: failed to apply history patch %d: %w", i, err)
		}
	}
	var out Entry
	if err := json.Unmarshal(entryJSON, &out); err != nil {
		return Entry{}, err
	}
	return out, nil
}

// Field names Diff reports, per spec.md §4.4; Entry fields carry an
// "entry." prefix.
const (
	fieldTitle         = "title"
	fieldOrigins       = "origins"
	fieldEntryUsername = "entry.username"
	fieldEntryPassword = "entry.password"
	fieldEntryNotes    = "entry.notes"
)

// Diff returns a comma-joined list of the top-level fields that changed
// between previous and next, in the canonical order spec.md §4.4 names:
// title, origins, entry.username, entry.password, entry.notes. origins is
// compared as a set; everything else, as a string.
func Diff(previous, next *Item) string {
	var changed []string

	if previous.Title != next.Title {
		changed = append(changed, fieldTitle)
	}
	if !setEqual(previous.Origins, next.Origins) {
		changed = append(changed, fieldOrigins)
	}
	if previous.Entry.Username != next.Entry.Username {
		changed = append(changed, fieldEntryUsername)
	}
	if previous.Entry.Password != next.Entry.Password {
		changed = append(changed, fieldEntryPassword)
	}
	if previous.Entry.Notes != next.Entry.Notes {
		changed = append(changed, fieldEntryNotes)
	}

	return strings.Join(changed, ",")
}
