package item

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Input is the caller-supplied shape accepted by Prepare: only the fields
// a caller may set. Unlike Item, every field but Entry is a pointer so
// Prepare can distinguish "not supplied, keep previous value" from
// "supplied as the zero value".
type Input struct {
	ID       string    `json:"id,omitempty"`
	Title    *string   `json:"title,omitempty"`
	Origins  *[]string `json:"origins,omitempty"`
	Tags     *[]string `json:"tags,omitempty"`
	Entry    *Entry    `json:"entry,omitempty"`
	Disabled *bool     `json:"disabled,omitempty"`
}

// decodeInput parses raw JSON into an Input, rejecting unknown top-level
// keys per spec.md §4.4.
func decodeInput(raw []byte) (Input, error) {
	var in Input
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return Input{}, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	return in, nil
}

// PeekID extracts just the id field from a caller-supplied update
// payload, before full validation, so the caller can look up the
// existing item to pass to Prepare.
func PeekID(raw []byte) (string, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	return in.ID, nil
}

// Prepare normalizes a caller-supplied input into a storable Item, per
// spec.md §4.4.
//
// If previous is nil, this is a creation: input.Entry is required and
// must have a known kind, a fresh id is assigned, and created/modified/
// last_used are all set to now.
//
// If previous is non-nil, this is an update: input.ID, if supplied, must
// equal previous.ID; id and created are carried over; modified is set to
// now; if input.Entry differs from previous.Entry, a history record
// capturing the reverse patch is prepended and the history is truncated
// to HistoryLimit.
func Prepare(raw []byte, previous *Item) (*Item, error) {
	in, err := decodeInput(raw)
	if err != nil {
		return nil, err
	}

	if previous == nil {
		return prepareCreate(in)
	}
	return prepareUpdate(in, previous)
}

func prepareCreate(in Input) (*Item, error) {
	if in.Entry == nil {
		return nil, fmt.Errorf("%w: entry is required", ErrInvalidItem)
	}
	if !in.Entry.knownKind() {
		return nil, fmt.Errorf("%w: unknown entry kind %q", ErrInvalidItem, in.Entry.Kind)
	}
	if in.ID != "" {
		if _, err := uuid.Parse(in.ID); err != nil {
			return nil, fmt.Errorf("%w: malformed id: %v", ErrInvalidItem, err)
		}
	}

	now := time.Now().UTC()
	out := &Item{
		ID:       uuid.NewString(),
		Entry:    *in.Entry,
		Created:  now,
		Modified: now,
		LastUsed: now,
		History:  nil,
	}
	if in.Title != nil {
		out.Title = *in.Title
	}
	if in.Origins != nil {
		out.Origins = normalizeSet(*in.Origins)
	} else {
		out.Origins = []string{}
	}
	if in.Tags != nil {
		out.Tags = normalizeSet(*in.Tags)
	} else {
		out.Tags = []string{}
	}
	if in.Disabled != nil {
		out.Disabled = *in.Disabled
	}
	return out, nil
}

func prepareUpdate(in Input, previous *Item) (*Item, error) {
	if in.ID != "" && in.ID != previous.ID {
		return nil, fmt.Errorf("%w: id must match the existing item", ErrInvalidItem)
	}

	out := &Item{
		ID:       previous.ID,
		Title:    previous.Title,
		Origins:  previous.Origins,
		Tags:     previous.Tags,
		Entry:    previous.Entry,
		Disabled: previous.Disabled,
		Created:  previous.Created,
		Modified: time.Now().UTC(),
		LastUsed: previous.LastUsed,
		History:  previous.History,
	}

	if in.Title != nil {
		out.Title = *in.Title
	}
	if in.Origins != nil {
		out.Origins = normalizeSet(*in.Origins)
	}
	if in.Tags != nil {
		out.Tags = normalizeSet(*in.Tags)
	}
	if in.Disabled != nil {
		out.Disabled = *in.Disabled
	}

	if in.Entry != nil {
		if !in.Entry.knownKind() {
			return nil, fmt.Errorf("%w: unknown entry kind %q", ErrInvalidItem, in.Entry.Kind)
		}
		if !in.Entry.equal(previous.Entry) {
			patch, err := reversePatch(*in.Entry, previous.Entry)
			if err != nil {
				return nil, fmt.Errorf("item: failed to compute history patch: %w", err)
			}
			out.Entry = *in.Entry
			record := HistoryRecord{Created: out.Modified, Patch: patch}
			history := append([]HistoryRecord{record}, previous.History...)
			if len(history) > HistoryLimit {
				history = history[:HistoryLimit]
			}
			out.History = history
		}
	}

	return out, nil
}
