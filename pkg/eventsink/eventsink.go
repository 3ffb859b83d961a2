// Package eventsink implements the mutation notification sink the vault
// calls out to on every successful add/update/touch/remove, per
// spec.md §4.7, plus a concrete HMAC hash-chained file sink adapted from
// the audit log the teacher ships.
package eventsink

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Method identifies the kind of mutation being recorded.
type Method string

const (
	MethodAdded   Method = "added"
	MethodUpdated Method = "updated"
	MethodTouched Method = "touched"
	MethodDeleted Method = "deleted"
)

// Sink receives a mutation notification. The vault never waits on its
// result to commit and ignores any error it returns, per spec.md §4.7.
type Sink interface {
	Record(method Method, id string, fields []string) error
}

// NopSink discards every notification. It is the Vault's default sink
// when none is configured.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(Method, string, []string) error { return nil }

// event is the on-disk shape of one recorded mutation.
type event struct {
	Version   int    `json:"v"`
	ID        string `json:"id"`
	Timestamp string `json:"ts"`
	Method    string `json:"method"`
	ItemID    string `json:"item_id"`
	Fields    string `json:"fields,omitempty"`
	Chain     chain  `json:"chain"`
}

type chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// chainState is the persisted bookkeeping needed to keep appending to the
// chain across process restarts.
type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

const (
	eventsFileName = "events.jsonl"
	stateFileName  = "events.meta"
	hkdfInfo       = "eventsink-hmac-v1"
)

// AuditSink appends an HMAC hash-chained JSON line per mutation to a
// directory, so a tampered or truncated event history is detectable. The
// HMAC key is derived via HKDF-SHA256 from the vault's master key,
// exactly as the teacher's audit.Logger.SetHMACKey derives its key. A
// sink can be constructed before the master secret is known (the vault
// opens its Store before Initialize/Unlock supplies one); SetHMACKey
// binds the key once it does, mirroring the teacher's NewLogger/
// SetHMACKey split.
type AuditSink struct {
	dir string

	mu       sync.Mutex
	hmacKey  []byte
	sequence int64
	prevHash string
}

// NewAuditSink loads any existing chain state found under dir, creating
// dir if necessary. The sink cannot Record until SetHMACKey is called.
func NewAuditSink(dir string) (*AuditSink, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("eventsink: failed to create directory: %w", err)
	}

	s := &AuditSink{dir: dir, prevHash: "genesis"}

	if err := s.loadState(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("eventsink: failed to load chain state: %w", err)
	}

	return s, nil
}

// SetHMACKey derives the sink's HMAC key from master via HKDF-SHA256,
// exactly as the teacher's audit.Logger.SetHMACKey does. It must be
// called before Record; the vault calls it as part of Initialize and
// Unlock, once master is known.
func (s *AuditSink) SetHMACKey(master []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reader := hkdf.New(sha256.New, master, nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := reader.Read(key); err != nil {
		return fmt.Errorf("eventsink: failed to derive HMAC key: %w", err)
	}
	s.hmacKey = key
	return nil
}

// Record implements Sink. Until SetHMACKey has bound a key it writes
// nothing and returns an error.
func (s *AuditSink) Record(method Method, id string, fields []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hmacKey == nil {
		return fmt.Errorf("eventsink: HMAC key not set")
	}

	e := event{
		Version:   1,
		ID:        newEventID(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Method:    string(method),
		ItemID:    id,
		Fields:    strings.Join(fields, ","),
	}

	s.sequence++
	e.Chain.Sequence = s.sequence
	e.Chain.PrevHash = s.prevHash

	mac := hmac.New(sha256.New, s.hmacKey)
	mac.Write(recordData(&e))
	e.Chain.HMAC = hex.EncodeToString(mac.Sum(nil))
	s.prevHash = e.Chain.HMAC

	if err := s.appendEvent(&e); err != nil {
		return err
	}
	return s.saveState()
}

// Verify replays every recorded event and reports whether the chain is
// intact: each record's HMAC matches and the sequence/prev-hash links are
// unbroken.
func (s *AuditSink) Verify() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.readEvents()
	if err != nil {
		return false, err
	}

	expectedPrev := "genesis"
	var expectedSeq int64 = 1
	for _, e := range events {
		if e.Chain.Sequence != expectedSeq || e.Chain.PrevHash != expectedPrev {
			return false, nil
		}
		mac := hmac.New(sha256.New, s.hmacKey)
		mac.Write(recordData(&e))
		if e.Chain.HMAC != hex.EncodeToString(mac.Sum(nil)) {
			return false, nil
		}
		expectedPrev = e.Chain.HMAC
		expectedSeq++
	}
	return true, nil
}

func recordData(e *event) []byte {
	return []byte(fmt.Sprintf("%d|%s|%s|%s|%s|%s|%d|%s",
		e.Version, e.ID, e.Timestamp, e.Method, e.ItemID, e.Fields,
		e.Chain.Sequence, e.Chain.PrevHash))
}

func (s *AuditSink) appendEvent(e *event) error {
	f, err := os.OpenFile(filepath.Join(s.dir, eventsFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("eventsink: failed to open event log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("eventsink: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("eventsink: failed to write event: %w", err)
	}
	return nil
}

func (s *AuditSink) readEvents() ([]event, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, eventsFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventsink: failed to read event log: %w", err)
	}

	var events []event
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var e event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("eventsink: failed to parse event log line: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

func (s *AuditSink) rewriteEvents(events []event) error {
	f, err := os.OpenFile(filepath.Join(s.dir, eventsFileName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("eventsink: failed to rewrite event log: %w", err)
	}
	defer f.Close()

	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("eventsink: failed to marshal event: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("eventsink: failed to write event: %w", err)
		}
	}
	return nil
}

func (s *AuditSink) loadState() error {
	data, err := os.ReadFile(filepath.Join(s.dir, stateFileName))
	if err != nil {
		return err
	}
	var st chainState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("eventsink: failed to parse chain state: %w", err)
	}
	s.sequence = st.Sequence
	s.prevHash = st.PrevHash
	return nil
}

func (s *AuditSink) saveState() error {
	data, err := json.Marshal(chainState{Sequence: s.sequence, PrevHash: s.prevHash})
	if err != nil {
		return fmt.Errorf("eventsink: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, stateFileName), data, 0600); err != nil {
		return fmt.Errorf("eventsink: failed to save chain state: %w", err)
	}
	return nil
}

func newEventID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("event-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
