package events

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"lukechampine.com/blake3"

	"milestonemarket/core/types"
	"milestonemarket/storage"
)

var (
	journalHeadKey     = []byte("journal/head")
	journalEventPrefix = []byte("journal/event/")
)

// Record is a journaled event with its position in the append-only log.
// Digest chains each record to its predecessor.
type Record struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Digest     string            `json:"digest,omitempty"`
}

// Clone returns a copy of the record with its own attribute map.
func (r Record) Clone() Record {
	attrs := make(map[string]string, len(r.Attributes))
	for k, v := range r.Attributes {
		attrs[k] = v
	}
	r.Attributes = attrs
	return r
}

// ErrJournalTampered reports a broken digest chain.
var ErrJournalTampered = errors.New("journal: digest chain broken")

// Journal persists every emitted payload to a key-value store in emission
// order. Sequences start at 1.
type Journal struct {
	mu        sync.Mutex
	db        storage.Database
	head      uint64
	last      [32]byte
	logger    *slog.Logger
	observers []func(Record)
}

// OpenJournal loads the current head from db.
func OpenJournal(db storage.Database, logger *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{db: db, logger: logger}
	raw, err := db.Get(journalHeadKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("journal: read head: %w", err)
	case len(raw) != 8:
		return nil, fmt.Errorf("journal: corrupt head (%d bytes)", len(raw))
	default:
		j.head = binary.BigEndian.Uint64(raw)
	}
	if j.head > 0 {
		rec, err := j.read(j.head)
		if err != nil {
			return nil, err
		}
		digest, err := hex.DecodeString(rec.Digest)
		if err != nil || len(digest) != len(j.last) {
			return nil, fmt.Errorf("%w at %d", ErrJournalTampered, j.head)
		}
		copy(j.last[:], digest)
	}
	return j, nil
}

// Emit implements the Emitter interface. Write failures are logged; the
// emitting operation has already committed and cannot be rolled back.
func (j *Journal) Emit(evt Event) {
	payload, ok := PayloadOf(evt)
	if !ok {
		return
	}
	if _, err := j.Append(payload); err != nil {
		j.logger.Error("journal append failed", "type", payload.Type, "error", err)
	}
}

// Append writes the payload and returns its sequence.
func (j *Journal) Append(evt *types.Event) (uint64, error) {
	if evt == nil {
		return 0, fmt.Errorf("journal: nil event")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	next := j.head + 1
	rec := Record{Sequence: next, Type: evt.Type, Attributes: evt.Clone().Attributes}
	digest := chainDigest(j.last, rec)
	rec.Digest = hex.EncodeToString(digest[:])
	encoded, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	if err := j.db.Put(journalKey(next), encoded); err != nil {
		return 0, err
	}
	var head [8]byte
	binary.BigEndian.PutUint64(head[:], next)
	if err := j.db.Put(journalHeadKey, head[:]); err != nil {
		return 0, err
	}
	j.head = next
	j.last = digest
	for _, observe := range j.observers {
		observe(rec)
	}
	return next, nil
}

// Observe registers fn to receive every record after it is persisted. fn runs
// under the journal lock, in sequence order, and must not block.
func (j *Journal) Observe(fn func(Record)) {
	if fn == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.observers = append(j.observers, fn)
}

// Head returns the sequence of the most recent record, or 0 when empty.
func (j *Journal) Head() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head
}

// Range returns up to limit records with sequence > after.
func (j *Journal) Range(after uint64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	head := j.Head()
	out := make([]Record, 0, limit)
	for seq := after + 1; seq <= head && len(out) < limit; seq++ {
		rec, err := j.read(seq)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Verify recomputes the digest chain from the first record to the head.
func (j *Journal) Verify() error {
	head := j.Head()
	var prev [32]byte
	for seq := uint64(1); seq <= head; seq++ {
		rec, err := j.read(seq)
		if err != nil {
			return err
		}
		expected := chainDigest(prev, rec)
		if rec.Sequence != seq || rec.Digest != hex.EncodeToString(expected[:]) {
			return fmt.Errorf("%w at %d", ErrJournalTampered, seq)
		}
		prev = expected
	}
	return nil
}

func (j *Journal) read(seq uint64) (Record, error) {
	raw, err := j.db.Get(journalKey(seq))
	if err != nil {
		return Record{}, fmt.Errorf("journal: read %d: %w", seq, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("journal: decode %d: %w", seq, err)
	}
	return rec, nil
}

// chainDigest hashes prev with a canonical encoding of rec. Attributes are
// written in key order.
func chainDigest(prev [32]byte, rec Record) [32]byte {
	var buf bytes.Buffer
	buf.Write(prev[:])
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], rec.Sequence)
	buf.Write(seq[:])
	writeDelimited(&buf, rec.Type)
	keys := make([]string, 0, len(rec.Attributes))
	for k := range rec.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeDelimited(&buf, k)
		writeDelimited(&buf, rec.Attributes[k])
	}
	return blake3.Sum256(buf.Bytes())
}

func writeDelimited(buf *bytes.Buffer, value string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(value)))
	buf.Write(n[:])
	buf.WriteString(value)
}

func journalKey(seq uint64) []byte {
	key := make([]byte, len(journalEventPrefix)+8)
	copy(key, journalEventPrefix)
	binary.BigEndian.PutUint64(key[len(journalEventPrefix):], seq)
	return key
}
