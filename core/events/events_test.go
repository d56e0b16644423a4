package events

import (
	"encoding/json"
	"errors"
	"testing"

	"milestonemarket/core/types"
	"milestonemarket/storage"
)

func TestJournalPersistsInOrder(t *testing.T) {
	db := storage.NewMemDB()
	journal, err := OpenJournal(db, nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	journal.Emit(Wrap(&types.Event{Type: "a", Attributes: map[string]string{"k": "1"}}))
	journal.Emit(Wrap(&types.Event{Type: "b"}))
	journal.Emit(NoopEvent{})

	reopened, err := OpenJournal(db, nil)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	if reopened.Head() != 2 {
		t.Fatalf("expected head 2, got %d", reopened.Head())
	}
	records, err := reopened.Range(0, 10)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(records) != 2 || records[0].Type != "a" || records[1].Type != "b" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].Attributes["k"] != "1" {
		t.Fatalf("attributes not persisted: %+v", records[0])
	}
	tail, err := reopened.Range(1, 10)
	if err != nil {
		t.Fatalf("range tail: %v", err)
	}
	if len(tail) != 1 || tail[0].Sequence != 2 {
		t.Fatalf("unexpected tail: %+v", tail)
	}
}

func TestJournalDigestChain(t *testing.T) {
	db := storage.NewMemDB()
	journal, err := OpenJournal(db, nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	for _, typ := range []string{"a", "b"} {
		if _, err := journal.Append(&types.Event{Type: typ, Attributes: map[string]string{"x": typ, "y": "2"}}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	reopened, err := OpenJournal(db, nil)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	if _, err := reopened.Append(&types.Event{Type: "c"}); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if err := reopened.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	records, err := reopened.Range(0, 10)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(records) != 3 || records[0].Digest == "" || records[0].Digest == records[1].Digest {
		t.Fatalf("unexpected digests: %+v", records)
	}

	forged := records[1]
	forged.Attributes["x"] = "forged"
	raw, err := json.Marshal(forged)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := db.Put(journalKey(2), raw); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := reopened.Verify(); !errors.Is(err, ErrJournalTampered) {
		t.Fatalf("expected tamper error, got %v", err)
	}
}

func TestFanoutAndRecorder(t *testing.T) {
	first := &Recorder{}
	second := &Recorder{}
	fan := Fanout{first, nil, second}
	fan.Emit(Wrap(&types.Event{Type: "escrow.created"}))
	if len(first.Events()) != 1 || len(second.Events()) != 1 {
		t.Fatalf("expected both recorders to capture the event")
	}
	if got := first.OfType("escrow.created"); len(got) != 1 {
		t.Fatalf("expected OfType match, got %d", len(got))
	}
	first.Reset()
	if len(first.Events()) != 0 {
		t.Fatalf("expected reset recorder to be empty")
	}
}

func TestBroadcasterDeliversToSubscribers(t *testing.T) {
	b := NewBroadcaster(1)
	ch, cancel := b.Subscribe()
	b.Publish(Record{Sequence: 1, Type: "x", Attributes: map[string]string{"k": "v"}})
	b.Publish(Record{Sequence: 2, Type: "dropped"})
	rec := <-ch
	if rec.Type != "x" || rec.Sequence != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
	cancel()
	cancel()
	if b.Subscribers() != 0 {
		t.Fatalf("expected no subscribers after cancel")
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
}

func TestJournalObserversSeePersistedRecords(t *testing.T) {
	j, err := OpenJournal(storage.NewMemDB(), nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	b := NewBroadcaster(4)
	j.Observe(b.Publish)
	ch, cancel := b.Subscribe()
	defer cancel()
	j.Emit(Wrap(&types.Event{Type: "a", Attributes: map[string]string{"n": "1"}}))
	j.Emit(Wrap(&types.Event{Type: "b", Attributes: map[string]string{"n": "2"}}))
	for want := uint64(1); want <= 2; want++ {
		rec := <-ch
		if rec.Sequence != want || rec.Digest == "" {
			t.Fatalf("expected persisted record %d, got %+v", want, rec)
		}
	}
}

// NoopEvent carries no payload and must be ignored by sinks.
type NoopEvent struct{}

func (NoopEvent) EventType() string { return "noop" }
