package sync

import (
	"math"
	"testing"
	"time"

	"github.com/matheus3301/geochat/internal/bus"
	"github.com/matheus3301/geochat/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, _, err := store.OpenMigrated("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func confirmed(id, clientID string) *store.Message {
	return &store.Message{
		ID:               id,
		ClientID:         clientID,
		Sender:           store.Sender{ID: "u2", Username: "bob"},
		SentAt:           time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ReceivedAt:       time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC),
		Content:          "hi " + id,
		DistanceInMeters: math.NaN(),
	}
}

func TestEngineIngestMessage(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, nil)

	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	inserted, err := e.Ingest(confirmed("s1", "c1"))
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("expected insert")
	}

	msgs, err := e.Messages()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi s1" {
		t.Errorf("got %d messages, want 1 with content=hi s1", len(msgs))
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindConfirmed {
			t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindConfirmed)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

// TestEngineIdempotent verifies that redelivery of the same clientId keeps a
// single log entry and publishes a single event.
func TestEngineIdempotent(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, nil)

	ch, unsub := b.Subscribe(bus.KindConfirmed, 10)
	defer unsub()

	for range 3 {
		if _, err := e.Ingest(confirmed("s1", "c1")); err != nil {
			t.Fatal(err)
		}
	}
	// Same clientId under a different server id is still a duplicate.
	inserted, err := e.Ingest(confirmed("s1-retry", "c1"))
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("duplicate clientId inserted")
	}

	msgs, err := e.Messages()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1", len(msgs))
	}

	<-ch
	select {
	case evt := <-ch:
		t.Errorf("unexpected second event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngineRemovesMatchingPending(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, nil)

	for _, id := range []string{"mine", "other"} {
		if err := db.InsertPending(&store.PendingMessage{ClientID: id, Content: id, SentAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := e.Ingest(confirmed("s1", "mine")); err != nil {
		t.Fatal(err)
	}
	if p, _ := db.GetPending("mine"); p != nil {
		t.Error("pending entry for confirmed clientId still present")
	}
	if p, _ := db.GetPending("other"); p == nil {
		t.Error("unrelated pending entry removed")
	}

	ok, err := e.Contains("mine")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("Contains(mine) = false")
	}

	n, err := e.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

// TestEngineForeignMessage covers a notification for a clientId never
// created locally.
func TestEngineForeignMessage(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, nil)
	if err := db.InsertPending(&store.PendingMessage{ClientID: "mine", SentAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Ingest(confirmed("s9", "someone-else")); err != nil {
		t.Fatal(err)
	}

	pending, err := db.ListPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientID != "mine" {
		t.Errorf("pending store changed: %+v", pending)
	}
}

func TestEnginePreservesArrivalOrder(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, nil)

	late := confirmed("s2", "c2")
	late.SentAt = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	early := confirmed("s1", "c1")

	for _, m := range []*store.Message{late, early} {
		if _, err := e.Ingest(m); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := e.Messages()
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].ClientID != "c2" || msgs[1].ClientID != "c1" {
		t.Errorf("order = [%s %s], want [c2 c1]", msgs[0].ClientID, msgs[1].ClientID)
	}
}

func TestEngineRetention(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, nil)
	e.SetRetention(2)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := e.Ingest(confirmed(id, id)); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := e.Messages()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ClientID != "b" {
		t.Errorf("got %+v, want [b c]", msgs)
	}
}
