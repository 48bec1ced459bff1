package store

import (
	"errors"
	"math"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, _, err := OpenMigrated("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newPending(clientID string) *PendingMessage {
	return &PendingMessage{
		ClientID: clientID,
		Content:  "hello " + clientID,
		Sender:   Sender{ID: "u1", Username: "alice"},
		Location: Location{Lat: -3.73, Long: -38.52},
		SentAt:   time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestOpenMemoryIsolatesSessions(t *testing.T) {
	a := testDB(t)
	b := testDB(t)
	if a.Name() == b.Name() {
		t.Fatalf("both databases named %q", a.Name())
	}
	if err := a.InsertPending(newPending("c1")); err != nil {
		t.Fatal(err)
	}
	got, err := b.ListPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("second session sees %d pending, want 0", len(got))
	}
}

func TestPendingInsertGetList(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"c1", "c2", "c3"} {
		if err := db.InsertPending(newPending(id)); err != nil {
			t.Fatal(err)
		}
	}

	p, err := db.GetPending("c2")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatal("expected pending c2")
	}
	if p.Content != "hello c2" || p.Sender.Username != "alice" {
		t.Errorf("got %+v", p)
	}
	if !p.SentAt.Equal(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("sentAt = %v", p.SentAt)
	}
	if !p.Pending() {
		t.Error("new entry should be pending")
	}

	missing, err := db.GetPending("nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown clientId, got %+v", missing)
	}

	list, err := db.ListPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("got %d entries, want 3", len(list))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if list[i].ClientID != want {
			t.Errorf("list[%d] = %q, want %q", i, list[i].ClientID, want)
		}
	}
}

func TestPendingClientIDIsUnique(t *testing.T) {
	db := testDB(t)
	if err := db.InsertPending(newPending("dup")); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertPending(newPending("dup")); err == nil {
		t.Error("expected UNIQUE violation for reused clientId")
	}
}

func TestPendingCannotBeFailedAndSucceeded(t *testing.T) {
	db := testDB(t)
	p := newPending("bad")
	p.Failed = true
	p.Succeeded = true
	if err := db.InsertPending(p); err == nil {
		t.Error("expected CHECK violation")
	}
}

func TestMarkPendingFailureBudget(t *testing.T) {
	db := testDB(t)
	if err := db.InsertPending(newPending("c1")); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)
	for i := 1; i <= 4; i++ {
		p, err := db.MarkPendingFailure("c1", 5, at)
		if err != nil {
			t.Fatal(err)
		}
		if p.Retries != i || p.Failed {
			t.Fatalf("attempt %d: retries=%d failed=%v", i, p.Retries, p.Failed)
		}
	}

	p, err := db.MarkPendingFailure("c1", 5, at)
	if err != nil {
		t.Fatal(err)
	}
	if p.Retries != 5 || !p.Failed || p.Succeeded {
		t.Errorf("after 5 failures: %+v", p)
	}
	if !p.SentAt.Equal(at) {
		t.Errorf("sentAt = %v, want %v", p.SentAt, at)
	}

	// Failed entries stay put.
	p, err = db.MarkPendingFailure("c1", 5, at)
	if err != nil {
		t.Fatal(err)
	}
	if p.Retries != 5 {
		t.Errorf("retries = %d, want 5", p.Retries)
	}

	replay, err := db.ReplayablePending()
	if err != nil {
		t.Fatal(err)
	}
	if len(replay) != 0 {
		t.Errorf("failed entry should not be replayable, got %d", len(replay))
	}
}

func TestMarkPendingFailureUnknown(t *testing.T) {
	db := testDB(t)
	p, err := db.MarkPendingFailure("ghost", 5, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Errorf("expected nil, got %+v", p)
	}
}

func TestReplayableExcludesSucceeded(t *testing.T) {
	db := testDB(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := db.InsertPending(newPending(id)); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.MarkPendingSucceeded("b"); err != nil {
		t.Fatal(err)
	}

	replay, err := db.ReplayablePending()
	if err != nil {
		t.Fatal(err)
	}
	if len(replay) != 2 || replay[0].ClientID != "a" || replay[1].ClientID != "c" {
		t.Errorf("got %+v", replay)
	}
}

func TestResetPendingForResend(t *testing.T) {
	db := testDB(t)
	if err := db.InsertPending(newPending("c1")); err != nil {
		t.Fatal(err)
	}
	for range 5 {
		if _, err := db.MarkPendingFailure("c1", 5, time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	p, err := db.ResetPendingForResend("c1", at)
	if err != nil {
		t.Fatal(err)
	}
	if p.Failed || p.Succeeded || p.Retries != 6 {
		t.Errorf("got %+v", p)
	}
	if !p.SentAt.Equal(at) {
		t.Errorf("sentAt = %v, want %v", p.SentAt, at)
	}

	if _, err := db.ResetPendingForResend("ghost", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestIngestConfirmedIsIdempotent(t *testing.T) {
	db := testDB(t)
	if err := db.InsertPending(newPending("c1")); err != nil {
		t.Fatal(err)
	}

	m := &Message{
		ID:               "srv-1",
		ClientID:         "c1",
		Sender:           Sender{ID: "u1", Username: "alice"},
		SentAt:           time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		ReceivedAt:       time.Date(2024, 1, 1, 12, 0, 1, 0, time.UTC),
		Content:          "hello",
		Location:         Location{Lat: 1, Long: 2},
		DistanceInMeters: 12.5,
	}
	inserted, err := db.IngestConfirmed(m)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("first ingest should insert")
	}
	if m.Seq == 0 {
		t.Error("seq not assigned")
	}

	again := *m
	again.Seq = 0
	inserted, err = db.IngestConfirmed(&again)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("second ingest should be a no-op")
	}

	msgs, err := db.ListMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].DistanceInMeters != 12.5 {
		t.Errorf("distance = %v, want 12.5", msgs[0].DistanceInMeters)
	}

	p, err := db.GetPending("c1")
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Error("pending entry should be removed on confirmation")
	}

	has, err := db.HasMessage("c1")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("HasMessage(c1) = false")
	}
}

func TestIngestConfirmedUnknownDistance(t *testing.T) {
	db := testDB(t)
	m := &Message{ID: "srv-1", ClientID: "c1", DistanceInMeters: math.NaN()}
	if _, err := db.IngestConfirmed(m); err != nil {
		t.Fatal(err)
	}
	msgs, err := db.ListMessages()
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(msgs[0].DistanceInMeters) {
		t.Errorf("distance = %v, want NaN", msgs[0].DistanceInMeters)
	}
}

func TestIngestConfirmedZeroTimes(t *testing.T) {
	db := testDB(t)
	sentAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	if _, err := db.IngestConfirmed(&Message{ID: "srv-1", ClientID: "c1", SentAt: sentAt}); err != nil {
		t.Fatal(err)
	}
	msgs, err := db.ListMessages()
	if err != nil {
		t.Fatal(err)
	}
	if !msgs[0].SentAt.Equal(sentAt) {
		t.Errorf("sentAt = %v, want %v", msgs[0].SentAt, sentAt)
	}
	if !msgs[0].ReceivedAt.IsZero() {
		t.Errorf("receivedAt = %v, want zero", msgs[0].ReceivedAt)
	}
}

func TestIngestConfirmedWithoutClientID(t *testing.T) {
	db := testDB(t)
	for _, id := range []string{"s1", "s2", "s1"} {
		if _, err := db.IngestConfirmed(&Message{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := db.CountMessages()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestTrimMessages(t *testing.T) {
	db := testDB(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		if _, err := db.IngestConfirmed(&Message{ID: id, ClientID: id}); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := db.TrimMessages(2)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	msgs, err := db.ListMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ClientID != "c" || msgs[1].ClientID != "d" {
		t.Errorf("got %+v", msgs)
	}

	removed, err = db.TrimMessages(0)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("TrimMessages(0) removed %d", removed)
	}
}
