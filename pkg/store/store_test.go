package store

import (
	"errors"
	"testing"

	"medlink/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testMessage(room, sender, text string) models.Message {
	m := models.NewMessage(room, sender, models.KindText, text)
	return m
}

func TestPutGetRoundTrip(t *testing.T) {
	st := openTestStore(t)

	msg := testMessage("room-1", "dr-adams", "hello")
	stored, err := st.Put(msg)
	if err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if stored.Rev != 1 {
		t.Fatalf("expected rev 1 on first write, got %d", stored.Rev)
	}

	got, err := st.GetByCid(msg.Cid)
	if err != nil {
		t.Fatalf("GetByCid error: %v", err)
	}
	if got.Text != "hello" || got.Status != models.StatusLocal || got.RoomID != "room-1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestPutRejectsInvalid(t *testing.T) {
	st := openTestStore(t)

	msg := testMessage("room-1", "dr-adams", "x")
	msg.Cid = ""
	if _, err := st.Put(msg); err == nil {
		t.Fatalf("expected validation error for empty cid")
	}
}

func TestRevConflict(t *testing.T) {
	st := openTestStore(t)

	msg := testMessage("room-1", "dr-adams", "v1")
	stored, err := st.Put(msg)
	if err != nil {
		t.Fatalf("Put error: %v", err)
	}

	// second writer commits first
	second := stored
	second.Text = "v2"
	second.Rev = 0
	if _, err := st.Put(second); err != nil {
		t.Fatalf("Put v2 error: %v", err)
	}

	// first writer still holds rev 1; its conditional write must fail
	stale := stored
	stale.Text = "lost update"
	_, err = st.Put(stale)
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected rev conflict, got %v", err)
	}

	got, err := st.GetByCid(msg.Cid)
	if err != nil {
		t.Fatalf("GetByCid error: %v", err)
	}
	if got.Text != "v2" {
		t.Fatalf("conflict overwrote committed text: %q", got.Text)
	}
}

func TestMutateIncrementsRev(t *testing.T) {
	st := openTestStore(t)

	msg := testMessage("room-1", "dr-adams", "draft")
	if _, err := st.Put(msg); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	updated, err := st.Mutate(msg.Cid, func(rec *models.Message) error {
		rec.Status = models.StatusPending
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate error: %v", err)
	}
	if updated.Rev != 2 || updated.Status != models.StatusPending {
		t.Fatalf("unexpected mutate result: rev=%d status=%s", updated.Rev, updated.Status)
	}
}

func TestListByRoomOrdersByCreatedAt(t *testing.T) {
	st := openTestStore(t)

	// insert out of creation order
	ts := int64(1_700_000_000_000_000_000)
	for _, off := range []int64{5, 1, 3, 2, 4} {
		m := testMessage("room-1", "dr-adams", "m")
		m.CreatedTS = ts + off
		if _, err := st.Put(m); err != nil {
			t.Fatalf("Put error: %v", err)
		}
	}
	// a different room must not leak in
	other := testMessage("room-2", "dr-adams", "other")
	if _, err := st.Put(other); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	msgs, err := st.ListByRoom("room-1")
	if err != nil {
		t.Fatalf("ListByRoom error: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].CreatedTS > msgs[i].CreatedTS {
			t.Fatalf("out of order at %d: %d > %d", i, msgs[i-1].CreatedTS, msgs[i].CreatedTS)
		}
	}
}

func TestStatusIndexFollowsTransitions(t *testing.T) {
	st := openTestStore(t)

	msg := testMessage("room-1", "dr-adams", "x")
	if _, err := st.Put(msg); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	locals, err := st.ListByStatus(models.StatusLocal)
	if err != nil {
		t.Fatalf("ListByStatus error: %v", err)
	}
	if len(locals) != 1 {
		t.Fatalf("expected 1 local, got %d", len(locals))
	}

	if _, err := st.Mutate(msg.Cid, func(rec *models.Message) error {
		rec.ID = "srv-1"
		rec.Status = models.StatusSent
		return nil
	}); err != nil {
		t.Fatalf("Mutate error: %v", err)
	}

	locals, _ = st.ListByStatus(models.StatusLocal)
	if len(locals) != 0 {
		t.Fatalf("stale local index entry after transition")
	}
	sent, _ := st.ListByStatus(models.StatusSent)
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent, got %d", len(sent))
	}

	byID, err := st.GetByID("srv-1")
	if err != nil {
		t.Fatalf("GetByID error: %v", err)
	}
	if byID.Cid != msg.Cid {
		t.Fatalf("id index resolves wrong record: %s", byID.Cid)
	}
}

func TestCountUnsynced(t *testing.T) {
	st := openTestStore(t)

	for i, status := range []models.Status{models.StatusLocal, models.StatusPending, models.StatusFailed, models.StatusSent} {
		m := testMessage("room-1", "dr-adams", "n")
		if _, err := st.Put(m); err != nil {
			t.Fatalf("Put error: %v", err)
		}
		if _, err := st.Mutate(m.Cid, func(rec *models.Message) error {
			rec.Status = status
			if status == models.StatusSent {
				rec.ID = "srv-sent"
			}
			return nil
		}); err != nil {
			t.Fatalf("Mutate %d error: %v", i, err)
		}
	}

	n, err := st.CountUnsynced()
	if err != nil {
		t.Fatalf("CountUnsynced error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 unsynced, got %d", n)
	}
}

func TestDeleteRemovesIndexes(t *testing.T) {
	st := openTestStore(t)

	msg := testMessage("room-1", "dr-adams", "gone")
	if _, err := st.Put(msg); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if err := st.Delete(msg.Cid); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, err := st.GetByCid(msg.Cid); !models.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	msgs, err := st.ListByRoom("room-1")
	if err != nil {
		t.Fatalf("ListByRoom error: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("dangling room index entry after delete")
	}
	locals, _ := st.ListByStatus(models.StatusLocal)
	if len(locals) != 0 {
		t.Fatalf("dangling status index entry after delete")
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	msg := testMessage("room-1", "dr-adams", "durable")
	if _, err := st.Put(msg); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	st2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer st2.Close()
	got, err := st2.GetByCid(msg.Cid)
	if err != nil {
		t.Fatalf("GetByCid after reopen: %v", err)
	}
	if got.Text != "durable" {
		t.Fatalf("lost data across reopen: %+v", got)
	}
}
