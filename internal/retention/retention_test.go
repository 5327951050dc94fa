package retention

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"medlink/pkg/models"
	"medlink/pkg/store"
)

func seedFailed(t *testing.T, st *store.Store, cid string, terminal bool) {
	t.Helper()
	msg := models.NewMessage("room-1", "dr-adams", models.KindText, "x")
	msg.Cid = cid
	if _, err := st.Put(msg); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if _, err := st.Mutate(cid, func(rec *models.Message) error {
		rec.Status = models.StatusFailed
		rec.Attempts = 5
		if terminal {
			rec.NextRetryTS = 0
		} else {
			rec.NextRetryTS = time.Now().Add(time.Minute).UnixNano()
		}
		return nil
	}); err != nil {
		t.Fatalf("Mutate error: %v", err)
	}
}

func TestRunOncePurgesOnlyOldTerminalFailures(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open error: %v", err)
	}
	defer st.Close()

	seedFailed(t, st, "old-terminal", true)
	seedFailed(t, st, "live-retry", false)
	sent := models.NewMessage("room-1", "dr-adams", models.KindText, "kept")
	if _, err := st.Put(sent); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	// a clock far in the future makes every record "old"
	fc := clockwork.NewFakeClockAt(time.Now().Add(90 * 24 * time.Hour))
	s := New(st, fc, Config{Enabled: true, Cron: "0 3 * * *", MaxAge: 30 * 24 * time.Hour})
	if err := s.RunOnce(); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if _, err := st.GetByCid("old-terminal"); !models.IsNotFound(err) {
		t.Fatalf("terminal failure not purged: %v", err)
	}
	if _, err := st.GetByCid("live-retry"); err != nil {
		t.Fatalf("scheduled retry purged: %v", err)
	}
	if _, err := st.GetByCid(sent.Cid); err != nil {
		t.Fatalf("non-failed record purged: %v", err)
	}
}

func TestRunOnceKeepsRecentTerminalFailures(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open error: %v", err)
	}
	defer st.Close()

	seedFailed(t, st, "fresh-terminal", true)

	s := New(st, clockwork.NewRealClock(), Config{Enabled: true, Cron: "0 3 * * *", MaxAge: 30 * 24 * time.Hour})
	if err := s.RunOnce(); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if _, err := st.GetByCid("fresh-terminal"); err != nil {
		t.Fatalf("recent terminal failure purged: %v", err)
	}
}
