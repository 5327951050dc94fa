package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"medlink/pkg/api"
	"medlink/pkg/models"
	"medlink/pkg/store"
	"medlink/pkg/telemetry"
)

type fakeSender struct {
	mu       stdsync.Mutex
	calls    int
	failures int   // fail this many calls before succeeding
	err      error // error to fail with
	block    chan struct{}
}

func (f *fakeSender) SendMessage(ctx context.Context, m models.Message) (api.SendMessageResponse, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return api.SendMessageResponse{}, f.err
	}
	return api.SendMessageResponse{ID: fmt.Sprintf("srv-%d", f.calls), Cid: m.Cid}, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() Config {
	return Config{
		Interval:    time.Hour, // periodic ticks stay out of the way
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
		CallRetries: 0,
	}
}

func newTestManager(t *testing.T, sender Sender, cfg Config) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open error: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	m := New(st, sender, clockwork.NewRealClock(), cfg)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m, st
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func putLocal(t *testing.T, st *store.Store, room string) models.Message {
	t.Helper()
	msg := models.NewMessage(room, "dr-adams", models.KindText, "status update")
	stored, err := st.Put(msg)
	if err != nil {
		t.Fatalf("Put error: %v", err)
	}
	return stored
}

func TestPassDeliversLocalMessages(t *testing.T) {
	sender := &fakeSender{}
	m, st := newTestManager(t, sender, testConfig())
	msg := putLocal(t, st, "room-1")

	m.SyncNow()
	waitFor(t, "message sent", func() bool {
		got, err := st.GetByCid(msg.Cid)
		return err == nil && got.Status == models.StatusSent && got.ID != ""
	})
	if n, _ := st.CountUnsynced(); n != 0 {
		t.Fatalf("pending changes after delivery: %d", n)
	}
}

func TestRetryableFailureEventuallyDelivers(t *testing.T) {
	sender := &fakeSender{failures: 2, err: &models.NetworkError{Op: "send", Err: errors.New("timeout")}}
	m, st := newTestManager(t, sender, testConfig())
	msg := putLocal(t, st, "room-1")

	m.SyncNow()
	waitFor(t, "delivery after retries", func() bool {
		got, err := st.GetByCid(msg.Cid)
		return err == nil && got.Status == models.StatusSent
	})
	if sender.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", sender.callCount())
	}
	got, _ := st.GetByCid(msg.Cid)
	if got.Attempts != 0 || got.NextRetryTS != 0 {
		t.Fatalf("retry state not cleared: %+v", got)
	}
}

func TestExhaustedAttemptsAreTerminal(t *testing.T) {
	sender := &fakeSender{failures: 1000, err: &models.NetworkError{Op: "send", Err: errors.New("down")}}
	m, st := newTestManager(t, sender, testConfig())
	msg := putLocal(t, st, "room-1")

	m.SyncNow()
	waitFor(t, "terminal failure", func() bool {
		got, err := st.GetByCid(msg.Cid)
		return err == nil && got.Status == models.StatusFailed && got.Attempts >= 3 && got.NextRetryTS == 0
	})
	// no further attempts once terminal
	calls := sender.callCount()
	m.SyncNow()
	time.Sleep(50 * time.Millisecond)
	if sender.callCount() != calls {
		t.Fatalf("terminal record was retried: %d -> %d", calls, sender.callCount())
	}
	if m.Status().Error == "" {
		t.Fatalf("terminal failure not surfaced in status")
	}
}

func TestValidationFailureIsTerminalImmediately(t *testing.T) {
	sender := &fakeSender{failures: 1000, err: &models.ValidationError{Field: "text", Reason: "too long"}}
	m, st := newTestManager(t, sender, testConfig())
	msg := putLocal(t, st, "room-1")

	m.SyncNow()
	waitFor(t, "immediate terminal failure", func() bool {
		got, err := st.GetByCid(msg.Cid)
		return err == nil && got.Status == models.StatusFailed && got.NextRetryTS == 0
	})
	if sender.callCount() != 1 {
		t.Fatalf("non-retryable error was retried: %d calls", sender.callCount())
	}
}

func TestManualRetryRevivesTerminalRecord(t *testing.T) {
	sender := &fakeSender{failures: 3, err: &models.NetworkError{Op: "send", Err: errors.New("down")}}
	m, st := newTestManager(t, sender, testConfig())
	msg := putLocal(t, st, "room-1")

	m.SyncNow()
	waitFor(t, "terminal failure", func() bool {
		got, err := st.GetByCid(msg.Cid)
		return err == nil && got.Status == models.StatusFailed && got.Attempts >= 3
	})

	// sender recovers; user taps retry
	if err := m.RetryMessage(msg.Cid); err != nil {
		t.Fatalf("RetryMessage error: %v", err)
	}
	waitFor(t, "delivery after manual retry", func() bool {
		got, err := st.GetByCid(msg.Cid)
		return err == nil && got.Status == models.StatusSent
	})
	waitFor(t, "error cleared", func() bool { return m.Status().Error == "" })
}

func TestRetryMessageRejectsNonFailed(t *testing.T) {
	sender := &fakeSender{}
	m, st := newTestManager(t, sender, testConfig())
	msg := putLocal(t, st, "room-1")
	if err := m.RetryMessage(msg.Cid); err == nil {
		t.Fatalf("expected error retrying a local record")
	}
}

func TestConcurrentTriggersCoalesce(t *testing.T) {
	before := testutil.ToFloat64(telemetry.SyncCoalesced)
	sender := &fakeSender{block: make(chan struct{})}
	m, st := newTestManager(t, sender, testConfig())
	msg := putLocal(t, st, "room-1")

	m.SyncNow() // starts the pass, blocks inside the sender
	m.SyncNow()
	m.SyncNow()
	m.SyncNow()
	close(sender.block)

	waitFor(t, "message sent", func() bool {
		got, err := st.GetByCid(msg.Cid)
		return err == nil && got.Status == models.StatusSent
	})
	if delta := testutil.ToFloat64(telemetry.SyncCoalesced) - before; delta != 3 {
		t.Fatalf("expected 3 coalesced triggers, got %v", delta)
	}
	if sender.callCount() != 1 {
		t.Fatalf("coalesced passes re-sent the message: %d calls", sender.callCount())
	}
}

func TestOfflineDefersDelivery(t *testing.T) {
	sender := &fakeSender{}
	m, st := newTestManager(t, sender, testConfig())
	m.SetOnline(false)
	msg := putLocal(t, st, "room-1")

	m.SyncNow()
	waitFor(t, "idle pass", func() bool { return !m.Status().IsSyncing })
	if sender.callCount() != 0 {
		t.Fatalf("delivered while offline")
	}

	// connectivity restored: pass runs without an explicit trigger
	m.SetOnline(true)
	waitFor(t, "delivery after reconnect", func() bool {
		got, err := st.GetByCid(msg.Cid)
		return err == nil && got.Status == models.StatusSent
	})
}

func TestRecoverStalePending(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open error: %v", err)
	}
	defer st.Close()
	msg := putLocal(t, st, "room-1")
	if _, err := st.Mutate(msg.Cid, func(rec *models.Message) error {
		rec.Status = models.StatusPending
		return nil
	}); err != nil {
		t.Fatalf("Mutate error: %v", err)
	}

	// a crash mid-pass left the record pending; startup recovers it
	m := New(st, &fakeSender{block: make(chan struct{})}, clockwork.NewRealClock(), testConfig())
	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, "pending recovered", func() bool {
		got, err := st.GetByCid(msg.Cid)
		return err == nil && got.Status == models.StatusLocal
	})
}

func TestSubscribeAndUnsubscribeInsideHandler(t *testing.T) {
	sender := &fakeSender{}
	m, st := newTestManager(t, sender, testConfig())

	var mu stdsync.Mutex
	var fired int
	var tok int
	tok = m.Subscribe(func(s models.SyncStatus) {
		mu.Lock()
		fired++
		mu.Unlock()
		m.Unsubscribe(tok) // revocation from inside the handler
	})

	putLocal(t, st, "room-1")
	m.SyncNow()
	waitFor(t, "handler fired once", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired >= 1
	})
}

func TestStatusSnapshot(t *testing.T) {
	sender := &fakeSender{}
	m, st := newTestManager(t, sender, testConfig())
	putLocal(t, st, "room-1")
	putLocal(t, st, "room-1")

	s := m.Status()
	if !s.IsOnline || s.PendingChanges != 2 || s.State != models.SyncIdle {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}
