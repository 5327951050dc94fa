package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"

	"medlink/pkg/api"
	"medlink/pkg/logger"
	"medlink/pkg/models"
	"medlink/pkg/store"
	"medlink/pkg/telemetry"
)

// Sender is the outbound delivery dependency; *api.Client satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, m models.Message) (api.SendMessageResponse, error)
}

// Config tunes the reconciliation engine. Zero values get defaults from
// Validate in pkg/config; the constructor does not re-default.
type Config struct {
	// Interval between periodic passes.
	Interval time.Duration
	// MaxAttempts before a record becomes terminally failed.
	MaxAttempts int
	// BaseBackoff / MaxBackoff bound the per-record reschedule delay
	// and the in-call transport retries.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// CallRetries is the number of transparent transport retries inside
	// one delivery attempt.
	CallRetries uint64
}

// Manager is the reconciliation engine between the local log and the
// server. One instance lives for the whole process; at most one full
// pass runs at a time and triggers arriving mid-pass are coalesced into
// one follow-up pass.
type Manager struct {
	st     *store.Store
	sender Sender
	clock  clockwork.Clock
	cfg    Config

	mu         sync.Mutex
	state      models.SyncState
	online     bool
	lastSyncTS int64
	errMsg     string

	passRunning int32 // CAS guard: at most one pass
	rerun       int32 // a trigger arrived mid-pass

	subMu   sync.Mutex
	subs    map[int]func(models.SyncStatus)
	nextSub int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a stopped manager. Call Start to begin periodic passes.
func New(st *store.Store, sender Sender, clock clockwork.Clock, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		ctx:    ctx,
		cancel: cancel,
		st:     st,
		sender: sender,
		clock:  clock,
		cfg:    cfg,
		state:  models.SyncIdle,
		online: true,
		subs:   make(map[int]func(models.SyncStatus)),
	}
}

// Start recovers stale in-flight records, then runs the periodic loop
// until Stop.
func (m *Manager) Start(ctx context.Context) {
	m.cancel()
	m.ctx, m.cancel = context.WithCancel(ctx)
	if err := m.recoverStalePending(); err != nil {
		logger.Warn("sync_recover_pending_failed", "error", err)
	}
	m.wg.Add(1)
	go m.loop()
	logger.Info("sync_manager_started", "interval", m.cfg.Interval.String(), "max_attempts", m.cfg.MaxAttempts)
}

// Stop cancels the loop and waits for an in-flight pass to wind down.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.Chan():
			m.SyncNow()
		}
	}
}

// A crash mid-pass can leave records in pending forever; move them back
// to local so the next pass picks them up.
func (m *Manager) recoverStalePending() error {
	stale, err := m.st.ListByStatus(models.StatusPending)
	if err != nil {
		return err
	}
	for _, msg := range stale {
		_, err := m.st.Mutate(msg.Cid, func(rec *models.Message) error {
			if rec.Status == models.StatusPending {
				rec.Status = models.StatusLocal
			}
			return nil
		})
		if err != nil {
			return err
		}
		logger.Info("sync_recovered_pending", "cid", msg.Cid)
	}
	return nil
}

// SetOnline records a connectivity transition. Coming back online
// triggers an immediate pass.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	m.mu.Unlock()
	if online && !was {
		logger.Info("sync_connectivity_restored")
		m.SyncNow()
		return
	}
	if !online && was {
		logger.Info("sync_connectivity_lost")
	}
	m.notify()
}

// SyncNow requests a full pass. If one is already running the request is
// coalesced: exactly one follow-up pass runs after the current one, no
// matter how many triggers arrived.
func (m *Manager) SyncNow() {
	if !atomic.CompareAndSwapInt32(&m.passRunning, 0, 1) {
		atomic.StoreInt32(&m.rerun, 1)
		telemetry.SyncCoalesced.Inc()
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer atomic.StoreInt32(&m.passRunning, 0)
		for {
			m.runPass()
			if !atomic.CompareAndSwapInt32(&m.rerun, 1, 0) {
				return
			}
		}
	}()
}

// RetryMessage resets a terminally failed record for manual retry and
// triggers a pass.
func (m *Manager) RetryMessage(cid string) error {
	_, err := m.st.Mutate(cid, func(rec *models.Message) error {
		if rec.Status != models.StatusFailed {
			return &models.ValidationError{Field: "status", Reason: fmt.Sprintf("cannot retry message in status %q", rec.Status)}
		}
		rec.Status = models.StatusLocal
		rec.Attempts = 0
		rec.NextRetryTS = 0
		return nil
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.errMsg = ""
	m.mu.Unlock()
	m.SyncNow()
	return nil
}

func (m *Manager) runPass() {
	m.mu.Lock()
	online := m.online
	m.state = models.SyncSyncing
	m.mu.Unlock()
	m.notify()

	if !online {
		m.finishPass("")
		return
	}

	batch, err := m.collectDue()
	if err != nil {
		logger.Error("sync_scan_failed", "error", err)
		telemetry.SyncPasses.WithLabelValues("error").Inc()
		m.finishPass(err.Error())
		return
	}

	var passErr string
	for _, msg := range batch {
		if m.ctx.Err() != nil {
			break
		}
		// one record's failure never aborts the rest of the batch
		if err := m.deliver(msg); err != nil {
			if terminal, reason := m.isTerminal(err); terminal {
				passErr = reason
			}
		}
	}

	outcome := "ok"
	if passErr != "" {
		outcome = "error"
	}
	telemetry.SyncPasses.WithLabelValues(outcome).Inc()
	m.finishPass(passErr)
}

func (m *Manager) finishPass(errMsg string) {
	m.mu.Lock()
	m.lastSyncTS = m.clock.Now().UTC().UnixNano()
	if errMsg != "" {
		m.state = models.SyncError
		m.errMsg = errMsg
	} else {
		m.state = models.SyncIdle
		// do not clear a terminal error until manual retry resolves it
		if !m.hasTerminalFailures() {
			m.errMsg = ""
		}
	}
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) hasTerminalFailures() bool {
	failed, err := m.st.ListByStatus(models.StatusFailed)
	if err != nil {
		return false
	}
	for _, f := range failed {
		if f.Attempts >= m.cfg.MaxAttempts {
			return true
		}
	}
	return false
}

// collectDue gathers records eligible for delivery: everything local,
// plus failed records whose backoff window elapsed and attempt budget
// remains.
func (m *Manager) collectDue() ([]models.Message, error) {
	out, err := m.st.ListByStatus(models.StatusLocal)
	if err != nil {
		return nil, err
	}
	failed, err := m.st.ListByStatus(models.StatusFailed)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now().UTC().UnixNano()
	for _, f := range failed {
		if f.Attempts >= m.cfg.MaxAttempts {
			continue // terminal; only manual retry revives it
		}
		if f.NextRetryTS > now {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

type terminalError struct{ msg string }

func (e *terminalError) Error() string { return e.msg }

func (m *Manager) isTerminal(err error) (bool, string) {
	var te *terminalError
	if errors.As(err, &te) {
		return true, te.msg
	}
	return false, ""
}

// deliver pushes one record to the server and writes the outcome back
// through the store.
func (m *Manager) deliver(msg models.Message) error {
	_, err := m.st.Mutate(msg.Cid, func(rec *models.Message) error {
		rec.Status = models.StatusPending
		return nil
	})
	if err != nil {
		return err
	}

	resp, sendErr := m.send(msg)
	if sendErr == nil {
		_, err = m.st.Mutate(msg.Cid, func(rec *models.Message) error {
			rec.ID = resp.ID
			rec.Status = models.StatusSent
			rec.Attempts = 0
			rec.NextRetryTS = 0
			if resp.ThreadID != "" && rec.ThreadID == "" {
				rec.ThreadID = resp.ThreadID
			}
			return nil
		})
		if err != nil {
			return err
		}
		telemetry.SendAttempts.WithLabelValues("ok").Inc()
		logger.Info("sync_message_sent", "cid", msg.Cid, "id", resp.ID)
		m.notify()
		return nil
	}

	telemetry.SendAttempts.WithLabelValues("error").Inc()
	attempts := msg.Attempts + 1
	terminal := attempts >= m.cfg.MaxAttempts || !models.Retryable(sendErr)
	if terminal && models.Retryable(sendErr) {
		logger.Warn("sync_message_exhausted", "cid", msg.Cid, "attempts", attempts, "error", sendErr)
	} else if terminal {
		logger.Warn("sync_message_rejected", "cid", msg.Cid, "error", sendErr)
		attempts = m.cfg.MaxAttempts // non-retryable failures are terminal immediately
	} else {
		logger.Warn("sync_message_retry_scheduled", "cid", msg.Cid, "attempts", attempts, "error", sendErr)
	}

	delay := m.backoffDelay(attempts)
	_, err = m.st.Mutate(msg.Cid, func(rec *models.Message) error {
		rec.Status = models.StatusFailed
		rec.Attempts = attempts
		if terminal {
			rec.NextRetryTS = 0
		} else {
			rec.NextRetryTS = m.clock.Now().UTC().Add(delay).UnixNano()
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.notify()
	if terminal {
		return &terminalError{msg: fmt.Sprintf("message %s failed after %d attempts: %v", msg.Cid, attempts, sendErr)}
	}
	// independent retry timer; the triggered pass re-checks due times
	m.clock.AfterFunc(delay, m.SyncNow)
	return sendErr
}

// send performs one delivery attempt with transparent transport-level
// retries inside it.
func (m *Manager) send(msg models.Message) (api.SendMessageResponse, error) {
	var resp api.SendMessageResponse
	b := retry.WithMaxRetries(m.cfg.CallRetries, retry.WithCappedDuration(m.cfg.MaxBackoff, retry.NewExponential(m.cfg.BaseBackoff)))
	err := retry.Do(m.ctx, b, func(ctx context.Context) error {
		r, err := m.sender.SendMessage(ctx, msg)
		if err != nil {
			if models.Retryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// backoffDelay doubles from BaseBackoff per attempt, capped at
// MaxBackoff.
func (m *Manager) backoffDelay(attempts int) time.Duration {
	d := m.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= m.cfg.MaxBackoff {
			return m.cfg.MaxBackoff
		}
	}
	if d > m.cfg.MaxBackoff {
		return m.cfg.MaxBackoff
	}
	return d
}
