package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"medlink/pkg/logger"
	"medlink/pkg/models"
)

// API is the typing surface of the REST client.
type API interface {
	SendTyping(ctx context.Context, userID, roomID string, isTyping bool) error
}

// Config tunes typing behavior.
type Config struct {
	// Debounce is how long after the last keystroke the local user is
	// still considered typing.
	Debounce time.Duration
	// TTL expires remote indicators that never got an explicit stop.
	TTL time.Duration
	// Sweep is the expiry scan interval.
	Sweep time.Duration
}

// Tracker maintains who is typing where. The local user's state is
// debounced so a burst of keystrokes produces one start and one stop on
// the wire; remote indicators live until their TTL regardless of how
// often the sender repeats them.
type Tracker struct {
	client API
	clock  clockwork.Clock
	cfg    Config
	userID string

	mu       sync.Mutex
	remote   map[string]map[string]int64 // roomID -> userID -> expiry (ns)
	debounce map[string]clockwork.Timer  // roomID -> local stop timer
	changeFn func(roomID string, userIDs []string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTracker(client API, clock clockwork.Clock, userID string, cfg Config) *Tracker {
	return &Tracker{
		client:   client,
		clock:    clock,
		cfg:      cfg,
		userID:   userID,
		remote:   make(map[string]map[string]int64),
		debounce: make(map[string]clockwork.Timer),
	}
}

// Start runs the expiry sweep until Stop.
func (t *Tracker) Start(ctx context.Context) {
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.sweepLoop()
}

// Stop halts the sweep and clears any live local typing state.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.mu.Lock()
	rooms := make([]string, 0, len(t.debounce))
	for roomID, timer := range t.debounce {
		timer.Stop()
		rooms = append(rooms, roomID)
	}
	t.debounce = make(map[string]clockwork.Timer)
	t.mu.Unlock()
	for _, roomID := range rooms {
		t.sendStop(roomID)
	}
}

// OnChange registers a single listener for per-room typist changes.
func (t *Tracker) OnChange(fn func(roomID string, userIDs []string)) {
	t.mu.Lock()
	t.changeFn = fn
	t.mu.Unlock()
}

// StartTyping records a keystroke. The first call in a quiet room emits
// a start event; further calls within the debounce window only push the
// stop deadline out.
func (t *Tracker) StartTyping(ctx context.Context, roomID string) error {
	t.mu.Lock()
	if timer, active := t.debounce[roomID]; active {
		timer.Reset(t.cfg.Debounce)
		t.mu.Unlock()
		return nil
	}
	t.debounce[roomID] = t.clock.AfterFunc(t.cfg.Debounce, func() {
		t.mu.Lock()
		delete(t.debounce, roomID)
		t.mu.Unlock()
		t.sendStop(roomID)
	})
	t.mu.Unlock()

	if err := t.client.SendTyping(ctx, t.userID, roomID, true); err != nil {
		logger.Warn("typing_start_failed", "room", roomID, "error", err)
		return err
	}
	return nil
}

// StopTyping ends the local typing state immediately, as when the
// message is sent or the composer cleared.
func (t *Tracker) StopTyping(ctx context.Context, roomID string) error {
	t.mu.Lock()
	timer, active := t.debounce[roomID]
	if active {
		timer.Stop()
		delete(t.debounce, roomID)
	}
	t.mu.Unlock()
	if !active {
		return nil
	}
	if err := t.client.SendTyping(ctx, t.userID, roomID, false); err != nil {
		logger.Warn("typing_stop_failed", "room", roomID, "error", err)
		return err
	}
	return nil
}

func (t *Tracker) sendStop(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.client.SendTyping(ctx, t.userID, roomID, false); err != nil {
		logger.Warn("typing_stop_failed", "room", roomID, "error", err)
	}
}

// Observe folds a remote typing indicator in. Expiry is TTL past the
// indicator's own timestamp when that timestamp is plausible; future or
// missing timestamps fall back to arrival time so a skewed sender clock
// cannot extend the window, and an indicator stale by its own timestamp
// is dropped. A repeat from the same user just renews the entry. The
// local user's own echoes are ignored.
func (t *Tracker) Observe(ind models.TypingIndicator) {
	if ind.UserID == t.userID {
		return
	}
	now := t.clock.Now()
	expiry := now.Add(t.cfg.TTL).UnixNano()
	if ind.TS != 0 {
		age := now.Sub(time.Unix(0, ind.TS))
		if age >= t.cfg.TTL {
			return
		}
		if age > 0 {
			expiry = time.Unix(0, ind.TS).Add(t.cfg.TTL).UnixNano()
		}
	}
	t.mu.Lock()
	room := t.remote[ind.RoomID]
	if room == nil {
		room = make(map[string]int64)
		t.remote[ind.RoomID] = room
	}
	_, known := room[ind.UserID]
	room[ind.UserID] = expiry
	t.mu.Unlock()
	if !known {
		t.emit(ind.RoomID)
	}
}

// Typists lists the users currently typing in a room, sorted for
// stable rendering.
func (t *Tracker) Typists(roomID string) []string {
	now := t.clock.Now().UnixNano()
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for userID, expiry := range t.remote[roomID] {
		if expiry > now {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()
	ticker := t.clock.NewTicker(t.cfg.Sweep)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.Chan():
			t.sweep()
		}
	}
}

func (t *Tracker) sweep() {
	now := t.clock.Now().UnixNano()
	t.mu.Lock()
	var changed []string
	for roomID, room := range t.remote {
		dirty := false
		for userID, expiry := range room {
			if expiry <= now {
				delete(room, userID)
				dirty = true
			}
		}
		if len(room) == 0 {
			delete(t.remote, roomID)
		}
		if dirty {
			changed = append(changed, roomID)
		}
	}
	t.mu.Unlock()
	for _, roomID := range changed {
		t.emit(roomID)
	}
}

func (t *Tracker) emit(roomID string) {
	t.mu.Lock()
	fn := t.changeFn
	t.mu.Unlock()
	if fn != nil {
		fn(roomID, t.Typists(roomID))
	}
}
