package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"nhooyr.io/websocket"

	"medlink/pkg/api"
	"medlink/pkg/logger"
	"medlink/pkg/models"
	"medlink/pkg/store"
	"medlink/pkg/telemetry"
)

// State is the connection lifecycle of a Channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Config tunes the push connection.
type Config struct {
	URL       string
	UserID    string
	Heartbeat time.Duration
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// ErrorThreshold is how many consecutive failed connect attempts
	// pass silently before state listeners see the error.
	ErrorThreshold int
}

// envelope is the server-to-client wire frame.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// command is the client-to-server wire frame.
type command struct {
	Type      string `json:"type"`
	UserID    string `json:"userId,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
}

type wireTyping struct {
	UserID    string `json:"userId"`
	RoomID    string `json:"roomId"`
	IsTyping  bool   `json:"isTyping"`
	Timestamp int64  `json:"timestamp"`
}

type wireReaction struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

// Channel maintains the push stream: one websocket connection, the room
// subscriptions multiplexed over it, and the reconnect machinery. All
// inbound message frames are merged into the store before any handler
// sees them, so delivery implies durability.
type Channel struct {
	st    *store.Store
	cfg   Config
	clock clockwork.Clock
	recon *reconnector

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	subMu       sync.Mutex
	subs        map[string]map[int]*Subscription
	nextTok     int
	typingFns   []func(models.TypingIndicator)
	reactionFns []func(models.Reaction, bool)
	stateFns    []func(State, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a disconnected channel. Call Start to connect.
func New(st *store.Store, clock clockwork.Clock, cfg Config) *Channel {
	return &Channel{
		st:    st,
		cfg:   cfg,
		clock: clock,
		recon: newReconnector(cfg.BaseDelay, cfg.MaxDelay),
		state: StateDisconnected,
		subs:  make(map[string]map[int]*Subscription),
	}
}

// Start runs the connect/read/reconnect loop until Stop.
func (c *Channel) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run()
}

// Stop closes the connection and waits for the loop to exit.
func (c *Channel) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	c.wg.Wait()
	c.setState(StateDisconnected, nil)
}

// State reports the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe attaches a handler to a room's push stream and joins the
// room on the wire. The returned handle revokes exactly this handler.
func (c *Channel) Subscribe(roomID string, fn Handler) *Subscription {
	c.subMu.Lock()
	c.nextTok++
	sub := &Subscription{ch: c, roomID: roomID, tok: c.nextTok, fn: fn}
	first := len(c.subs[roomID]) == 0
	if c.subs[roomID] == nil {
		c.subs[roomID] = make(map[int]*Subscription)
	}
	c.subs[roomID][sub.tok] = sub
	c.subMu.Unlock()
	if first {
		c.send(command{Type: "join", UserID: c.cfg.UserID, ChannelID: roomID})
	}
	return sub
}

// UnsubscribeAll revokes every room subscription.
func (c *Channel) UnsubscribeAll() {
	c.subMu.Lock()
	var all []*Subscription
	for _, room := range c.subs {
		for _, s := range room {
			all = append(all, s)
		}
	}
	c.subMu.Unlock()
	for _, s := range all {
		s.Unsubscribe()
	}
}

// OnTyping registers a handler for typing indicator frames.
func (c *Channel) OnTyping(fn func(models.TypingIndicator)) {
	c.subMu.Lock()
	c.typingFns = append(c.typingFns, fn)
	c.subMu.Unlock()
}

// OnReaction registers a handler for reaction frames. The bool reports
// whether the reaction was added or removed.
func (c *Channel) OnReaction(fn func(models.Reaction, bool)) {
	c.subMu.Lock()
	c.reactionFns = append(c.reactionFns, fn)
	c.subMu.Unlock()
}

// OnStateChange registers a connection state listener. The error is nil
// except when the failure threshold has been crossed.
func (c *Channel) OnStateChange(fn func(State, error)) {
	c.subMu.Lock()
	c.stateFns = append(c.stateFns, fn)
	c.subMu.Unlock()
}

func (c *Channel) drop(s *Subscription) {
	c.subMu.Lock()
	room := c.subs[s.roomID]
	delete(room, s.tok)
	last := len(room) == 0
	if last {
		delete(c.subs, s.roomID)
	}
	c.subMu.Unlock()
	if last {
		c.send(command{Type: "leave", UserID: c.cfg.UserID, ChannelID: s.roomID})
	}
}

func (c *Channel) setState(st State, err error) {
	c.mu.Lock()
	changed := c.state != st
	c.state = st
	c.mu.Unlock()
	if !changed && err == nil {
		return
	}
	c.subMu.Lock()
	fns := append([]func(State, error){}, c.stateFns...)
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(st, err)
	}
}

func (c *Channel) run() {
	defer c.wg.Done()
	for c.ctx.Err() == nil {
		c.setState(StateConnecting, nil)
		conn, err := c.dial()
		if err != nil {
			failures := c.recon.failures() + 1
			var surfaced error
			if failures >= c.cfg.ErrorThreshold {
				surfaced = err
				logger.Error("realtime_connect_failed", "failures", failures, "error", err)
			} else {
				logger.Warn("realtime_connect_retry", "failures", failures, "error", err)
			}
			c.setState(StateReconnecting, surfaced)
			if !c.sleep(c.recon.nextDelay(c.clock.Now())) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.recon.markConnected(c.clock.Now())
		c.setState(StateConnected, nil)
		logger.Info("realtime_connected", "url", c.cfg.URL)
		c.rejoinAll()

		hbCtx, hbCancel := context.WithCancel(c.ctx)
		c.wg.Add(1)
		go c.heartbeat(hbCtx, conn)

		readErr := c.readLoop(conn)
		hbCancel()

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "reconnecting")

		if c.ctx.Err() != nil {
			return
		}
		telemetry.RealtimeReconnects.Inc()
		logger.Warn("realtime_disconnected", "error", readErr)
		c.setState(StateReconnecting, nil)
		if !c.sleep(c.recon.nextDelay(c.clock.Now())) {
			return
		}
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, &models.NetworkError{Op: "realtime dial", Err: err}
	}
	return conn, nil
}

// rejoinAll replays join frames for exactly the rooms that still hold a
// live subscription at reconnect time.
func (c *Channel) rejoinAll() {
	c.subMu.Lock()
	rooms := make([]string, 0, len(c.subs))
	for roomID := range c.subs {
		rooms = append(rooms, roomID)
	}
	c.subMu.Unlock()
	for _, roomID := range rooms {
		c.send(command{Type: "join", UserID: c.cfg.UserID, ChannelID: roomID})
	}
}

// send writes a command if connected; while disconnected commands are
// dropped, the reconnect path replays joins.
func (c *Channel) send(cmd command) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		logger.Warn("realtime_send_failed", "type", cmd.Type, "error", err)
	}
}

func (c *Channel) heartbeat(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	ticker := c.clock.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}
		var env envelope
		if json.Unmarshal(data, &env) != nil {
			logger.Warn("realtime_bad_frame", "size", len(data))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env envelope) {
	switch env.Type {
	case "message":
		var w api.SendMessageResponse
		if err := json.Unmarshal(env.Data, &w); err != nil {
			logger.Warn("realtime_bad_message_frame", "error", err)
			return
		}
		c.handleMessage(w)
	case "typing":
		var w wireTyping
		if json.Unmarshal(env.Data, &w) != nil {
			return
		}
		ind := models.TypingIndicator{
			UserID: w.UserID,
			RoomID: w.RoomID,
			TS:     w.Timestamp * int64(time.Millisecond),
		}
		c.subMu.Lock()
		fns := append([]func(models.TypingIndicator){}, c.typingFns...)
		c.subMu.Unlock()
		for _, fn := range fns {
			if w.IsTyping {
				fn(ind)
			}
		}
	case "reaction":
		var w wireReaction
		if json.Unmarshal(env.Data, &w) != nil {
			return
		}
		r := models.Reaction{
			MessageID: w.MessageID,
			UserID:    w.UserID,
			Emoji:     w.Emoji,
			TS:        w.Timestamp * int64(time.Millisecond),
		}
		c.subMu.Lock()
		fns := append([]func(models.Reaction, bool){}, c.reactionFns...)
		c.subMu.Unlock()
		for _, fn := range fns {
			fn(r, w.Action != "remove")
		}
	default:
		logger.Debug("realtime_unknown_frame", "type", env.Type)
	}
}

// handleMessage merges an inbound message frame and fans the stored
// record out to the room's live subscribers. Merge makes redelivery
// idempotent, so a frame replayed after reconnect updates nothing and
// is still fanned out from the stored state.
func (c *Channel) handleMessage(w api.SendMessageResponse) {
	merged, result, err := c.st.Merge(w.Message())
	if err != nil {
		logger.Error("realtime_merge_failed", "id", w.ID, "cid", w.Cid, "error", err)
		return
	}
	telemetry.RealtimeMerges.WithLabelValues(result.String()).Inc()
	if result == store.MergeDuplicate {
		return
	}
	c.subMu.Lock()
	var targets []*Subscription
	for _, s := range c.subs[merged.RoomID] {
		targets = append(targets, s)
	}
	c.subMu.Unlock()
	for _, s := range targets {
		if s.alive() {
			s.fn(merged)
		}
	}
}

func (c *Channel) sleep(d time.Duration) bool {
	t := c.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.Chan():
		return true
	}
}
