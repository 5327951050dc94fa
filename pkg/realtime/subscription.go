package realtime

import (
	"sync/atomic"

	"medlink/pkg/models"
)

// Handler receives messages merged from the push stream, in delivery
// order for its room.
type Handler func(models.Message)

// Subscription is a revocable handle on a room's push stream.
type Subscription struct {
	ch      *Channel
	roomID  string
	tok     int
	fn      Handler
	revoked int32
}

// RoomID reports the room this handle is bound to.
func (s *Subscription) RoomID() string { return s.roomID }

// Unsubscribe revokes the handle. It is idempotent and safe to call
// from inside the handler itself; no events are delivered through a
// revoked handle even if the revocation races a reconnect.
func (s *Subscription) Unsubscribe() {
	if !atomic.CompareAndSwapInt32(&s.revoked, 0, 1) {
		return
	}
	s.ch.drop(s)
}

func (s *Subscription) alive() bool { return atomic.LoadInt32(&s.revoked) == 0 }
