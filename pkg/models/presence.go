package models

// TypingIndicator is an ephemeral (user, room) entry. An entry is
// logically absent once now-TS reaches the tracker TTL even if a sweep
// has not removed it yet.
type TypingIndicator struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
	TS     int64  `json:"ts"`
}
