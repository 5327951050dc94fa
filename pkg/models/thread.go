package models

// Thread groups replies under a single parent message. One thread exists
// per parent; creation is idempotent on ParentMessageID.
type Thread struct {
	ID              string `json:"id"`
	ParentMessageID string `json:"parent_message_id"`
	RoomID          string `json:"room_id"`
	Title           string `json:"title,omitempty"`
	// CreatedTS / LastMessageTS are ns timestamps.
	CreatedTS     int64 `json:"created_ts,omitempty"`
	LastMessageTS int64 `json:"last_message_ts,omitempty"`
	// ParticipantCount is the size of the distinct-sender set across the
	// parent and all loaded replies. Derived, never stored independently
	// of a recompute.
	ParticipantCount int `json:"participant_count"`
	ReplyCount       int `json:"reply_count"`
}
