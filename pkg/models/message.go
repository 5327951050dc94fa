package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the local delivery state of a message. The zero value is not
// valid; messages are created as StatusLocal.
type Status string

const (
	// StatusLocal marks an optimistic write that has not been handed to
	// the sync engine yet.
	StatusLocal Status = "local"
	// StatusPending marks a message currently in flight to the server.
	StatusPending Status = "pending"
	// StatusSent marks a server-confirmed message; ID is set.
	StatusSent Status = "sent"
	// StatusFailed marks a message whose delivery exhausted all attempts.
	// Only manual retry moves it out of this state.
	StatusFailed Status = "failed"
)

// ParseStatus validates a wire/storage status value.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusLocal, StatusPending, StatusSent, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown message status: %q", s)
}

// Unsynced reports whether the status counts toward pending changes.
func (s Status) Unsynced() bool {
	switch s {
	case StatusLocal, StatusPending, StatusFailed:
		return true
	case StatusSent:
		return false
	}
	return false
}

// AllStatuses enumerates every valid status, in outbox-scan order.
func AllStatuses() []Status {
	return []Status{StatusLocal, StatusPending, StatusSent, StatusFailed}
}

// Kind is the payload kind of a message.
type Kind string

const (
	KindText    Kind = "text"
	KindImage   Kind = "image"
	KindFile    Kind = "file"
	KindMedical Kind = "medical"
)

// ParseKind validates a wire/storage kind value.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindText, KindImage, KindFile, KindMedical:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown message kind: %q", s)
}

// Attachment is an opaque reference to uploaded content; the core never
// interprets URLs beyond carrying them.
type Attachment struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Message is the durable record owned by the local store. Exactly one
// record exists per Cid; ID is empty until the server confirms the write.
type Message struct {
	// ID is server-assigned and stable once set.
	ID string `json:"id,omitempty"`
	// Cid is the client correlation id, present from creation.
	Cid      string `json:"cid"`
	RoomID   string `json:"room_id"`
	SenderID string `json:"sender_id"`
	// CreatedTS is the client creation timestamp (ns). Display order is
	// always CreatedTS ascending, never arrival order.
	CreatedTS int64  `json:"created_ts"`
	UpdatedTS int64  `json:"updated_ts,omitempty"`
	Status    Status `json:"status"`
	Kind      Kind   `json:"kind"`
	Text      string `json:"text,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	ThreadID    string       `json:"thread_id,omitempty"`

	// Attempts counts failed delivery attempts; NextRetryTS is the
	// earliest time (ns) the sync engine may retry this record.
	Attempts    int   `json:"attempts,omitempty"`
	NextRetryTS int64 `json:"next_retry_ts,omitempty"`

	// Rev is the store write stamp, incremented on every committed
	// write. Guards against silent overwrite between store handles.
	Rev uint64 `json:"rev,omitempty"`
}

// GenCid generates a client correlation id.
func GenCid() string {
	return uuid.NewString()
}

// NewMessage builds an optimistic local message stamped at now.
func NewMessage(roomID, senderID string, kind Kind, text string) Message {
	return Message{
		Cid:       GenCid(),
		RoomID:    roomID,
		SenderID:  senderID,
		CreatedTS: time.Now().UTC().UnixNano(),
		Status:    StatusLocal,
		Kind:      kind,
		Text:      text,
	}
}

// Validate checks the fields the store refuses to persist without.
func (m *Message) Validate() error {
	if m.Cid == "" {
		return &ValidationError{Field: "cid", Reason: "empty"}
	}
	if m.RoomID == "" {
		return &ValidationError{Field: "room_id", Reason: "empty"}
	}
	if m.SenderID == "" {
		return &ValidationError{Field: "sender_id", Reason: "empty"}
	}
	if m.CreatedTS <= 0 {
		return &ValidationError{Field: "created_ts", Reason: "not set"}
	}
	if _, err := ParseStatus(string(m.Status)); err != nil {
		return &ValidationError{Field: "status", Reason: err.Error()}
	}
	if _, err := ParseKind(string(m.Kind)); err != nil {
		return &ValidationError{Field: "kind", Reason: err.Error()}
	}
	return nil
}
