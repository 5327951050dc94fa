package api

import (
	"time"

	"medlink/pkg/models"
)

// Wire shapes for the collaborator-owned REST endpoints. The wire uses
// camelCase and millisecond timestamps; the store schema does not, so
// conversion happens here and nowhere else.

type WireAttachment struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
}

type SendMessageRequest struct {
	Cid         string           `json:"cid"`
	RoomID      string           `json:"roomId"`
	SenderID    string           `json:"senderId"`
	CreatedAt   int64            `json:"createdAt"`
	Kind        string           `json:"kind"`
	Text        string           `json:"text,omitempty"`
	Attachments []WireAttachment `json:"attachments,omitempty"`
	ReplyTo     string           `json:"replyTo,omitempty"`
}

type SendMessageResponse struct {
	ID          string           `json:"id"`
	Cid         string           `json:"cid"`
	RoomID      string           `json:"roomId"`
	SenderID    string           `json:"senderId"`
	CreatedAt   int64            `json:"createdAt"`
	Kind        string           `json:"kind"`
	Text        string           `json:"text,omitempty"`
	Attachments []WireAttachment `json:"attachments,omitempty"`
	ReplyTo     string           `json:"replyTo,omitempty"`
	ThreadID    string           `json:"threadId,omitempty"`
}

type ReactionRequest struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
	Action    string `json:"action"` // "add" | "remove"
}

type ReactionResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
	Action    string `json:"action"`
}

type TypingRequest struct {
	UserID   string `json:"userId"`
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type TypingResponse struct {
	Success   bool  `json:"success"`
	Timestamp int64 `json:"timestamp"`
}

type WireThread struct {
	ID              string `json:"id"`
	ParentMessageID string `json:"parentMessageId"`
	RoomID          string `json:"roomId"`
	Title           string `json:"title,omitempty"`
	LastMessageAt   int64  `json:"lastMessageAt,omitempty"`
	ParticipantCnt  int    `json:"participantCount,omitempty"`
}

type CreateThreadRequest struct {
	ParentMessageID string `json:"parentMessageId"`
	RoomID          string `json:"roomId"`
	Title           string `json:"title,omitempty"`
}

type SettingsEnvelope struct {
	UserID   string                      `json:"userId"`
	Settings models.NotificationSettings `json:"settings"`
}

func toWireTS(ns int64) int64 { return ns / int64(time.Millisecond) }

func fromWireTS(ms int64) int64 { return ms * int64(time.Millisecond) }

// WireMessageRequest builds the outbound payload for a stored message.
func WireMessageRequest(m models.Message) SendMessageRequest {
	req := SendMessageRequest{
		Cid:       m.Cid,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		CreatedAt: toWireTS(m.CreatedTS),
		Kind:      string(m.Kind),
		Text:      m.Text,
		ReplyTo:   m.ReplyTo,
	}
	for _, a := range m.Attachments {
		req.Attachments = append(req.Attachments, WireAttachment(a))
	}
	return req
}

// Message converts a server-delivered message into the stored model.
// Status is left unset; the store's merge path decides it.
func (w SendMessageResponse) Message() models.Message {
	kind, err := models.ParseKind(w.Kind)
	if err != nil {
		kind = models.KindText
	}
	m := models.Message{
		ID:        w.ID,
		Cid:       w.Cid,
		RoomID:    w.RoomID,
		SenderID:  w.SenderID,
		CreatedTS: fromWireTS(w.CreatedAt),
		Kind:      kind,
		Text:      w.Text,
		ReplyTo:   w.ReplyTo,
		ThreadID:  w.ThreadID,
	}
	for _, a := range w.Attachments {
		m.Attachments = append(m.Attachments, models.Attachment(a))
	}
	return m
}

// Thread converts a wire thread into the stored model.
func (w WireThread) Thread() models.Thread {
	return models.Thread{
		ID:               w.ID,
		ParentMessageID:  w.ParentMessageID,
		RoomID:           w.RoomID,
		Title:            w.Title,
		LastMessageTS:    fromWireTS(w.LastMessageAt),
		ParticipantCount: w.ParticipantCnt,
	}
}
