package app

import (
	"context"
	"strings"

	"medlink/pkg/models"
	"medlink/pkg/realtime"
	"medlink/pkg/store"
)

// SendMessage appends an optimistic local record and triggers a sync
// pass. The returned message carries the generated cid; it renders
// immediately while delivery happens in the background.
func (a *App) SendMessage(ctx context.Context, roomID, text string, kind models.Kind, attachments []models.Attachment, replyTo, threadID string) (models.Message, error) {
	msg := models.NewMessage(roomID, a.cfg.UserID, kind, text)
	msg.Attachments = attachments
	msg.ReplyTo = replyTo
	msg.ThreadID = threadID
	stored, err := a.Store.Put(msg)
	if err != nil {
		return models.Message{}, err
	}
	a.Threads.Observe(stored)
	a.Sync.SyncNow()
	return stored, nil
}

// RetrySend revives a terminally failed message.
func (a *App) RetrySend(cid string) error {
	return a.Sync.RetryMessage(cid)
}

// Timeline returns a room's messages in createdAt order from the local
// log, whatever their delivery status.
func (a *App) Timeline(roomID string) ([]models.Message, error) {
	return a.Store.ListByRoom(roomID)
}

// OpenRoom joins a room's push stream. Incoming messages are already
// merged and durable when the handler runs; the app additionally folds
// them into the thread index and raises notification candidates for
// other users' messages. Close the returned handle to leave the room.
func (a *App) OpenRoom(roomID string, handler func(models.Message)) *realtime.Subscription {
	return a.Channel.Subscribe(roomID, func(msg models.Message) {
		a.Threads.Observe(msg)
		if msg.SenderID != a.cfg.UserID {
			a.Notify.Deliver(a.notification(msg))
		}
		if handler != nil {
			handler(msg)
		}
	})
}

// notification builds the candidate for an inbound message. A mention
// is an explicit @user token in the body.
func (a *App) notification(msg models.Message) models.Notification {
	body := msg.Text
	if body == "" && len(msg.Attachments) > 0 {
		body = "Sent an attachment"
	}
	return models.Notification{
		Title:     msg.SenderID,
		Message:   body,
		RoomID:    msg.RoomID,
		MessageID: msg.Cid,
		IsMention: strings.Contains(msg.Text, "@"+a.cfg.UserID),
	}
}

// MergeRemote folds one server-fetched message into the local log, for
// callers that pull history over REST rather than the push stream.
func (a *App) MergeRemote(msg models.Message) (models.Message, store.MergeResult, error) {
	merged, result, err := a.Store.Merge(msg)
	if err == nil {
		a.Threads.Observe(merged)
	}
	return merged, result, err
}
