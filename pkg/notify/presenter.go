package notify

import (
	"medlink/pkg/logger"
	"medlink/pkg/models"
)

// LogPresenter is the headless notification sink: it writes deliveries
// to the log instead of a platform notification center. Embedders swap
// in their own Presenter.
type LogPresenter struct{}

func (LogPresenter) Present(n models.Notification) {
	logger.Info("notification_shown", "title", n.Title, "room", n.RoomID, "mention", n.IsMention)
}

func (LogPresenter) Dismiss(n models.Notification) {
	logger.Debug("notification_dismissed", "room", n.RoomID, "message", n.MessageID)
}
