package notify

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"medlink/pkg/logger"
	"medlink/pkg/models"
	"medlink/pkg/telemetry"
)

// Permission mirrors the platform notification permission state.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// API is the settings surface of the REST client.
type API interface {
	GetNotificationSettings(ctx context.Context, userID string) (models.NotificationSettings, error)
	SaveNotificationSettings(ctx context.Context, userID string, s models.NotificationSettings) error
}

// Presenter is the platform notification sink.
type Presenter interface {
	Present(n models.Notification)
	Dismiss(n models.Notification)
}

const (
	maxBodyRunes = 100
	autoDismiss  = 5 * time.Second
)

// Scheduler decides whether a candidate notification reaches the user.
// Gates apply in a fixed order: platform permission, the push toggle,
// mention-only filtering, then quiet hours. Delivered notifications are
// truncated and auto-dismissed.
type Scheduler struct {
	client    API
	presenter Presenter
	clock     clockwork.Clock
	userID    string

	mu         sync.Mutex
	settings   models.NotificationSettings
	permission Permission
	stopped    bool
	dismiss    map[int]clockwork.Timer
	nextTimer  int
}

func NewScheduler(client API, presenter Presenter, clock clockwork.Clock, userID string) *Scheduler {
	return &Scheduler{
		client:     client,
		presenter:  presenter,
		clock:      clock,
		userID:     userID,
		settings:   models.DefaultNotificationSettings(),
		permission: PermissionDefault,
		dismiss:    make(map[int]clockwork.Timer),
	}
}

// Load fetches the user's settings from the server. Unreachable servers
// leave the defaults in place rather than failing startup.
func (s *Scheduler) Load(ctx context.Context) {
	got, err := s.client.GetNotificationSettings(ctx, s.userID)
	if err != nil {
		logger.Warn("notify_settings_fetch_failed", "error", err)
		return
	}
	s.mu.Lock()
	s.settings = got
	s.mu.Unlock()
	logger.Info("notify_settings_loaded", "push_enabled", got.PushEnabled, "mention_only", got.MentionOnly)
}

// Settings returns the current settings.
func (s *Scheduler) Settings() models.NotificationSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Update applies new settings locally and persists them to the server.
// The local change sticks even when persistence fails, so the gates act
// on what the user chose.
func (s *Scheduler) Update(ctx context.Context, settings models.NotificationSettings) error {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	if err := s.client.SaveNotificationSettings(ctx, s.userID, settings); err != nil {
		logger.Warn("notify_settings_save_failed", "error", err)
		return err
	}
	return nil
}

// SetPermission records the platform permission state.
func (s *Scheduler) SetPermission(p Permission) {
	s.mu.Lock()
	s.permission = p
	s.mu.Unlock()
}

// Deliver runs the gates and presents the notification if all pass. It
// reports whether the notification was shown.
func (s *Scheduler) Deliver(n models.Notification) bool {
	s.mu.Lock()
	perm := s.permission
	settings := s.settings
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return false
	}

	if perm != PermissionGranted {
		telemetry.NotificationsGated.WithLabelValues("permission").Inc()
		return false
	}
	if !settings.PushEnabled {
		telemetry.NotificationsGated.WithLabelValues("push_disabled").Inc()
		return false
	}
	if settings.MentionOnly && !n.IsMention {
		telemetry.NotificationsGated.WithLabelValues("mention_only").Inc()
		return false
	}
	if inQuietHours(settings.QuietHours, s.clock.Now()) {
		telemetry.NotificationsGated.WithLabelValues("quiet_hours").Inc()
		return false
	}

	n.Message = truncate(n.Message)
	s.presenter.Present(n)
	telemetry.NotificationsShown.Inc()
	shown := n
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return true
	}
	id := s.nextTimer
	s.nextTimer++
	s.dismiss[id] = s.clock.AfterFunc(autoDismiss, func() {
		s.mu.Lock()
		_, live := s.dismiss[id]
		delete(s.dismiss, id)
		s.mu.Unlock()
		if live {
			s.presenter.Dismiss(shown)
		}
	})
	s.mu.Unlock()
	return true
}

// Stop cancels pending auto-dismiss timers and makes further Deliver
// calls no-ops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.dismiss {
		t.Stop()
		delete(s.dismiss, id)
	}
	s.mu.Unlock()
}

// inQuietHours compares minutes since midnight with inclusive bounds,
// handling windows that wrap past midnight. An empty window
// (start == end) never suppresses.
func inQuietHours(q models.QuietHours, now time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, okS := parseClock(q.Start)
	end, okE := parseClock(q.End)
	if !okS || !okE || start == end {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	if start < end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

// parseClock turns "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxBodyRunes {
		return s
	}
	return string(r[:maxBodyRunes]) + "…"
}
