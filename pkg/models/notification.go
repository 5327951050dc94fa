package models

// QuietHours is a daily suppression window in local wall-clock time,
// "HH:MM" inclusive bounds. Start > End means the window wraps midnight.
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// NotificationSettings is fetched per user at startup and persisted
// remotely on every update.
type NotificationSettings struct {
	PushEnabled  bool       `json:"push_enabled"`
	EmailEnabled bool       `json:"email_enabled"`
	SoundEnabled bool       `json:"sound_enabled"`
	MentionOnly  bool       `json:"mention_only"`
	QuietHours   QuietHours `json:"quiet_hours"`
}

// DefaultNotificationSettings is the documented fallback used when the
// settings fetch fails or returns nothing.
func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{
		PushEnabled:  false,
		EmailEnabled: false,
		SoundEnabled: true,
		MentionOnly:  false,
		QuietHours:   QuietHours{Enabled: false, Start: "22:00", End: "08:00"},
	}
}

// Notification is the payload handed to the notification surface.
type Notification struct {
	Title     string `json:"title"`
	Message   string `json:"message"`
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	URL       string `json:"url"`
	IsMention bool   `json:"is_mention"`
}
