package models

// Reaction records one user's emoji on one message. The composite key
// (MessageID, UserID, Emoji) is unique; a repeated add toggles it off.
type Reaction struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
	TS        int64  `json:"ts"`
}

// ReactionGroup is the grouped read view for one emoji. UserIDs keeps
// toggle-on order; counts are always len(UserIDs), never cached.
type ReactionGroup struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"user_ids"`
}
