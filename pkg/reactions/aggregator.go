package reactions

import (
	"context"
	"sync"

	"medlink/pkg/logger"
	"medlink/pkg/models"
)

// API is the reaction surface of the REST client.
type API interface {
	SendReaction(ctx context.Context, messageID, emoji, userID, action string) error
}

const (
	actionAdd    = "add"
	actionRemove = "remove"
)

// Aggregator keeps per-message reaction state grouped by emoji, with
// user lists in first-reaction order. Local toggles apply optimistically
// and roll back if the server rejects them; push events apply directly.
type Aggregator struct {
	client API

	mu       sync.Mutex
	byMsg    map[string]*msgReactions
	changeFn func(messageID string)
}

type msgReactions struct {
	order  []string            // emoji in first-seen order
	users  map[string][]string // emoji -> user ids, first-reaction order
}

func NewAggregator(client API) *Aggregator {
	return &Aggregator{
		client: client,
		byMsg:  make(map[string]*msgReactions),
	}
}

// OnChange registers a single listener invoked after any message's
// reaction state changes, including rollbacks.
func (a *Aggregator) OnChange(fn func(messageID string)) {
	a.mu.Lock()
	a.changeFn = fn
	a.mu.Unlock()
}

// Toggle flips the user's reaction: absent adds, present removes. The
// local state changes immediately; if the server call fails the change
// is compensated and the error returned. Toggling twice lands back on
// the starting state regardless of server outcome ordering.
func (a *Aggregator) Toggle(ctx context.Context, messageID, emoji, userID string) error {
	a.mu.Lock()
	present := a.has(messageID, emoji, userID)
	action := actionAdd
	undo := actionRemove
	if present {
		action, undo = actionRemove, actionAdd
	}
	a.apply(messageID, emoji, userID, action)
	a.mu.Unlock()
	a.emit(messageID)

	if err := a.client.SendReaction(ctx, messageID, emoji, userID, action); err != nil {
		a.mu.Lock()
		a.apply(messageID, emoji, userID, undo)
		a.mu.Unlock()
		a.emit(messageID)
		logger.Warn("reaction_rolled_back", "message", messageID, "emoji", emoji, "error", err)
		return err
	}
	return nil
}

// ApplyRemote folds a push-stream reaction event into local state.
func (a *Aggregator) ApplyRemote(r models.Reaction, added bool) {
	action := actionRemove
	if added {
		action = actionAdd
	}
	a.mu.Lock()
	a.apply(r.MessageID, r.Emoji, r.UserID, action)
	a.mu.Unlock()
	a.emit(r.MessageID)
}

// Groups returns the message's reactions grouped by emoji. Emoji appear
// in first-seen order and user ids in first-reaction order.
func (a *Aggregator) Groups(messageID string) []models.ReactionGroup {
	a.mu.Lock()
	defer a.mu.Unlock()
	mr := a.byMsg[messageID]
	if mr == nil {
		return nil
	}
	out := make([]models.ReactionGroup, 0, len(mr.order))
	for _, emoji := range mr.order {
		users := mr.users[emoji]
		if len(users) == 0 {
			continue
		}
		out = append(out, models.ReactionGroup{
			Emoji:   emoji,
			UserIDs: append([]string{}, users...),
		})
	}
	return out
}

// Seed replaces a message's reaction state wholesale, for hydration
// from a server snapshot.
func (a *Aggregator) Seed(messageID string, groups []models.ReactionGroup) {
	mr := &msgReactions{users: make(map[string][]string)}
	for _, g := range groups {
		mr.order = append(mr.order, g.Emoji)
		mr.users[g.Emoji] = append([]string{}, g.UserIDs...)
	}
	a.mu.Lock()
	a.byMsg[messageID] = mr
	a.mu.Unlock()
	a.emit(messageID)
}

// has and apply run under a.mu.

func (a *Aggregator) has(messageID, emoji, userID string) bool {
	mr := a.byMsg[messageID]
	if mr == nil {
		return false
	}
	for _, u := range mr.users[emoji] {
		if u == userID {
			return true
		}
	}
	return false
}

func (a *Aggregator) apply(messageID, emoji, userID, action string) {
	mr := a.byMsg[messageID]
	if mr == nil {
		mr = &msgReactions{users: make(map[string][]string)}
		a.byMsg[messageID] = mr
	}
	users := mr.users[emoji]
	idx := -1
	for i, u := range users {
		if u == userID {
			idx = i
			break
		}
	}
	switch action {
	case actionAdd:
		if idx >= 0 {
			return
		}
		if _, seen := mr.users[emoji]; !seen {
			mr.order = append(mr.order, emoji)
		}
		mr.users[emoji] = append(users, userID)
	case actionRemove:
		if idx < 0 {
			return
		}
		mr.users[emoji] = append(users[:idx], users[idx+1:]...)
	}
}

func (a *Aggregator) emit(messageID string) {
	a.mu.Lock()
	fn := a.changeFn
	a.mu.Unlock()
	if fn != nil {
		fn(messageID)
	}
}
