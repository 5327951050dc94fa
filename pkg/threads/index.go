package threads

import (
	"context"
	"sort"
	"sync"

	"medlink/pkg/api"
	"medlink/pkg/logger"
	"medlink/pkg/models"
	"medlink/pkg/store"
)

// API is the thread surface of the REST client.
type API interface {
	CreateThread(ctx context.Context, parentMessageID, roomID, title string) (api.WireThread, error)
	ListRoomThreads(ctx context.Context, roomID string) ([]api.WireThread, error)
	ListThreadMessages(ctx context.Context, threadID string) ([]api.SendMessageResponse, error)
}

// Index tracks threads and their replies. Thread metadata is durable in
// the store; the ordered reply lists are an in-memory cache rebuilt
// from the store and the server on demand.
type Index struct {
	st     *store.Store
	client API

	mu           sync.Mutex
	replies      map[string][]models.Message    // threadID -> replies, createdAt order
	participants map[string]map[string]struct{} // threadID -> distinct sender ids
}

func NewIndex(st *store.Store, client API) *Index {
	return &Index{
		st:           st,
		client:       client,
		replies:      make(map[string][]models.Message),
		participants: make(map[string]map[string]struct{}),
	}
}

// Create opens a thread under a parent message. Calling it again for
// the same parent returns the existing thread instead of creating a
// second one.
func (ix *Index) Create(ctx context.Context, parentMessageID, roomID, title string) (models.Thread, error) {
	if t, err := ix.st.GetThreadByParent(parentMessageID); err == nil {
		return t, nil
	} else if !models.IsNotFound(err) {
		return models.Thread{}, err
	}
	wt, err := ix.client.CreateThread(ctx, parentMessageID, roomID, title)
	if err != nil {
		return models.Thread{}, err
	}
	t := wt.Thread()
	if t.ParentMessageID == "" {
		t.ParentMessageID = parentMessageID
	}
	if t.RoomID == "" {
		t.RoomID = roomID
	}
	// the parent's author participates from the start, before any reply
	if sender := ix.parentSender(parentMessageID); sender != "" {
		ix.mu.Lock()
		if ix.participants[t.ID] == nil {
			ix.participants[t.ID] = make(map[string]struct{})
		}
		ix.participants[t.ID][sender] = struct{}{}
		if n := len(ix.participants[t.ID]); n > t.ParticipantCount {
			t.ParticipantCount = n
		}
		ix.mu.Unlock()
	}
	if err := ix.st.PutThread(t); err != nil {
		return models.Thread{}, err
	}
	logger.Info("thread_created", "thread", t.ID, "parent", parentMessageID)
	return t, nil
}

// Get returns thread metadata from the store.
func (ix *Index) Get(threadID string) (models.Thread, error) {
	return ix.st.GetThread(threadID)
}

// ByParent resolves the thread hanging off a message, if any.
func (ix *Index) ByParent(parentMessageID string) (models.Thread, error) {
	return ix.st.GetThreadByParent(parentMessageID)
}

// ListForRoom returns the room's threads newest-activity first. It
// refreshes from the server when reachable and falls back to the local
// copy offline.
func (ix *Index) ListForRoom(ctx context.Context, roomID string) ([]models.Thread, error) {
	wts, err := ix.client.ListRoomThreads(ctx, roomID)
	if err != nil {
		if !models.Retryable(err) {
			return nil, err
		}
		logger.Warn("thread_list_offline", "room", roomID, "error", err)
		return ix.st.ListThreadsByRoom(roomID)
	}
	for _, wt := range wts {
		t := wt.Thread()
		if local, lerr := ix.st.GetThread(t.ID); lerr == nil {
			// server list omits counters we maintain locally
			if t.ReplyCount == 0 {
				t.ReplyCount = local.ReplyCount
			}
			if t.CreatedTS == 0 {
				t.CreatedTS = local.CreatedTS
			}
		}
		if err := ix.st.PutThread(t); err != nil {
			return nil, err
		}
	}
	return ix.st.ListThreadsByRoom(roomID)
}

// Replies returns a thread's replies in createdAt order. The first call
// per thread hydrates the cache from the server through the store's
// merge path; later calls serve from memory and the push stream.
func (ix *Index) Replies(ctx context.Context, threadID string) ([]models.Message, error) {
	ix.mu.Lock()
	cached, ok := ix.replies[threadID]
	ix.mu.Unlock()
	if ok {
		return append([]models.Message{}, cached...), nil
	}
	wms, err := ix.client.ListThreadMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	for _, wm := range wms {
		m := wm.Message()
		if m.ThreadID == "" {
			m.ThreadID = threadID
		}
		if _, _, err := ix.st.Merge(m); err != nil {
			return nil, err
		}
		ix.Observe(m)
	}
	ix.mu.Lock()
	out := append([]models.Message{}, ix.replies[threadID]...)
	ix.mu.Unlock()
	return out, nil
}

// ReplyCount reads the stored counter without touching the network.
func (ix *Index) ReplyCount(threadID string) int {
	t, err := ix.st.GetThread(threadID)
	if err != nil {
		return 0
	}
	return t.ReplyCount
}

// ReplyCountForMessage resolves a message's thread and returns its
// reply count, zero when no thread hangs off the message. Never touches
// the network.
func (ix *Index) ReplyCountForMessage(parentMessageID string) int {
	t, err := ix.st.GetThreadByParent(parentMessageID)
	if err != nil {
		return 0
	}
	return t.ReplyCount
}

// Observe folds a stored message into the thread it belongs to: the
// ordered reply cache, the distinct participant set, and the durable
// counters. Messages without a thread are ignored, and re-observing the
// same message is a no-op.
func (ix *Index) Observe(msg models.Message) {
	if msg.ThreadID == "" {
		return
	}
	ix.mu.Lock()
	list := ix.replies[msg.ThreadID]
	replaced := false
	for i, m := range list {
		if m.Cid == msg.Cid || (msg.ID != "" && m.ID == msg.ID) {
			list[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, msg)
		sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedTS < list[j].CreatedTS })
	}
	ix.replies[msg.ThreadID] = list
	if ix.participants[msg.ThreadID] == nil {
		ix.participants[msg.ThreadID] = make(map[string]struct{})
	}
	ix.participants[msg.ThreadID][msg.SenderID] = struct{}{}
	replyCount := len(list)
	var lastTS int64
	for _, m := range list {
		if m.CreatedTS > lastTS {
			lastTS = m.CreatedTS
		}
	}
	ix.mu.Unlock()
	if replaced {
		return
	}

	t, err := ix.st.GetThread(msg.ThreadID)
	if err != nil {
		if !models.IsNotFound(err) {
			logger.Warn("thread_meta_read_failed", "thread", msg.ThreadID, "error", err)
			return
		}
		t = models.Thread{ID: msg.ThreadID, RoomID: msg.RoomID, CreatedTS: msg.CreatedTS}
	}
	// distinct senders span the parent message and its replies
	sender := ix.parentSender(t.ParentMessageID)
	ix.mu.Lock()
	if sender != "" {
		ix.participants[msg.ThreadID][sender] = struct{}{}
	}
	participantCount := len(ix.participants[msg.ThreadID])
	ix.mu.Unlock()
	t.ReplyCount = replyCount
	t.ParticipantCount = participantCount
	if lastTS > t.LastMessageTS {
		t.LastMessageTS = lastTS
	}
	if err := ix.st.PutThread(t); err != nil {
		logger.Warn("thread_meta_write_failed", "thread", msg.ThreadID, "error", err)
	}
}

// parentSender resolves the author of a thread's root message from the
// local store, matching by cid first and server id second.
func (ix *Index) parentSender(parentMessageID string) string {
	if parentMessageID == "" {
		return ""
	}
	if m, err := ix.st.GetByCid(parentMessageID); err == nil {
		return m.SenderID
	}
	if m, err := ix.st.GetByID(parentMessageID); err == nil {
		return m.SenderID
	}
	return ""
}
