package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"

	"medlink/pkg/models"
	"medlink/pkg/store/keys"
)

// Thread metadata lives in the same store as messages; the thread index
// derives from these records but never bypasses this write path.

// PutThread stores thread metadata and the parent-message mapping
// atomically.
func (s *Store) PutThread(th models.Thread) error {
	if th.ID == "" || th.ParentMessageID == "" {
		return &models.ValidationError{Field: "thread", Reason: "id and parent_message_id required"}
	}
	tk, err := keys.ThreadMetaKey(th.ID)
	if err != nil {
		return &models.StorageError{Op: "put_thread", Err: err}
	}
	pk, err := keys.ThreadByParentKey(th.ParentMessageID)
	if err != nil {
		return &models.StorageError{Op: "put_thread", Err: err}
	}
	data, err := json.Marshal(th)
	if err != nil {
		return &models.StorageError{Op: "put_thread", Err: err}
	}
	batch := s.db.NewBatch()
	batch.Set([]byte(tk), data, nil)
	batch.Set([]byte(pk), []byte(th.ID), nil)
	if err := s.db.Apply(batch, pebble.Sync); err != nil {
		return &models.StorageError{Op: "put_thread", Err: err}
	}
	return nil
}

// GetThread returns the stored thread metadata for an id.
func (s *Store) GetThread(threadID string) (models.Thread, error) {
	tk, err := keys.ThreadMetaKey(threadID)
	if err != nil {
		return models.Thread{}, &models.StorageError{Op: "get_thread", Err: err}
	}
	v, closer, err := s.db.Get([]byte(tk))
	if err != nil {
		if err == pebble.ErrNotFound {
			return models.Thread{}, fmt.Errorf("thread %s: %w", threadID, models.ErrNotFound)
		}
		return models.Thread{}, &models.StorageError{Op: "get_thread", Err: err}
	}
	defer closer.Close()
	var th models.Thread
	if err := json.Unmarshal(v, &th); err != nil {
		return models.Thread{}, &models.StorageError{Op: "get_thread", Err: err}
	}
	return th, nil
}

// GetThreadByParent resolves the one thread rooted at a parent message.
func (s *Store) GetThreadByParent(parentMessageID string) (models.Thread, error) {
	pk, err := keys.ThreadByParentKey(parentMessageID)
	if err != nil {
		return models.Thread{}, &models.StorageError{Op: "get_thread_by_parent", Err: err}
	}
	v, closer, err := s.db.Get([]byte(pk))
	if err != nil {
		if err == pebble.ErrNotFound {
			return models.Thread{}, fmt.Errorf("thread for parent %s: %w", parentMessageID, models.ErrNotFound)
		}
		return models.Thread{}, &models.StorageError{Op: "get_thread_by_parent", Err: err}
	}
	threadID := string(v)
	closer.Close()
	return s.GetThread(threadID)
}

// ListThreadsByRoom returns all stored threads for a room, most recent
// activity first.
func (s *Store) ListThreadsByRoom(roomID string) ([]models.Thread, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, &models.StorageError{Op: "list_threads", Err: err}
	}
	defer iter.Close()

	prefix := []byte("thread:")
	var out []models.Thread
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if !bytes.HasSuffix(iter.Key(), []byte(":meta")) {
			continue
		}
		var th models.Thread
		if err := json.Unmarshal(iter.Value(), &th); err != nil {
			continue
		}
		if th.RoomID != roomID {
			continue
		}
		out = append(out, th)
	}
	if err := iter.Error(); err != nil {
		return nil, &models.StorageError{Op: "list_threads", Err: err}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageTS > out[j].LastMessageTS })
	return out, nil
}
