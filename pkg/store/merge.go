package store

import (
	"medlink/pkg/logger"
	"medlink/pkg/models"
)

// MergeResult says what Merge did with an inbound record.
type MergeResult int

const (
	// MergeInserted means no local match existed; the record was stored
	// as a new sent message.
	MergeInserted MergeResult = iota
	// MergePromoted means a local optimistic record was confirmed in
	// place: server id attached, status set to sent.
	MergePromoted
	// MergeDuplicate means the record was already stored as sent; the
	// event was dropped.
	MergeDuplicate
)

func (r MergeResult) String() string {
	switch r {
	case MergeInserted:
		return "inserted"
	case MergePromoted:
		return "promoted"
	case MergeDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// Merge reconciles an inbound realtime message with the local log.
// Matching tries the server id first, then falls back to the cid, which
// covers the server echoing back this client's own optimistic write
// before or after its sync completes. Delivering the same event twice
// always yields exactly one stored record.
func (s *Store) Merge(incoming models.Message) (models.Message, MergeResult, error) {
	local, err := s.matchLocal(incoming)
	if err != nil {
		if !models.IsNotFound(err) {
			return models.Message{}, MergeInserted, err
		}
		// no match: insert as server-confirmed
		incoming.Status = models.StatusSent
		if incoming.Cid == "" {
			// remote-only message from another client; synthesize a cid
			// so the record satisfies the one-record-per-cid invariant
			incoming.Cid = models.GenCid()
		}
		stored, perr := s.Put(incoming)
		if perr != nil {
			return models.Message{}, MergeInserted, perr
		}
		return stored, MergeInserted, nil
	}

	if local.Status == models.StatusSent && local.ID != "" {
		return local, MergeDuplicate, nil
	}

	// promote in place rather than inserting a duplicate
	promoted, err := s.Mutate(local.Cid, func(m *models.Message) error {
		if incoming.ID != "" {
			m.ID = incoming.ID
		}
		m.Status = models.StatusSent
		m.Attempts = 0
		m.NextRetryTS = 0
		if incoming.ThreadID != "" {
			m.ThreadID = incoming.ThreadID
		}
		return nil
	})
	if err != nil {
		return models.Message{}, MergePromoted, err
	}
	logger.Debug("store_promoted", "cid", promoted.Cid, "id", promoted.ID)
	return promoted, MergePromoted, nil
}

func (s *Store) matchLocal(incoming models.Message) (models.Message, error) {
	if incoming.ID != "" {
		if m, err := s.GetByID(incoming.ID); err == nil {
			return m, nil
		} else if !models.IsNotFound(err) {
			return models.Message{}, err
		}
	}
	if incoming.Cid != "" {
		return s.GetByCid(incoming.Cid)
	}
	return models.Message{}, models.ErrNotFound
}
