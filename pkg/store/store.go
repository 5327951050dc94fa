package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"medlink/pkg/logger"
	"medlink/pkg/models"
	"medlink/pkg/store/keys"
	"medlink/pkg/store/migrations"
)

// Store is the durable, versioned message log. It exclusively owns
// Message records: the sync engine and the realtime channel mutate them
// only through this write path, which serializes concurrent writers to
// the same cid and stamps every committed write with a monotonically
// increasing rev.
type Store struct {
	db     *pebble.DB
	path   string
	schema int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Open opens (or creates) the store at path and applies pending schema
// migrations. A migration failure is fatal: the store stays at the last
// fully-applied version and Open returns a fatal StorageError.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("store_open_failed", "path", path, "error", err)
		return nil, &models.StorageError{Op: "open", Fatal: true, Err: err}
	}
	schema, err := migrations.Run(db)
	if err != nil {
		_ = db.Close()
		logger.Error("store_migration_failed", "path", path, "at_version", schema, "error", err)
		return nil, &models.StorageError{Op: "migrate", Fatal: true, Err: err}
	}
	logger.Info("store_opened", "path", path, "schema", schema)
	return &Store{db: db, path: path, schema: schema, locks: make(map[string]*sync.Mutex)}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion() int { return s.schema }

// Path returns the on-disk location of the store.
func (s *Store) Path() string { return s.path }

// returns mutex for given cid (creates if needed)
func (s *Store) lockFor(cid string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if l, ok := s.locks[cid]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[cid] = l
	return l
}

// Put upserts a message by cid. When the caller supplies a non-zero Rev
// it must match the stored one; a mismatch means another writer committed
// in between and Put returns a conflict so the caller can re-read.
// Rev == 0 means unconditional last-write-wins.
func (s *Store) Put(msg models.Message) (models.Message, error) {
	if err := msg.Validate(); err != nil {
		return models.Message{}, err
	}
	lock := s.lockFor(msg.Cid)
	lock.Lock()
	defer lock.Unlock()
	return s.commit(msg)
}

// Mutate applies fn to the stored record for cid under its write lock and
// commits the result. fn sees the freshest copy, so read-modify-write
// cycles cannot race.
func (s *Store) Mutate(cid string, fn func(*models.Message) error) (models.Message, error) {
	lock := s.lockFor(cid)
	lock.Lock()
	defer lock.Unlock()

	cur, err := s.getByCid(cid)
	if err != nil {
		return models.Message{}, err
	}
	if err := fn(&cur); err != nil {
		return models.Message{}, err
	}
	if cur.Cid != cid {
		return models.Message{}, &models.ValidationError{Field: "cid", Reason: "immutable"}
	}
	return s.commit(cur)
}

// commit writes msg plus its index entries atomically. Caller holds the
// cid lock.
func (s *Store) commit(msg models.Message) (models.Message, error) {
	prev, err := s.getByCid(msg.Cid)
	exists := err == nil
	if err != nil && !models.IsNotFound(err) {
		return models.Message{}, err
	}
	if exists {
		if msg.Rev != 0 && msg.Rev != prev.Rev {
			return models.Message{}, &models.StorageError{Op: "put", Err: fmt.Errorf("%w: have %d, stored %d", models.ErrConflict, msg.Rev, prev.Rev)}
		}
		msg.Rev = prev.Rev + 1
		// createdAt is stamped once; keep the original so the room
		// index key stays stable
		msg.CreatedTS = prev.CreatedTS
		if msg.ID == "" {
			msg.ID = prev.ID
		}
	} else {
		msg.Rev = 1
	}
	msg.UpdatedTS = time.Now().UTC().UnixNano()

	mk, err := keys.MsgKey(msg.Cid)
	if err != nil {
		return models.Message{}, &models.StorageError{Op: "put", Err: err}
	}
	rk, err := keys.RoomIndexKey(msg.RoomID, msg.CreatedTS, msg.Cid)
	if err != nil {
		return models.Message{}, &models.StorageError{Op: "put", Err: err}
	}
	sk, err := keys.StatusIndexKey(string(msg.Status), msg.Cid)
	if err != nil {
		return models.Message{}, &models.StorageError{Op: "put", Err: err}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return models.Message{}, &models.StorageError{Op: "put", Err: err}
	}

	batch := s.db.NewBatch()
	batch.Set([]byte(mk), data, nil)
	batch.Set([]byte(rk), []byte(msg.Cid), nil)
	batch.Set([]byte(sk), []byte(msg.Cid), nil)
	if exists && prev.Status != msg.Status {
		oldSK, kerr := keys.StatusIndexKey(string(prev.Status), msg.Cid)
		if kerr == nil {
			batch.Delete([]byte(oldSK), nil)
		}
	}
	if msg.ID != "" {
		ik, kerr := keys.MsgIDIndexKey(msg.ID)
		if kerr != nil {
			return models.Message{}, &models.StorageError{Op: "put", Err: kerr}
		}
		batch.Set([]byte(ik), []byte(msg.Cid), nil)
	}
	if err := s.db.Apply(batch, pebble.Sync); err != nil {
		logger.Error("store_commit_failed", "cid", msg.Cid, "error", err)
		return models.Message{}, &models.StorageError{Op: "put", Err: err}
	}
	logger.Debug("store_committed", "cid", msg.Cid, "status", string(msg.Status), "rev", msg.Rev)
	return msg, nil
}

// GetByCid returns the record for a correlation id.
func (s *Store) GetByCid(cid string) (models.Message, error) {
	return s.getByCid(cid)
}

func (s *Store) getByCid(cid string) (models.Message, error) {
	mk, err := keys.MsgKey(cid)
	if err != nil {
		return models.Message{}, &models.StorageError{Op: "get", Err: err}
	}
	v, closer, err := s.db.Get([]byte(mk))
	if err != nil {
		if err == pebble.ErrNotFound {
			return models.Message{}, fmt.Errorf("message %s: %w", cid, models.ErrNotFound)
		}
		return models.Message{}, &models.StorageError{Op: "get", Err: err}
	}
	defer closer.Close()
	var m models.Message
	if err := json.Unmarshal(v, &m); err != nil {
		return models.Message{}, &models.StorageError{Op: "get", Fatal: true, Err: fmt.Errorf("corrupt record %s: %w", cid, err)}
	}
	return m, nil
}

// GetByID resolves a server-assigned id to its record.
func (s *Store) GetByID(id string) (models.Message, error) {
	ik, err := keys.MsgIDIndexKey(id)
	if err != nil {
		return models.Message{}, &models.StorageError{Op: "get_by_id", Err: err}
	}
	v, closer, err := s.db.Get([]byte(ik))
	if err != nil {
		if err == pebble.ErrNotFound {
			return models.Message{}, fmt.Errorf("message id %s: %w", id, models.ErrNotFound)
		}
		return models.Message{}, &models.StorageError{Op: "get_by_id", Err: err}
	}
	cid := string(v)
	closer.Close()
	return s.getByCid(cid)
}

// ListByRoom returns a room's messages ordered by creation time. The room
// index sorts bytewise on the padded timestamp, so iteration order is the
// display order regardless of arrival order.
func (s *Store) ListByRoom(roomID string) ([]models.Message, error) {
	pfx, err := keys.RoomIndexPrefix(roomID)
	if err != nil {
		return nil, &models.StorageError{Op: "list_room", Err: err}
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, &models.StorageError{Op: "list_room", Err: err}
	}
	defer iter.Close()

	prefix := []byte(pfx)
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		cid := string(iter.Value())
		m, merr := s.getByCid(cid)
		if merr != nil {
			if models.IsNotFound(merr) {
				// dangling index entry; skip
				continue
			}
			return nil, merr
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, &models.StorageError{Op: "list_room", Err: err}
	}
	return out, nil
}

// ListByStatus returns every record currently in the given status, used
// for outbox scans. Order is unspecified; callers sort by NextRetryTS or
// CreatedTS as needed.
func (s *Store) ListByStatus(status models.Status) ([]models.Message, error) {
	pfx, err := keys.StatusIndexPrefix(string(status))
	if err != nil {
		return nil, &models.StorageError{Op: "list_status", Err: err}
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, &models.StorageError{Op: "list_status", Err: err}
	}
	defer iter.Close()

	prefix := []byte(pfx)
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		m, merr := s.getByCid(string(iter.Value()))
		if merr != nil {
			if models.IsNotFound(merr) {
				continue
			}
			return nil, merr
		}
		// the index can briefly trail the record; trust the record
		if m.Status != status {
			continue
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, &models.StorageError{Op: "list_status", Err: err}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedTS < out[j].CreatedTS })
	return out, nil
}

// CountUnsynced recomputes the pending-changes count: records in status
// local, pending or failed.
func (s *Store) CountUnsynced() (int, error) {
	var total int
	for _, st := range models.AllStatuses() {
		if !st.Unsynced() {
			continue
		}
		msgs, err := s.ListByStatus(st)
		if err != nil {
			return 0, err
		}
		total += len(msgs)
	}
	return total, nil
}

// Delete removes a record and all of its index entries.
func (s *Store) Delete(cid string) error {
	lock := s.lockFor(cid)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.getByCid(cid)
	if err != nil {
		if models.IsNotFound(err) {
			return nil
		}
		return err
	}
	mk, _ := keys.MsgKey(cid)
	rk, _ := keys.RoomIndexKey(m.RoomID, m.CreatedTS, m.Cid)
	sk, _ := keys.StatusIndexKey(string(m.Status), m.Cid)

	batch := s.db.NewBatch()
	batch.Delete([]byte(mk), nil)
	batch.Delete([]byte(rk), nil)
	batch.Delete([]byte(sk), nil)
	if m.ID != "" {
		if ik, kerr := keys.MsgIDIndexKey(m.ID); kerr == nil {
			batch.Delete([]byte(ik), nil)
		}
	}
	if err := s.db.Apply(batch, pebble.Sync); err != nil {
		return &models.StorageError{Op: "delete", Err: err}
	}
	logger.Debug("store_deleted", "cid", cid)
	return nil
}

// ListKeys returns all keys with the given prefix; all keys when empty.
// Low-level helper for the inspection CLI.
func (s *Store) ListKeys(prefix string) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, &models.StorageError{Op: "list_keys", Err: err}
	}
	defer iter.Close()
	var out []string
	if prefix == "" {
		for iter.First(); iter.Valid(); iter.Next() {
			out = append(out, string(append([]byte(nil), iter.Key()...)))
		}
		return out, iter.Error()
	}
	pfx := []byte(prefix)
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		out = append(out, string(append([]byte(nil), iter.Key()...)))
	}
	return out, iter.Error()
}

// GetRaw returns the raw value for a key. Low-level helper for the
// inspection CLI.
func (s *Store) GetRaw(key string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, fmt.Errorf("key %s: %w", key, models.ErrNotFound)
		}
		return nil, &models.StorageError{Op: "get_raw", Err: err}
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}
