package migrations

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/pebble"

	"medlink/pkg/logger"
	"medlink/pkg/models"
	"medlink/pkg/store/keys"
)

// Migration is one schema step. Apply must be idempotent: a re-run after
// an interrupted apply has to converge to the same result without
// corrupting data.
type Migration struct {
	Version int
	Name    string
	Apply   func(db *pebble.DB) error
}

// All lists every migration in ascending version order. Versions are
// contiguous starting at 1; the stored sys:schema value is the last fully
// applied version.
var All = []Migration{
	{Version: 1, Name: "base_schema", Apply: migrateBaseSchema},
	{Version: 2, Name: "rebuild_secondary_indexes", Apply: migrateRebuildIndexes},
}

// CurrentVersion is the schema version this build writes.
func CurrentVersion() int {
	return All[len(All)-1].Version
}

type inProgressMarker struct {
	From      int    `json:"from"`
	To        int    `json:"to"`
	StartedAt string `json:"started_at"`
}

// StoredVersion reads the last fully applied schema version; 0 means a
// fresh store.
func StoredVersion(db *pebble.DB) (int, error) {
	v, closer, err := db.Get([]byte(keys.SchemaVersionKey))
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	defer closer.Close()
	n, perr := strconv.Atoi(string(v))
	if perr != nil {
		return 0, fmt.Errorf("corrupt schema marker %q: %w", string(v), perr)
	}
	return n, nil
}

// Run applies all pending migrations in ascending order, exactly once
// each. The version marker is only advanced after a migration fully
// applies, so an interrupted run resumes at the failed step; because
// every Apply is idempotent the resume is safe. On failure the store
// remains at the last fully-applied version and the error is fatal for
// store init.
func Run(db *pebble.DB) (int, error) {
	stored, err := StoredVersion(db)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	target := CurrentVersion()
	if stored > target {
		return stored, fmt.Errorf("store schema %d is newer than this build (%d)", stored, target)
	}
	if stored == target {
		// clear a stale marker from a crash after the final bump
		_ = db.Delete([]byte(keys.MigratingKey), pebble.Sync)
		return stored, nil
	}

	for _, m := range All {
		if m.Version <= stored {
			continue
		}
		marker := inProgressMarker{From: stored, To: m.Version, StartedAt: time.Now().UTC().Format(time.RFC3339)}
		mb, _ := json.Marshal(marker)
		if err := db.Set([]byte(keys.MigratingKey), mb, pebble.Sync); err != nil {
			return stored, fmt.Errorf("write in-progress marker: %w", err)
		}
		logger.Info("migration_start", "version", m.Version, "name", m.Name)
		if err := m.Apply(db); err != nil {
			return stored, fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
		if err := db.Set([]byte(keys.SchemaVersionKey), []byte(strconv.Itoa(m.Version)), pebble.Sync); err != nil {
			return stored, fmt.Errorf("persist schema version %d: %w", m.Version, err)
		}
		if err := db.Delete([]byte(keys.MigratingKey), pebble.Sync); err != nil {
			logger.Warn("migration_marker_delete_failed", "error", err)
		}
		stored = m.Version
		logger.Info("migration_applied", "version", m.Version, "name", m.Name)
	}
	return stored, nil
}

// migrateBaseSchema pins the initial layout. A fresh store has nothing to
// rewrite; the version bump in Run is the whole effect.
func migrateBaseSchema(db *pebble.DB) error {
	return nil
}

// migrateRebuildIndexes rescans every primary record and rewrites the
// room, status and server-id indexes from scratch. Used both as the
// upgrade path for stores written before the status index existed and as
// crash repair: Set is idempotent, so re-running converges.
func migrateRebuildIndexes(db *pebble.DB) error {
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()

	prefix := []byte("msg:")
	batch := db.NewBatch()
	var n int
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return fmt.Errorf("corrupt record %s: %w", string(iter.Key()), err)
		}
		rk, err := keys.RoomIndexKey(m.RoomID, m.CreatedTS, m.Cid)
		if err != nil {
			return err
		}
		sk, err := keys.StatusIndexKey(string(m.Status), m.Cid)
		if err != nil {
			return err
		}
		batch.Set([]byte(rk), []byte(m.Cid), nil)
		batch.Set([]byte(sk), []byte(m.Cid), nil)
		if m.ID != "" {
			ik, err := keys.MsgIDIndexKey(m.ID)
			if err != nil {
				return err
			}
			batch.Set([]byte(ik), []byte(m.Cid), nil)
		}
		n++
		if batch.Len() > 1<<20 {
			if err := db.Apply(batch, pebble.Sync); err != nil {
				return err
			}
			batch = db.NewBatch()
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if err := db.Apply(batch, pebble.Sync); err != nil {
		return err
	}
	logger.Info("migration_indexes_rebuilt", "records", n)
	return nil
}
