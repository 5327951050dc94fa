package keys

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Key shapes for the local store. Keep formatting and parsing in one
// place so the layouts stay consistent across the codebase.
//
//	msg:<cid>                                  primary record (JSON)
//	idx:room:<roomID>:<ts20>-<cid>             -> cid (createdAt order)
//	idx:status:<status>:<cid>                  -> cid (outbox scans)
//	idx:msgid:<serverID>                       -> cid (dedup by server id)
//	thread:<threadID>:meta                     thread metadata (JSON)
//	thread:byparent:<parentMessageID>          -> threadID
//	sys:schema                                 last applied migration version
//	sys:migrating                              in-progress migration marker
const (
	msgKeyFmt         = "msg:%s"
	roomIdxFmt        = "idx:room:%s:%s-%s"
	statusIdxFmt      = "idx:status:%s:%s"
	msgIDIdxFmt       = "idx:msgid:%s"
	threadMetaFmt     = "thread:%s:meta"
	threadByParentFmt = "thread:byparent:%s"

	SchemaVersionKey = "sys:schema"
	MigratingKey     = "sys:migrating"

	tsPadWidth = 20
)

// conservative ID validation: letters, digits, dot, underscore, dash
// and a reasonable upper bound to protect key shapes.
var idRegexp = regexp.MustCompile(`^[A-Za-z0-9._-]{1,256}$`)

// ValidateID ensures an opaque id (cid, room id, thread id, server id)
// is safe to embed in keys.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id empty")
	}
	if !idRegexp.MatchString(id) {
		return fmt.Errorf("invalid id: %q", id)
	}
	return nil
}

// FormatTS returns a zero-padded nanosecond timestamp string so keys sort
// bytewise in time order.
func FormatTS(ts int64) string {
	return fmt.Sprintf("%0*d", tsPadWidth, ts)
}

// ParseTS parses a padded timestamp previously formatted with FormatTS.
func ParseTS(s string) (int64, error) {
	if len(s) == 0 || len(s) > tsPadWidth {
		return 0, fmt.Errorf("ts length invalid: %s", s)
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ts: %w", err)
	}
	return v, nil
}

// MsgKey builds the primary record key for a cid.
func MsgKey(cid string) (string, error) {
	if err := ValidateID(cid); err != nil {
		return "", err
	}
	return fmt.Sprintf(msgKeyFmt, cid), nil
}

// RoomIndexKey builds the (room, createdAt) index key. The cid suffix is
// the tiebreaker for identical timestamps and makes re-puts of the same
// record land on the same key.
func RoomIndexKey(roomID string, ts int64, cid string) (string, error) {
	if err := ValidateID(roomID); err != nil {
		return "", err
	}
	if err := ValidateID(cid); err != nil {
		return "", err
	}
	return fmt.Sprintf(roomIdxFmt, roomID, FormatTS(ts), cid), nil
}

// RoomIndexPrefix returns the scan prefix for one room's index.
func RoomIndexPrefix(roomID string) (string, error) {
	if err := ValidateID(roomID); err != nil {
		return "", err
	}
	return fmt.Sprintf("idx:room:%s:", roomID), nil
}

// ParseRoomIndexKey extracts components from a room index key.
func ParseRoomIndexKey(key string) (roomID string, ts int64, cid string, err error) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) != 4 || parts[0] != "idx" || parts[1] != "room" {
		err = fmt.Errorf("invalid room index key: %s", key)
		return
	}
	roomID = parts[2]
	if err = ValidateID(roomID); err != nil {
		return
	}
	tail := parts[3]
	i := strings.Index(tail, "-")
	if i < 0 {
		err = fmt.Errorf("invalid room index key tail: %s", tail)
		return
	}
	ts, err = ParseTS(tail[:i])
	if err != nil {
		return
	}
	cid = tail[i+1:]
	err = ValidateID(cid)
	return
}

// StatusIndexKey builds the status index key for a cid.
func StatusIndexKey(status, cid string) (string, error) {
	if err := ValidateID(status); err != nil {
		return "", err
	}
	if err := ValidateID(cid); err != nil {
		return "", err
	}
	return fmt.Sprintf(statusIdxFmt, status, cid), nil
}

// StatusIndexPrefix returns the scan prefix for one status.
func StatusIndexPrefix(status string) (string, error) {
	if err := ValidateID(status); err != nil {
		return "", err
	}
	return fmt.Sprintf("idx:status:%s:", status), nil
}

// MsgIDIndexKey builds the server-id index key.
func MsgIDIndexKey(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return fmt.Sprintf(msgIDIdxFmt, id), nil
}

// ThreadMetaKey returns the metadata key for a thread id.
func ThreadMetaKey(threadID string) (string, error) {
	if err := ValidateID(threadID); err != nil {
		return "", err
	}
	return fmt.Sprintf(threadMetaFmt, threadID), nil
}

// ThreadByParentKey returns the parent-message -> thread mapping key.
func ThreadByParentKey(parentMessageID string) (string, error) {
	if err := ValidateID(parentMessageID); err != nil {
		return "", err
	}
	return fmt.Sprintf(threadByParentFmt, parentMessageID), nil
}
