package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseStatus(t *testing.T) {
	for _, s := range AllStatuses() {
		got, err := ParseStatus(string(s))
		if err != nil || got != s {
			t.Fatalf("ParseStatus(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := ParseStatus("queued"); err == nil {
		t.Fatalf("unknown status accepted")
	}
	if _, err := ParseStatus(""); err == nil {
		t.Fatalf("empty status accepted")
	}
}

func TestStatusUnsynced(t *testing.T) {
	want := map[Status]bool{
		StatusLocal:   true,
		StatusPending: true,
		StatusFailed:  true,
		StatusSent:    false,
	}
	for s, w := range want {
		if s.Unsynced() != w {
			t.Fatalf("%s.Unsynced() != %v", s, w)
		}
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindText, KindImage, KindFile, KindMedical} {
		got, err := ParseKind(string(k))
		if err != nil || got != k {
			t.Fatalf("ParseKind(%q) = %v, %v", k, got, err)
		}
	}
	if _, err := ParseKind("video"); err == nil {
		t.Fatalf("unknown kind accepted")
	}
}

func TestNewMessageShape(t *testing.T) {
	m := NewMessage("room-1", "dr-adams", KindText, "hi")
	if m.Cid == "" || m.Status != StatusLocal || m.CreatedTS == 0 {
		t.Fatalf("malformed new message: %+v", m)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("fresh message invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	base := NewMessage("room-1", "dr-adams", KindText, "hi")
	cases := []func(*Message){
		func(m *Message) { m.Cid = "" },
		func(m *Message) { m.RoomID = "" },
		func(m *Message) { m.SenderID = "" },
		func(m *Message) { m.Kind = "video" },
		func(m *Message) { m.Status = "queued" },
	}
	for i, mutate := range cases {
		m := base
		mutate(&m)
		if err := m.Validate(); err == nil {
			t.Fatalf("case %d: invalid message accepted", i)
		}
	}
}

func TestRetryablePredicate(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&NetworkError{Op: "send", Err: errors.New("timeout")}, true},
		{fmt.Errorf("wrapped: %w", &NetworkError{Op: "send", Err: errors.New("x")}), true},
		{&ValidationError{Field: "text", Reason: "too long"}, false},
		{&PermissionError{Capability: "post"}, false},
		{&StorageError{Op: "put", Err: errors.New("io")}, true},
		{&StorageError{Op: "put", Fatal: true, Err: errors.New("corrupt")}, false},
		{&StorageError{Op: "put", Err: fmt.Errorf("%w: rev", ErrConflict)}, false},
		{errors.New("anonymous"), false},
		{nil, false},
	}
	for i, c := range cases {
		if got := Retryable(c.err); got != c.want {
			t.Fatalf("case %d: Retryable(%v) = %v, want %v", i, c.err, got, c.want)
		}
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(fmt.Errorf("message x: %w", ErrNotFound)) {
		t.Fatalf("wrapped not-found missed")
	}
	if IsNotFound(errors.New("other")) {
		t.Fatalf("false positive")
	}
}
