package protocol

import (
	"errors"
	"testing"
)

func TestCommandEncoding(t *testing.T) {
	if got := string(AddWatchCommand("/tmp/x")); got != "add_watch /tmp/x" {
		t.Fatalf("unexpected add_watch encoding: %q", got)
	}
	if got := string(RemoveCommand("/tmp/x")); got != "remove /tmp/x" {
		t.Fatalf("unexpected remove encoding: %q", got)
	}
	if got := string(WatchListCommand()); got != "watch_list" {
		t.Fatalf("unexpected watch_list encoding: %q", got)
	}
}

func TestParseCommand(t *testing.T) {
	name, arg := ParseCommand([]byte("add_watch /tmp/with space"))
	if name != "add_watch" || arg != "/tmp/with space" {
		t.Fatalf("unexpected parse: %q %q", name, arg)
	}

	name, arg = ParseCommand([]byte("watch_list"))
	if name != "watch_list" || arg != "" {
		t.Fatalf("unexpected parse: %q %q", name, arg)
	}
}

func TestDecodeResponseOK(t *testing.T) {
	value, err := DecodeResponse([]byte(`"ok"`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if value != nil {
		t.Fatalf("expected no value, got %q", value)
	}
}

func TestDecodeResponseOKValue(t *testing.T) {
	value, err := DecodeResponse([]byte(`{"OK":["/a","/b"]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	paths, err := DecodeWatchList(value)
	if err != nil {
		t.Fatalf("decode watch list: %v", err)
	}
	if len(paths) != 2 || paths[0] != "/a" || paths[1] != "/b" {
		t.Fatalf("unexpected paths: %v", paths)
	}
}

func TestDecodeResponseErr(t *testing.T) {
	_, err := DecodeResponse([]byte(`{"Err":"no such file"}`))
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.Message != "no such file" {
		t.Fatalf("unexpected message: %q", cmdErr.Message)
	}
}

func TestDecodeResponseUnrecognized(t *testing.T) {
	for _, payload := range []string{`"okay"`, `{}`, `[1,2]`, `garbage`, `42`} {
		_, err := DecodeResponse([]byte(payload))
		if !errors.Is(err, ErrUnrecognizedReply) {
			t.Fatalf("payload %q: expected ErrUnrecognizedReply, got %v", payload, err)
		}
	}
}

func TestOpBitmaskDecoding(t *testing.T) {
	cases := []struct {
		mask     Op
		expected string
	}{
		{mask: 0b00101, expected: "CREATE|REMOVE"},
		{mask: 0, expected: "NONE"},
		{mask: 0b11111, expected: "CREATE|WRITE|REMOVE|RENAME|CHMOD"},
	}

	for _, tc := range cases {
		if got := tc.mask.String(); got != tc.expected {
			t.Fatalf("op %05b: expected %q, got %q", tc.mask, tc.expected, got)
		}
	}

	if !Op(0b00101).Has(OpCreate) || !Op(0b00101).Has(OpRemove) {
		t.Fatal("expected 0b00101 to carry create and remove")
	}
	if Op(0b00101).Has(OpWrite) || Op(0b00101).Has(OpRename) || Op(0b00101).Has(OpChmod) {
		t.Fatal("expected 0b00101 to carry only create and remove")
	}
	if Op(1 << 5).Valid() {
		t.Fatal("expected bit 5 to be invalid")
	}
}

func TestDecodeBroadcastEvent(t *testing.T) {
	broadcast, err := DecodeBroadcast([]byte(`{"Name":"/tmp/x","Op":2}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if broadcast.Event == nil {
		t.Fatal("expected event broadcast")
	}
	if broadcast.Event.Path != "/tmp/x" || broadcast.Event.Op != OpWrite {
		t.Fatalf("unexpected event: %+v", broadcast.Event)
	}
}

func TestDecodeBroadcastFailure(t *testing.T) {
	broadcast, err := DecodeBroadcast([]byte(`{"Err":"watcher overflow"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if broadcast.Event != nil {
		t.Fatal("expected failure broadcast, got event")
	}
	if broadcast.Err != "watcher overflow" {
		t.Fatalf("unexpected failure message: %q", broadcast.Err)
	}
}

func TestDecodeBroadcastRejectsMalformed(t *testing.T) {
	for _, payload := range []string{`{}`, `{"Name":"/x"}`, `{"Name":"/x","Op":32}`, `{"Name":"/x","Op":-1}`, `nonsense`} {
		if _, err := DecodeBroadcast([]byte(payload)); err == nil {
			t.Fatalf("payload %q: expected decode error", payload)
		}
	}
}

func TestMarshalRoundTrips(t *testing.T) {
	payload, err := MarshalEvent("/tmp/x", OpCreate|OpRemove)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	broadcast, err := DecodeBroadcast(payload)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if broadcast.Event == nil || broadcast.Event.Op != OpCreate|OpRemove {
		t.Fatalf("unexpected broadcast: %+v", broadcast)
	}

	okValue, err := MarshalOK([]string{"/a"})
	if err != nil {
		t.Fatalf("marshal ok: %v", err)
	}
	value, err := DecodeResponse(okValue)
	if err != nil {
		t.Fatalf("decode ok: %v", err)
	}
	paths, err := DecodeWatchList(value)
	if err != nil {
		t.Fatalf("decode watch list: %v", err)
	}
	if len(paths) != 1 || paths[0] != "/a" {
		t.Fatalf("unexpected paths: %v", paths)
	}

	if _, err := DecodeResponse(MarshalError("boom")); err == nil || err.Error() != "boom" {
		t.Fatalf("expected command error boom, got %v", err)
	}
}
