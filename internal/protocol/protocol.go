package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Command names understood by the helper.
const (
	cmdAddWatch  = "add_watch"
	cmdRemove    = "remove"
	cmdWatchList = "watch_list"
)

// okPayload is the literal success-without-value response.
var okPayload = []byte(`"ok"`)

// ErrUnrecognizedReply reports a response payload with none of the
// known shapes. Surfaced to the caller instead of crashing the reader.
var ErrUnrecognizedReply = errors.New("unrecognized reply payload")

// CommandError is a failure the helper reported for one specific
// command. It is local to that command; the connection stays alive.
type CommandError struct {
	Message string
}

func (e *CommandError) Error() string {
	return e.Message
}

// AddWatchCommand encodes the command to start watching path.
func AddWatchCommand(path string) []byte {
	return []byte(cmdAddWatch + " " + path)
}

// RemoveCommand encodes the command to stop watching path.
func RemoveCommand(path string) []byte {
	return []byte(cmdRemove + " " + path)
}

// WatchListCommand encodes the command to list watched paths. It
// carries no argument.
func WatchListCommand() []byte {
	return []byte(cmdWatchList)
}

// DecodeResponse interprets a command response payload. The literal
// "ok" yields (nil, nil); an {OK: value} object yields the raw value;
// an {Err: message} object yields a *CommandError. Anything else is
// reported as ErrUnrecognizedReply.
func DecodeResponse(payload []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if bytes.Equal(trimmed, okPayload) {
		return nil, nil
	}

	var reply struct {
		OK  json.RawMessage `json:"OK"`
		Err *string         `json:"Err"`
	}
	if err := json.Unmarshal(trimmed, &reply); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnrecognizedReply, trimmed)
	}
	if reply.Err != nil {
		return nil, &CommandError{Message: *reply.Err}
	}
	if reply.OK != nil {
		return reply.OK, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnrecognizedReply, trimmed)
}

// DecodeWatchList decodes a watch_list response value into the path
// list it carries.
func DecodeWatchList(value json.RawMessage) ([]string, error) {
	var paths []string
	if err := json.Unmarshal(value, &paths); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnrecognizedReply, value)
	}
	return paths, nil
}

// Event is one filesystem change reported by the helper.
type Event struct {
	Path string
	Op   Op
}

// Broadcast is one decoded unsolicited (correlation ID 0) payload.
// Exactly one of Event and Err is set.
type Broadcast struct {
	// Event is the filesystem change, for {Name, Op} payloads.
	Event *Event
	// Err is the watcher failure message, for {Err: message} payloads.
	Err string
}

// DecodeBroadcast interprets an unsolicited payload as either a
// filesystem event or an asynchronous watcher failure.
func DecodeBroadcast(payload []byte) (Broadcast, error) {
	var wire struct {
		Name *string `json:"Name"`
		Op   *int    `json:"Op"`
		Err  *string `json:"Err"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Broadcast{}, fmt.Errorf("malformed broadcast payload %q: %w", payload, err)
	}

	if wire.Err != nil {
		return Broadcast{Err: *wire.Err}, nil
	}
	if wire.Name == nil || wire.Op == nil {
		return Broadcast{}, fmt.Errorf("broadcast payload %q carries neither event nor error", payload)
	}
	if *wire.Op < 0 || !Op(*wire.Op).Valid() {
		return Broadcast{}, fmt.Errorf("broadcast op %d out of range", *wire.Op)
	}
	return Broadcast{Event: &Event{Path: *wire.Name, Op: Op(*wire.Op)}}, nil
}

// OKResponse is the success-without-value response payload.
func OKResponse() []byte {
	return okPayload
}

// MarshalOK encodes a success response carrying value.
func MarshalOK(value any) ([]byte, error) {
	return json.Marshal(struct {
		OK any
	}{OK: value})
}

// MarshalError encodes a failure response or an unsolicited watcher
// failure.
func MarshalError(message string) []byte {
	payload, err := json.Marshal(struct {
		Err string
	}{Err: message})
	if err != nil {
		// A plain string field cannot fail to marshal.
		panic(err)
	}
	return payload
}

// MarshalEvent encodes an unsolicited filesystem event.
func MarshalEvent(path string, op Op) ([]byte, error) {
	return json.Marshal(struct {
		Name string
		Op   int
	}{Name: path, Op: int(op)})
}

// ParseCommand splits a command payload into its name and optional
// argument.
func ParseCommand(payload []byte) (name, arg string) {
	name, arg, _ = strings.Cut(string(payload), " ")
	return name, arg
}
