package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Represents the type of a socket event
type EventType string

const (
	// client → server
	EventJoin     EventType = "join"
	EventUpdate   EventType = "update"
	EventPresence EventType = "presence"
	EventLeave    EventType = "leave"

	// server → client
	EventSync           EventType = "sync"
	EventRemoteUpdate   EventType = "remoteUpdate"
	EventPresenceUpdate EventType = "presenceUpdate"
	EventUserJoined     EventType = "userJoined"
	EventUserLeft       EventType = "userLeft"
	EventError          EventType = "error"
)

const (
	IdeaRoomPrefix = "idea:"
	maxRoomIDLen   = 128
)

var (
	ErrUnknownEvent  = errors.New("protocol: unknown event")
	ErrInvalidRoomID = errors.New("protocol: invalid room id")
)

// Envelope is the JSON text frame exchanged on the socket.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	// Initial content, applied only if the document was never seeded.
	Seed string `json:"seed,omitempty"`
}

type SyncPayload struct {
	RoomID string   `json:"roomId"`
	Update string   `json:"update"`
	Users  []string `json:"users,omitempty"`
}

// UpdatePayload carries a base64 delta for both update and remoteUpdate.
type UpdatePayload struct {
	RoomID string `json:"roomId"`
	Update string `json:"update"`
}

type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type PresencePayload struct {
	RoomID    string     `json:"roomId"`
	UserID    string     `json:"userId"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// MembershipPayload is sent with userJoined and userLeft.
type MembershipPayload struct {
	RoomID string   `json:"roomId"`
	UserID string   `json:"userId"`
	Users  []string `json:"users,omitempty"`
}

type ErrorPayload struct {
	RoomID  string `json:"roomId,omitempty"`
	Message string `json:"message"`
}

// LeavePayload accepts either {"roomId": "..."} or a bare room id string.
type LeavePayload struct {
	RoomID string `json:"roomId"`
}

func (l *LeavePayload) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &l.RoomID)
	}
	type plain LeavePayload
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*l = LeavePayload(p)
	return nil
}

// Encode builds a frame from an event type and payload.
func Encode(t EventType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// Frame wraps an already encoded payload without re-marshaling it.
func Frame(t EventType, raw json.RawMessage) ([]byte, error) {
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// Decode parses a frame and checks that the event type is known.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if !env.Type.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	return &env, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s payload: %w", e.Type, err)
	}
	return nil
}

func (t EventType) Known() bool {
	switch t {
	case EventJoin, EventUpdate, EventPresence, EventLeave,
		EventSync, EventRemoteUpdate, EventPresenceUpdate,
		EventUserJoined, EventUserLeft, EventError:
		return true
	}
	return false
}

// IdeaRoom returns the room id for an idea.
func IdeaRoom(ideaID string) string {
	return IdeaRoomPrefix + ideaID
}

// IdeaID extracts the idea id from a room id.
func IdeaID(roomID string) (string, bool) {
	if !strings.HasPrefix(roomID, IdeaRoomPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(roomID, IdeaRoomPrefix)
	return id, id != ""
}

func ValidateRoomID(roomID string) error {
	if roomID == "" || len(roomID) > maxRoomIDLen {
		return fmt.Errorf("%w: %q", ErrInvalidRoomID, roomID)
	}
	if strings.ContainsAny(roomID, "/ \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidRoomID, roomID)
	}
	return nil
}
