package internal

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

type FrameType string

const (
	FrameJoin       FrameType = "join"
	FrameLeave      FrameType = "leave"
	FrameChat       FrameType = "chat"
	FrameTyping     FrameType = "typing"
	FrameStopTyping FrameType = "stop-typing"

	FrameConnected FrameType = "connected"
	FrameInfo      FrameType = "info"
	FrameErr       FrameType = "error"
	FrameMessage   FrameType = "message"
)

// Frame is the envelope for every message on the socket, in both directions.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound is one of JoinFrame, LeaveFrame, ChatFrame, TypingFrame or UnknownFrame.
type Inbound interface {
	Kind() FrameType
}

type JoinFrame struct {
	RoomID string
}

type LeaveFrame struct {
	RoomID string
}

// ChatFrame may leave RoomID empty, meaning the most recently joined room.
type ChatFrame struct {
	RoomID  string
	Message string
}

type TypingFrame struct {
	RoomID  string
	Stopped bool
}

type UnknownFrame struct {
	Type FrameType
}

func (JoinFrame) Kind() FrameType  { return FrameJoin }
func (LeaveFrame) Kind() FrameType { return FrameLeave }
func (ChatFrame) Kind() FrameType  { return FrameChat }

func (f TypingFrame) Kind() FrameType {
	if f.Stopped {
		return FrameStopTyping
	}

	return FrameTyping
}

func (f UnknownFrame) Kind() FrameType { return f.Type }

// FrameError is reported back to the sender; the connection stays open.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return e.Reason
}

func malformed(reason string) error {
	return &FrameError{Reason: reason}
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type chatPayload struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

func ParseFrame(b []byte) (Inbound, error) {
	frame := Frame{}
	if err := json.Unmarshal(b, &frame); err != nil {
		return nil, malformed("invalid JSON")
	}

	switch frame.Type {
	case FrameJoin:
		roomID, err := parseRoomID(frame.Payload)
		if err != nil {
			return nil, err
		}

		return JoinFrame{RoomID: roomID}, nil
	case FrameLeave:
		roomID, err := parseRoomID(frame.Payload)
		if err != nil {
			return nil, err
		}

		return LeaveFrame{RoomID: roomID}, nil
	case FrameTyping, FrameStopTyping:
		roomID, err := parseRoomID(frame.Payload)
		if err != nil {
			return nil, err
		}

		return TypingFrame{RoomID: roomID, Stopped: frame.Type == FrameStopTyping}, nil
	case FrameChat:
		payload := chatPayload{}
		if len(frame.Payload) == 0 || json.Unmarshal(frame.Payload, &payload) != nil {
			return nil, malformed("invalid chat payload")
		}

		if strings.TrimSpace(payload.Message) == "" {
			return nil, malformed("message is required")
		}

		return ChatFrame{RoomID: strings.TrimSpace(payload.RoomID), Message: payload.Message}, nil
	case "":
		return nil, malformed("type is required")
	default:
		return UnknownFrame{Type: frame.Type}, nil
	}
}

// parseRoomID accepts {"roomId": "x"} or the bare string "x".
func parseRoomID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", malformed("roomId is required")
	}

	roomID := ""
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &roomID); err != nil {
			return "", malformed("invalid roomId")
		}
	} else {
		payload := roomPayload{}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return "", malformed("invalid payload")
		}

		roomID = payload.RoomID
	}

	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return "", malformed("roomId is required")
	}

	return roomID, nil
}

type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

type InfoPayload struct {
	Message string `json:"message"`
	RoomID  string `json:"roomId,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type TypingPayload struct {
	RoomID string `json:"roomId"`
	From   string `json:"from,omitempty"`
}

type MessagePayload struct {
	Message string    `json:"message"`
	From    string    `json:"from,omitempty"`
	RoomID  string    `json:"roomId"`
	SentAt  time.Time `json:"sentAt"`
}

func EncodeFrame(typ FrameType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(Frame{Type: typ, Payload: raw})
}

// mustEncode is for payload types defined in this file, which always marshal.
func mustEncode(typ FrameType, payload any) []byte {
	b, err := EncodeFrame(typ, payload)
	if err != nil {
		panic(err)
	}

	return b
}

func errorFrame(reason string) []byte {
	return mustEncode(FrameErr, ErrorPayload{Error: reason})
}
