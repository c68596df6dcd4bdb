package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType names an event on the session channel.
type EventType string

// Client to server.
const (
	EventCreateSession EventType = "create-session"
	EventJoinSession   EventType = "join-session"
	EventLeaveSession  EventType = "leave-session"
	EventTimerAction   EventType = "timer-action"
	EventSendMessage   EventType = "send-message"
)

// Server to client.
const (
	EventAck               EventType = "ack"
	EventParticipantJoined EventType = "participant-joined"
	EventParticipantLeft   EventType = "participant-left"
	EventTimerUpdate       EventType = "timer-update"
	EventNewMessage        EventType = "new-message"
)

// Envelope is the wire frame for every event, both directions. RequestID is
// set on request/response style events (create/join) and echoed back on the
// matching ack; all other events leave it empty.
type Envelope struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope ready to send.
func NewEnvelope(t EventType, requestID string, payload interface{}) (Envelope, error) {
	env := Envelope{Type: t, RequestID: requestID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Data = data
	}
	return env, nil
}

// CreateSessionPayload asks the registry to open a new session with the
// caller as host.
type CreateSessionPayload struct {
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
}

// ParticipantData is the joiner-supplied identity.
type ParticipantData struct {
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
}

// JoinSessionPayload asks to join an existing session.
type JoinSessionPayload struct {
	SessionID       string          `json:"sessionId"`
	ParticipantData ParticipantData `json:"participantData"`
}

// TimerActionPayload carries a host timer transition with the full snapshot
// that resulted from it.
type TimerActionPayload struct {
	Action     string     `json:"action"`
	TimerState TimerState `json:"timerState"`
}

// SendMessagePayload carries outbound chat text.
type SendMessagePayload struct {
	Text string `json:"text"`
}

// AckPayload is the response to create-session and join-session requests.
// Error is the user-facing failure string when Success is false.
type AckPayload struct {
	Success   bool     `json:"success"`
	Error     string   `json:"error,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	Session   *Session `json:"session,omitempty"`
}

// ParticipantJoinedPayload ships the full roster after a join.
type ParticipantJoinedPayload struct {
	Participants []Participant `json:"participants"`
}

// ParticipantLeftPayload ships the full roster after a departure. NewHost is
// the id of the replacement host when the departing member was the host.
type ParticipantLeftPayload struct {
	Participants []Participant `json:"participants"`
	NewHost      string        `json:"newHost,omitempty"`
}

// TimerUpdatePayload is the snapshot rebroadcast to guests.
type TimerUpdatePayload struct {
	TimerState TimerState `json:"timerState"`
}

// ParseEventPayload parses an envelope's data into the payload struct for its
// event type. Returns nil for event types without a payload.
func ParseEventPayload(env *Envelope) (interface{}, error) {
	switch env.Type {
	case EventCreateSession:
		var p CreateSessionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventJoinSession:
		var p JoinSessionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventTimerAction:
		var p TimerActionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventSendMessage:
		var p SendMessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventAck:
		var p AckPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventParticipantJoined:
		var p ParticipantJoinedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventParticipantLeft:
		var p ParticipantLeftPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventTimerUpdate:
		var p TimerUpdatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventNewMessage:
		var p ChatMessage
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventLeaveSession:
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown event type: %s", env.Type)
	}
}
