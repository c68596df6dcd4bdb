package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func roundTrip(t *testing.T, typ EventType, payload interface{}) interface{} {
	t.Helper()
	env, err := NewEnvelope(typ, "", payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if decoded.Type != typ {
		t.Fatalf("expected type %q, got %q", typ, decoded.Type)
	}
	parsed, err := ParseEventPayload(&decoded)
	if err != nil {
		t.Fatalf("ParseEventPayload: %v", err)
	}
	return parsed
}

func TestParseTimerAction(t *testing.T) {
	in := TimerActionPayload{
		Action: ActionStart,
		TimerState: TimerState{
			IsRunning:            true,
			CurrentPhase:         PhaseStudy,
			TimeRemainingSeconds: 1500,
			RoundsCompleted:      1,
			TotalRounds:          4,
		},
	}
	out, ok := roundTrip(t, EventTimerAction, in).(TimerActionPayload)
	if !ok {
		t.Fatal("expected TimerActionPayload")
	}
	if out != in {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
}

func TestParseJoinSession(t *testing.T) {
	in := JoinSessionPayload{
		SessionID: "abc",
		ParticipantData: ParticipantData{
			Nickname: "bob",
			Avatar:   "dog",
		},
	}
	out, ok := roundTrip(t, EventJoinSession, in).(JoinSessionPayload)
	if !ok {
		t.Fatal("expected JoinSessionPayload")
	}
	if out != in {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
}

func TestParseAckCarriesSession(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	in := AckPayload{
		Success:   true,
		SessionID: "s1",
		Session: &Session{
			ID: "s1",
			Participants: []Participant{
				{ID: "p1", Nickname: "alice", Avatar: "cat", IsHost: true, JoinedAt: now},
			},
			TimerState: TimerState{CurrentPhase: PhaseStudy, TimeRemainingSeconds: 1500, TotalRounds: 4},
		},
	}
	out, ok := roundTrip(t, EventAck, in).(AckPayload)
	if !ok {
		t.Fatal("expected AckPayload")
	}
	if !out.Success || out.Session == nil {
		t.Fatalf("expected successful ack with session, got %+v", out)
	}
	if len(out.Session.Participants) != 1 || !out.Session.Participants[0].IsHost {
		t.Fatalf("unexpected roster: %+v", out.Session.Participants)
	}
}

func TestParseAckFailure(t *testing.T) {
	out, ok := roundTrip(t, EventAck, AckPayload{Success: false, Error: "session not found"}).(AckPayload)
	if !ok {
		t.Fatal("expected AckPayload")
	}
	if out.Success || out.Error != "session not found" {
		t.Fatalf("unexpected ack: %+v", out)
	}
}

func TestParseNewMessage(t *testing.T) {
	in := ChatMessage{ID: "m1", Text: "hi", Sender: "alice", Avatar: "cat"}
	out, ok := roundTrip(t, EventNewMessage, in).(ChatMessage)
	if !ok {
		t.Fatal("expected ChatMessage")
	}
	if out.ID != "m1" || out.Text != "hi" || out.Sender != "alice" {
		t.Fatalf("unexpected message: %+v", out)
	}
}

func TestParseUnknownEventType(t *testing.T) {
	env := Envelope{Type: "bogus", Data: json.RawMessage(`{}`)}
	if _, err := ParseEventPayload(&env); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestLeaveSessionHasNoPayload(t *testing.T) {
	env := Envelope{Type: EventLeaveSession}
	parsed, err := ParseEventPayload(&env)
	if err != nil {
		t.Fatalf("ParseEventPayload: %v", err)
	}
	if parsed != nil {
		t.Fatalf("expected nil payload, got %+v", parsed)
	}
}

func TestSessionClone(t *testing.T) {
	s := Session{
		ID:           "s1",
		Participants: []Participant{{ID: "p1", IsHost: true}},
		Chat:         []ChatMessage{{ID: "m1"}},
	}
	clone := s.Clone()
	clone.Participants[0].IsHost = false
	clone.Chat[0].Text = "mutated"
	if !s.Participants[0].IsHost {
		t.Fatal("clone shares participant slice with original")
	}
	if s.Chat[0].Text != "" {
		t.Fatal("clone shares chat slice with original")
	}
}

func TestHostID(t *testing.T) {
	s := Session{Participants: []Participant{
		{ID: "p1"},
		{ID: "p2", IsHost: true},
	}}
	if got := s.HostID(); got != "p2" {
		t.Fatalf("expected host p2, got %q", got)
	}
	if got := (&Session{}).HostID(); got != "" {
		t.Fatalf("expected no host, got %q", got)
	}
}
