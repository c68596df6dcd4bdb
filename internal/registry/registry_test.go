package registry

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mkarlsso/pomosync/internal/protocol"
)

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	r := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Start(ctx)
	return r
}

// newTestConn builds a connection without a real socket; frames land in the
// buffered send channel where the test reads them.
func newTestConn(r *Registry) *Connection {
	return &Connection{
		ID:       uuid.New().String(),
		registry: r,
		send:     make(chan []byte, 64),
		limiter:  rate.NewLimiter(rate.Inf, 1),
	}
}

func dispatch(t *testing.T, r *Registry, c *Connection, typ protocol.EventType, requestID string, payload interface{}) {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, requestID, payload)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	r.dispatch(c, &env)
}

func recvEnvelope(t *testing.T, c *Connection) protocol.Envelope {
	t.Helper()
	select {
	case data := <-c.send:
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return protocol.Envelope{}
	}
}

func recvTyped(t *testing.T, c *Connection, want protocol.EventType) protocol.Envelope {
	t.Helper()
	env := recvEnvelope(t, c)
	if env.Type != want {
		t.Fatalf("expected %s frame, got %s", want, env.Type)
	}
	return env
}

func recvAck(t *testing.T, c *Connection) protocol.AckPayload {
	t.Helper()
	env := recvTyped(t, c, protocol.EventAck)
	var ack protocol.AckPayload
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	return ack
}

func expectSilence(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(150 * time.Millisecond):
	}
}

func createSession(t *testing.T, r *Registry, c *Connection, nickname string) string {
	t.Helper()
	dispatch(t, r, c, protocol.EventCreateSession, "req-create", protocol.CreateSessionPayload{
		Nickname: nickname,
		Avatar:   "cat",
	})
	ack := recvAck(t, c)
	if !ack.Success {
		t.Fatalf("create failed: %s", ack.Error)
	}
	return ack.SessionID
}

func joinSession(t *testing.T, r *Registry, c *Connection, sessionID, nickname string) protocol.AckPayload {
	t.Helper()
	dispatch(t, r, c, protocol.EventJoinSession, "req-join", protocol.JoinSessionPayload{
		SessionID:       sessionID,
		ParticipantData: protocol.ParticipantData{Nickname: nickname, Avatar: "dog"},
	})
	return recvAck(t, c)
}

func TestCreateSession(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	c := newTestConn(r)

	dispatch(t, r, c, protocol.EventCreateSession, "req-create", protocol.CreateSessionPayload{
		Nickname: "alice",
		Avatar:   "cat",
	})
	ack := recvAck(t, c)
	if !ack.Success {
		t.Fatalf("create failed: %s", ack.Error)
	}
	sessionID := ack.SessionID
	if sessionID == "" {
		t.Fatal("expected non-empty session id")
	}
	if ack.Session == nil {
		t.Fatal("expected session snapshot in ack")
	}
	if got, want := ack.Session.TimerState, protocol.DefaultTimerState(); got != want {
		t.Fatalf("fresh session timer: expected %+v, got %+v", want, got)
	}

	r.mu.RLock()
	sess := r.sessions[sessionID]
	r.mu.RUnlock()
	if sess == nil {
		t.Fatal("session not registered")
	}
	if len(sess.state.Participants) != 1 || !sess.state.Participants[0].IsHost {
		t.Fatalf("expected single host participant, got %+v", sess.state.Participants)
	}
}

func TestCreateRejectsEmptyNickname(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	c := newTestConn(r)

	dispatch(t, r, c, protocol.EventCreateSession, "req", protocol.CreateSessionPayload{Nickname: "   "})
	ack := recvAck(t, c)
	if ack.Success || ack.Error == "" {
		t.Fatalf("expected rejection, got %+v", ack)
	}
}

func TestJoinAdoptsFullSnapshot(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	host := newTestConn(r)
	guest := newTestConn(r)

	sessionID := createSession(t, r, host, "alice")

	// Host sets a timer state and sends a chat message before the join.
	dispatch(t, r, host, protocol.EventTimerAction, "", protocol.TimerActionPayload{
		Action: protocol.ActionStart,
		TimerState: protocol.TimerState{
			IsRunning:            true,
			CurrentPhase:         protocol.PhaseStudy,
			TimeRemainingSeconds: 1234,
			TotalRounds:          4,
		},
	})
	dispatch(t, r, host, protocol.EventSendMessage, "", protocol.SendMessagePayload{Text: "hello"})
	recvTyped(t, host, protocol.EventNewMessage) // echo

	ack := joinSession(t, r, guest, sessionID, "bob")
	if !ack.Success || ack.Session == nil {
		t.Fatalf("join failed: %+v", ack)
	}
	if len(ack.Session.Participants) != 2 {
		t.Fatalf("expected full roster, got %+v", ack.Session.Participants)
	}
	if ack.Session.TimerState.TimeRemainingSeconds != 1234 || !ack.Session.TimerState.IsRunning {
		t.Fatalf("expected pre-join timer state, got %+v", ack.Session.TimerState)
	}
	if len(ack.Session.Chat) != 1 || ack.Session.Chat[0].Text != "hello" {
		t.Fatalf("expected chat tail in snapshot, got %+v", ack.Session.Chat)
	}

	// The host learns about the join via a full roster broadcast.
	env := recvTyped(t, host, protocol.EventParticipantJoined)
	var joined protocol.ParticipantJoinedPayload
	if err := json.Unmarshal(env.Data, &joined); err != nil {
		t.Fatalf("unmarshal roster: %v", err)
	}
	if len(joined.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %+v", joined.Participants)
	}
}

func TestJoinBeforeFirstTimerAction(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	host := newTestConn(r)
	guest := newTestConn(r)

	sessionID := createSession(t, r, host, "alice")
	ack := joinSession(t, r, guest, sessionID, "bob")
	if !ack.Success || ack.Session == nil {
		t.Fatalf("join failed: %+v", ack)
	}
	if got, want := ack.Session.TimerState, protocol.DefaultTimerState(); got != want {
		t.Fatalf("pre-action join timer: expected %+v, got %+v", want, got)
	}
}

func TestJoinUnknownSession(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	c := newTestConn(r)

	ack := joinSession(t, r, c, "no-such-session", "bob")
	if ack.Success || ack.Error != "session not found" {
		t.Fatalf("expected session not found, got %+v", ack)
	}
}

func TestJoinNicknameCollision(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	host := newTestConn(r)
	guest := newTestConn(r)

	sessionID := createSession(t, r, host, "alice")
	ack := joinSession(t, r, guest, sessionID, "alice")
	if ack.Success || ack.Error != "nickname already taken" {
		t.Fatalf("expected nickname rejection, got %+v", ack)
	}
}

func TestJoinSessionFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxParticipants = 2
	r := newTestRegistry(t, cfg)

	host := newTestConn(r)
	sessionID := createSession(t, r, host, "alice")

	first := newTestConn(r)
	if ack := joinSession(t, r, first, sessionID, "bob"); !ack.Success {
		t.Fatalf("first join failed: %+v", ack)
	}

	second := newTestConn(r)
	ack := joinSession(t, r, second, sessionID, "carol")
	if ack.Success || ack.Error != "session is full" {
		t.Fatalf("expected session full, got %+v", ack)
	}
}

func assertSingleHost(t *testing.T, participants []protocol.Participant) {
	t.Helper()
	hosts := 0
	for _, p := range participants {
		if p.IsHost {
			hosts++
		}
	}
	if hosts != 1 {
		t.Fatalf("expected exactly one host, got %d in %+v", hosts, participants)
	}
}

func TestHostElectionOnHostLeave(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	host := newTestConn(r)
	guestB := newTestConn(r)
	guestC := newTestConn(r)

	sessionID := createSession(t, r, host, "alice")
	ackB := joinSession(t, r, guestB, sessionID, "bob")
	recvTyped(t, host, protocol.EventParticipantJoined)
	joinSession(t, r, guestC, sessionID, "carol")
	recvTyped(t, host, protocol.EventParticipantJoined)
	recvTyped(t, guestB, protocol.EventParticipantJoined)

	bobID := ackB.Session.Participants[1].ID

	dispatch(t, r, host, protocol.EventLeaveSession, "", nil)

	for _, c := range []*Connection{guestB, guestC} {
		env := recvTyped(t, c, protocol.EventParticipantLeft)
		var left protocol.ParticipantLeftPayload
		if err := json.Unmarshal(env.Data, &left); err != nil {
			t.Fatalf("unmarshal roster: %v", err)
		}
		if len(left.Participants) != 2 {
			t.Fatalf("expected 2 remaining, got %+v", left.Participants)
		}
		assertSingleHost(t, left.Participants)
		// Earliest joiner inherits the role.
		if left.NewHost != bobID {
			t.Fatalf("expected new host %s, got %s", bobID, left.NewHost)
		}
		if !left.Participants[0].IsHost || left.Participants[0].Nickname != "bob" {
			t.Fatalf("expected bob as host, got %+v", left.Participants[0])
		}
	}
}

func TestGuestLeaveKeepsHost(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	host := newTestConn(r)
	guest := newTestConn(r)

	sessionID := createSession(t, r, host, "alice")
	joinSession(t, r, guest, sessionID, "bob")
	recvTyped(t, host, protocol.EventParticipantJoined)

	dispatch(t, r, guest, protocol.EventLeaveSession, "", nil)

	env := recvTyped(t, host, protocol.EventParticipantLeft)
	var left protocol.ParticipantLeftPayload
	if err := json.Unmarshal(env.Data, &left); err != nil {
		t.Fatalf("unmarshal roster: %v", err)
	}
	if left.NewHost != "" {
		t.Fatalf("no election expected, got new host %s", left.NewHost)
	}
	assertSingleHost(t, left.Participants)
	if left.Participants[0].Nickname != "alice" {
		t.Fatalf("expected alice to stay host, got %+v", left.Participants[0])
	}
}

func TestTimerActionFromGuestIsDropped(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	host := newTestConn(r)
	guest := newTestConn(r)

	sessionID := createSession(t, r, host, "alice")
	joinSession(t, r, guest, sessionID, "bob")
	recvTyped(t, host, protocol.EventParticipantJoined)

	dispatch(t, r, guest, protocol.EventTimerAction, "", protocol.TimerActionPayload{
		Action:     protocol.ActionStart,
		TimerState: protocol.TimerState{IsRunning: true, TimeRemainingSeconds: 1},
	})

	expectSilence(t, host)

	r.mu.RLock()
	sess := r.sessions[sessionID]
	r.mu.RUnlock()
	sess.mu.Lock()
	timer := sess.state.TimerState
	sess.mu.Unlock()
	if timer.IsRunning {
		t.Fatalf("guest mutated shared timer: %+v", timer)
	}
}

func TestTimerUpdateExcludesSender(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	host := newTestConn(r)
	guest := newTestConn(r)

	sessionID := createSession(t, r, host, "alice")
	joinSession(t, r, guest, sessionID, "bob")
	recvTyped(t, host, protocol.EventParticipantJoined)

	dispatch(t, r, host, protocol.EventTimerAction, "", protocol.TimerActionPayload{
		Action:     protocol.ActionStart,
		TimerState: protocol.TimerState{IsRunning: true, CurrentPhase: protocol.PhaseStudy, TimeRemainingSeconds: 1500},
	})

	env := recvTyped(t, guest, protocol.EventTimerUpdate)
	var update protocol.TimerUpdatePayload
	if err := json.Unmarshal(env.Data, &update); err != nil {
		t.Fatalf("unmarshal timer update: %v", err)
	}
	if !update.TimerState.IsRunning || update.TimerState.TimeRemainingSeconds != 1500 {
		t.Fatalf("unexpected timer update: %+v", update.TimerState)
	}

	expectSilence(t, host)
}

func TestChatRelayOrderAndEcho(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	host := newTestConn(r)
	guest := newTestConn(r)

	sessionID := createSession(t, r, host, "alice")
	joinSession(t, r, guest, sessionID, "bob")
	recvTyped(t, host, protocol.EventParticipantJoined)

	dispatch(t, r, host, protocol.EventSendMessage, "", protocol.SendMessagePayload{Text: "one"})
	dispatch(t, r, guest, protocol.EventSendMessage, "", protocol.SendMessagePayload{Text: "two"})
	dispatch(t, r, host, protocol.EventSendMessage, "", protocol.SendMessagePayload{Text: "three"})

	want := []string{"one", "two", "three"}
	for _, c := range []*Connection{host, guest} {
		for i, text := range want {
			env := recvTyped(t, c, protocol.EventNewMessage)
			var msg protocol.ChatMessage
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				t.Fatalf("unmarshal message: %v", err)
			}
			if msg.Text != text {
				t.Fatalf("message %d: expected %q, got %q", i, text, msg.Text)
			}
			if msg.ID == "" || msg.Timestamp.IsZero() {
				t.Fatalf("expected server-assigned id and timestamp, got %+v", msg)
			}
		}
	}
}

func TestChatTruncatesAndDropsEmpty(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	host := newTestConn(r)
	createSession(t, r, host, "alice")

	dispatch(t, r, host, protocol.EventSendMessage, "", protocol.SendMessagePayload{Text: "   "})
	expectSilence(t, host)

	long := strings.Repeat("x", protocol.MaxMessageChars+50)
	dispatch(t, r, host, protocol.EventSendMessage, "", protocol.SendMessagePayload{Text: long})
	env := recvTyped(t, host, protocol.EventNewMessage)
	var msg protocol.ChatMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if len([]rune(msg.Text)) != protocol.MaxMessageChars {
		t.Fatalf("expected truncation to %d runes, got %d", protocol.MaxMessageChars, len([]rune(msg.Text)))
	}
}

func TestDisconnectActsAsLeave(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	host := newTestConn(r)
	guest := newTestConn(r)

	sessionID := createSession(t, r, host, "alice")
	joinSession(t, r, guest, sessionID, "bob")
	recvTyped(t, host, protocol.EventParticipantJoined)

	r.disconnect(guest)

	env := recvTyped(t, host, protocol.EventParticipantLeft)
	var left protocol.ParticipantLeftPayload
	if err := json.Unmarshal(env.Data, &left); err != nil {
		t.Fatalf("unmarshal roster: %v", err)
	}
	if len(left.Participants) != 1 {
		t.Fatalf("expected 1 remaining, got %+v", left.Participants)
	}
}

func TestSessionDestroyedWhenEmpty(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	host := newTestConn(r)

	sessionID := createSession(t, r, host, "alice")
	dispatch(t, r, host, protocol.EventLeaveSession, "", nil)

	r.mu.RLock()
	_, exists := r.sessions[sessionID]
	r.mu.RUnlock()
	if exists {
		t.Fatal("expected session destroyed after last leave")
	}

	joiner := newTestConn(r)
	ack := joinSession(t, r, joiner, sessionID, "bob")
	if ack.Success {
		t.Fatal("join to destroyed session should fail")
	}
}

func TestLeaveThenCreateNewSession(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	c := newTestConn(r)

	createSession(t, r, c, "alice")
	dispatch(t, r, c, protocol.EventLeaveSession, "", nil)

	// The connection survives the leave and can host a fresh session.
	second := createSession(t, r, c, "alice")
	if second == "" {
		t.Fatal("expected new session id after leave")
	}
}
