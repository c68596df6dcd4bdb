// Package registry implements the server-side session authority: it holds
// one record per active session, admits and removes participants, relays the
// host's timer snapshots and chat messages, and elects a replacement host
// when the host departs. Clients treat its rebroadcast order as the canonical
// event order.
package registry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mkarlsso/pomosync/internal/protocol"
)

// Config holds configuration for the session registry.
type Config struct {
	Connection      ConnectionConfig
	MaxParticipants int
	MaxChatHistory  int
}

// DefaultConfig returns default registry configuration.
func DefaultConfig() Config {
	return Config{
		Connection:      DefaultConnectionConfig(),
		MaxParticipants: 16,
		MaxChatHistory:  200,
	}
}

// session pairs the shared session state with the live connections of its
// members, keyed by participant id.
type session struct {
	mu    sync.Mutex
	state protocol.Session
	conns map[string]*Connection
}

// broadcastMessage is a frame queued for fan-out to one session's members.
type broadcastMessage struct {
	sessionID string
	exclude   string // participant id to skip, "" for none
	data      []byte
	fromRelay bool
}

// Registry manages all active sessions.
//
// Lock order: Registry.mu before session.mu, never the reverse.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session

	config      Config
	broadcastCh chan broadcastMessage
	relay       *Relay
}

// New creates a session registry.
func New(config Config) *Registry {
	return &Registry{
		sessions:    make(map[string]*session),
		config:      config,
		broadcastCh: make(chan broadcastMessage, 1024),
	}
}

// SetRelay attaches an optional NATS relay for multi-node fan-out. Must be
// called before Start.
func (r *Registry) SetRelay(relay *Relay) {
	r.relay = relay
}

// Start begins processing broadcast messages. Blocks until ctx is done.
func (r *Registry) Start(ctx context.Context) {
	log.Info().Msg("session registry started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("session registry shutting down")
			return
		case message := <-r.broadcastCh:
			r.handleBroadcast(message)
		}
	}
}

// dispatch routes an inbound event from a connection.
func (r *Registry) dispatch(c *Connection, env *protocol.Envelope) {
	switch env.Type {
	case protocol.EventCreateSession:
		r.handleCreate(c, env)
	case protocol.EventJoinSession:
		r.handleJoin(c, env)
	case protocol.EventLeaveSession:
		r.handleLeave(c)
	case protocol.EventTimerAction:
		r.handleTimerAction(c, env)
	case protocol.EventSendMessage:
		r.handleSendMessage(c, env)
	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", string(env.Type)).
			Msg("ignoring unknown event type")
	}
}

func (r *Registry) handleCreate(c *Connection, env *protocol.Envelope) {
	var payload protocol.CreateSessionPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		r.sendAck(c, env.RequestID, protocol.AckPayload{Success: false, Error: "malformed request"})
		return
	}

	nickname := strings.TrimSpace(payload.Nickname)
	if err := validateNickname(nickname); err != "" {
		r.sendAck(c, env.RequestID, protocol.AckPayload{Success: false, Error: err})
		return
	}
	if sid, _ := c.membership(); sid != "" {
		r.sendAck(c, env.RequestID, protocol.AckPayload{Success: false, Error: "already in a session"})
		return
	}

	host := protocol.Participant{
		ID:       uuid.New().String(),
		Nickname: nickname,
		Avatar:   payload.Avatar,
		IsHost:   true,
		JoinedAt: time.Now().UTC(),
	}
	sess := &session{
		state: protocol.Session{
			ID:           uuid.New().String(),
			Participants: []protocol.Participant{host},
			TimerState:   protocol.DefaultTimerState(),
		},
		conns: map[string]*Connection{host.ID: c},
	}

	r.mu.Lock()
	r.sessions[sess.state.ID] = sess
	r.mu.Unlock()

	c.setMembership(sess.state.ID, host.ID)

	snapshot := sess.state.Clone()
	r.relayState(snapshot)
	r.sendAck(c, env.RequestID, protocol.AckPayload{
		Success:   true,
		SessionID: sess.state.ID,
		Session:   &snapshot,
	})

	log.Info().
		Str("session_id", sess.state.ID).
		Str("participant_id", host.ID).
		Str("nickname", nickname).
		Msg("session created")
}

func (r *Registry) handleJoin(c *Connection, env *protocol.Envelope) {
	var payload protocol.JoinSessionPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		r.sendAck(c, env.RequestID, protocol.AckPayload{Success: false, Error: "malformed request"})
		return
	}

	nickname := strings.TrimSpace(payload.ParticipantData.Nickname)
	if payload.SessionID == "" {
		r.sendAck(c, env.RequestID, protocol.AckPayload{Success: false, Error: "session id required"})
		return
	}
	if err := validateNickname(nickname); err != "" {
		r.sendAck(c, env.RequestID, protocol.AckPayload{Success: false, Error: err})
		return
	}
	if sid, _ := c.membership(); sid != "" {
		r.sendAck(c, env.RequestID, protocol.AckPayload{Success: false, Error: "already in a session"})
		return
	}

	r.mu.RLock()
	sess, ok := r.sessions[payload.SessionID]
	r.mu.RUnlock()
	if !ok {
		r.sendAck(c, env.RequestID, protocol.AckPayload{Success: false, Error: "session not found"})
		return
	}

	sess.mu.Lock()
	if len(sess.state.Participants) >= r.config.MaxParticipants {
		sess.mu.Unlock()
		r.sendAck(c, env.RequestID, protocol.AckPayload{Success: false, Error: "session is full"})
		return
	}
	for _, p := range sess.state.Participants {
		if p.Nickname == nickname {
			sess.mu.Unlock()
			r.sendAck(c, env.RequestID, protocol.AckPayload{Success: false, Error: "nickname already taken"})
			return
		}
	}

	joiner := protocol.Participant{
		ID:       uuid.New().String(),
		Nickname: nickname,
		Avatar:   payload.ParticipantData.Avatar,
		JoinedAt: time.Now().UTC(),
	}
	sess.state.Participants = append(sess.state.Participants, joiner)
	sess.conns[joiner.ID] = c
	c.setMembership(sess.state.ID, joiner.ID)

	snapshot := sess.state.Clone()
	r.enqueueBroadcast(sess.state.ID, joiner.ID, protocol.EventParticipantJoined, protocol.ParticipantJoinedPayload{
		Participants: snapshot.Participants,
	})
	sess.mu.Unlock()

	r.relayState(snapshot)
	r.sendAck(c, env.RequestID, protocol.AckPayload{Success: true, Session: &snapshot})

	log.Info().
		Str("session_id", snapshot.ID).
		Str("participant_id", joiner.ID).
		Str("nickname", nickname).
		Int("participants", len(snapshot.Participants)).
		Msg("participant joined")
}

// handleLeave processes an explicit leave-session event. The connection
// itself stays open; the client drops back to connected-idle.
func (r *Registry) handleLeave(c *Connection) {
	r.removeParticipant(c, "left")
}

// disconnect is called when a connection's read pump exits. Departure
// semantics are identical to an explicit leave.
func (r *Registry) disconnect(c *Connection) {
	c.closeOnce.Do(func() {
		r.removeParticipant(c, "disconnected")
		close(c.send)
	})
}

// removeParticipant takes a member out of its session, electing a new host
// if the departing member held the role and destroying the session when it
// empties.
func (r *Registry) removeParticipant(c *Connection, reason string) {
	sessionID, participantID := c.membership()
	if sessionID == "" {
		return
	}
	c.setMembership("", "")

	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}

	sess.mu.Lock()
	wasHost := false
	participants := sess.state.Participants
	for i, p := range participants {
		if p.ID == participantID {
			wasHost = p.IsHost
			sess.state.Participants = append(participants[:i], participants[i+1:]...)
			break
		}
	}
	delete(sess.conns, participantID)

	if len(sess.state.Participants) == 0 {
		delete(r.sessions, sessionID)
		sess.mu.Unlock()
		r.mu.Unlock()
		r.relayTombstone(sessionID)
		log.Info().
			Str("session_id", sessionID).
			Str("reason", reason).
			Msg("last participant left, session destroyed")
		return
	}

	newHost := ""
	if wasHost {
		// Roster order is join order, so the earliest joiner still present
		// inherits the role.
		sess.state.Participants[0].IsHost = true
		newHost = sess.state.Participants[0].ID
	}

	roster := append([]protocol.Participant(nil), sess.state.Participants...)
	r.enqueueBroadcast(sessionID, "", protocol.EventParticipantLeft, protocol.ParticipantLeftPayload{
		Participants: roster,
		NewHost:      newHost,
	})
	sess.mu.Unlock()
	r.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Str("reason", reason).
		Str("new_host", newHost).
		Msg("participant removed")
}

func (r *Registry) handleTimerAction(c *Connection, env *protocol.Envelope) {
	var payload protocol.TimerActionPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("malformed timer-action, dropping")
		return
	}

	sessionID, participantID := c.membership()
	if sessionID == "" {
		return
	}

	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	if sess.state.HostID() != participantID {
		sess.mu.Unlock()
		// Guests never mutate the shared timer; drop silently per protocol.
		log.Debug().
			Str("session_id", sessionID).
			Str("participant_id", participantID).
			Str("action", payload.Action).
			Msg("timer-action from non-host dropped")
		return
	}
	sess.state.TimerState = payload.TimerState
	r.enqueueBroadcast(sessionID, participantID, protocol.EventTimerUpdate, protocol.TimerUpdatePayload{
		TimerState: payload.TimerState,
	})
	sess.mu.Unlock()
}

func (r *Registry) handleSendMessage(c *Connection, env *protocol.Envelope) {
	var payload protocol.SendMessagePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("malformed send-message, dropping")
		return
	}

	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return
	}
	if runes := []rune(text); len(runes) > protocol.MaxMessageChars {
		text = string(runes[:protocol.MaxMessageChars])
	}

	sessionID, participantID := c.membership()
	if sessionID == "" {
		return
	}

	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	var sender *protocol.Participant
	for i := range sess.state.Participants {
		if sess.state.Participants[i].ID == participantID {
			sender = &sess.state.Participants[i]
			break
		}
	}
	if sender == nil {
		sess.mu.Unlock()
		return
	}

	msg := protocol.ChatMessage{
		ID:        uuid.New().String(),
		Text:      text,
		Sender:    sender.Nickname,
		Avatar:    sender.Avatar,
		Timestamp: time.Now().UTC(),
	}
	sess.state.Chat = append(sess.state.Chat, msg)
	if over := len(sess.state.Chat) - r.config.MaxChatHistory; over > 0 {
		sess.state.Chat = append([]protocol.ChatMessage(nil), sess.state.Chat[over:]...)
	}

	// The sender gets the echo too: the relay order is the one true order.
	r.enqueueBroadcast(sessionID, "", protocol.EventNewMessage, msg)
	sess.mu.Unlock()
}

// enqueueBroadcast marshals an event and queues it for fan-out. Callers hold
// the session lock so queue order matches mutation order; the queue send
// never blocks (slow consumers are dropped with a warning, as a full channel
// here would deadlock the registry).
func (r *Registry) enqueueBroadcast(sessionID, exclude string, t protocol.EventType, payload interface{}) {
	env, err := protocol.NewEnvelope(t, "", payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("failed to build broadcast envelope")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("failed to marshal broadcast envelope")
		return
	}

	select {
	case r.broadcastCh <- broadcastMessage{sessionID: sessionID, exclude: exclude, data: data}:
	default:
		log.Warn().Str("session_id", sessionID).Msg("broadcast channel full, dropping message")
	}
}

// injectFromRelay applies a frame received from another registry node to the
// local mirror and queues it for local fan-out. The fromRelay flag stops it
// from being re-published.
func (r *Registry) injectFromRelay(sessionID string, data []byte) {
	r.applyRelayedFrame(sessionID, data)
	select {
	case r.broadcastCh <- broadcastMessage{sessionID: sessionID, data: data, fromRelay: true}:
	default:
		log.Warn().Str("session_id", sessionID).Msg("broadcast channel full, dropping relayed message")
	}
}

// applyRelayedFrame folds a remote broadcast frame into the local session
// record, so joiners handled by this node adopt current state. Roster frames
// carry the full roster and timer frames the full snapshot, so application is
// replacement, not reconciliation.
func (r *Registry) applyRelayedFrame(sessionID string, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Msg("malformed relayed frame, dropping")
		return
	}

	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	switch env.Type {
	case protocol.EventTimerUpdate:
		var p protocol.TimerUpdatePayload
		if json.Unmarshal(env.Data, &p) == nil {
			sess.state.TimerState = p.TimerState
		}
	case protocol.EventNewMessage:
		var msg protocol.ChatMessage
		if json.Unmarshal(env.Data, &msg) == nil {
			sess.state.Chat = append(sess.state.Chat, msg)
			if over := len(sess.state.Chat) - r.config.MaxChatHistory; over > 0 {
				sess.state.Chat = append([]protocol.ChatMessage(nil), sess.state.Chat[over:]...)
			}
		}
	case protocol.EventParticipantJoined:
		var p protocol.ParticipantJoinedPayload
		if json.Unmarshal(env.Data, &p) == nil {
			sess.state.Participants = p.Participants
		}
	case protocol.EventParticipantLeft:
		var p protocol.ParticipantLeftPayload
		if json.Unmarshal(env.Data, &p) == nil {
			sess.state.Participants = p.Participants
		}
	}
}

// applyRelayedState upserts a session mirror from a remote snapshot. Empty
// data is a tombstone: the mirror is removed unless this node still holds
// live members. Whole-snapshot replacement is last-writer-wins; subsequent
// roster and timer frames repair any divergence.
func (r *Registry) applyRelayedState(sessionID string, data []byte) {
	if len(data) == 0 {
		r.mu.Lock()
		if sess, ok := r.sessions[sessionID]; ok {
			sess.mu.Lock()
			empty := len(sess.conns) == 0
			sess.mu.Unlock()
			if empty {
				delete(r.sessions, sessionID)
				log.Info().Str("session_id", sessionID).Msg("session mirror removed")
			}
		}
		r.mu.Unlock()
		return
	}

	var snap protocol.Session
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Msg("malformed relayed state, dropping")
		return
	}

	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.sessions[sessionID] = &session{
			state: snap,
			conns: make(map[string]*Connection),
		}
		r.mu.Unlock()
		log.Info().Str("session_id", sessionID).Msg("session mirror created")
		return
	}
	r.mu.Unlock()

	sess.mu.Lock()
	sess.state = snap
	sess.mu.Unlock()
}

// relayState publishes a full session snapshot for mirroring on other nodes.
func (r *Registry) relayState(snapshot protocol.Session) {
	if r.relay == nil {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		log.Error().Err(err).Str("session_id", snapshot.ID).Msg("failed to marshal session state")
		return
	}
	r.relay.PublishState(snapshot.ID, data)
}

// relayTombstone announces a session's destruction to other nodes.
func (r *Registry) relayTombstone(sessionID string) {
	if r.relay == nil {
		return
	}
	r.relay.PublishState(sessionID, nil)
}

// handleBroadcast fans a frame out to one session's members.
func (r *Registry) handleBroadcast(message broadcastMessage) {
	r.mu.RLock()
	sess, ok := r.sessions[message.sessionID]
	if !ok {
		r.mu.RUnlock()
		return
	}

	sess.mu.Lock()
	targets := make([]*Connection, 0, len(sess.conns))
	for pid, conn := range sess.conns {
		if message.exclude != "" && pid == message.exclude {
			continue
		}
		targets = append(targets, conn)
	}
	sess.mu.Unlock()
	r.mu.RUnlock()

	for _, conn := range targets {
		if !conn.enqueue(message.data) {
			// Connection is slow or dead; closing the socket lets its read
			// pump run the normal departure path.
			log.Warn().
				Str("connection_id", conn.ID).
				Msg("connection send buffer full, closing connection")
			conn.ws.Close()
		}
	}

	if r.relay != nil && !message.fromRelay {
		r.relay.Publish(message.sessionID, message.data)
	}
}

// sendAck delivers a request/response ack directly on the requesting
// connection.
func (r *Registry) sendAck(c *Connection, requestID string, payload protocol.AckPayload) {
	env, err := protocol.NewEnvelope(protocol.EventAck, requestID, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to build ack envelope")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal ack envelope")
		return
	}
	if !c.enqueue(data) {
		log.Warn().Str("connection_id", c.ID).Msg("ack dropped, send buffer full")
	}
}

// Stats returns statistics about active sessions and connections.
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	totalParticipants := 0
	sessionCounts := make(map[string]int)
	for id, sess := range r.sessions {
		sess.mu.Lock()
		count := len(sess.state.Participants)
		sess.mu.Unlock()
		totalParticipants += count
		sessionCounts[id] = count
	}

	return map[string]interface{}{
		"active_sessions":      len(r.sessions),
		"total_participants":   totalParticipants,
		"session_participants": sessionCounts,
	}
}

// validateNickname returns a user-facing error string, or "" when valid.
func validateNickname(nickname string) string {
	if nickname == "" {
		return "nickname required"
	}
	if len([]rune(nickname)) > protocol.MaxNicknameChars {
		return "nickname too long"
	}
	return ""
}
