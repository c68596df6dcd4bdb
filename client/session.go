package client

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mkarlsso/pomosync/internal/protocol"
)

// State is the session state machine position.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateConnectedIdle State = "connectedIdle"
	StateInSession     State = "inSession"
)

// Role of the local participant inside a session.
type Role string

const (
	RoleNone  Role = ""
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// ServerError carries the registry's rejection string for a create/join
// request, suitable for verbatim display.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// Snapshot is an immutable copy of the client's local belief, delivered to
// OnChange subscribers for re-rendering.
type Snapshot struct {
	State        State
	Role         Role
	SessionID    string
	Participants []protocol.Participant
	Timer        protocol.TimerState
	Chat         []protocol.ChatMessage
	Unread       int
}

// Client owns the local belief about the connection, the current session and
// the local identity. It never re-emits an event it received: incoming
// roster, timer and chat events mutate only the in-memory snapshot.
type Client struct {
	ch *Channel

	mu        sync.Mutex
	nickname  string
	avatar    string
	state     State
	role      Role
	sessionID string
	roster    []protocol.Participant
	timer     protocol.TimerState
	chat      []protocol.ChatMessage
	unread    int
	panelOpen bool
	subs      []func(Snapshot)
	bridge    *Bridge

	// While a create/join request is in flight, events for the session we
	// are about to enter can arrive before the ack is processed. They are
	// buffered and replayed once the snapshot is adopted.
	joining bool
	backlog []func()
}

// New creates a session client bound to a channel and registers its event
// handlers.
func New(ch *Channel) *Client {
	c := &Client{
		ch:    ch,
		state: StateIdle,
	}

	ch.On(protocol.EventParticipantJoined, c.handleParticipantJoined)
	ch.On(protocol.EventParticipantLeft, c.handleParticipantLeft)
	ch.On(protocol.EventTimerUpdate, c.handleTimerUpdate)
	ch.On(protocol.EventNewMessage, c.handleNewMessage)
	ch.OnState(c.handleChannelState)

	return c
}

// Channel returns the underlying transport channel.
func (c *Client) Channel() *Channel {
	return c.ch
}

// AttachBridge wires a timer authority bridge into the client's event flow.
func (c *Client) AttachBridge(b *Bridge) {
	c.mu.Lock()
	c.bridge = b
	c.mu.Unlock()
}

// OnChange registers a state-change subscriber.
func (c *Client) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// Snapshot returns a copy of the current local belief.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Role returns the local participant's current role.
func (c *Client) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// CreateSession opens a new session with the local user as host. On success
// the local state becomes in-session with the server-returned snapshot, and
// the shareable session id is returned.
func (c *Client) CreateSession(ctx context.Context, nickname, avatar string) (string, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return "", &ServerError{Message: "nickname required"}
	}
	if !c.ch.IsConnected() {
		return "", ErrNotConnected
	}

	c.beginJoin()
	ack, err := c.ch.Request(ctx, protocol.EventCreateSession, protocol.CreateSessionPayload{
		Nickname: nickname,
		Avatar:   avatar,
	})
	if err != nil {
		c.abortJoin()
		return "", err
	}
	if !ack.Success {
		c.abortJoin()
		return "", &ServerError{Message: ack.Error}
	}

	c.adoptSession(nickname, avatar, RoleHost, ack.Session)
	return ack.SessionID, nil
}

// JoinSession joins an existing session as guest. On success the local state
// adopts the full server snapshot, so the joiner starts from ground truth.
func (c *Client) JoinSession(ctx context.Context, sessionID, nickname, avatar string) error {
	nickname = strings.TrimSpace(nickname)
	if sessionID == "" {
		return &ServerError{Message: "session id required"}
	}
	if nickname == "" {
		return &ServerError{Message: "nickname required"}
	}
	if !c.ch.IsConnected() {
		return ErrNotConnected
	}

	c.beginJoin()
	ack, err := c.ch.Request(ctx, protocol.EventJoinSession, protocol.JoinSessionPayload{
		SessionID: sessionID,
		ParticipantData: protocol.ParticipantData{
			Nickname: nickname,
			Avatar:   avatar,
		},
	})
	if err != nil {
		c.abortJoin()
		return err
	}
	if !ack.Success {
		c.abortJoin()
		return &ServerError{Message: ack.Error}
	}

	c.adoptSession(nickname, avatar, RoleGuest, ack.Session)
	return nil
}

// LeaveSession notifies the registry and drops to connected-idle immediately
// without waiting for acknowledgement. Other members learn of the departure
// asynchronously via the roster broadcast.
func (c *Client) LeaveSession() {
	c.mu.Lock()
	if c.state != StateInSession {
		c.mu.Unlock()
		return
	}
	bridge := c.bridge
	c.resetSessionLocked(StateConnectedIdle)
	c.mu.Unlock()

	if bridge != nil {
		bridge.halt()
	}
	if err := c.ch.Emit(protocol.EventLeaveSession, struct{}{}); err != nil {
		log.Debug().Err(err).Msg("leave-session emit failed")
	}
	c.notify()
}

// adoptSession installs a full server session snapshot as the local belief,
// then replays any events buffered while the request was in flight. Replayed
// events are newer than the snapshot, so they win.
func (c *Client) adoptSession(nickname, avatar string, role Role, sess *protocol.Session) {
	c.mu.Lock()
	c.nickname = nickname
	c.avatar = avatar
	c.state = StateInSession
	c.role = role
	c.unread = 0
	if sess != nil {
		snapshot := sess.Clone()
		c.sessionID = snapshot.ID
		c.roster = snapshot.Participants
		c.timer = snapshot.TimerState
		c.chat = snapshot.Chat
	}
	timer := c.timer
	bridge := c.bridge
	backlog := c.backlog
	c.joining = false
	c.backlog = nil
	c.mu.Unlock()

	if bridge != nil && role == RoleGuest {
		bridge.applyRemote(timer)
	}
	for _, replay := range backlog {
		replay()
	}
	c.notify()
}

// beginJoin marks a create/join request in flight so incoming session events
// buffer instead of dropping.
func (c *Client) beginJoin() {
	c.mu.Lock()
	c.joining = true
	c.backlog = nil
	c.mu.Unlock()
}

// abortJoin discards the buffer after a failed create/join request.
func (c *Client) abortJoin() {
	c.mu.Lock()
	c.joining = false
	c.backlog = nil
	c.mu.Unlock()
}

// deferIfJoining buffers an event that arrived outside a session while a
// create/join request is pending. Reports whether the event was buffered.
func (c *Client) deferIfJoining(handler func(json.RawMessage), data json.RawMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateInSession || !c.joining {
		return false
	}
	c.backlog = append(c.backlog, func() { handler(data) })
	return true
}

func (c *Client) handleChannelState(s ChannelState) {
	c.mu.Lock()
	var bridge *Bridge
	switch s {
	case ChannelConnecting:
		if c.state == StateIdle {
			c.state = StateConnecting
		}
	case ChannelConnected:
		if c.state == StateIdle || c.state == StateConnecting {
			c.state = StateConnectedIdle
		}
	case ChannelDisconnected, ChannelClosed:
		// Session membership does not survive a drop; the registry removes
		// the participant when the socket dies. Rejoin after reconnecting.
		if c.state == StateInSession {
			bridge = c.bridge
		}
		c.resetSessionLocked(StateIdle)
	}
	c.mu.Unlock()

	if bridge != nil {
		bridge.halt()
	}
	c.notify()
}

// handleParticipantJoined and handleParticipantLeft both replace the whole
// roster; role is re-derived from the roster alone, which makes silent host
// promotion detection robust to duplicate and reordered pushes.
func (c *Client) handleParticipantJoined(data json.RawMessage) {
	if c.deferIfJoining(c.handleParticipantJoined, data) {
		return
	}
	var p protocol.ParticipantJoinedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Debug().Err(err).Msg("malformed participant-joined payload")
		return
	}
	c.applyRoster(p.Participants)
}

func (c *Client) handleParticipantLeft(data json.RawMessage) {
	if c.deferIfJoining(c.handleParticipantLeft, data) {
		return
	}
	var p protocol.ParticipantLeftPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Debug().Err(err).Msg("malformed participant-left payload")
		return
	}
	c.applyRoster(p.Participants)
}

func (c *Client) applyRoster(participants []protocol.Participant) {
	c.mu.Lock()
	if c.state != StateInSession {
		c.mu.Unlock()
		return
	}
	c.roster = append([]protocol.Participant(nil), participants...)
	oldRole := c.role
	c.role = DeriveRole(c.roster, c.nickname)
	promoted := oldRole == RoleGuest && c.role == RoleHost
	bridge := c.bridge
	c.mu.Unlock()

	if promoted {
		log.Info().Str("nickname", c.nickname).Msg("promoted to session host")
		if bridge != nil {
			bridge.promote()
		}
	}
	c.notify()
}

func (c *Client) handleTimerUpdate(data json.RawMessage) {
	if c.deferIfJoining(c.handleTimerUpdate, data) {
		return
	}
	var p protocol.TimerUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Debug().Err(err).Msg("malformed timer-update payload")
		return
	}

	c.mu.Lock()
	if c.state != StateInSession {
		c.mu.Unlock()
		return
	}
	c.timer = p.TimerState
	isGuest := c.role == RoleGuest
	bridge := c.bridge
	c.mu.Unlock()

	if bridge != nil {
		if isGuest {
			bridge.applyRemote(p.TimerState)
		} else {
			// Hosts keep their own engine authoritative but remember the
			// snapshot so a later promotion can seed from it.
			bridge.remember(p.TimerState)
		}
	}
	c.notify()
}

// PublishTimerAction implements SnapshotPublisher. Role violation is a
// silent no-op: the bridge checks too, this is the last line of defense.
func (c *Client) PublishTimerAction(action string, state protocol.TimerState) error {
	c.mu.Lock()
	if c.state != StateInSession || c.role != RoleHost {
		c.mu.Unlock()
		return nil
	}
	c.timer = state
	c.mu.Unlock()

	c.notify()
	return c.ch.Emit(protocol.EventTimerAction, protocol.TimerActionPayload{
		Action:     action,
		TimerState: state,
	})
}

// resetSessionLocked clears session state. Caller must hold c.mu.
func (c *Client) resetSessionLocked(next State) {
	c.state = next
	c.role = RoleNone
	c.sessionID = ""
	c.roster = nil
	c.chat = nil
	c.unread = 0
	c.timer = protocol.TimerState{}
}

func (c *Client) snapshotLocked() Snapshot {
	return Snapshot{
		State:        c.state,
		Role:         c.role,
		SessionID:    c.sessionID,
		Participants: append([]protocol.Participant(nil), c.roster...),
		Timer:        c.timer,
		Chat:         append([]protocol.ChatMessage(nil), c.chat...),
		Unread:       c.unread,
	}
}

func (c *Client) notify() {
	c.mu.Lock()
	snap := c.snapshotLocked()
	subs := append(([]func(Snapshot))(nil), c.subs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}
