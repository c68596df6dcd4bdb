package protocol

import "time"

// Phase is the pomodoro phase the shared timer is currently in.
type Phase string

const (
	PhaseStudy      Phase = "study"
	PhaseShortBreak Phase = "shortBreak"
	PhaseLongBreak  Phase = "longBreak"
)

// Limits enforced on both ends of the wire.
const (
	MaxMessageChars  = 200 // chat message text, in runes
	MaxNicknameChars = 20
)

// TimerState is the shared timer snapshot. It is always pushed wholesale,
// never as a diff, so receivers can adopt it without reconciliation.
type TimerState struct {
	IsRunning            bool  `json:"isRunning"`
	CurrentPhase         Phase `json:"currentPhase"`
	TimeRemainingSeconds int   `json:"timeRemainingSeconds"`
	RoundsCompleted      int   `json:"roundsCompleted"`
	TotalRounds          int   `json:"totalRounds"`
}

// DefaultTimerState is the snapshot a fresh session starts from: a stopped
// study phase at full duration. It matches the countdown engine's defaults so
// a guest who joins before the host's first action sees the same clock face
// the host does.
func DefaultTimerState() TimerState {
	return TimerState{
		CurrentPhase:         PhaseStudy,
		TimeRemainingSeconds: 25 * 60,
		TotalRounds:          4,
	}
}

// Participant is one member of a session. Exactly one participant in a
// session has IsHost set at any time.
type Participant struct {
	ID       string    `json:"id"`
	Nickname string    `json:"nickname"`
	Avatar   string    `json:"avatar"`
	IsHost   bool      `json:"isHost"`
	JoinedAt time.Time `json:"joinedAt"`
}

// ChatMessage is a single relayed chat message. ID and Timestamp are assigned
// by the registry so every client observes the same ordering.
type ChatMessage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender"`
	Avatar    string    `json:"avatar"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the full session snapshot returned on create/join. Participants
// are ordered by join time.
type Session struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	TimerState   TimerState    `json:"timerState"`
	Chat         []ChatMessage `json:"chat"`
}

// Clone returns a deep copy so callers can hand the snapshot across
// goroutine boundaries without sharing slices.
func (s *Session) Clone() Session {
	out := Session{
		ID:         s.ID,
		TimerState: s.TimerState,
	}
	out.Participants = append(out.Participants, s.Participants...)
	out.Chat = append(out.Chat, s.Chat...)
	return out
}

// HostID returns the id of the current host, or "" if the roster has none.
func (s *Session) HostID() string {
	for _, p := range s.Participants {
		if p.IsHost {
			return p.ID
		}
	}
	return ""
}

// Timer action names carried on timer-action events.
const (
	ActionStart          = "start"
	ActionPause          = "pause"
	ActionResume         = "resume"
	ActionStop           = "stop"
	ActionSkipPhase      = "skip-phase"
	ActionSettingsChange = "settings-change"
	ActionPhaseComplete  = "phase-complete"
)
