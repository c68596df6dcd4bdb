package client

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mkarlsso/pomosync/internal/countdown"
	"github.com/mkarlsso/pomosync/internal/protocol"
)

// SnapshotPublisher is the bridge's only outward dependency: something that
// knows the local role and can push a timer snapshot to the session. The
// session client implements it; the indirection keeps the bridge free of any
// import of the session state machine.
type SnapshotPublisher interface {
	Role() Role
	PublishTimerAction(action string, state protocol.TimerState) error
}

// Bridge keeps exactly one writer of the shared timer state. When the local
// role is host it drives the countdown engine and publishes a whole snapshot
// on every transition; when guest it applies incoming snapshots to the engine
// read-only and never pushes anything derived from them back out.
type Bridge struct {
	pub    SnapshotPublisher
	engine *countdown.Engine

	mu         sync.Mutex
	lastRemote protocol.TimerState
	hasRemote  bool
}

// NewBridge wires a bridge to its publisher and countdown engine. Natural
// phase completions on the host are pushed like any other transition.
func NewBridge(pub SnapshotPublisher, engine *countdown.Engine) *Bridge {
	b := &Bridge{pub: pub, engine: engine}
	engine.OnPhaseComplete(func(snapshot protocol.TimerState) {
		b.publish(protocol.ActionPhaseComplete, snapshot)
	})
	return b
}

// Engine returns the local countdown engine, for UI tick subscriptions.
func (b *Bridge) Engine() *countdown.Engine {
	return b.engine
}

// StartTimer starts the shared timer. No-op unless the local role is host;
// the role check is the first guard of every mutating method.
func (b *Bridge) StartTimer() {
	if b.pub.Role() != RoleHost {
		return
	}
	b.engine.Start()
	b.publish(protocol.ActionStart, b.engine.Snapshot())
}

// PauseTimer pauses the shared timer, preserving remaining time.
func (b *Bridge) PauseTimer() {
	if b.pub.Role() != RoleHost {
		return
	}
	b.engine.Pause()
	b.publish(protocol.ActionPause, b.engine.Snapshot())
}

// ResumeTimer resumes a paused timer.
func (b *Bridge) ResumeTimer() {
	if b.pub.Role() != RoleHost {
		return
	}
	b.engine.Start()
	b.publish(protocol.ActionResume, b.engine.Snapshot())
}

// StopTimer halts the timer and resets the current phase.
func (b *Bridge) StopTimer() {
	if b.pub.Role() != RoleHost {
		return
	}
	b.engine.Stop()
	b.publish(protocol.ActionStop, b.engine.Snapshot())
}

// SkipPhase advances to the next phase immediately.
func (b *Bridge) SkipPhase() {
	if b.pub.Role() != RoleHost {
		return
	}
	b.engine.SkipPhase()
	b.publish(protocol.ActionSkipPhase, b.engine.Snapshot())
}

// ApplySettings reconfigures phase durations and pushes the result.
func (b *Bridge) ApplySettings(cfg countdown.Config) {
	if b.pub.Role() != RoleHost {
		return
	}
	b.engine.Reconfigure(cfg)
	b.publish(protocol.ActionSettingsChange, b.engine.Snapshot())
}

// applyRemote installs a received snapshot into the local engine: stop the
// local ticking source, reseed, and restart when the snapshot is running so
// the UI counts down smoothly until the next push. Received snapshots are
// never published back; this one-directional flow is what prevents relay
// loops.
func (b *Bridge) applyRemote(state protocol.TimerState) {
	b.remember(state)
	b.engine.Seed(state)
	if state.IsRunning {
		b.engine.Start()
	}
}

// remember records the latest snapshot without touching the engine.
func (b *Bridge) remember(state protocol.TimerState) {
	b.mu.Lock()
	b.lastRemote = state
	b.hasRemote = true
	b.mu.Unlock()
}

// promote is called when the roster reveals the local client is the new
// host. The engine is seeded from the last known snapshot rather than reset
// to defaults, so the session's timer does not visibly jump.
func (b *Bridge) promote() {
	b.mu.Lock()
	state := b.lastRemote
	has := b.hasRemote
	b.mu.Unlock()

	if !has {
		log.Debug().Msg("promoted with no prior timer snapshot, keeping engine as-is")
		return
	}
	b.engine.Seed(state)
	if state.IsRunning {
		b.engine.Start()
	}
}

// halt stops the local engine, used when leaving a session or losing the
// connection.
func (b *Bridge) halt() {
	b.engine.Pause()
	b.mu.Lock()
	b.hasRemote = false
	b.lastRemote = protocol.TimerState{}
	b.mu.Unlock()
}

func (b *Bridge) publish(action string, snapshot protocol.TimerState) {
	if b.pub.Role() != RoleHost {
		return
	}
	if err := b.pub.PublishTimerAction(action, snapshot); err != nil {
		log.Debug().Err(err).Str("action", action).Msg("timer snapshot publish failed")
	}
}
