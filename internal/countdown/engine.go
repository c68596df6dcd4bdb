// Package countdown implements the local pomodoro countdown engine. It is a
// single ticking source: the host's bridge drives it and publishes its
// snapshots, guest bridges reseed it from received snapshots so the UI counts
// down smoothly between pushes.
package countdown

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mkarlsso/pomosync/internal/protocol"
)

// Config holds the phase durations and round structure.
type Config struct {
	StudyDuration      time.Duration
	ShortBreakDuration time.Duration
	LongBreakDuration  time.Duration
	TotalRounds        int
	RoundsPerLongBreak int
}

// DefaultConfig returns the classic 25/5/15 pomodoro layout.
func DefaultConfig() Config {
	return Config{
		StudyDuration:      25 * time.Minute,
		ShortBreakDuration: 5 * time.Minute,
		LongBreakDuration:  15 * time.Minute,
		TotalRounds:        4,
		RoundsPerLongBreak: 4,
	}
}

// Engine counts a pomodoro phase down one second at a time. The clock is
// injected so tests can drive it with a fake clock.
type Engine struct {
	clock clockwork.Clock

	mu        sync.Mutex
	cfg       Config
	phase     protocol.Phase
	remaining int
	running   bool
	rounds    int
	stopCh    chan struct{}

	onTick          func(remainingSeconds int)
	onPhaseComplete func(snapshot protocol.TimerState)
}

// New returns a stopped engine positioned at the start of a study phase.
// In production pass clockwork.NewRealClock(); tests pass a FakeClock.
func New(cfg Config, clock clockwork.Clock) *Engine {
	return &Engine{
		clock:     clock,
		cfg:       cfg,
		phase:     protocol.PhaseStudy,
		remaining: int(cfg.StudyDuration / time.Second),
	}
}

// OnTick registers the per-second remaining-time callback.
func (e *Engine) OnTick(fn func(remainingSeconds int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTick = fn
}

// OnPhaseComplete registers the callback fired when a phase reaches zero,
// after the engine has advanced to the next phase. The snapshot describes the
// newly entered phase.
func (e *Engine) OnPhaseComplete(fn func(snapshot protocol.TimerState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPhaseComplete = fn
}

// Start begins ticking. No-op when already running.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	go e.run(e.stopCh)
}

// Pause halts ticking, preserving remaining time.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halt()
}

// Stop halts ticking and resets the current phase to its full duration.
// Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halt()
	e.remaining = e.durationSec(e.phase)
}

// SkipPhase advances to the next phase immediately, keeping the running
// state. Skipping a study phase counts the round as completed. The
// phase-complete callback fires only on natural expiry, not on skips.
func (e *Engine) SkipPhase() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.advancePhase()
}

// Seed halts the engine and adopts the given snapshot wholesale. The engine
// is left stopped regardless of snapshot.IsRunning; the caller decides
// whether to Start it.
func (e *Engine) Seed(ts protocol.TimerState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halt()
	e.phase = ts.CurrentPhase
	e.remaining = ts.TimeRemainingSeconds
	e.rounds = ts.RoundsCompleted
	if ts.TotalRounds > 0 {
		e.cfg.TotalRounds = ts.TotalRounds
	}
}

// Reconfigure applies new durations. The current phase's remaining time is
// reset to the new duration unless the engine is mid-countdown.
func (e *Engine) Reconfigure(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	if !e.running {
		e.remaining = e.durationSec(e.phase)
	}
}

// Snapshot returns the current state as a wire snapshot.
func (e *Engine) Snapshot() protocol.TimerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() protocol.TimerState {
	return protocol.TimerState{
		IsRunning:            e.running,
		CurrentPhase:         e.phase,
		TimeRemainingSeconds: e.remaining,
		RoundsCompleted:      e.rounds,
		TotalRounds:          e.cfg.TotalRounds,
	}
}

// halt stops the tick loop. Caller must hold e.mu.
func (e *Engine) halt() {
	if e.stopCh != nil {
		close(e.stopCh)
		e.stopCh = nil
	}
	e.running = false
}

// advancePhase moves to the next phase and loads its duration. Caller must
// hold e.mu.
func (e *Engine) advancePhase() {
	switch e.phase {
	case protocol.PhaseStudy:
		e.rounds++
		if e.cfg.RoundsPerLongBreak > 0 && e.rounds%e.cfg.RoundsPerLongBreak == 0 {
			e.phase = protocol.PhaseLongBreak
		} else {
			e.phase = protocol.PhaseShortBreak
		}
	default:
		e.phase = protocol.PhaseStudy
	}
	e.remaining = e.durationSec(e.phase)
}

func (e *Engine) durationSec(p protocol.Phase) int {
	switch p {
	case protocol.PhaseShortBreak:
		return int(e.cfg.ShortBreakDuration / time.Second)
	case protocol.PhaseLongBreak:
		return int(e.cfg.LongBreakDuration / time.Second)
	default:
		return int(e.cfg.StudyDuration / time.Second)
	}
}

func (e *Engine) run(stop chan struct{}) {
	ticker := e.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			e.tick(stop)
		}
	}
}

func (e *Engine) tick(stop chan struct{}) {
	e.mu.Lock()
	if !e.running || e.stopCh != stop {
		// A Pause/Seed raced the tick; this loop is already dead.
		e.mu.Unlock()
		return
	}
	e.remaining--
	if e.remaining > 0 {
		rem := e.remaining
		onTick := e.onTick
		e.mu.Unlock()
		if onTick != nil {
			onTick(rem)
		}
		return
	}

	e.advancePhase()
	snap := e.snapshotLocked()
	onTick := e.onTick
	onComplete := e.onPhaseComplete
	e.mu.Unlock()

	if onTick != nil {
		onTick(0)
	}
	if onComplete != nil {
		onComplete(snap)
	}
}
