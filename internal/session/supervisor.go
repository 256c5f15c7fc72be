package session

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/kspine/lapce/internal/logging"
)

// BackoffConfig tunes crash recovery.
type BackoffConfig struct {
	// MaxRestarts bounds consecutive restart attempts before giving up.
	MaxRestarts int
	// Initial is the delay before the first restart.
	Initial time.Duration
	// Max caps the exponential growth.
	Max time.Duration
	// Multiplier grows the delay after each failure.
	Multiplier float64
	// ResetWindow: a session that survived this long resets the restart
	// counter, so a crash after hours of service starts the ladder over.
	ResetWindow time.Duration
}

// DefaultBackoffConfig returns the standard recovery tuning.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxRestarts: 5,
		Initial:     time.Second,
		Max:         60 * time.Second,
		Multiplier:  2.0,
		ResetWindow: 5 * time.Minute,
	}
}

// Backoff returns the delay before restart attempt n (1-based).
func Backoff(attempt int, cfg BackoffConfig) time.Duration {
	if attempt <= 1 {
		return cfg.Initial
	}
	delay := float64(cfg.Initial) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if delay > float64(cfg.Max) {
		return cfg.Max
	}
	return time.Duration(delay)
}

// SupervisorEventType identifies what happened to a supervised session.
type SupervisorEventType int

const (
	EventCrash SupervisorEventType = iota
	EventRestarting
	EventRecovered
	EventFailed
)

// String returns the lower-case event name.
func (t SupervisorEventType) String() string {
	switch t {
	case EventCrash:
		return "crash"
	case EventRestarting:
		return "restarting"
	case EventRecovered:
		return "recovered"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SupervisorEvent is one recovery-lifecycle observation.
type SupervisorEvent struct {
	Type      SupervisorEventType
	Name      string
	Session   ID
	Err       error
	Attempt   int
	NextRetry time.Duration
}

// BuildFunc creates and starts a replacement session. onExit must be
// wired into the new session's Config.OnExit so the supervisor hears
// about the next crash.
type BuildFunc func(ctx context.Context, onExit func(error)) (*Session, error)

// Supervisor restarts a session after crashes, with exponential backoff
// and a reset window, then hands the replacement to a resync callback
// that re-opens every previously bound document at its current revision.
type Supervisor struct {
	name   string
	cfg    BackoffConfig
	log    *logging.Logger
	build  BuildFunc
	resync func(*Session)

	mu        sync.Mutex
	current   *Session
	restarts  int
	lastStart time.Time
	stopped   bool
	failed    bool

	ctx    context.Context
	cancel context.CancelFunc

	crashes chan error
	events  chan SupervisorEvent
}

// NewSupervisor wires recovery around a session factory. resync may be
// nil when no documents need re-opening.
func NewSupervisor(name string, cfg BackoffConfig, build BuildFunc, resync func(*Session), log *logging.Logger) *Supervisor {
	if log == nil {
		log = logging.Nop()
	}
	return &Supervisor{
		name:    name,
		cfg:     cfg,
		log:     log.WithPrefix("supervisor[" + name + "]"),
		build:   build,
		resync:  resync,
		crashes: make(chan error, 1),
		events:  make(chan SupervisorEvent, 16),
	}
}

// Start launches the first session and begins supervision.
func (sv *Supervisor) Start(ctx context.Context) error {
	sv.mu.Lock()
	if sv.ctx != nil {
		sv.mu.Unlock()
		return ErrAlreadyStarted
	}
	sv.ctx, sv.cancel = context.WithCancel(ctx)
	sv.mu.Unlock()

	sess, err := sv.build(sv.ctx, sv.noteCrash)
	if err != nil {
		sv.mu.Lock()
		sv.failed = true
		sv.mu.Unlock()
		return err
	}

	sv.mu.Lock()
	sv.current = sess
	sv.lastStart = time.Now()
	sv.mu.Unlock()

	go sv.run()
	return nil
}

// Session returns the current session; nil while a restart is pending.
func (sv *Supervisor) Session() *Session {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.current
}

// Events yields recovery observations. Events are dropped, never
// blocked on, when the consumer lags.
func (sv *Supervisor) Events() <-chan SupervisorEvent { return sv.events }

// Stop ends supervision and shuts the current session down.
func (sv *Supervisor) Stop(ctx context.Context) error {
	sv.mu.Lock()
	if sv.stopped {
		sv.mu.Unlock()
		return nil
	}
	sv.stopped = true
	sess := sv.current
	cancel := sv.cancel
	sv.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		return sess.Shutdown(ctx)
	}
	return nil
}

// SupervisorStats is a recovery snapshot.
type SupervisorStats struct {
	Restarts    int
	LastStart   time.Time
	NextBackoff time.Duration
	Failed      bool
	State       State
}

// Stats returns current recovery statistics.
func (sv *Supervisor) Stats() SupervisorStats {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	stats := SupervisorStats{
		Restarts:    sv.restarts,
		LastStart:   sv.lastStart,
		NextBackoff: Backoff(sv.restarts+1, sv.cfg),
		Failed:      sv.failed,
		State:       StateDead,
	}
	if sv.current != nil {
		stats.State = sv.current.State()
	}
	return stats
}

func (sv *Supervisor) noteCrash(cause error) {
	select {
	case sv.crashes <- cause:
	default:
	}
}

func (sv *Supervisor) run() {
	for {
		select {
		case <-sv.ctx.Done():
			return
		case cause := <-sv.crashes:
			if !sv.recover(cause) {
				return
			}
		}
	}
}

// recover retries restarts until one succeeds or the budget runs out.
func (sv *Supervisor) recover(cause error) bool {
	for {
		sv.mu.Lock()
		if sv.stopped {
			sv.mu.Unlock()
			return false
		}
		if time.Since(sv.lastStart) > sv.cfg.ResetWindow {
			sv.restarts = 0
		}
		sv.restarts++
		attempt := sv.restarts
		sv.current = nil
		sv.mu.Unlock()

		sv.emit(SupervisorEvent{Type: EventCrash, Name: sv.name, Err: cause, Attempt: attempt})

		if attempt > sv.cfg.MaxRestarts {
			sv.mu.Lock()
			sv.failed = true
			sv.mu.Unlock()
			sv.log.Errorf("giving up after %d restarts: %v", attempt-1, cause)
			sv.emit(SupervisorEvent{Type: EventFailed, Name: sv.name, Err: cause, Attempt: attempt})
			return false
		}

		delay := Backoff(attempt, sv.cfg)
		sv.emit(SupervisorEvent{Type: EventRestarting, Name: sv.name, Attempt: attempt, NextRetry: delay})
		sv.log.Infof("restart %d in %v", attempt, delay)

		select {
		case <-sv.ctx.Done():
			return false
		case <-time.After(delay):
		}

		sess, err := sv.build(sv.ctx, sv.noteCrash)
		if err != nil {
			cause = err
			continue
		}

		sv.mu.Lock()
		if sv.stopped {
			sv.mu.Unlock()
			_ = sess.Shutdown(context.Background())
			return false
		}
		sv.current = sess
		sv.lastStart = time.Now()
		sv.mu.Unlock()

		if sv.resync != nil {
			sv.resync(sess)
		}
		sv.emit(SupervisorEvent{Type: EventRecovered, Name: sv.name, Session: sess.ID(), Attempt: attempt})
		sv.log.Infof("recovered on attempt %d", attempt)
		return true
	}
}

func (sv *Supervisor) emit(event SupervisorEvent) {
	select {
	case sv.events <- event:
	default:
	}
}
