// Package reactor implements a single-threaded, cooperatively scheduled
// event loop: readiness polling, a posted-work queue safe to call from any
// thread, and a timer wheel.
package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riftlayer/velonet/arena"
)

// Handler is the capability set a registrant implements. Every Handler
// carries the descriptor it is bound to; it is exclusively owned by the
// component that registers it (typically a connection) — the Reactor
// holds only a non-owning reference keyed by descriptor.
type Handler interface {
	Fd() int
	OnReadable()
	OnWritable()
	OnError(errno int)
	OnClose()
}

// Config configures a Reactor.
type Config struct {
	// MaxEvents hints at the maximum number of concurrently registered
	// handlers, sized into the underlying poller's event buffer.
	MaxEvents int
	// PollTimeoutMs bounds how long a single Wait call may block when no
	// timer is sooner; this is a responsiveness knob, not a correctness one.
	PollTimeoutMs int
}

// DefaultConfig returns sane defaults for interactive client workloads.
func DefaultConfig() Config {
	return Config{MaxEvents: 1024, PollTimeoutMs: 100}
}

// Reactor is a single-threaded event loop. All registered Handlers are
// expected to be driven exclusively from the goroutine that calls Run,
// RunOnce, or RunFor; Post and Stop are the only operations safe to call
// from any other goroutine.
type Reactor struct {
	cfg    Config
	poller Poller
	fds    *FdTable[Handler]
	timers *TimerWheel

	running atomic.Bool
	nowMs   atomic.Int64

	// scratch backs transient allocations made by callbacks running out of
	// drainPosted (e.g. the DNS resolver's per-lookup result copies); it is
	// reset to its pre-turn position once the whole drained batch returns.
	scratch *arena.Arena

	postMu   sync.Mutex
	posted   []func()
	pending  []func()
	hasPost  atomic.Bool
	wakeupCh chan struct{}

	stopTimerID TimerID
	haveStopID  bool
}

// New constructs and initializes a Reactor. Initialization failure (the
// underlying OS poll primitive could not be created) is returned directly;
// this is fatal to the client and is not something a caller should retry
// blindly.
func New(cfg Config) (*Reactor, error) {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 1024
	}
	if cfg.PollTimeoutMs <= 0 {
		cfg.PollTimeoutMs = 100
	}

	p, err := NewPoller(cfg.MaxEvents)
	if err != nil {
		return nil, fmt.Errorf("reactor: failed to initialize poller: %w", err)
	}

	r := &Reactor{
		cfg:      cfg,
		poller:   p,
		fds:      NewFdTable[Handler](MaxFds),
		timers:   NewTimerWheel(),
		scratch:  arena.New(arena.DefaultBlockSize),
		wakeupCh: make(chan struct{}, 1),
	}
	r.refreshNow()
	return r, nil
}

// Scratch returns the reactor's per-turn scratch arena. It is only valid
// for the duration of a callback running out of drainPosted (posted
// callbacks and the closures they invoke); its position is rewound to
// where this turn started as soon as the whole drained batch returns, so
// nothing pushed onto it may be retained past the callback that pushed it.
func (r *Reactor) Scratch() *arena.Arena { return r.scratch }

func (r *Reactor) refreshNow() {
	r.nowMs.Store(time.Now().UnixMilli())
}

// NowMs returns the monotonic-ish time cached at the start of the current
// loop turn (refreshed again at the end of the turn).
func (r *Reactor) NowMs() int64 { return r.nowMs.Load() }

// HandlerCount returns the number of currently registered handlers.
func (r *Reactor) HandlerCount() int { return r.fds.Count() }

// Timers exposes the reactor's timer wheel so callers can Schedule
// callbacks that run on the reactor thread during its normal turn
// processing (ProcessExpired is invoked once per turn, after dispatch).
func (r *Reactor) Timers() *TimerWheel { return r.timers }

// Add registers handler for the given event mask. Fails if the handler's
// fd is negative or already registered.
func (r *Reactor) Add(h Handler, events Event) error {
	if h == nil || h.Fd() < 0 {
		return fmt.Errorf("reactor: invalid handler")
	}
	if r.fds.Contains(h.Fd()) {
		return fmt.Errorf("reactor: fd %d already registered", h.Fd())
	}
	if err := r.poller.Add(h.Fd(), events); err != nil {
		return err
	}
	r.fds.Set(h.Fd(), &h)
	return nil
}

// Modify changes the event mask for an already-registered handler.
func (r *Reactor) Modify(h Handler, events Event) error {
	if h == nil || !r.fds.Contains(h.Fd()) {
		return fmt.Errorf("reactor: fd not registered")
	}
	return r.poller.Modify(h.Fd(), events)
}

// Remove stops polling h. The descriptor is deregistered from the poller
// before Remove returns, not on a later turn; the handler itself is never
// freed by the Reactor, and it remains valid for the duration of any
// callback currently dispatching against it.
func (r *Reactor) Remove(h Handler) error {
	if h == nil {
		return fmt.Errorf("reactor: nil handler")
	}
	fd := h.Fd()
	if !r.fds.Contains(fd) {
		return fmt.Errorf("reactor: fd %d not registered", fd)
	}
	r.fds.Remove(fd)
	return r.poller.Remove(fd)
}

// Contains reports whether fd has a registered handler.
func (r *Reactor) Contains(fd int) bool { return r.fds.Contains(fd) }

// Running reports whether the loop is currently inside Run/RunFor.
func (r *Reactor) Running() bool { return r.running.Load() }

// Post enqueues a zero-argument callback to run on the loop thread on its
// next turn. Safe to call from any goroutine; preserves FIFO order among
// callbacks posted by the same calling goroutine.
func (r *Reactor) Post(cb func()) {
	r.postMu.Lock()
	r.posted = append(r.posted, cb)
	r.postMu.Unlock()
	r.hasPost.Store(true)
	select {
	case r.wakeupCh <- struct{}{}:
	default:
	}
}

// drainPosted swaps the posted buffer under the lock and runs the drained
// batch without holding it, so new Posts during the run land in the other
// buffer and are serviced next turn.
func (r *Reactor) drainPosted() {
	if !r.hasPost.Load() {
		return
	}
	r.postMu.Lock()
	r.pending, r.posted = r.posted, r.pending[:0]
	r.hasPost.Store(false)
	r.postMu.Unlock()

	scope := arena.Begin(r.scratch)
	for _, cb := range r.pending {
		cb()
	}
	scope.End()

	for i := range r.pending {
		r.pending[i] = nil
	}
	r.pending = r.pending[:0]
}

// Stop clears the running flag. Safe from any thread. It does not
// interrupt a poller Wait already in progress: a loop blocked there sees
// the flag once that Wait returns, at most PollTimeoutMs later.
func (r *Reactor) Stop() {
	r.running.Store(false)
	select {
	case r.wakeupCh <- struct{}{}:
	default:
	}
}

// dispatch delivers one turn's readiness events in a fixed per-fd order:
// error, then readable, then writable, then disconnect.
func (r *Reactor) dispatch(events []Readiness) {
	for _, ev := range events {
		hp := r.fds.Get(ev.Fd)
		if hp == nil {
			continue
		}
		h := *hp
		if ev.Err != 0 {
			h.OnError(ev.Err)
			continue
		}
		if ev.Events.Has(Readable) {
			h.OnReadable()
		}
		if ev.Events.Has(Writable) {
			h.OnWritable()
		}
		if ev.Events.Has(Disconnect) {
			h.OnClose()
		}
	}
}

// runTurn executes one iteration of the loop body shared by Run, RunOnce
// and RunFor: refresh time, drain posted callbacks, poll, dispatch, fire
// expired timers, refresh time again.
func (r *Reactor) runTurn(timeoutMs int) {
	r.refreshNow()
	r.drainPosted()

	events, err := r.poller.Wait(timeoutMs)
	if err == nil {
		r.dispatch(events)
	}

	r.timers.ProcessExpired(r.NowMs())
	r.refreshNow()
}

// Run loops until Stop is called.
func (r *Reactor) Run() {
	r.running.Store(true)
	for r.running.Load() {
		timeout := r.cfg.PollTimeoutMs
		if d := r.timers.NextDeadlineMs(r.NowMs()); d >= 0 && d < timeout {
			timeout = d
		}
		r.runTurn(timeout)
	}
}

// RunOnce executes a single non-blocking turn.
func (r *Reactor) RunOnce() {
	r.runTurn(0)
}

// RunFor runs until timeoutMs elapses or Stop is called, via a one-shot
// internal timer that calls Stop on expiry.
func (r *Reactor) RunFor(timeoutMs int) {
	r.running.Store(true)
	id := r.timers.Schedule(r.NowMs(), int64(timeoutMs), r.Stop)
	r.stopTimerID, r.haveStopID = id, true

	for r.running.Load() {
		timeout := r.cfg.PollTimeoutMs
		if d := r.timers.NextDeadlineMs(r.NowMs()); d >= 0 && d < timeout {
			timeout = d
		}
		r.runTurn(timeout)
	}

	if r.haveStopID {
		r.timers.Cancel(r.stopTimerID)
		r.haveStopID = false
	}
}

// Close releases the underlying poller resource. Not safe to call while
// Run/RunFor is executing on another goroutine.
func (r *Reactor) Close() error {
	return r.poller.Close()
}
