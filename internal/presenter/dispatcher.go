// Package presenter shows admitted sessions on a presentation surface and
// turns the surface's signals into session outcomes.
//
// Every signal (submit, close, deadline, abandon) is handled by one actor so
// the signals of a session are processed in arrival order. The registry's
// CompleteOnce decides which of the competing signals wins.
package presenter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/captchaharvester/internal/actor"
	"github.com/codefionn/captchaharvester/internal/logger"
	"github.com/codefionn/captchaharvester/internal/metrics"
	"github.com/codefionn/captchaharvester/internal/session"
	"github.com/codefionn/captchaharvester/internal/surface"
)

const actorID = "presenter"

// ErrUnknownSession is returned by Present for an id without a pending session
var ErrUnknownSession = errors.New("no pending session")

// Options configures a Dispatcher
type Options struct {
	// Timeout bounds how long a session may stay pending; zero disables it
	Timeout time.Duration
	// MailboxSize is the number of signals that can be queued
	MailboxSize int
}

// Dispatcher presents sessions and resolves them from surface signals
type Dispatcher struct {
	registry *session.Registry
	surface  surface.Surface
	log      *logger.Logger

	timeout     atomic.Int64
	mailboxSize int
	ref         *actor.ActorRef

	mu            sync.Mutex
	presentations map[string]*presentation
}

// New creates a dispatcher; call Start before presenting
func New(registry *session.Registry, surf surface.Surface, opts Options) *Dispatcher {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 256
	}
	d := &Dispatcher{
		registry:      registry,
		surface:       surf,
		log:           logger.Global().WithPrefix(actorID),
		mailboxSize:   opts.MailboxSize,
		presentations: make(map[string]*presentation),
	}
	d.SetTimeout(opts.Timeout)
	return d
}

// SetTimeout changes the deadline for sessions presented from now on
func (d *Dispatcher) SetTimeout(timeout time.Duration) {
	if timeout < 0 {
		timeout = 0
	}
	d.timeout.Store(int64(timeout))
}

// Timeout returns the current session deadline
func (d *Dispatcher) Timeout() time.Duration {
	return time.Duration(d.timeout.Load())
}

// Start spawns the signal loop in sys
func (d *Dispatcher) Start(ctx context.Context, sys *actor.System) error {
	ref, err := sys.Spawn(ctx, actorID, &loop{d: d}, d.mailboxSize)
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", actorID, err)
	}
	d.ref = ref
	metrics.TrackMailbox(ref.Pending)
	return nil
}

// Stop handles the queued signals, then fails every session still pending
// with a shutdown outcome. The loop may already have been stopped through
// its system.
func (d *Dispatcher) Stop(ctx context.Context) error {
	var err error
	if d.ref != nil {
		err = d.ref.Stop(ctx)
	}
	if n := d.registry.Drain(session.Failed(session.ReasonShutdown)); n > 0 {
		d.log.Info("Stopped with %d pending sessions", n)
	}
	return err
}

// Present opens the surface for the pending session of req. The returned
// handle force-closes the surface; closing it more than once is harmless.
// When the surface cannot be opened the session fails with "surface
// unavailable" and the error is returned.
func (d *Dispatcher) Present(ctx context.Context, req session.ChallengeRequest) (surface.Handle, error) {
	s, ok := d.registry.Get(req.CorrelationID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, req.CorrelationID)
	}

	p := &presentation{d: d, session: s}
	d.track(p)
	s.Attach(p)

	target, err := TargetURL(req)
	if err == nil {
		var h surface.Handle
		h, err = d.surface.Open(ctx, surface.Target{URL: target, CorrelationID: s.ID()}, listener{p: p})
		if err == nil {
			p.attach(h)
		}
	}
	if err != nil {
		d.log.Warn("Failed to present %s: %v", s.ID(), err)
		d.complete(p, session.Failed(session.ReasonSurfaceUnavailable))
		return nil, fmt.Errorf("failed to present %s: %w", s.ID(), err)
	}

	if timeout := d.Timeout(); timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			d.post(&deadlineExpired{p: p})
		})
		s.Attach(deadline{timer: timer})
	}

	d.log.Debug("Presented %s", s.ID())
	return p, nil
}

// Abandon force-closes the surface of id. The session then resolves through
// the surface's close signal.
func (d *Dispatcher) Abandon(id string) {
	d.post(&abandonRequested{id: id})
}

// presenting returns the number of sessions with a live presentation
func (d *Dispatcher) presenting() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.presentations)
}

func (d *Dispatcher) track(p *presentation) {
	d.mu.Lock()
	d.presentations[p.id()] = p
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(p *presentation) {
	d.mu.Lock()
	if d.presentations[p.id()] == p {
		delete(d.presentations, p.id())
	}
	d.mu.Unlock()
}

func (d *Dispatcher) lookup(id string) (*presentation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.presentations[id]
	return p, ok
}

// post queues msg for the loop. Signals are never dropped: when the loop is
// not running or its mailbox is full the signal is handled on the caller's goroutine.
func (d *Dispatcher) post(msg actor.Message) {
	if d.ref != nil {
		err := d.ref.Send(msg)
		if err == nil {
			return
		}
		if errors.Is(err, actor.ErrMailboxFull) {
			d.log.Warn("Mailbox full, handling %s inline", msg.Type())
		}
	}
	d.handle(msg)
}

func (d *Dispatcher) handle(msg actor.Message) {
	switch m := msg.(type) {
	case *surfaceSubmitted:
		d.complete(m.p, session.Solved(m.value, m.createdAt))
		m.p.closeHandle()
	case *surfaceClosed:
		m.p.markClosed()
		d.complete(m.p, session.Failed(session.ReasonSurfaceClosed))
	case *deadlineExpired:
		if d.complete(m.p, session.Failed(session.ReasonTimeout)) {
			d.log.Info("Session %s timed out", m.p.id())
		}
		m.p.closeHandle()
	case *abandonRequested:
		if p, ok := d.lookup(m.id); ok {
			d.log.Debug("Abandoning %s", m.id)
			p.closeHandle()
		}
	default:
		d.log.Warn("Unknown message type: %T", msg)
	}
}

func (d *Dispatcher) complete(p *presentation, o session.Outcome) bool {
	if d.registry.Complete(p.session, o) {
		return true
	}
	metrics.RecordSuppressed()
	return false
}

// loop is the actor behind the dispatcher's mailbox
type loop struct {
	d *Dispatcher
}

func (l *loop) ID() string { return actorID }

func (l *loop) Start(ctx context.Context) error {
	l.d.log.Debug("Signal loop started")
	return nil
}

func (l *loop) Stop(ctx context.Context) error {
	l.d.log.Debug("Signal loop stopped")
	return nil
}

func (l *loop) Receive(ctx context.Context, msg actor.Message) error {
	l.d.handle(msg)
	return nil
}
