package presenter

import (
	"sync"
	"time"

	"github.com/codefionn/captchaharvester/internal/session"
	"github.com/codefionn/captchaharvester/internal/surface"
)

// presentation owns the surface handle of one session. The handle is closed
// at most once, and never after the surface reported itself closed.
type presentation struct {
	d       *Dispatcher
	session *session.Session

	mu      sync.Mutex
	handle  surface.Handle
	closing bool
	closed  bool
}

var _ surface.Handle = (*presentation)(nil)

func (p *presentation) id() string {
	return p.session.ID()
}

// attach stores the opened handle, closing it right away if a close was
// requested while the surface was still opening
func (p *presentation) attach(h surface.Handle) {
	p.mu.Lock()
	p.handle = h
	closeNow := p.closing && !p.closed
	p.mu.Unlock()

	if closeNow {
		p.release(h)
	}
}

// markClosed records that the surface is gone on its own
func (p *presentation) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *presentation) closeHandle() {
	p.mu.Lock()
	if p.closing || p.closed {
		p.mu.Unlock()
		return
	}
	p.closing = true
	h := p.handle
	p.mu.Unlock()

	if h != nil {
		p.release(h)
	}
}

func (p *presentation) release(h surface.Handle) {
	if err := h.Close(); err != nil {
		p.d.log.Debug("Closing surface of %s: %v", p.id(), err)
	}
}

// Close force-closes the surface and forgets the presentation
func (p *presentation) Close() error {
	p.closeHandle()
	p.d.untrack(p)
	return nil
}

// listener forwards surface signals into the dispatcher loop
type listener struct {
	p *presentation
}

func (l listener) Submitted(value string, createdAt int64) {
	l.p.d.post(&surfaceSubmitted{p: l.p, value: value, createdAt: createdAt})
}

func (l listener) Closed() {
	l.p.d.post(&surfaceClosed{p: l.p})
}

// deadline stops its timer when the session completes
type deadline struct {
	timer *time.Timer
}

func (d deadline) Close() error {
	d.timer.Stop()
	return nil
}
