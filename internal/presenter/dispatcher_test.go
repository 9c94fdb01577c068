package presenter

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefionn/captchaharvester/internal/actor"
	"github.com/codefionn/captchaharvester/internal/session"
	"github.com/codefionn/captchaharvester/internal/surface"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandle behaves like a window: closing it makes the surface report Closed
type fakeHandle struct {
	listener surface.Listener
	closes   atomic.Int32
	silent   bool
}

func (h *fakeHandle) Close() error {
	if h.closes.Add(1) == 1 && !h.silent {
		go h.listener.Closed()
	}
	return nil
}

type fakeSurface struct {
	mu      sync.Mutex
	targets []surface.Target
	handles map[string]*fakeHandle
	openErr error
	silent  bool
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{handles: make(map[string]*fakeHandle)}
}

func (s *fakeSurface) Open(_ context.Context, target surface.Target, l surface.Listener) (surface.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	h := &fakeHandle{listener: l, silent: s.silent}
	s.targets = append(s.targets, target)
	s.handles[target.CorrelationID] = h
	return h, nil
}

func (s *fakeSurface) handle(id string) *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

type outcomes struct {
	ch chan session.Outcome
}

func newOutcomes() *outcomes {
	return &outcomes{ch: make(chan session.Outcome, 16)}
}

func (o *outcomes) sink(out session.Outcome) { o.ch <- out }

func (o *outcomes) next(t *testing.T) session.Outcome {
	t.Helper()
	select {
	case out := <-o.ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return session.Outcome{}
	}
}

func (o *outcomes) none(t *testing.T) {
	t.Helper()
	select {
	case out := <-o.ch:
		t.Fatalf("unexpected extra outcome %s", out)
	case <-time.After(50 * time.Millisecond):
	}
}

func request(id string) session.ChallengeRequest {
	return session.ChallengeRequest{
		PageURL:       "https://shop.example.com/checkout",
		SiteKey:       "6Lc_aCMTAAAAABx7u2W0WPXnVbI_v6ZdbM6rYf16",
		CorrelationID: id,
		AutoClick:     true,
	}
}

func setup(t *testing.T, opts Options) (*Dispatcher, *session.Registry, *fakeSurface) {
	t.Helper()
	reg := session.NewRegistry(4)
	surf := newFakeSurface()
	d := New(reg, surf, opts)
	require.NoError(t, d.Start(context.Background(), actor.NewSystem()))
	t.Cleanup(func() { _ = d.Stop(context.Background()) })
	return d, reg, surf
}

func admit(t *testing.T, d *Dispatcher, reg *session.Registry, id string) *outcomes {
	t.Helper()
	out := newOutcomes()
	_, err := reg.Create(request(id), out.sink)
	require.NoError(t, err)
	_, err = d.Present(context.Background(), request(id))
	require.NoError(t, err)
	return out
}

func TestTargetURL(t *testing.T) {
	got, err := TargetURL(session.ChallengeRequest{
		PageURL:       "https://example.com/solve?lang=en",
		SiteKey:       "key with spaces&more",
		CorrelationID: "abc",
	})
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "example.com", u.Host)
	assert.Equal(t, "/solve", u.Path)

	want := url.Values{
		"lang":      {"en"},
		"sitekey":   {"key with spaces&more"},
		"captchaId": {"abc"},
		"autoClick": {"false"},
	}
	if diff := cmp.Diff(want, u.Query()); diff != "" {
		t.Errorf("query mismatch (-want +got):\n%s", diff)
	}
}

func TestTargetURLRejectsRelative(t *testing.T) {
	_, err := TargetURL(session.ChallengeRequest{PageURL: "/relative", SiteKey: "k", CorrelationID: "a"})
	assert.Error(t, err)
}

func TestPresentOpensSurface(t *testing.T) {
	d, reg, surf := setup(t, Options{})
	admit(t, d, reg, "abc")

	require.Len(t, surf.targets, 1)
	assert.Equal(t, "abc", surf.targets[0].CorrelationID)
	assert.Contains(t, surf.targets[0].URL, "autoClick=true")
	assert.Equal(t, 1, d.presenting())
}

func TestPresentUnknownSession(t *testing.T) {
	d, _, surf := setup(t, Options{})
	_, err := d.Present(context.Background(), request("ghost"))
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.Empty(t, surf.targets)
}

func TestSubmitSolvesAndClosesOnce(t *testing.T) {
	d, reg, surf := setup(t, Options{})
	out := admit(t, d, reg, "abc")
	h := surf.handle("abc")

	h.listener.Submitted("03AGdBq24", 1700000000000)

	o := out.next(t)
	assert.True(t, o.IsSolved())
	assert.Equal(t, "03AGdBq24", o.Value)
	assert.Equal(t, int64(1700000000000), o.SolvedAt)

	// the close caused by the submit must not produce a second outcome
	out.none(t)
	assert.Equal(t, int32(1), h.closes.Load())
	assert.Equal(t, 0, reg.Len())
	assert.Eventually(t, func() bool { return d.presenting() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSurfaceClosedFails(t *testing.T) {
	d, reg, surf := setup(t, Options{})
	out := admit(t, d, reg, "abc")
	h := surf.handle("abc")

	h.listener.Closed()

	o := out.next(t)
	assert.False(t, o.IsSolved())
	assert.Equal(t, session.ReasonSurfaceClosed, o.Reason)
	out.none(t)
	assert.Equal(t, int32(0), h.closes.Load())
}

func TestSubmitAndCloseRace(t *testing.T) {
	d, reg, surf := setup(t, Options{})
	out := admit(t, d, reg, "abc")
	h := surf.handle("abc")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); h.listener.Submitted("tok", 1) }()
	go func() { defer wg.Done(); h.listener.Closed() }()
	wg.Wait()

	out.next(t)
	out.none(t)
	assert.LessOrEqual(t, h.closes.Load(), int32(1))
}

func TestDeadline(t *testing.T) {
	d, reg, surf := setup(t, Options{Timeout: 30 * time.Millisecond})
	out := admit(t, d, reg, "abc")

	o := out.next(t)
	assert.Equal(t, session.ReasonTimeout, o.Reason)
	out.none(t)
	assert.Equal(t, int32(1), surf.handle("abc").closes.Load())
}

func TestDeadlineStoppedOnCompletion(t *testing.T) {
	d, reg, surf := setup(t, Options{Timeout: 50 * time.Millisecond})
	out := admit(t, d, reg, "abc")

	surf.handle("abc").listener.Submitted("tok", 1)
	assert.True(t, out.next(t).IsSolved())

	time.Sleep(100 * time.Millisecond)
	out.none(t)
	assert.Equal(t, int32(1), surf.handle("abc").closes.Load())
}

func TestSetTimeout(t *testing.T) {
	d, _, _ := setup(t, Options{Timeout: time.Minute})
	assert.Equal(t, time.Minute, d.Timeout())
	d.SetTimeout(-time.Second)
	assert.Equal(t, time.Duration(0), d.Timeout())
}

func TestOpenFailureFailsSession(t *testing.T) {
	d, reg, surf := setup(t, Options{})
	surf.openErr = errors.New("no display")

	out := newOutcomes()
	_, err := reg.Create(request("abc"), out.sink)
	require.NoError(t, err)

	_, err = d.Present(context.Background(), request("abc"))
	require.Error(t, err)

	o := out.next(t)
	assert.Equal(t, session.ReasonSurfaceUnavailable, o.Reason)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, d.presenting())
}

func TestInvalidPageURLFailsSession(t *testing.T) {
	d, reg, surf := setup(t, Options{})

	out := newOutcomes()
	req := request("abc")
	req.PageURL = "not a url"
	_, err := reg.Create(req, out.sink)
	require.NoError(t, err)

	_, err = d.Present(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, session.ReasonSurfaceUnavailable, out.next(t).Reason)
	assert.Empty(t, surf.targets)
}

func TestAbandonResolvesThroughClose(t *testing.T) {
	d, reg, surf := setup(t, Options{})
	out := admit(t, d, reg, "abc")

	d.Abandon("abc")

	assert.Equal(t, session.ReasonSurfaceClosed, out.next(t).Reason)
	assert.Equal(t, int32(1), surf.handle("abc").closes.Load())

	d.Abandon("abc")
	d.Abandon("unknown")
	out.none(t)
}

func TestReturnedHandleClosesOnce(t *testing.T) {
	d, reg, surf := setup(t, Options{})
	out := newOutcomes()
	_, err := reg.Create(request("abc"), out.sink)
	require.NoError(t, err)

	h, err := d.Present(context.Background(), request("abc"))
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	assert.Equal(t, session.ReasonSurfaceClosed, out.next(t).Reason)
	assert.Equal(t, int32(1), surf.handle("abc").closes.Load())
}

func TestStopDrainsPendingSessions(t *testing.T) {
	reg := session.NewRegistry(4)
	surf := newFakeSurface()
	surf.silent = true
	d := New(reg, surf, Options{})
	require.NoError(t, d.Start(context.Background(), actor.NewSystem()))

	a := admit(t, d, reg, "a")
	b := admit(t, d, reg, "b")

	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, session.ReasonShutdown, a.next(t).Reason)
	assert.Equal(t, session.ReasonShutdown, b.next(t).Reason)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, int32(1), surf.handle("a").closes.Load())
	assert.Equal(t, int32(1), surf.handle("b").closes.Load())
}

func TestSignalsAfterStopAreHandledInline(t *testing.T) {
	reg := session.NewRegistry(1)
	surf := newFakeSurface()
	d := New(reg, surf, Options{})
	sys := actor.NewSystem()
	require.NoError(t, d.Start(context.Background(), sys))

	out := admit(t, d, reg, "abc")
	h := surf.handle("abc")

	require.NoError(t, sys.StopAll(context.Background()))
	h.listener.Submitted("late", 2)

	assert.True(t, out.next(t).IsSolved())
	assert.Equal(t, int32(1), h.closes.Load())
}

func TestStopAfterSystemStopAll(t *testing.T) {
	reg := session.NewRegistry(4)
	surf := newFakeSurface()
	surf.silent = true
	d := New(reg, surf, Options{})
	sys := actor.NewSystem()
	require.NoError(t, d.Start(context.Background(), sys))

	out := admit(t, d, reg, "abc")

	require.NoError(t, sys.StopAll(context.Background()))
	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, session.ReasonShutdown, out.next(t).Reason)
	assert.Equal(t, 0, reg.Len())
}

func TestStartTwiceInOneSystem(t *testing.T) {
	sys := actor.NewSystem()
	defer sys.StopAll(context.Background())

	reg := session.NewRegistry(1)
	first := New(reg, newFakeSurface(), Options{})
	require.NoError(t, first.Start(context.Background(), sys))

	second := New(reg, newFakeSurface(), Options{})
	assert.Error(t, second.Start(context.Background(), sys))
}
