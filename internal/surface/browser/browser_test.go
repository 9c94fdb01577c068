package browser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefionn/captchaharvester/internal/surface"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu        sync.Mutex
	submitted []submitData
	closed    atomic.Int32
	closedCh  chan struct{}
	submitCh  chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		closedCh: make(chan struct{}, 4),
		submitCh: make(chan struct{}, 4),
	}
}

func (l *recordingListener) Submitted(value string, createdAt int64) {
	l.mu.Lock()
	l.submitted = append(l.submitted, submitData{Value: value, CreatedAt: createdAt})
	l.mu.Unlock()
	l.submitCh <- struct{}{}
}

func (l *recordingListener) Closed() {
	l.closed.Add(1)
	l.closedCh <- struct{}{}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func newTestSurface(t *testing.T) (*Surface, *httptest.Server, *[]string) {
	t.Helper()
	var opened []string
	var mu sync.Mutex
	s := New(func(url string) error {
		mu.Lock()
		opened = append(opened, url)
		mu.Unlock()
		return nil
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, &opened
}

func dialRelay(t *testing.T, ts *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + RelayPath + "?captchaId=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestOpenUsesOpener(t *testing.T) {
	s, _, opened := newTestSurface(t)

	h, err := s.Open(context.Background(), surface.Target{URL: "https://example.com/?captchaId=a", CorrelationID: "a"}, newRecordingListener())
	require.NoError(t, err)
	require.NotNil(t, h)

	assert.Equal(t, []string{"https://example.com/?captchaId=a"}, *opened)
	assert.Equal(t, 1, s.Pending())
}

func TestOpenFailure(t *testing.T) {
	s := New(func(string) error { return errors.New("no display") })

	_, err := s.Open(context.Background(), surface.Target{URL: "https://example.com", CorrelationID: "a"}, newRecordingListener())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no display")
	assert.Equal(t, 0, s.Pending())
}

func TestOpenCancelledContext(t *testing.T) {
	s, _, opened := newTestSurface(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Open(ctx, surface.Target{URL: "https://example.com", CorrelationID: "a"}, newRecordingListener())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, *opened)
}

func TestRelaySubmitThenHostClose(t *testing.T) {
	s, ts, _ := newTestSurface(t)
	l := newRecordingListener()

	h, err := s.Open(context.Background(), surface.Target{URL: "https://example.com", CorrelationID: "abc"}, l)
	require.NoError(t, err)

	page := dialRelay(t, ts, "abc")
	require.NoError(t, page.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"CaptchaSubmit","data":{"value":"03AGdBq24","createdAt":1700000000000}}`)))
	waitFor(t, l.submitCh, "submit")

	l.mu.Lock()
	assert.Equal(t, []submitData{{Value: "03AGdBq24", CreatedAt: 1700000000000}}, l.submitted)
	l.mu.Unlock()

	require.NoError(t, h.Close())

	_ = page.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame relayFrame
	require.NoError(t, page.ReadJSON(&frame))
	assert.Equal(t, MessageTypeClose, frame.Type)

	waitFor(t, l.closedCh, "closed")
	assert.NoError(t, h.Close())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), l.closed.Load())
	assert.Equal(t, 0, s.Pending())
}

func TestRelayPageDisconnectReportsClosedOnce(t *testing.T) {
	s, ts, _ := newTestSurface(t)
	l := newRecordingListener()

	h, err := s.Open(context.Background(), surface.Target{URL: "https://example.com", CorrelationID: "abc"}, l)
	require.NoError(t, err)

	page := dialRelay(t, ts, "abc")
	require.NoError(t, page.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, page.WriteMessage(websocket.TextMessage, []byte(`{"type":"Resize"}`)))
	page.Close()

	waitFor(t, l.closedCh, "closed")
	_ = h.Close()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), l.closed.Load())
	l.mu.Lock()
	assert.Empty(t, l.submitted)
	l.mu.Unlock()
}

func TestHostCloseWithoutPage(t *testing.T) {
	s, _, _ := newTestSurface(t)
	l := newRecordingListener()

	h, err := s.Open(context.Background(), surface.Target{URL: "https://example.com", CorrelationID: "abc"}, l)
	require.NoError(t, err)

	require.NoError(t, h.Close())
	waitFor(t, l.closedCh, "closed")
	assert.Equal(t, 0, s.Pending())
}

func TestRelayRejectsUnknownAndSecondPage(t *testing.T) {
	s, ts, _ := newTestSurface(t)
	_, err := s.Open(context.Background(), surface.Target{URL: "https://example.com", CorrelationID: "abc"}, newRecordingListener())
	require.NoError(t, err)

	base := "ws" + strings.TrimPrefix(ts.URL, "http") + RelayPath
	_, resp, err := websocket.DefaultDialer.Dial(base+"?captchaId=other", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	dialRelay(t, ts, "abc")
	_, resp, err = websocket.DefaultDialer.Dial(base+"?captchaId=abc", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	_, ts, _ := newTestSurface(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}
