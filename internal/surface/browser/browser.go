// Package browser presents captchas in the system web browser.
//
// The challenge page is opened at the target URL and connects back to the
// view server on /surface/ws?captchaId=<id>. Over that socket the page
// submits its token; when the socket goes away the surface counts as closed.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	clibrowser "github.com/cli/browser"
	"github.com/codefionn/captchaharvester/internal/logger"
	"github.com/codefionn/captchaharvester/internal/surface"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const (
	// RelayPath is where presented pages connect back to
	RelayPath = "/surface/ws"

	writeWait      = 5 * time.Second
	maxMessageSize = 8192
)

// Frame types of the relay protocol
const (
	MessageTypeSubmit = "CaptchaSubmit"
	MessageTypeClose  = "Close"
)

type relayFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type submitData struct {
	Value     string `json:"value"`
	CreatedAt int64  `json:"createdAt"`
}

// Opener shows a URL to the human
type Opener func(url string) error

// SystemOpener opens the URL in the default browser
func SystemOpener(url string) error {
	return clibrowser.OpenURL(url)
}

// LogOpener only logs the URL so it can be opened by hand
func LogOpener(l *logger.Logger) Opener {
	return func(url string) error {
		l.Info("Open %s to solve the captcha", url)
		return nil
	}
}

// Surface opens challenge pages in a browser and relays their signals
type Surface struct {
	open     Opener
	upgrader websocket.Upgrader
	log      *logger.Logger

	mu     sync.Mutex
	relays map[string]*relay
}

var _ surface.Surface = (*Surface)(nil)

// New creates a browser surface. A nil opener uses SystemOpener.
func New(open Opener) *Surface {
	if open == nil {
		open = SystemOpener
	}
	return &Surface{
		open: open,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // challenge pages live on arbitrary origins
			},
		},
		log:    logger.Global().WithPrefix("browser"),
		relays: make(map[string]*relay),
	}
}

// Open shows target and returns a handle bound to its relay
func (s *Surface) Open(ctx context.Context, target surface.Target, listener surface.Listener) (surface.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := &relay{surface: s, id: target.CorrelationID, listener: listener}

	s.mu.Lock()
	previous := s.relays[r.id]
	s.relays[r.id] = r
	s.mu.Unlock()

	if previous != nil {
		s.log.Warn("Replacing stale surface for %s", r.id)
		_ = previous.Close()
	}

	if err := s.open(target.URL); err != nil {
		s.remove(r)
		return nil, fmt.Errorf("failed to open %s: %w", target.URL, err)
	}

	s.log.Debug("Opened surface for %s", r.id)
	return r, nil
}

// Pending returns the number of surfaces that have not closed yet
func (s *Surface) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.relays)
}

// Handler returns the HTTP handler of the view server
func (s *Surface) Handler() http.Handler {
	router := httprouter.New()
	router.GET(RelayPath, s.handleRelay)
	router.GET("/health", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "ok",
			"surfaces": s.Pending(),
		})
	})
	return router
}

func (s *Surface) lookup(id string) (*relay, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relays[id]
	return r, ok
}

func (s *Surface) remove(r *relay) {
	s.mu.Lock()
	if s.relays[r.id] == r {
		delete(s.relays, r.id)
	}
	s.mu.Unlock()
}

func (s *Surface) handleRelay(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	id := req.URL.Query().Get("captchaId")
	r, ok := s.lookup(id)
	if !ok {
		http.Error(w, "unknown captcha", http.StatusNotFound)
		return
	}
	if !r.claimed.CompareAndSwap(false, true) {
		http.Error(w, "captcha already has a page", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.claimed.Store(false)
		s.log.Error("Failed to upgrade relay for %s: %v", id, err)
		return
	}
	if !r.attach(conn) {
		_ = conn.Close()
		return
	}

	s.log.Debug("Page connected for %s", id)
	r.readLoop(conn)
}

// relay connects one presented page with its listener
type relay struct {
	surface  *Surface
	id       string
	listener surface.Listener

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// claimed is set by the first page that connects
	claimed  atomic.Bool
	notified atomic.Bool
}

func (r *relay) attach(conn *websocket.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conn = conn
	return true
}

func (r *relay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *relay) readLoop(conn *websocket.Conn) {
	defer r.notifyClosed()
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !r.isClosed() {
				r.surface.log.Debug("Relay for %s ended: %v", r.id, err)
			}
			return
		}

		var frame relayFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			r.surface.log.Warn("Ignoring malformed relay frame for %s: %v", r.id, err)
			continue
		}
		if frame.Type != MessageTypeSubmit {
			r.surface.log.Debug("Ignoring relay frame %q for %s", frame.Type, r.id)
			continue
		}

		var data submitData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			r.surface.log.Warn("Ignoring malformed submit for %s: %v", r.id, err)
			continue
		}
		if r.isClosed() {
			continue
		}
		r.listener.Submitted(data.Value, data.CreatedAt)
	}
}

// notifyClosed tells the listener exactly once that the surface is gone
func (r *relay) notifyClosed() {
	if !r.notified.CompareAndSwap(false, true) {
		return
	}
	r.surface.remove(r)
	r.listener.Closed()
}

// Close asks the page to close and drops the relay. The listener still
// receives Closed once the page is gone.
func (r *relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.mu.Unlock()

	r.surface.remove(r)
	if conn == nil {
		r.notifyClosed()
		return nil
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(relayFrame{Type: MessageTypeClose})
	if err == nil {
		err = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	if cerr := conn.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to close surface %s: %w", r.id, err)
	}
	return nil
}
