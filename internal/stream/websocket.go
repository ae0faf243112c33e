package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/universal-console/agentlink/internal/logging"
)

const (
	wsPingInterval = 20 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsWriteTimeout = 5 * time.Second
)

// WebSocketSource reads the same event feed over a websocket. Each text
// message is either one JSON event or a chunk of event-stream text.
type WebSocketSource struct {
	url      string
	dialer   *websocket.Dialer
	decorate func(*http.Request)
	logger   *logging.Logger
}

// NewWebSocketSource creates a source for baseURL+path. http and https
// schemes are rewritten to ws and wss.
func NewWebSocketSource(baseURL, path string, decorate func(*http.Request)) (*WebSocketSource, error) {
	if path == "" {
		path = DefaultEventPath
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + path)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}

	return &WebSocketSource{
		url:      u.String(),
		dialer:   websocket.DefaultDialer,
		decorate: decorate,
		logger:   logging.GetStreamLogger(),
	}, nil
}

// URL returns the websocket address.
func (s *WebSocketSource) URL() string {
	return s.url
}

// Open dials the websocket. Headers set by the decorator are copied onto
// the handshake request.
func (s *WebSocketSource) Open(ctx context.Context, lastEventID string) (Stream, error) {
	start := time.Now()
	s.logger.LogConnectionAttempt(s.url, lastEventID)

	header := http.Header{}
	if s.decorate != nil {
		req, _ := http.NewRequest(http.MethodGet, s.url, nil)
		s.decorate(req)
		header = req.Header
	}
	if lastEventID != "" {
		header.Set("Last-Event-ID", lastEventID)
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil {
			err = &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		s.logger.LogConnectionFailure(s.url, err, time.Since(start))
		return nil, fmt.Errorf("dial event websocket: %w", err)
	}

	ws := &wsStream{conn: conn, parser: NewParser(lastEventID)}
	ws.lastID.Store(lastEventID)

	pingCtx, cancel := context.WithCancel(ctx)
	ws.stopPing = cancel
	go ws.pingLoop(pingCtx)

	return ws, nil
}

type wsStream struct {
	conn     *websocket.Conn
	parser   *Parser
	pending  []Frame
	stopPing context.CancelFunc

	mu        sync.Mutex
	writeMu   sync.Mutex
	lastID    atomic.Value
	closed    atomic.Bool
	closeOnce sync.Once
}

func (w *wsStream) Next(ctx context.Context) (Frame, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = w.Close() })
	defer stop()

	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		if w.closed.Load() {
			w.syncLastID()
			if err := ctx.Err(); err != nil {
				return Frame{}, err
			}
			return Frame{}, ErrStreamClosed
		}
		if len(w.pending) > 0 {
			f := w.pending[0]
			w.pending = w.pending[1:]
			w.lastID.Store(f.ID)
			w.syncLastID()
			return f, nil
		}

		_ = w.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			w.syncLastID()
			_ = w.Close()
			if ctx.Err() != nil {
				return Frame{}, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Frame{}, io.EOF
			}
			return Frame{}, fmt.Errorf("read event websocket: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		w.pending = append(w.pending, w.frames(data)...)
	}
}

func (w *wsStream) frames(msg []byte) []Frame {
	trimmed := bytes.TrimSpace(msg)
	if bytes.HasPrefix(trimmed, []byte("data:")) || bytes.HasPrefix(trimmed, []byte("id:")) {
		if !bytes.HasSuffix(msg, frameDelimiter) {
			msg = append(msg, frameDelimiter...)
		}
		return w.parser.Feed(msg)
	}
	if len(trimmed) == 0 {
		return nil
	}
	return []Frame{decodeFrame(w.parser.LastEventID(), string(trimmed))}
}

func (w *wsStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.writeMu.Lock()
			_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := w.conn.WriteMessage(websocket.PingMessage, nil)
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (w *wsStream) syncLastID() {
	if len(w.pending) == 0 {
		w.lastID.Store(w.parser.LastEventID())
	}
}

func (w *wsStream) LastEventID() string {
	id, _ := w.lastID.Load().(string)
	return id
}

func (w *wsStream) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		w.stopPing()
		w.writeMu.Lock()
		_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}
