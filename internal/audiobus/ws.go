package audiobus

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/auralis-ai/auralis/internal/session"
)

// sendTimeout bounds a single outbound write.
const sendTimeout = 10 * time.Second

// wsConn adapts a websocket connection to [Conn].
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

var _ Conn = (*wsConn)(nil)

func (w *wsConn) Send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "superseded")
}

// ServeHTTP upgrades the request to a websocket and pumps frames into the
// bus until the peer goes away. The session is resolved from the
// session_id query parameter, or created on demand from user_id.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess, err := b.resolveSession(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.log.Warn("websocket accept failed", "err", err)
		return
	}

	conn := &wsConn{c: c}
	b.Open(sess.SessionID, conn)
	defer b.Close(sess.SessionID)

	ctx := r.Context()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				c.Close(websocket.StatusNormalClosure, "")
			case errors.Is(err, context.Canceled):
				c.Close(websocket.StatusNormalClosure, "server shutting down")
			default:
				b.log.Warn("websocket read failed",
					"session_id", sess.SessionID, "err", err)
				c.Close(websocket.StatusInternalError, "read failed")
			}
			return
		}
		b.HandleMessage(ctx, sess.SessionID, data)
	}
}

func (b *Bus) resolveSession(r *http.Request) (*session.UserSession, error) {
	q := r.URL.Query()
	if sessionID := q.Get("session_id"); sessionID != "" {
		sess, err := b.store.Get(sessionID)
		if err != nil {
			return nil, errors.New("unknown session_id")
		}
		return sess, nil
	}
	if userID := q.Get("user_id"); userID != "" {
		if sess, err := b.store.GetByUser(userID); err == nil {
			return sess, nil
		}
		return b.store.Create(userID)
	}
	return nil, errors.New("session_id or user_id query parameter required")
}
