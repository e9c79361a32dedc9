package hub

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Application close codes, past the websocket-reserved range.
const (
	closeRoomFull   = 4008
	closeServerFull = 4009
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serveWS upgrades /ws/{doc}. Site identity comes from the site_id query
// parameter or is minted here; a missing username falls back to guest. The
// token parameter goes to the Authorize hook, which by default admits
// everyone.
func (h *Hub) serveWS(w http.ResponseWriter, req *http.Request) {
	if h.closed.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	docID := mux.Vars(req)["doc"]
	q := req.URL.Query()
	username := q.Get("username")
	if username == "" {
		username = "guest"
	}
	site := q.Get("site_id")
	if site == "" {
		site = fmt.Sprintf("%s_%s", username, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	}
	if h.opts.Authorize != nil {
		if err := h.opts.Authorize(q.Get("token"), docID); err != nil {
			h.log.Warn("hub: rejected connection", "doc", docID, "site", site, "err", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.log.Warn("hub: upgrade failed", "doc", docID, "err", err)
		return
	}

	if n := h.conns.Add(1); n > int64(h.opts.MaxConns) {
		h.conns.Add(-1)
		h.log.Warn("hub: server at capacity", "doc", docID, "conns", n-1)
		closeWith(conn, closeServerFull, "server at capacity")
		return
	}
	connectionsGauge.Inc()
	defer func() {
		h.conns.Add(-1)
		connectionsGauge.Dec()
	}()

	c := newClient(conn, site, username)
	var room *Room
	for attempt := 0; ; attempt++ {
		room, err = h.acquireRoom(h.ctx, docID)
		if err != nil {
			h.log.Error("hub: open document failed", "doc", docID, "err", err)
			closeWith(conn, websocket.CloseInternalServerErr, "document unavailable")
			return
		}
		jerr := room.join(c)
		if jerr == nil {
			break
		}
		if errors.Is(jerr, ErrRoomFull) {
			closeWith(conn, closeRoomFull, "document at capacity")
			return
		}
		// The room drained between lookup and join; a fresh one will spawn.
		if attempt >= 2 {
			closeWith(conn, websocket.CloseTryAgainLater, "document busy")
			return
		}
	}
	c.room = room

	go c.writePump()
	c.readPump()
}

func closeWith(conn *websocket.Conn, code int, msg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, msg))
	_ = conn.Close()
}
