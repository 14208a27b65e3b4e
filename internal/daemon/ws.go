package daemon

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/muxtunnel/muxtunneld/internal/api"
	"github.com/muxtunnel/muxtunneld/internal/ptymux"
)

const (
	closePaneNotFound = 4001
	closeSpawnFailed  = 4002

	wsWriteWait = 10 * time.Second
	ptyReadSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Single-tenant localhost service; the SPA may be served from a
	// different origin (desktop shell, dev server).
	CheckOrigin: func(*http.Request) bool { return true },
}

// stream is one WebSocket client bound to one pty. gorilla allows a
// single concurrent writer, so every outbound frame goes through
// write/control under writeMu.
type stream struct {
	conn   *websocket.Conn
	client *ptymux.Client
	log    *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (st *stream) write(messageType int, data []byte) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	_ = st.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return st.conn.WriteMessage(messageType, data)
}

func (st *stream) control(messageType int, data []byte) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	return st.conn.WriteControl(messageType, data, time.Now().Add(wsWriteWait))
}

func (st *stream) close(code int, reason string) {
	st.closeOnce.Do(func() {
		_ = st.control(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		_ = st.conn.Close()
	})
}

func (st *stream) sendSessionChanged(session string) {
	raw, err := json.Marshal(api.SessionChangedMessage{Type: "session-changed", Session: session})
	if err != nil {
		return
	}
	if err := st.write(websocket.TextMessage, raw); err != nil {
		st.log.Debug("session-changed frame dropped", "error", err)
	}
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	target := query.Get("pane")
	cols := atoiInRange(query.Get("cols"), 80)
	rows := atoiInRange(query.Get("rows"), 24)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if tcp, ok := conn.UnderlyingConn().(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	st := &stream{conn: conn, log: s.log.With("target", target)}

	pane := s.tmux.PaneInfo(r.Context(), target)
	if pane == nil {
		st.close(closePaneNotFound, "Pane not found")
		return
	}

	// The pane-info frame must precede the first pty byte, so it is
	// sent before the reader pump exists.
	info, err := json.Marshal(api.PaneInfoMessage{Type: "pane-info", Pane: *pane})
	if err != nil || st.write(websocket.TextMessage, info) != nil {
		st.close(1011, "failed to send pane info")
		return
	}

	client, err := s.ptys.Open(target, uint16(cols), uint16(rows))
	if err != nil {
		s.log.Warn("pty spawn failed", "target", target, "error", err)
		st.close(closeSpawnFailed, "Failed to attach terminal")
		return
	}
	st.client = client
	st.log = st.log.With("client", client.ID)
	s.registerStream(st)
	defer s.unregisterStream(st)
	defer client.Close()

	// Outbound pump: pty chunks become binary frames exactly as read.
	// When the child exits (pane killed, session deleted) the stream
	// ends with a normal close.
	go func() {
		buf := make([]byte, ptyReadSize)
		for {
			n, err := client.Read(buf)
			if n > 0 {
				if werr := st.write(websocket.BinaryMessage, buf[:n]); werr != nil {
					st.close(1006, "write failed")
					return
				}
			}
			if err != nil {
				st.close(1000, "terminal closed")
				return
			}
		}
	}()

	// Heartbeat: ping every interval, terminate if the peer misses two.
	pongWait := 2 * s.cfg.HeartbeatInterval
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := st.control(websocket.PingMessage, nil); err != nil {
					st.close(1006, "heartbeat write failed")
					return
				}
			case <-stopPing:
				return
			}
		}
	}()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Inbound demux, in arrival order on this goroutine.
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		switch messageType {
		case websocket.BinaryMessage:
			if _, err := client.Write(data); err != nil {
				st.close(1000, "terminal closed")
				return
			}
		case websocket.TextMessage:
			s.handleControlFrame(st, data)
		}
	}
	st.close(1000, "client disconnected")
}

// handleControlFrame recognizes resize and keys messages; any other
// text frame is forwarded to the pty as raw input.
func (s *Server) handleControlFrame(st *stream, data []byte) {
	if gjson.ValidBytes(data) {
		switch gjson.GetBytes(data, "type").String() {
		case "resize":
			cols := gjson.GetBytes(data, "cols").Int()
			rows := gjson.GetBytes(data, "rows").Int()
			if cols > 0 && rows > 0 && cols < 1<<16 && rows < 1<<16 {
				st.client.Resize(uint16(cols), uint16(rows))
			}
			return
		case "keys":
			_, _ = st.client.Write([]byte(gjson.GetBytes(data, "keys").String()))
			return
		}
	}
	_, _ = st.client.Write(data)
}

func atoiInRange(raw string, fallback int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n >= 1<<16 {
		return fallback
	}
	return n
}
