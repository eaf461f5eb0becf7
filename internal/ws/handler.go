// Package ws owns the websocket transport between clients and the relay.
package ws

import (
	"fmt"
	"net/http"
	"time"

	"roomdrop/internal/core"
	"roomdrop/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeTimeout = 5 * time.Second

	// readTimeout bounds how long a silent peer keeps its session alive.
	// Clients refresh it with application pings well inside this window.
	readTimeout = 60 * time.Second

	// readLimit must fit the largest legal frame: a 10 MiB payload grows by
	// 4/3 under base64, plus envelope overhead.
	readLimit = 16 << 20

	sendBufSize = 64
)

// Handler upgrades websocket requests and bridges them to the relay.
type Handler struct {
	relay    *core.Relay
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to relay.
func NewHandler(relay *core.Relay) *Handler {
	return &Handler{
		relay: relay,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(readLimit)

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	var join protocol.Message
	if err := conn.ReadJSON(&join); err != nil {
		return
	}
	if join.Type != protocol.TypeJoin {
		h.writeDirectError(conn, "first message must be join")
		return
	}

	session, snapshot, err := h.relay.Join(join.ClientID, join.RoomID, sendBufSize)
	if err != nil {
		h.writeDirectError(conn, err.Error())
		return
	}
	// Session-scoped: if a redial already replaced this session, this
	// teardown must not evict the live connection's membership.
	defer h.relay.LeaveSession(session)

	go func() {
		for out := range session.Send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}()

	history := snapshot.History
	if history == nil {
		history = []protocol.Content{}
	}
	h.send(session, protocol.Message{
		Type:    protocol.TypeSnapshot,
		RoomID:  session.RoomID,
		SelfID:  session.ClientID,
		History: history,
		Members: snapshot.Members,
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		var in protocol.Message
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		h.handleInbound(session, in)
	}
}

func (h *Handler) handleInbound(session *core.Session, in protocol.Message) {
	switch in.Type {
	case protocol.TypePing:
		h.send(session, protocol.Message{Type: protocol.TypePong, TS: in.TS})

	case protocol.TypeJoin:
		// Re-join of the bound room refreshes the snapshot without touching
		// the session; any other room is a gate violation reported as an
		// error frame.
		snapshot, err := h.rejoin(session, in)
		if err != nil {
			h.send(session, protocol.Message{Type: protocol.TypeError, Error: err.Error()})
			return
		}
		h.send(session, snapshot)

	case protocol.TypeSubmit:
		if in.Content == nil {
			h.send(session, protocol.Message{Type: protocol.TypeError, Error: "submit requires content"})
			return
		}
		if _, err := h.relay.Submit(session.ClientID, in.RoomID, *in.Content); err != nil {
			h.send(session, protocol.Message{Type: protocol.TypeError, Error: err.Error()})
		}

	default:
		h.send(session, protocol.Message{Type: protocol.TypeError, Error: "unsupported message type"})
	}
}

func (h *Handler) rejoin(session *core.Session, in protocol.Message) (protocol.Message, error) {
	snapshot, err := h.relay.Refresh(session, in.RoomID)
	if err != nil {
		return protocol.Message{}, err
	}
	history := snapshot.History
	if history == nil {
		history = []protocol.Content{}
	}
	return protocol.Message{
		Type:    protocol.TypeSnapshot,
		RoomID:  in.RoomID,
		SelfID:  session.ClientID,
		History: history,
		Members: snapshot.Members,
	}, nil
}

// send queues one frame for the session's writer goroutine. A full queue
// drops the frame, matching the relay's best-effort delivery.
func (h *Handler) send(session *core.Session, msg protocol.Message) {
	defer func() { _ = recover() }()
	select {
	case session.Send <- msg:
	case <-time.After(core.SendTimeout):
	}
}

func (h *Handler) writeDirectError(conn *websocket.Conn, errMsg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(protocol.Message{Type: protocol.TypeError, Error: errMsg})
}
