package dashboard

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsFrame is the JSON envelope for websocket traffic in both directions.
type wsFrame struct {
	Type   string       `json:"type"` // "update", "send", "select", "error"
	Update *updateEvent `json:"update,omitempty"`
	Target string       `json:"target,omitempty"`
	Text   string       `json:"text,omitempty"`
	Node   string       `json:"node,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// handleWS pushes engine updates as JSON frames and accepts "send" and
// "select" frames from the page. The connection is pinged every heartbeat
// and dropped when pongs stop arriving.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("dashboard: websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.clients.WithLabelValues("ws").Inc()
	defer s.clients.WithLabelValues("ws").Dec()

	updates, cancel := s.engine.Subscribe()
	defer cancel()

	replies := make(chan wsFrame, 8)
	readDone := make(chan struct{})
	go s.readWS(conn, replies, readDone)

	ping := time.NewTicker(s.heartbeat)
	defer ping.Stop()

	for {
		var frame wsFrame
		select {
		case <-readDone:
			return
		case <-s.stop:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			evt := toEvent(u)
			frame = wsFrame{Type: "update", Update: &evt}
		case frame = <-replies:
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(frame); err != nil {
			s.log.Debug("dashboard: websocket write failed", zap.Error(err))
			return
		}
	}
}

// readWS owns the read side of conn. Accepted sends show up as updates, so
// only errors are answered directly.
func (s *Server) readWS(conn *websocket.Conn, replies chan<- wsFrame, done chan<- struct{}) {
	defer close(done)

	pongWait := 3 * s.heartbeat
	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in wsFrame
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("dashboard: websocket closed", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var reply *wsFrame
		switch in.Type {
		case "send":
			target := in.Target
			if target == "" {
				target = s.engine.SelectedNode()
			}
			if _, ok := s.engine.Send(target, in.Text); !ok {
				reply = &wsFrame{Type: "error", Error: "message text is required"}
			}
		case "select":
			if !s.engine.SelectNode(in.Node) {
				reply = &wsFrame{Type: "error", Error: "node is required"}
			}
		default:
			reply = &wsFrame{Type: "error", Error: "unknown frame type " + in.Type}
		}
		if reply != nil {
			select {
			case replies <- *reply:
			default:
			}
		}
	}
}
