package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/podyard/internal/models"
	"github.com/zulandar/podyard/internal/reconcile"
)

// updateEvent is an engine update as pushed to live clients.
type updateEvent struct {
	Version uint64           `json:"version"`
	Local   []models.Message `json:"local,omitempty"`
	Remote  []models.Message `json:"remote,omitempty"`
}

func toEvent(u reconcile.Update) updateEvent {
	return updateEvent{Version: u.Version, Local: u.Local, Remote: u.Remote}
}

// handleSSE streams a "messages" event for every engine update until the
// client leaves, the engine closes or the server stops.
func (s *Server) handleSSE(c *gin.Context) {
	updates, cancel := s.engine.Subscribe()
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	s.clients.WithLabelValues("sse").Inc()
	defer s.clients.WithLabelValues("sse").Dec()

	writeSSE(c.Writer, "connected", gin.H{"version": s.engine.Version()})
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			writeSSE(c.Writer, "messages", toEvent(u))
			c.Writer.Flush()
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", gin.H{"timestamp": s.now().UTC().Format(time.RFC3339)})
			c.Writer.Flush()
		}
	}
}

func writeSSE(w io.Writer, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
