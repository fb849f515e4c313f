package dashboard

import (
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/podyard/internal/battery"
	"github.com/zulandar/podyard/internal/models"
	"github.com/zulandar/podyard/internal/podstatus"
	"github.com/zulandar/podyard/internal/reconcile"
)

func (s *Server) registerRoutes(router *gin.Engine, static http.FileSystem) {
	router.StaticFS("/static", static)

	router.GET("/", s.handleIndex)

	api := router.Group("/api")
	api.GET("/messages", s.handleMessages)
	api.GET("/nodes", s.handleNodes)
	api.GET("/nodes/:node/messages", s.handleNodeMessages)
	api.GET("/nodes/:node/location", s.handleNodeLocation)
	api.GET("/selected", s.handleSelected)
	api.POST("/selected", s.handleSelect)
	api.POST("/send", s.handleSend)
	api.GET("/battery", s.handleBattery)
	api.GET("/pods", s.handlePods)
	api.POST("/pods/check", s.handlePodsCheck)
	api.GET("/events", s.handleSSE)
	api.GET("/ws", s.handleWS)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
}

// locationView adds the map link the page renders.
type locationView struct {
	Node     string          `json:"node"`
	Location models.Location `json:"location"`
	MapURL   string          `json:"map_url"`
}

// selectedView is reconcile.View with the map link resolved.
type selectedView struct {
	reconcile.View
	MapURL string `json:"map_url,omitempty"`
}

// podRow is one pod status row with a relative last-seen time.
type podRow struct {
	models.PodStatus
	LastSeenAgo string `json:"last_seen_ago"`
}

type podsView struct {
	Pods      []podRow  `json:"pods"`
	Sample    bool      `json:"sample"`
	UpdatedAt time.Time `json:"updated_at"`
}

type sendRequest struct {
	Target string `json:"target"`
	Text   string `json:"text"`
}

type selectRequest struct {
	Node string `json:"node"`
}

func (s *Server) handleIndex(c *gin.Context) {
	c.HTML(http.StatusOK, "layout.html", gin.H{
		"nodes":    s.engine.DistinctNodes(),
		"selected": s.selected(),
		"pods":     s.podsView(s.pods.Snapshot()),
		"battery":  battery.ComputeAll(battery.SampleFleet()),
	})
}

func (s *Server) handleMessages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": s.engine.Messages(), "version": s.engine.Version()})
}

func (s *Server) handleNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": s.engine.DistinctNodes(), "selected": s.engine.SelectedNode()})
}

func (s *Server) handleNodeMessages(c *gin.Context) {
	node := c.Param("node")
	c.JSON(http.StatusOK, gin.H{"node": node, "messages": s.engine.MessagesForNode(node)})
}

func (s *Server) handleNodeLocation(c *gin.Context) {
	node := c.Param("node")
	loc, ok := s.engine.LatestLocation(node)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no location reported by " + node})
		return
	}
	c.JSON(http.StatusOK, locationView{Node: node, Location: loc, MapURL: loc.MapURL()})
}

func (s *Server) handleSelected(c *gin.Context) {
	c.JSON(http.StatusOK, s.selected())
}

func (s *Server) handleSelect(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil || !s.engine.SelectNode(strings.TrimSpace(req.Node)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "node is required"})
		return
	}
	c.JSON(http.StatusOK, s.selected())
}

// handleSend sends to the requested target, or the selected node when no
// target is given.
func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	target := req.Target
	if strings.TrimSpace(target) == "" {
		target = s.engine.SelectedNode()
	}
	msg, ok := s.engine.Send(target, req.Text)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message text is required"})
		return
	}
	c.JSON(http.StatusAccepted, msg)
}

func (s *Server) handleBattery(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pods": battery.ComputeAll(battery.SampleFleet())})
}

func (s *Server) handlePods(c *gin.Context) {
	c.JSON(http.StatusOK, s.podsView(s.pods.Snapshot()))
}

func (s *Server) handlePodsCheck(c *gin.Context) {
	c.JSON(http.StatusOK, s.podsView(s.pods.Check(c.Request.Context())))
}

func (s *Server) selected() selectedView {
	v := selectedView{View: s.engine.Selected()}
	if v.Location != nil {
		v.MapURL = v.Location.MapURL()
	}
	return v
}

func (s *Server) podsView(snap podstatus.Snapshot) podsView {
	now := s.now()
	out := podsView{Sample: snap.Sample, UpdatedAt: snap.UpdatedAt, Pods: make([]podRow, 0, len(snap.Pods))}
	for _, p := range snap.Pods {
		row := podRow{PodStatus: p, LastSeenAgo: "never"}
		if !p.LastSeen.IsZero() {
			row.LastSeenAgo = humanize.RelTime(p.LastSeen, now, "ago", "from now")
		}
		out.Pods = append(out.Pods, row)
	}
	return out
}
