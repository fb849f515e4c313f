// Package dashboard serves the operator's web view: the reconciled
// conversation for the selected pod, its last known location, the pod status
// table and simulated battery telemetry, with live updates over SSE or a
// websocket.
package dashboard

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zulandar/podyard/internal/logging"
	"github.com/zulandar/podyard/internal/podstatus"
	"github.com/zulandar/podyard/internal/reconcile"
	"go.uber.org/zap"
)

// Defaults for Opts.
const (
	DefaultPort      = 8080
	DefaultHeartbeat = 15 * time.Second
)

// Opts configures a Server.
type Opts struct {
	Engine    *reconcile.Engine
	Pods      *podstatus.Monitor
	Registry  *prometheus.Registry // served on /metrics; defaults to a fresh registry
	Heartbeat time.Duration        // SSE heartbeat and websocket ping period
	Logger    *zap.Logger
	Now       func() time.Time
}

// Server is the dashboard HTTP handler.
type Server struct {
	engine    *reconcile.Engine
	pods      *podstatus.Monitor
	registry  *prometheus.Registry
	clients   *prometheus.GaugeVec
	heartbeat time.Duration
	log       *zap.Logger
	now       func() time.Time
	router    *gin.Engine

	stopOnce sync.Once
	stop     chan struct{}
}

// New builds a Server and its routes.
func New(opts Opts) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("dashboard: engine is required")
	}
	if opts.Pods == nil {
		return nil, fmt.Errorf("dashboard: pod monitor is required")
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	hb := opts.Heartbeat
	if hb <= 0 {
		hb = DefaultHeartbeat
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		engine:    opts.Engine,
		pods:      opts.Pods,
		registry:  reg,
		heartbeat: hb,
		log:       logging.OrNop(opts.Logger),
		now:       now,
		stop:      make(chan struct{}),
		clients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "podyard",
			Subsystem: "dashboard",
			Name:      "live_clients",
			Help:      "Connected live-update clients by transport.",
		}, []string{"transport"}),
	}
	if err := reg.Register(s.clients); err != nil {
		return nil, fmt.Errorf("dashboard: register metrics: %w", err)
	}

	tmpl, err := parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	static, err := subFS(assetsFS, "assets")
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.SetHTMLTemplate(tmpl)
	s.registerRoutes(router, static)
	s.router = router
	return s, nil
}

// Handler returns the HTTP handler for the dashboard.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close ends open live-update streams.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// StartOpts holds configuration for Start.
type StartOpts struct {
	Opts
	Port int
	Out  io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	s, err := New(opts.Opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: s.router,
	}
	go func() {
		<-ctx.Done()
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}
	s.log.Info("dashboard: listening", zap.Int("port", opts.Port))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// subFS serves dir of fsys over HTTP.
func subFS(fsys fs.FS, dir string) (http.FileSystem, error) {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("static assets %s: %w", dir, err)
	}
	return http.FS(sub), nil
}

func parseTemplates() (*template.Template, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return tmpl, nil
}
