package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/zulandar/podyard/internal/battery"
	"github.com/zulandar/podyard/internal/logging"
	"github.com/zulandar/podyard/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Defaults for Opts.
const (
	DefaultPort          = 5000
	DefaultInactiveAfter = 10 * time.Minute
)

// cronParser uses standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Opts configures a Server.
type Opts struct {
	DB            *gorm.DB
	InactiveAfter time.Duration // defaults to DefaultInactiveAfter
	CheckSchedule string        // cron expression for the pod sweep; empty disables it
	RateRPS       float64
	RateBurst     int
	Registry      *prometheus.Registry // defaults to a fresh registry
	Logger        *zap.Logger
	Now           func() time.Time
}

// Server serves the Message Store API.
type Server struct {
	repo          *Repo
	limiter       *limiterPool
	metrics       *metrics
	registry      *prometheus.Registry
	log           *zap.Logger
	inactiveAfter time.Duration
	schedule      string
	router        *gin.Engine
}

// New builds a Server and its routes.
func New(opts Opts) (*Server, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	if opts.CheckSchedule != "" {
		if _, err := cronParser.Parse(opts.CheckSchedule); err != nil {
			return nil, fmt.Errorf("store: check schedule %q: %w", opts.CheckSchedule, err)
		}
	}
	inactive := opts.InactiveAfter
	if inactive <= 0 {
		inactive = DefaultInactiveAfter
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Server{
		repo:          NewRepo(opts.DB, opts.Now),
		limiter:       newLimiterPool(opts.RateRPS, opts.RateBurst),
		metrics:       newMetrics(reg),
		registry:      reg,
		log:           logging.OrNop(opts.Logger),
		inactiveAfter: inactive,
		schedule:      opts.CheckSchedule,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)
	s.router = router
	return s, nil
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Sweep recomputes pod liveness.
func (s *Server) Sweep(trigger string) (SweepResult, error) {
	s.metrics.sweeps.WithLabelValues(trigger).Inc()
	res, err := s.repo.SweepPods(s.inactiveAfter)
	if err != nil {
		return SweepResult{}, err
	}
	s.log.Debug("store: pod sweep",
		zap.String("trigger", trigger),
		zap.Int64("active", res.Active),
		zap.Int64("inactive", res.Inactive))
	return res, nil
}

// StartOpts holds configuration for Start.
type StartOpts struct {
	Opts
	Port int
	Out  io.Writer
}

// Start runs the Message Store on opts.Port and the scheduled pod sweep. It
// blocks until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	s, err := New(opts.Opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}

	if s.schedule != "" {
		c := cron.New(cron.WithParser(cronParser))
		if _, err := c.AddFunc(s.schedule, func() {
			if _, err := s.Sweep("schedule"); err != nil {
				s.log.Warn("store: scheduled sweep failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("store: schedule sweep: %w", err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: s.router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Message store listening on http://localhost:%d\n", opts.Port)
	}
	s.log.Info("store: listening", zap.Int("port", opts.Port), zap.String("check_schedule", s.schedule))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

func (s *Server) registerRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/messages", s.handleListMessages)
	api.POST("/messages/send", s.handleSend)
	api.GET("/pods", s.handleListPods)
	api.POST("/pods/check", s.handleCheck)
	api.POST("/pods/report", s.handleReport)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
}

func (s *Server) handleListMessages(c *gin.Context) {
	msgs, err := s.repo.ListMessages()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleSend(c *gin.Context) {
	if !s.limiter.Allow(c.ClientIP()) {
		s.metrics.rateLimited.Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	var sub models.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		s.metrics.messages.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	msg, created, err := s.repo.SaveMessage(sub)
	if errors.Is(err, ErrInvalid) {
		s.metrics.messages.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	if !created {
		s.metrics.messages.WithLabelValues("duplicate").Inc()
		c.JSON(http.StatusOK, msg)
		return
	}
	s.metrics.messages.WithLabelValues("stored").Inc()
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) handleListPods(c *gin.Context) {
	pods, err := s.repo.ListPods()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pods)
}

func (s *Server) handleCheck(c *gin.Context) {
	res, err := s.Sweep("manual")
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type reportRequest struct {
	PodID     string  `json:"pod_id"`
	Voltage   float64 `json:"voltage"`
	CurrentMA float64 `json:"current"`
}

func (s *Server) handleReport(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	stats, err := s.repo.ReportBattery(battery.Sample{NodeID: req.PodID, Voltage: req.Voltage, CurrentMA: req.CurrentMA})
	if errors.Is(err, ErrInvalid) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) fail(c *gin.Context, err error) {
	s.log.Error("store: request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
