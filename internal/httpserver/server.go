// Package httpserver exposes the agent's health, channel state and
// self-metrics over HTTP.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/lotus-agent/internal/channel"
	"github.com/tinytelemetry/lotus-agent/internal/health"
	"github.com/tinytelemetry/lotus-agent/internal/sink/duckdbsink"
)

// ChannelStater is the narrow channel contract required by the API.
type ChannelStater interface {
	Stats() channel.Stats
}

// Archive is the narrow archive contract required by the API.
type Archive interface {
	Lines(ctx context.Context, namespace string, limit int) ([]duckdbsink.Line, error)
}

// Config wires the server's data sources. Archive and Gatherer are optional.
type Config struct {
	Addr     string
	Version  string
	Health   *health.Registry
	Channels []ChannelStater
	Archive  Archive
	Gatherer prometheus.Gatherer
}

// Server provides the agent's local HTTP API.
type Server struct {
	cfg       Config
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9464"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/channels", s.handleChannels)
	if s.cfg.Archive != nil {
		r.GET("/api/archive", s.handleArchive)
	}
	if s.cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Router(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := health.Snapshot{}
	if s.cfg.Health != nil {
		snap = s.cfg.Health.Snapshot()
	}

	status, code := "ok", http.StatusOK
	if !snap.Healthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":   status,
		"version":  s.cfg.Version,
		"uptime":   time.Since(s.startTime).Round(time.Second).String(),
		"sources":  snap.Sources,
		"delivery": snap.Delivery,
	})
}

func (s *Server) handleChannels(c *gin.Context) {
	out := make([]channel.Stats, 0, len(s.cfg.Channels))
	for _, ch := range s.cfg.Channels {
		out = append(out, ch.Stats())
	}
	c.JSON(http.StatusOK, gin.H{"channels": out})
}

func (s *Server) handleArchive(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, 10_000)
	}

	lines, err := s.cfg.Archive.Lines(c.Request.Context(), c.Query("namespace"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read archive"})
		return
	}

	rows := make([]gin.H, 0, len(lines))
	for _, l := range lines {
		rows = append(rows, gin.H{
			"id":          l.ID,
			"received_at": l.ReceivedAt,
			"namespace":   l.Namespace,
			"line":        l.Line,
			"batch":       l.Batch,
		})
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows, "row_count": len(rows)})
}
