package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/sbtransport/internal/client"
	"github.com/danmuck/sbtransport/internal/message"
	"github.com/danmuck/sbtransport/internal/observability"
	"github.com/danmuck/sbtransport/internal/retry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Operations is the slice of the transport client the admin surface drives.
type Operations interface {
	Entity() string
	IsClosed() bool
	Peek(ctx context.Context, policy retry.Policy, fromSequenceNumber int64, opts client.PeekOptions) ([]message.ReceivedMessage, error)
	ScheduleMessage(ctx context.Context, policy retry.Policy, msg message.Message, associatedLinkName string) (int64, error)
	CancelScheduledMessage(ctx context.Context, policy retry.Policy, sequenceNumber int64, associatedLinkName string) error
}

var _ Operations = (*client.Client)(nil)

// Server exposes health, metrics and the management operations of one
// entity client over HTTP.
type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	ops    Operations
	policy retry.Policy
	router *gin.Engine
}

// New builds the router. corsOrigins enables browser access from those
// origins; none leaves CORS off.
func New(id, addr string, ops Operations, policy retry.Policy, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	if origins := normalizeOrigins(corsOrigins); len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  origins,
			AllowMethods:  []string{"GET", "POST", "DELETE"},
			AllowHeaders:  []string{"Origin", "Content-Type", observability.RequestIDHeader},
			ExposeHeaders: []string{observability.RequestIDHeader},
			MaxAge:        12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		ops:      ops,
		policy:   policy,
		router:   r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down within shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr).Str("entity", s.ops.Entity()).Msg("admin.listen")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Str("addr", s.Addr).Msg("admin.shutdown")
	return nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"entity":  s.ops.Entity(),
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		ready := !s.ops.IsClosed()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"service": s.ID,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1")
	v1.GET("/messages", s.handlePeek)
	v1.POST("/scheduled", s.handleSchedule)
	v1.DELETE("/scheduled/:seq", s.handleCancel)
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin = strings.TrimRight(strings.TrimSpace(origin), "/"); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
