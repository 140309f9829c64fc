// Package admin serves the read-only HTTP surface of a running watcher:
// health, readiness, prometheus metrics, listener state and the exception
// journal.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/excport/internal/excinfo"
	"github.com/danmuck/excport/internal/journal"
	"github.com/danmuck/excport/internal/observability"
	"github.com/danmuck/excport/internal/trap"
)

const (
	defaultListLimit = 50
	shutdownTimeout  = 5 * time.Second
)

// StatusSource reports the current listener state.
type StatusSource interface {
	Context() trap.Context
}

type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	router  *gin.Engine
	status  StatusSource
	journal *journal.Journal
}

func New(id, addr string, corsOrigins []string, status StatusSource, j *journal.Journal) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		router:   r,
		status:   status,
		journal:  j,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) RegisterRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		phase := trap.PhaseIdle
		if s.status != nil {
			phase = s.status.Context().Phase
		}
		ready := phase != trap.PhaseIdle && phase != trap.PhaseRestored
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"phase":   phase.String(),
			"service": s.ID,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/listener", func(c *gin.Context) {
		if s.status == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no listener"})
			return
		}
		view := newListenerView(s.status.Context())
		if s.journal != nil {
			view.Outcomes = s.journal.Tallies()
		}
		c.JSON(http.StatusOK, view)
	})

	s.router.GET("/exceptions", func(c *gin.Context) {
		limit := defaultListLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		entries := []journal.Entry{}
		if s.journal != nil {
			entries = s.journal.List(limit)
		}
		c.JSON(http.StatusOK, gin.H{"exceptions": entries, "count": len(entries)})
	})

	s.router.GET("/exceptions/:id", func(c *gin.Context) {
		if s.journal == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "exception not found"})
			return
		}
		entry, ok := s.journal.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "exception not found"})
			return
		}
		c.JSON(http.StatusOK, entry)
	})
}

// Serve listens on Addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr).Str("service", s.ID).Msg("admin.Server.Serve")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

type savedView struct {
	Mask     string `json:"mask"`
	Port     uint32 `json:"port"`
	Behavior int32  `json:"behavior"`
	Flavor   int32  `json:"flavor"`
}

type outcomeView struct {
	Kind        string `json:"kind"`
	ListenID    string `json:"listen_id"`
	Exception   string `json:"exception,omitempty"`
	Description string `json:"description,omitempty"`
	Error       string `json:"error,omitempty"`
}

type listenerView struct {
	ListenID     string            `json:"listen_id"`
	Phase        string            `json:"phase"`
	Target       string            `json:"target"`
	Mask         string            `json:"mask"`
	Endpoint     uint32            `json:"endpoint"`
	Iterations   int               `json:"iterations"`
	Delivered    int               `json:"delivered"`
	Saved        []savedView       `json:"saved"`
	Last         *outcomeView      `json:"last,omitempty"`
	InstallError string            `json:"install_error,omitempty"`
	ServeError   string            `json:"serve_error,omitempty"`
	RestoreError string            `json:"restore_error,omitempty"`
	Outcomes     map[string]uint64 `json:"outcomes,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func newListenerView(ctx trap.Context) listenerView {
	view := listenerView{
		ListenID:     ctx.ListenID,
		Phase:        ctx.Phase.String(),
		Target:       ctx.Target.String(),
		Mask:         ctx.Mask.String(),
		Endpoint:     uint32(ctx.Endpoint),
		Iterations:   ctx.Iterations,
		Delivered:    ctx.Delivered,
		Saved:        []savedView{},
		InstallError: errString(ctx.InstallErr),
		ServeError:   errString(ctx.ServeErr),
		RestoreError: errString(ctx.RestoreErr),
		UpdatedAt:    ctx.UpdatedAt,
	}
	for _, e := range ctx.Saved.Entries() {
		view.Saved = append(view.Saved, savedView{
			Mask:     e.Mask.String(),
			Port:     uint32(e.Port),
			Behavior: int32(e.Behavior),
			Flavor:   int32(e.Flavor),
		})
	}
	if last := ctx.Last; last != nil {
		ov := &outcomeView{Kind: last.Kind.String(), ListenID: last.ListenID, Error: errString(last.Err)}
		if last.Exception != nil {
			ov.Exception = last.Exception.String()
			ov.Description = excinfo.Describe(*last.Exception)
		}
		view.Last = ov
	}
	return view
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
