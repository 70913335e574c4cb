// Package opsapi serves the operator HTTP endpoints: health, per-plot thread
// rows and Prometheus metrics.
package opsapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/zulandar/plotsync/internal/models"
	"github.com/zulandar/plotsync/internal/registry"
)

// Health is a point-in-time view of the daemon.
type Health struct {
	Ready       bool
	Reason      string
	Quarantined []int32
}

// HealthFunc reports the daemon's health.
type HealthFunc func() Health

// ThreadLister returns every registry row for a plot, newest first.
type ThreadLister interface {
	ListByPlot(ctx context.Context, plotID int32) ([]models.ThreadRecord, error)
}

// Opts holds parameters for the ops server.
type Opts struct {
	Port    int
	Health  HealthFunc
	Threads ThreadLister
	Logger  zerolog.Logger
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(opts Opts) (*gin.Engine, error) {
	if opts.Health == nil {
		return nil, fmt.Errorf("opsapi: health func is required")
	}
	if opts.Threads == nil {
		return nil, fmt.Errorf("opsapi: thread lister is required")
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", handleHealth(opts.Health))
	router.GET("/threads/:plotId", handleThreads(opts.Threads, opts.Logger))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router, nil
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	if opts.Port <= 0 {
		return fmt.Errorf("opsapi: port must be positive")
	}
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", opts.Port))
	if err != nil {
		return fmt.Errorf("opsapi: %w", err)
	}
	return Serve(ctx, ln, router, opts.Logger)
}

// Serve runs handler on ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("ops server shutdown")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("ops server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("opsapi: %w", err)
	}
	return nil
}

func handleHealth(health HealthFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := health()
		quarantined := h.Quarantined
		if quarantined == nil {
			quarantined = []int32{}
		}
		if !h.Ready {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":      "degraded",
				"reason":      h.Reason,
				"quarantined": quarantined,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"quarantined": quarantined,
		})
	}
}

// threadView renders snowflakes as strings; they do not fit a JSON number.
type threadView struct {
	MessageID       string  `json:"message_id"`
	ThreadID        string  `json:"thread_id"`
	PlotID          int32   `json:"plot_id"`
	Status          string  `json:"status"`
	OwnerRef        string  `json:"owner_ref"`
	OwnerPlatformID *string `json:"owner_platform_id,omitempty"`
	Feedback        *string `json:"feedback,omitempty"`
	SchemaVersion   int32   `json:"schema_version"`
	Current         bool    `json:"current"`
}

func handleThreads(threads ThreadLister, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("plotId"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "plot id must be an integer"})
			return
		}
		rows, err := threads.ListByPlot(c.Request.Context(), int32(id))
		if errors.Is(err, registry.ErrCorruptRow) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			log.Error().Err(err).Int64("plot_id", id).Msg("list threads")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registry unavailable"})
			return
		}
		if len(rows) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("plot %d is not tracked", id)})
			return
		}
		out := make([]threadView, len(rows))
		for i, r := range rows {
			out[i] = threadView{
				MessageID:       strconv.FormatUint(r.MessageID, 10),
				ThreadID:        strconv.FormatUint(r.ThreadID, 10),
				PlotID:          r.PlotID,
				Status:          r.Status.String(),
				OwnerRef:        r.OwnerRef,
				OwnerPlatformID: r.OwnerPlatformID,
				Feedback:        r.Feedback,
				SchemaVersion:   r.SchemaVersion,
				Current:         i == 0,
			}
		}
		c.JSON(http.StatusOK, out)
	}
}
