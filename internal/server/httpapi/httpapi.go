// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ccheshirecat/streamlog/internal/protocol/logstream"
	"github.com/ccheshirecat/streamlog/internal/server/filter"
	"github.com/ccheshirecat/streamlog/internal/server/stream"
)

const (
	// HeaderAPIKey carries the static credential.
	HeaderAPIKey = "X-Streamlog-API-Key"
	// HeaderSession carries the client session key. The server echoes it,
	// generating one when the client did not send any.
	HeaderSession = "X-Streamlog-Session"
)

// Hub is the broadcaster surface the API needs.
type Hub interface {
	Register(ctx context.Context, id string) (*stream.Session, error)
	Activate(ctx context.Context, s *stream.Session) error
	Disconnect(s *stream.Session, cause error)
	SetFilter(ctx context.Context, id, expr string) error
	Filter(id string) (string, error)
	Sessions() []stream.SessionInfo
	ServeOptions() stream.ServeOptions
}

// Options configures the router.
type Options struct {
	// APIKey enables authentication when non-empty.
	APIKey string
}

// New constructs the HTTP API router backed by the broadcaster.
func New(logger *slog.Logger, hub Hub, opts Options) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	api := &apiServer{logger: logger, hub: hub}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := r.Group("/")
	if opts.APIKey != "" {
		authed.Use(apiKeyMiddleware(opts.APIKey))
	}
	{
		authed.GET("/logs", api.streamSSE)
		authed.GET("/logs/ws", api.streamWebSocket)
		authed.GET("/filter", api.getFilter)
		authed.POST("/filter", api.setFilter)
		authed.GET("/clients", api.listClients)
	}

	return r
}

// requestLogger adapts slog to Gin's middleware interface.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		args := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.String("latency", latency.String()),
			slog.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			args = append(args, slog.String("error", c.Errors.String()))
			logger.Error("http request", args...)
		} else {
			logger.Info("http request", args...)
		}
	}
}

func apiKeyMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader(HeaderAPIKey)
		if provided == "" {
			provided = c.Query("api_key")
		}
		if provided != expected {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

type apiServer struct {
	logger *slog.Logger
	hub    Hub
}

// sessionFromRequest reads the session key from the header, falling back to
// the "session" query parameter for browser EventSource clients.
func sessionFromRequest(c *gin.Context) string {
	if id := c.GetHeader(HeaderSession); id != "" {
		return id
	}
	if id := c.Query("session"); id != "" {
		return id
	}
	return uuid.NewString()
}

// register creates the session and applies the optional ?filter= before it
// starts streaming, so the first reset already reflects it.
func (api *apiServer) register(c *gin.Context) (*stream.Session, bool) {
	ctx := c.Request.Context()
	initial, hasFilter := c.GetQuery("filter")
	if hasFilter {
		if err := filter.Validate(initial); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return nil, false
		}
	}
	s, err := api.hub.Register(ctx, sessionFromRequest(c))
	if err != nil {
		c.JSON(statusFromError(err), gin.H{"error": err.Error()})
		return nil, false
	}
	if hasFilter {
		if err := api.hub.SetFilter(ctx, s.ID(), initial); err != nil {
			api.hub.Disconnect(s, err)
			c.JSON(statusFromError(err), gin.H{"error": err.Error()})
			return nil, false
		}
	}
	return s, true
}

// finish records why a delivery task ended. A replaced session is already
// closed and must not be disconnected again.
func (api *apiServer) finish(s *stream.Session, transport string, err error) {
	if errors.Is(err, stream.ErrSessionClosed) {
		api.logger.Debug("session superseded", "session", s.ID(), "conn", s.ConnID(), "transport", transport)
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		api.logger.Info("session transport ended", "session", s.ID(), "conn", s.ConnID(), "transport", transport, "error", err)
	}
	api.hub.Disconnect(s, err)
}

type sseTransport struct {
	*logstream.SSEWriter
	rc *http.ResponseController
}

func (t sseTransport) SetWriteDeadline(deadline time.Time) error {
	return t.rc.SetWriteDeadline(deadline)
}

func (api *apiServer) streamSSE(c *gin.Context) {
	if _, ok := c.Writer.(http.Flusher); !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	s, ok := api.register(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.Header().Set(HeaderSession, s.ID())
	c.Status(http.StatusOK)
	c.Writer.Flush()

	if err := api.hub.Activate(ctx, s); err != nil {
		api.logger.Debug("activate sse session", "session", s.ID(), "error", err)
		return
	}
	w := sseTransport{SSEWriter: logstream.NewSSEWriter(c.Writer), rc: http.NewResponseController(c.Writer)}
	err := s.Serve(ctx, w, api.hub.ServeOptions())
	api.finish(s, "sse", err)
}

type filterRequest struct {
	Filter *string `json:"filter" binding:"required"`
}

func (api *apiServer) setFilter(c *gin.Context) {
	id := c.GetHeader(HeaderSession)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + HeaderSession + " header"})
		return
	}
	var req filterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := api.hub.SetFilter(c.Request.Context(), id, *req.Filter); err != nil {
		status := statusFromError(err)
		if status == http.StatusInternalServerError {
			api.logger.Error("set filter", "session", id, "error", err)
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (api *apiServer) getFilter(c *gin.Context) {
	id := c.GetHeader(HeaderSession)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + HeaderSession + " header"})
		return
	}
	expr, err := api.hub.Filter(id)
	if err != nil {
		c.JSON(statusFromError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"filter": expr})
}

func (api *apiServer) listClients(c *gin.Context) {
	c.JSON(http.StatusOK, api.hub.Sessions())
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, stream.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, filter.ErrInvalidFilter):
		return http.StatusBadRequest
	case errors.Is(err, stream.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
