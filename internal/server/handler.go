// Package server exposes a Monitor over HTTP: hosts post lifecycle events,
// operators read statistics, health and recent errors.
package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nikiz24/proxymon"
)

var (
	errInvalidBody  = map[string]string{"error": "invalid request body"}
	errEmptyBatch   = map[string]string{"error": "no events in request"}
	errFeedClosed   = map[string]string{"error": "monitor is shutting down"}
	errPublish      = map[string]string{"error": "failed to queue events"}
	errInvalidLimit = map[string]string{"error": "limit must be a non-negative integer"}
	respHealthOK    = map[string]string{"status": "ok"}
)

// Publisher queues decoded events for the tracker.
type Publisher interface {
	Publish(ctx context.Context, ev proxymon.Event) error
}

// Monitor is the read side served by the API.
type Monitor interface {
	Stats() proxymon.Stats
	Health() proxymon.HealthSnapshot
	Reset()
}

type acceptedResponse struct {
	Accepted int `json:"accepted"`
}

type Handler struct {
	publisher Publisher
	monitor   Monitor
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
}

func New(publisher Publisher, monitor Monitor, gatherer prometheus.Gatherer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		publisher: publisher,
		monitor:   monitor,
		gatherer:  gatherer,
		logger:    logger,
	}
}

func (h *Handler) Register(e *echo.Echo, eventMiddleware ...echo.MiddlewareFunc) {
	e.GET("/healthz", h.Liveness)
	if h.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	api := e.Group("/api/v1")
	api.POST("/events", h.PostEvents, eventMiddleware...)
	api.GET("/stats", h.Stats)
	api.GET("/health", h.Health)
	api.GET("/errors", h.Errors)
	api.POST("/reset", h.Reset)
}

func (h *Handler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, respHealthOK)
}

// PostEvents accepts one event envelope or a JSON array of them.
func (h *Handler) PostEvents(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		h.logger.Error("failed to read request body", zap.Error(err))
		return c.JSON(http.StatusBadRequest, errInvalidBody)
	}

	var events []proxymon.Event
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		events, err = proxymon.DecodeEvents(trimmed)
	} else {
		var ev proxymon.Event
		ev, err = proxymon.DecodeEvent(trimmed)
		events = []proxymon.Event{ev}
	}
	if err != nil {
		h.logger.Debug("rejecting event payload", zap.Error(err))
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if len(events) == 0 {
		return c.JSON(http.StatusBadRequest, errEmptyBatch)
	}

	ctx := c.Request().Context()
	for i, ev := range events {
		if err := h.publisher.Publish(ctx, ev); err != nil {
			if errors.Is(err, proxymon.ErrFeedClosed) {
				return c.JSON(http.StatusServiceUnavailable, errFeedClosed)
			}
			h.logger.Error("failed to publish event",
				zap.Int("index", i),
				zap.String("type", ev.EventType()),
				zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, errPublish)
		}
	}
	return c.JSON(http.StatusAccepted, acceptedResponse{Accepted: len(events)})
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.monitor.Stats())
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, h.monitor.Health())
}

// Errors returns the error log, oldest first. ?limit=n keeps the newest n.
func (h *Handler) Errors(c echo.Context) error {
	errs := h.monitor.Stats().Errors
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, errInvalidLimit)
		}
		if n < len(errs) {
			errs = errs[len(errs)-n:]
		}
	}
	return c.JSON(http.StatusOK, errs)
}

func (h *Handler) Reset(c echo.Context) error {
	h.monitor.Reset()
	h.logger.Info("statistics reset via api", zap.String("remote", c.RealIP()))
	return c.NoContent(http.StatusNoContent)
}
