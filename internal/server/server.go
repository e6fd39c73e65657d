// Package server provides the HTTP API for playbookd.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/chatlog"
	"github.com/fyrsmithlabs/playbookd/internal/playbook"
)

// Submitter enqueues feedback events for asynchronous learning.
type Submitter interface {
	Submit(event playbook.Event) error
}

// Server provides HTTP endpoints for playbookd.
type Server struct {
	echo      *echo.Echo
	store     *playbook.Store
	retriever *playbook.Retriever
	chats     *chatlog.Store
	submitter Submitter
	logger    *zap.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(store *playbook.Store, retriever *playbook.Retriever, chats *chatlog.Store, submitter Submitter, logger *zap.Logger, cfg *Config) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if retriever == nil {
		return nil, fmt.Errorf("retriever cannot be nil")
	}
	if chats == nil {
		return nil, fmt.Errorf("chat store cannot be nil")
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 8377,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())

	s := &Server{
		echo:      e,
		store:     store,
		retriever: retriever,
		chats:     chats,
		submitter: submitter,
		logger:    logger,
		config:    cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/retrieve", s.handleRetrieve)
	v1.POST("/chats", s.handleChats)
	v1.POST("/feedback", s.handleFeedback)
	v1.GET("/stats", s.handleStats)
}

// RetrieveRequest is the request body for POST /v1/retrieve.
type RetrieveRequest struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}

// RetrievedBullet is one playbook entry returned to the caller.
type RetrievedBullet struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// RetrieveResponse is the response body for POST /v1/retrieve.
type RetrieveResponse struct {
	Bullets []RetrievedBullet `json:"bullets"`
}

// ChatRequest is the request body for POST /v1/chats.
type ChatRequest struct {
	Question      string   `json:"question"`
	Response      string   `json:"response"`
	UsedBulletIDs []string `json:"used_bullet_ids,omitempty"`
}

// ChatResponse is the response body for POST /v1/chats.
type ChatResponse struct {
	FeedbackID string `json:"feedback_id"`
}

// FeedbackRequest is the request body for POST /v1/feedback.
type FeedbackRequest struct {
	FeedbackID string  `json:"feedback_id"`
	Rating     float64 `json:"rating"`
	Comment    string  `json:"comment,omitempty"`
}

// FeedbackResponse is the response body for POST /v1/feedback.
type FeedbackResponse struct {
	FeedbackID string `json:"feedback_id"`
	Status     string `json:"status"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleRetrieve answers a semantic query over the playbook.
func (s *Server) handleRetrieve(c echo.Context) error {
	var req RetrieveRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid retrieve request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}

	hits, err := s.retriever.Retrieve(c.Request().Context(), req.Query, req.K)
	if err != nil {
		if errors.Is(err, playbook.ErrEmptyQuery) {
			return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
		}
		s.logger.Error("retrieval failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "retrieval failed")
	}

	resp := RetrieveResponse{Bullets: make([]RetrievedBullet, 0, len(hits))}
	for _, hit := range hits {
		resp.Bullets = append(resp.Bullets, RetrievedBullet{
			ID:      hit.Bullet.ID,
			Content: hit.Bullet.Content,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// handleChats records an answered exchange and hands back a feedback id.
func (s *Server) handleChats(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid chat request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Question == "" || req.Response == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question and response fields are required")
	}

	id := s.chats.Add(req.Question, req.Response, req.UsedBulletIDs)

	return c.JSON(http.StatusCreated, ChatResponse{FeedbackID: id})
}

// handleFeedback joins feedback to its chat record and enqueues a learning
// run. The response never reflects learning outcomes; those are async.
func (s *Server) handleFeedback(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid feedback request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.FeedbackID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "feedback_id field is required")
	}
	if req.Rating < 1 || req.Rating > 5 {
		return echo.NewHTTPError(http.StatusBadRequest, "rating must be between 1 and 5")
	}

	rec, err := s.chats.Get(req.FeedbackID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown feedback_id")
	}

	event := playbook.Event{
		FeedbackID:    rec.FeedbackID,
		Question:      rec.Question,
		Response:      rec.Response,
		UsedBulletIDs: rec.UsedBulletIDs,
		Rating:        req.Rating,
		Comment:       req.Comment,
		Polarity:      playbook.PolarityFromRating(req.Rating),
	}

	if err := s.submitter.Submit(event); err != nil {
		// Accepted regardless; a full queue drops the event with a log line.
		s.logger.Warn("feedback event dropped",
			zap.String("feedback_id", rec.FeedbackID),
			zap.Error(err))
	}

	return c.JSON(http.StatusAccepted, FeedbackResponse{
		FeedbackID: rec.FeedbackID,
		Status:     "accepted",
	})
}

// handleStats reports playbook statistics.
func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.store.Stats())
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
