package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"clip-collector/internal/domain"
	"clip-collector/internal/tasks"
)

// Diagnoser produces a startup-check report for the health endpoint.
type Diagnoser interface {
	Run(domain.Settings) domain.DiagnosticReport
}

// Server exposes the task orchestrator over HTTP.
type Server struct {
	orchestrator *tasks.Orchestrator
	diagnoser    Diagnoser
	settings     domain.Settings
	http         *http.Server
}

// NewServer builds the HTTP server and its route table.
func NewServer(orchestrator *tasks.Orchestrator, diagnoser Diagnoser, settings domain.Settings) *Server {
	s := &Server{
		orchestrator: orchestrator,
		diagnoser:    diagnoser,
		settings:     settings,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	router.GET("/healthz", s.handleHealth)

	group := router.Group("/api/collect")
	group.POST("/process", s.handleProcess)
	group.GET("/status/:id", s.handleStatus)
	group.POST("/cancel/:id", s.handleCancel)
	group.GET("/download/:id", s.handleDownload)
	group.DELETE("/task/:id", s.handleDelete)
	group.GET("/tasks", s.handleList)
	group.GET("/events", s.handleEvents)

	s.http = &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving HTTP until shutdown.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
