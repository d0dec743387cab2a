// Package api exposes the control surface: zone editing and pipeline
// lifecycle over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/bdougie/argus/internal/analyzer"
	"github.com/bdougie/argus/internal/embeddings"
	"github.com/bdougie/argus/internal/models"
	"github.com/bdougie/argus/internal/storage"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 10000
)

// Server is the HTTP control API
type Server struct {
	app     *fiber.App
	manager *analyzer.Manager
	store   storage.Store
	logger  *slog.Logger
	timeout time.Duration
}

// NewServer wires the routes over a pipeline manager and a store.
func NewServer(manager *analyzer.Manager, store storage.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager: manager,
		store:   store,
		logger:  logger,
		timeout: 10 * time.Second,
	}

	app := fiber.New(fiber.Config{
		AppName:               "Argus",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/zones/:source", s.handleGetZone)
	api.Put("/zones/:source", s.handleSetZone)

	api.Get("/pipelines", s.handleListPipelines)
	api.Post("/pipelines", s.handleStartPipeline)
	api.Post("/pipelines/:source/reprocess", s.handleReprocess)
	api.Delete("/pipelines/:source", s.handleStopPipeline)

	api.Get("/events/:source", s.handleListEvents)
	api.Post("/incidents/similar", s.handleSimilarIncidents)

	s.app = app
	return s
}

// App returns the underlying fiber application.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.logger.Info("control API listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// handleError maps domain errors onto status codes.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, analyzer.ErrPipelineRunning):
		code = fiber.StatusConflict
	case errors.Is(err, analyzer.ErrUnknownSource), errors.Is(err, storage.ErrZoneNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, storage.ErrInvalidSourceID):
		code = fiber.StatusBadRequest
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}

// ZoneRequest is the body of a zone update
type ZoneRequest struct {
	Polygon models.Polygon `json:"polygon"`
}

// ZoneResponse describes the polygon configured for a source
type ZoneResponse struct {
	SourceID string         `json:"source_id"`
	Polygon  models.Polygon `json:"polygon"`
}

// handleGetZone returns the active polygon, falling back to the store for
// sources that have not been loaded yet.
func (s *Server) handleGetZone(c *fiber.Ctx) error {
	source := c.Params("source")

	poly := s.manager.Zones().Get(source)
	if poly == nil && s.store != nil {
		ctx, cancel := s.requestContext()
		defer cancel()

		stored, err := s.store.LoadZone(ctx, source)
		if err != nil {
			return err
		}
		s.manager.Zones().Set(source, stored)
		poly = stored
	}
	if poly == nil {
		return storage.ErrZoneNotFound
	}
	return c.JSON(ZoneResponse{SourceID: source, Polygon: poly})
}

// handleSetZone replaces the polygon of a source. An empty polygon clears it.
func (s *Server) handleSetZone(c *fiber.Ctx) error {
	source := c.Params("source")

	var req ZoneRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid zone body: "+err.Error())
	}
	if n := len(req.Polygon); n > 0 && n < 3 {
		return fiber.NewError(fiber.StatusBadRequest, "a zone needs at least 3 vertices")
	}
	for _, p := range req.Polygon {
		if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
			return fiber.NewError(fiber.StatusBadRequest, "zone vertices must be normalized to [0, 1]")
		}
	}

	if s.store != nil {
		ctx, cancel := s.requestContext()
		defer cancel()
		if err := s.store.SaveZone(ctx, source, req.Polygon); err != nil {
			return err
		}
	}
	s.manager.Zones().Set(source, req.Polygon)

	s.logger.Info("zone updated", "source", source, "vertices", len(req.Polygon))
	return c.JSON(ZoneResponse{SourceID: source, Polygon: s.manager.Zones().Get(source)})
}

// PipelineRequest starts a pipeline over a detection stream
type PipelineRequest struct {
	Path     string `json:"path"`
	SourceID string `json:"source_id"`
}

func (s *Server) handleListPipelines(c *fiber.Ctx) error {
	return c.JSON(s.manager.Status())
}

func (s *Server) handleStartPipeline(c *fiber.Ctx) error {
	var req PipelineRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid pipeline body: "+err.Error())
	}
	if req.Path == "" || req.SourceID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "path and source_id are required")
	}
	if err := storage.ValidateSourceID(req.SourceID); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	if err := s.manager.Start(req.Path, req.SourceID); err != nil {
		if !errors.Is(err, analyzer.ErrPipelineRunning) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(s.status(req.SourceID))
}

func (s *Server) handleReprocess(c *fiber.Ctx) error {
	source := c.Params("source")
	if err := s.manager.Reprocess(source); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(s.status(source))
}

func (s *Server) handleStopPipeline(c *fiber.Ctx) error {
	source := c.Params("source")
	if err := s.manager.Stop(source); err != nil {
		return err
	}
	return c.JSON(s.status(source))
}

// handleListEvents returns the latest events of a source when the store can
// read them back.
func (s *Server) handleListEvents(c *fiber.Ctx) error {
	lister, ok := s.store.(storage.EventLister)
	if !ok {
		return fiber.NewError(fiber.StatusNotImplemented, "the configured store cannot list events")
	}

	limit := defaultEventLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxEventLimit {
			return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxEventLimit))
		}
		limit = n
	}

	ctx, cancel := s.requestContext()
	defer cancel()
	events, err := lister.Events(ctx, c.Params("source"), limit)
	if err != nil {
		return err
	}
	if events == nil {
		events = []models.Event{}
	}
	return c.JSON(events)
}

// SimilarRequest asks for the incidents nearest to a pose signature
type SimilarRequest struct {
	Pose  []float32 `json:"pose"`
	Limit int       `json:"limit"`
}

func (s *Server) handleSimilarIncidents(c *fiber.Ctx) error {
	finder, ok := s.store.(storage.SimilarityFinder)
	if !ok {
		return fiber.NewError(fiber.StatusNotImplemented, "the configured store does not index poses")
	}

	var req SimilarRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid search body: "+err.Error())
	}
	if len(req.Pose) != embeddings.Dim {
		return fiber.NewError(fiber.StatusBadRequest, "pose must have "+strconv.Itoa(embeddings.Dim)+" values")
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	ctx, cancel := s.requestContext()
	defer cancel()
	results, err := finder.SimilarIncidents(ctx, req.Pose, min(req.Limit, maxEventLimit))
	if err != nil {
		return err
	}
	if results == nil {
		results = []storage.SimilarIncident{}
	}
	return c.JSON(results)
}

func (s *Server) status(sourceID string) analyzer.Status {
	for _, st := range s.manager.Status() {
		if st.SourceID == sourceID {
			return st
		}
	}
	return analyzer.Status{SourceID: sourceID}
}
