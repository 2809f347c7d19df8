package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/backstage/services/eventstore/internal/projection"
)

// ProjectionEngine is the projection administration surface
type ProjectionEngine interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	Reset(ctx context.Context, name string, position int64) error
	ProcessBatch(ctx context.Context, name string) (*projection.BatchResult, error)
	Status(ctx context.Context, name string) (*projection.Status, error)
	Lag(ctx context.Context, name string) (int64, error)
	List(ctx context.Context) ([]projection.Status, error)
}

type resetRequest struct {
	Position int64 `json:"position" binding:"gte=0"`
}

// listProjections handles GET /projections
func (s *Server) listProjections(c *gin.Context) {
	statuses, err := s.projections.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"projections": statuses})
}

// getProjection handles GET /projections/:name
func (s *Server) getProjection(c *gin.Context) {
	status, err := s.projections.Status(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// getProjectionLag handles GET /projections/:name/lag
func (s *Server) getProjectionLag(c *gin.Context) {
	lag, err := s.projections.Lag(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"projection": c.Param("name"), "lag": lag})
}

// projectionAction runs a lifecycle call and responds with the new status
func (s *Server) projectionAction(action func(ctx context.Context, name string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if err := action(c.Request.Context(), name); err != nil {
			writeError(c, err)
			return
		}
		s.getProjection(c)
	}
}

// resetProjection handles POST /projections/:name/reset
func (s *Server) resetProjection(c *gin.Context) {
	var req resetRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, badRequest(err.Error()))
			return
		}
	}

	if err := s.projections.Reset(c.Request.Context(), c.Param("name"), req.Position); err != nil {
		writeError(c, err)
		return
	}
	s.getProjection(c)
}

// processBatch handles POST /projections/:name/process
func (s *Server) processBatch(c *gin.Context) {
	result, err := s.projections.ProcessBatch(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
