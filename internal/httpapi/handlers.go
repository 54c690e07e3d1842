package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dripline/internal/eventbus"
	"dripline/internal/storage"
	"dripline/internal/trigger"
	"dripline/pkg/logx"
)

func (s *Server) trigger(c *gin.Context) {
	var req trigger.Request
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	sum, err := s.deps.Trigger.Invoke(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, sum)
	case errors.Is(err, trigger.ErrUnknownIdentity):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, trigger.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.log.Error("trigger failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delivery run failed"})
	}
}

type enrollRequest struct {
	ScenarioID string `json:"scenarioId" binding:"required"`
	ContactID  string `json:"contactId" binding:"required"`
	Campaign   string `json:"campaign"`
	Source     string `json:"source"`
}

type enrollResponse struct {
	RecordID string `json:"recordId"`
	Created  bool   `json:"created"`
}

func (s *Server) enroll(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scenarioId and contactId are required"})
		return
	}
	rec, created, err := s.deps.Enroller.Enroll(c.Request.Context(), storage.Enrollment{
		ScenarioID: req.ScenarioID,
		ContactID:  req.ContactID,
		Campaign:   req.Campaign,
		Source:     req.Source,
	}, time.Now())
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.log.Error("enroll failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enrollment failed"})
		return
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.ContactRegistered, Data: eventbus.Registration{
			ContactID: req.ContactID, ScenarioID: req.ScenarioID, RecordID: rec.ID, Created: created,
		}})
	}
	c.JSON(http.StatusAccepted, enrollResponse{RecordID: rec.ID, Created: created})
}
