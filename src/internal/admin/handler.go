package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"proctorhub-monitoring-svc/src/internal/config"
	"proctorhub-monitoring-svc/src/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	ResolveAlert(c *gin.Context)
	FlagSession(c *gin.Context)
	GrantRetake(c *gin.Context)
}

type handler struct {
	config  *config.Configuration
	service Service
}

func NewHandler(cfg *config.Configuration, service Service) Handler {
	return &handler{
		config:  cfg,
		service: service,
	}
}

type resolveAlertRequest struct {
	AlertID string `json:"alertId" binding:"required"`
}

type flagSessionRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Reason    string `json:"reason"`
}

type grantRetakeRequest struct {
	UserID string `json:"userId" binding:"required"`
	ExamID string `json:"examId" binding:"required"`
}

func (h *handler) ResolveAlert(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	var req resolveAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendErrorResponse(c, http.StatusBadRequest, "Invalid request", "alertId is required")
		return
	}

	actorID := c.GetString("user_id")

	if err := h.service.ResolveAlert(ctx, actorID, req.AlertID); err != nil {
		switch {
		case errors.Is(err, models.ErrAlertNotFound):
			h.sendErrorResponse(c, http.StatusNotFound, "Alert not found", "No alert found with the provided ID")
		case errors.Is(err, models.ErrSessionNotFound):
			h.sendErrorResponse(c, http.StatusNotFound, "Session not found", "The alert has no owning session")
		default:
			logrus.WithError(err).WithField("alert_id", req.AlertID).Error("Failed to resolve alert")
			h.sendErrorResponse(c, http.StatusInternalServerError, "Failed to resolve alert", err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Alert resolved successfully",
	})
}

func (h *handler) FlagSession(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	var req flagSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendErrorResponse(c, http.StatusBadRequest, "Invalid request", "sessionId is required")
		return
	}

	actorID := c.GetString("user_id")

	session, err := h.service.FlagSession(ctx, actorID, req.SessionID, req.Reason)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			h.sendErrorResponse(c, http.StatusNotFound, "Session not found", "No session found with the provided ID")
			return
		}
		logrus.WithError(err).WithField("session_id", req.SessionID).Error("Failed to flag session")
		h.sendErrorResponse(c, http.StatusInternalServerError, "Failed to flag session", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    session,
		"message": "Session flagged successfully",
	})
}

func (h *handler) GrantRetake(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	var req grantRetakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendErrorResponse(c, http.StatusBadRequest, "Invalid request", "userId and examId are required")
		return
	}

	actorID := c.GetString("user_id")

	cleared, err := h.service.GrantRetake(ctx, actorID, req.UserID, req.ExamID)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id": req.UserID,
			"exam_id": req.ExamID,
		}).Error("Failed to grant retake")
		h.sendErrorResponse(c, http.StatusInternalServerError, "Failed to grant retake", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    gin.H{"clearedSessions": cleared},
		"message": "Retake granted successfully",
	})
}

func (h *handler) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), time.Duration(h.config.App.Timeout)*time.Second)
}

func (h *handler) sendErrorResponse(c *gin.Context, statusCode int, error, message string) {
	c.JSON(statusCode, gin.H{
		"error":   error,
		"success": false,
		"message": message,
	})
}
