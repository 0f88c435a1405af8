package monitoring

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
	StartSession(c *gin.Context)
	Heartbeat(c *gin.Context)
	ReportViolation(c *gin.Context)
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

func (h *handler) StartSession(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Invalid start-session request body")
		h.sendErrorResponse(c, http.StatusBadRequest, "Invalid request", "examId is required")
		return
	}

	userID := c.GetString("user_id")

	response, err := h.service.StartSession(ctx, userID, req.ExamID, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"exam_id": req.ExamID,
		}).Error("Failed to start monitoring session")
		h.sendErrorResponse(c, http.StatusInternalServerError, "Failed to start session", err.Error())
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    response,
		"message": "Monitoring session started",
	})
}

func (h *handler) Heartbeat(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Invalid heartbeat request body")
		h.sendErrorResponse(c, http.StatusBadRequest, "Invalid request", "examId and sessionId are required")
		return
	}

	userID := c.GetString("user_id")

	response, err := h.service.RecordHeartbeat(ctx, userID, &req)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrSessionNotOwned):
			h.sendErrorResponse(c, http.StatusForbidden, "Session not owned by caller", "The session belongs to another user")
		case errors.Is(err, models.ErrInvalidEvent):
			h.sendErrorResponse(c, http.StatusBadRequest, "Invalid heartbeat", err.Error())
		default:
			logrus.WithError(err).WithFields(logrus.Fields{
				"user_id":    userID,
				"session_id": req.SessionID,
			}).Error("Failed to record heartbeat")
			h.sendErrorResponse(c, http.StatusInternalServerError, "Failed to record heartbeat", err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    response,
	})
}

// ReportViolation always answers 2xx for authenticated callers: reports from
// non-student roles are dropped server-side, and a dropped report must look
// identical to an accepted one so nothing on the exam surface breaks.
func (h *handler) ReportViolation(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	var req ViolationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Invalid violation request body")
		h.sendErrorResponse(c, http.StatusBadRequest, "Invalid request", "violation and examId are required")
		return
	}

	userID := c.GetString("user_id")
	role := c.GetString("user_role")

	if err := h.service.RecordViolation(ctx, userID, role, &req); err != nil {
		if errors.Is(err, models.ErrInvalidEvent) {
			h.sendErrorResponse(c, http.StatusBadRequest, "Invalid violation", err.Error())
			return
		}
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"exam_id": req.ExamID,
			"type":    req.Violation.Type,
		}).Error("Failed to record violation")
		h.sendErrorResponse(c, http.StatusInternalServerError, "Failed to record violation", err.Error())
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
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
