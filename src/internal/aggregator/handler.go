package aggregator

import (
	"context"
	"net/http"
	"time"

	"proctorhub-monitoring-svc/src/internal/config"
	"proctorhub-monitoring-svc/src/internal/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	GetLiveSessions(c *gin.Context)
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

func (h *handler) GetLiveSessions(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Duration(h.config.App.Timeout)*time.Second)
	defer cancel()

	q := &monitoring.ListQuery{
		ExamID: c.Query("examId"),
		UserID: c.Query("userId"),
	}

	staffID, _ := c.Get("user_id")
	logrus.WithFields(logrus.Fields{
		"staff_id": staffID,
		"exam_id":  q.ExamID,
		"user_id":  q.UserID,
	}).Debug("Live sessions view requested")

	view, err := h.service.LiveView(ctx, q)
	if err != nil {
		logrus.WithError(err).Error("Failed to build live sessions view")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to retrieve live sessions",
			"success": false,
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"sessions": view.Sessions,
		"alerts":   view.Alerts,
		"stats":    view.Stats,
	})
}
