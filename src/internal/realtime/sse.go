package realtime

import (
	"io"
	"strings"
	"time"

	"proctorhub-monitoring-svc/src/internal/config"
	"proctorhub-monitoring-svc/src/internal/metrics"
	"proctorhub-monitoring-svc/src/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// StreamHandler serves the dashboard push channel as server-sent events.
// Reconnection and resubscription are the client's job; the server forgets a
// connection entirely once it drops.
type StreamHandler struct {
	bus *Bus
	cfg *config.MonitoringConfig
}

func NewStreamHandler(bus *Bus, cfg *config.Configuration) *StreamHandler {
	return &StreamHandler{bus: bus, cfg: &cfg.Monitoring}
}

// Stream subscribes the connection to the requested topics and pushes change
// events until the client disconnects. Topics come comma-separated in the
// "topics" query parameter; absent means the global feed.
func (h *StreamHandler) Stream(c *gin.Context) {
	topics := parseTopics(c.Query("topics"))

	sub := h.bus.Subscribe(topics...)
	defer sub.Close()

	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	userID, _ := c.Get("user_id")
	logrus.WithFields(logrus.Fields{
		"user_id": userID,
		"topics":  topics,
	}).Info("Dashboard stream connected")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	pingInterval := time.Duration(h.cfg.StreamPingSeconds) * time.Second
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(event.Kind, event)
			return true
		case <-ping.C:
			// Keeps proxies and load balancers from reaping idle streams.
			c.SSEvent("ping", gin.H{"timestamp": time.Now().UTC()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})

	logrus.WithField("user_id", userID).Info("Dashboard stream disconnected")
}

func parseTopics(raw string) []string {
	if raw == "" {
		return []string{models.TopicAll}
	}

	var topics []string
	for _, topic := range strings.Split(raw, ",") {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		topics = append(topics, topic)
	}
	if len(topics) == 0 {
		return []string{models.TopicAll}
	}
	return topics
}
