package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"proctorhub-monitoring-svc/src/internal/config"
	"proctorhub-monitoring-svc/src/internal/models"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ExamInfo is the exam directory lookup result.
type ExamInfo struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	DurationMinutes int    `json:"durationMinutes"`
}

// UserInfo is the user directory lookup result.
type UserInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DirectoryClient resolves exam titles/durations and user display names from
// the main platform service. Results are memoized in redis with a short TTL
// since dashboards re-resolve the same handful of ids on every refresh.
type DirectoryClient struct {
	baseURL    string
	httpClient *http.Client
	redis      *goredis.Client
	cache      *config.CacheConfig
}

// NewDirectoryClient creates a new directory service client.
func NewDirectoryClient(cfg *config.Configuration, redisClient *goredis.Client) *DirectoryClient {
	return &DirectoryClient{
		baseURL: cfg.Directory.URL,
		redis:   redisClient,
		cache:   &cfg.Cache,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Directory.Timeout) * time.Second,
		},
	}
}

// LookupExam retrieves exam title and duration from the directory service.
func (c *DirectoryClient) LookupExam(ctx context.Context, examID string) (*ExamInfo, error) {
	key := fmt.Sprintf("%s:%s", c.cache.LookupExamKeyPrefix, examID)
	var cached ExamInfo
	if c.fromCache(ctx, key, &cached) {
		return &cached, nil
	}

	var response struct {
		Exam    *ExamInfo `json:"exam"`
		Status  string    `json:"status"`
		Message string    `json:"message"`
	}
	if err := c.get(ctx, fmt.Sprintf("%s/exams/%s", c.baseURL, examID), &response); err != nil {
		return nil, err
	}
	if response.Exam == nil {
		return nil, models.ErrRecordNotFound
	}

	c.toCache(ctx, key, response.Exam)
	return response.Exam, nil
}

// LookupUser retrieves a user's display name from the directory service.
func (c *DirectoryClient) LookupUser(ctx context.Context, userID string) (*UserInfo, error) {
	key := fmt.Sprintf("%s:%s", c.cache.LookupUserKeyPrefix, userID)
	var cached UserInfo
	if c.fromCache(ctx, key, &cached) {
		return &cached, nil
	}

	var response struct {
		User    *UserInfo `json:"user"`
		Status  string    `json:"status"`
		Message string    `json:"message"`
	}
	if err := c.get(ctx, fmt.Sprintf("%s/users/%s", c.baseURL, userID), &response); err != nil {
		return nil, err
	}
	if response.User == nil {
		return nil, models.ErrRecordNotFound
	}

	c.toCache(ctx, key, response.User)
	return response.User, nil
}

func (c *DirectoryClient) get(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call directory service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return models.ErrRecordNotFound
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory service returned status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func (c *DirectoryClient) fromCache(ctx context.Context, key string, out interface{}) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Failed to unmarshal cached directory entry")
		return false
	}
	return true
}

func (c *DirectoryClient) toCache(ctx context.Context, key string, value interface{}) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	ttl := time.Duration(c.cache.LookupTTLMinutes) * time.Minute
	if err := c.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Failed to cache directory entry")
	}
}
