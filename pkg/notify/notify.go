package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/janog-netcon/netcon-score-server/pkg/allocator"
	"github.com/janog-netcon/netcon-score-server/pkg/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultChannel = "scoreserver:notifications"

// Event is the payload published for every committed transition. Consumers
// (Slack relay, scoreboard UI) subscribe to the channel; delivery is
// best-effort and never blocks or fails the originating operation.
type Event struct {
	Operation  string    `json:"operation"`
	ProblemID  string    `json:"problem_id"`
	TeamID     string    `json:"team_id,omitempty"`
	Instance   string    `json:"instance"`
	Services   []string  `json:"services"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent summarizes a record group into one event. All records come from a
// single committed transition and share instance name and status.
func NewEvent(operation string, records []models.ProblemEnvironment) *Event {
	if len(records) == 0 {
		return nil
	}
	event := &Event{
		Operation:  operation,
		ProblemID:  records[0].ProblemID,
		Instance:   records[0].Name,
		Status:     records[0].Status,
		OccurredAt: time.Now(),
	}
	if records[0].TeamID != nil {
		event.TeamID = *records[0].TeamID
	}
	for _, pe := range records {
		event.Services = append(event.Services, pe.Service)
	}
	return event
}

// RedisNotifier publishes events to a Redis channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  *zap.SugaredLogger
}

// RedisConfig holds Redis connection settings for the notification channel.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

func NewRedisNotifier(cfg RedisConfig, logger *zap.SugaredLogger) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = defaultChannel
	}

	logger.Infof("Notification channel %s on Redis at %s", channel, cfg.Addr)

	return &RedisNotifier{
		client:  client,
		channel: channel,
		logger:  logger,
	}, nil
}

// Notify publishes the event. Failures are logged only; the transition has
// already committed and must not be affected.
func (n *RedisNotifier) Notify(ctx context.Context, operation string, records []models.ProblemEnvironment) {
	event := NewEvent(operation, records)
	if event == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		n.logger.Errorf("Failed to marshal notification event: %v", err)
		return
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := n.client.Publish(publishCtx, n.channel, data).Err(); err != nil {
		n.logger.Errorf("Failed to publish %s notification: %v", operation, err)
	}
}

var _ allocator.Notifier = (*RedisNotifier)(nil)
