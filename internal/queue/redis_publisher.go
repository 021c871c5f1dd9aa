/**
 * Redis Event Publisher
 *
 * Publishes pipeline events on a pub/sub channel for live subscribers and
 * keeps the latest remote status per report in a hash, so a late subscriber
 * can catch up without replaying the channel.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

const (
	EventsChannel = "labreport:events"
	StatusKey     = "labreport:status"
	UploadsKey    = "labreport:uploads"
)

// Event is the JSON message published on EventsChannel
type Event struct {
	Event      string    `json:"event"`
	DocumentID string    `json:"documentId,omitempty"`
	ReportID   string    `json:"reportId,omitempty"`
	TaskID     string    `json:"taskId,omitempty"`
	Status     string    `json:"status,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Progress   float64   `json:"progress,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// StatusEvent describes a remote status update
func StatusEvent(u models.StatusUpdate) Event {
	return Event{
		Event:     fmt.Sprintf("report:%s", u.Status),
		ReportID:  u.ReportID,
		Status:    string(u.Status),
		Stage:     u.Stage,
		Progress:  u.Progress,
		Message:   u.Message,
		Timestamp: time.Now().UTC(),
	}
}

// UploadEvent describes an upload task change
func UploadEvent(task models.UploadTask) Event {
	return Event{
		Event:      fmt.Sprintf("upload:%s", task.Status),
		DocumentID: task.DocumentID,
		ReportID:   task.ReportID,
		TaskID:     task.ID,
		Status:     string(task.Status),
		Message:    task.Error,
		Timestamp:  time.Now().UTC(),
	}
}

// DocumentEvent describes a session document status change
func DocumentEvent(docID string, status models.ProcessingStatus, progress float64, message string) Event {
	return Event{
		Event:      fmt.Sprintf("document:%s", status),
		DocumentID: docID,
		Status:     string(status),
		Progress:   progress,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	}
}

// RedisPublisher writes events to redis
type RedisPublisher struct {
	client *redis.Client
	logger *logging.Logger
}

// NewRedisPublisher connects to redisURL and verifies the connection
func NewRedisPublisher(ctx context.Context, redisURL string, logger *logging.Logger) (*RedisPublisher, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger == nil {
		logger = logging.NewLogger("RedisPublisher")
	}
	return &RedisPublisher{client: client, logger: logger}, nil
}

// PublishStatus implements monitor.Publisher
func (p *RedisPublisher) PublishStatus(ctx context.Context, u models.StatusUpdate) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := p.client.HSet(ctx, StatusKey, u.ReportID, data).Err(); err != nil {
		return fmt.Errorf("failed to store status for %s: %w", u.ReportID, err)
	}
	return p.publish(ctx, StatusEvent(u))
}

// PublishUploadTask implements TaskPublisher
func (p *RedisPublisher) PublishUploadTask(ctx context.Context, task models.UploadTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal upload task: %w", err)
	}
	if err := p.client.HSet(ctx, UploadsKey, task.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to store upload task %s: %w", task.ID, err)
	}
	return p.publish(ctx, UploadEvent(task))
}

// PublishDocument announces a document status change
func (p *RedisPublisher) PublishDocument(ctx context.Context, docID string, status models.ProcessingStatus, progress float64, message string) error {
	return p.publish(ctx, DocumentEvent(docID, status, progress, message))
}

// LatestStatus returns the last stored status for a report, or nil if none
func (p *RedisPublisher) LatestStatus(ctx context.Context, reportID string) (*models.StatusUpdate, error) {
	data, err := p.client.HGet(ctx, StatusKey, reportID).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status for %s: %w", reportID, err)
	}

	var u models.StatusUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status for %s: %w", reportID, err)
	}
	return &u, nil
}

// Subscribe streams events until ctx is done
func (p *RedisPublisher) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := p.client.Subscribe(ctx, EventsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", EventsChannel, err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					p.logger.Warn("Dropping malformed event", "error", err)
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *RedisPublisher) publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, EventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Event, err)
	}
	return nil
}

// Close releases the redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
