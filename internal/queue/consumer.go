/**
 * Background Upload Facility
 *
 * Durable continuation of uploads that did not finish inside an interactive
 * session. The scheduler enqueues them here on shutdown; the worker process
 * consumes them with asynq and records the outcome.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/labreport-pipeline/internal/clients"
	pipelineerrors "github.com/adverant/nexus/labreport-pipeline/internal/errors"
	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

const (
	// TypeUploadDocument is the asynq task type for background uploads
	TypeUploadDocument = "upload:document"

	QueueCritical = "critical"
	QueueDefault  = "default"
)

// UploadPayload is the task body. Data is base64 in JSON.
type UploadPayload struct {
	Task     models.UploadTask `json:"task"`
	Filename string            `json:"filename"`
	MIMEType string            `json:"mimeType,omitempty"`
	Data     []byte            `json:"data"`
}

// NewUploadTask builds the asynq task for an upload
func NewUploadTask(task models.UploadTask, doc *models.Document) (*asynq.Task, error) {
	if doc == nil || len(doc.Data) == 0 {
		return nil, fmt.Errorf("task %s has no document bytes", task.ID)
	}
	payload, err := json.Marshal(UploadPayload{
		Task:     task,
		Filename: doc.Filename,
		MIMEType: doc.MIMEType,
		Data:     doc.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upload payload: %w", err)
	}
	return asynq.NewTask(TypeUploadDocument, payload), nil
}

// QueueFor maps an upload priority to an asynq queue
func QueueFor(p models.UploadPriority) string {
	if p == models.PriorityHigh {
		return QueueCritical
	}
	return QueueDefault
}

// Facility enqueues uploads for the worker process
type Facility struct {
	client   *asynq.Client
	maxRetry int
	timeout  time.Duration
	logger   *logging.Logger
}

// NewFacility connects an asynq client to redisURL
func NewFacility(redisURL string, logger *logging.Logger) (*Facility, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if logger == nil {
		logger = logging.NewLogger("UploadFacility")
	}
	return &Facility{
		client:   asynq.NewClient(redisOpt),
		maxRetry: 5,
		timeout:  5 * time.Minute,
		logger:   logger,
	}, nil
}

// EnqueueUpload implements scheduler.Facility. The scheduler task id doubles
// as the asynq task id, so a repeated hand-off is a no-op.
func (f *Facility) EnqueueUpload(ctx context.Context, task models.UploadTask, doc *models.Document) error {
	t, err := NewUploadTask(task, doc)
	if err != nil {
		return err
	}

	info, err := f.client.EnqueueContext(ctx, t,
		asynq.Queue(QueueFor(task.Priority)),
		asynq.TaskID(task.ID),
		asynq.MaxRetry(f.maxRetry),
		asynq.Timeout(f.timeout),
	)
	if stderrors.Is(err, asynq.ErrTaskIDConflict) {
		f.logger.Info("Upload already enqueued", "task_id", task.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue upload %s: %w", task.ID, err)
	}

	f.logger.Info("Upload enqueued", "task_id", task.ID, "document_id", task.DocumentID, "queue", info.Queue)
	return nil
}

// Close releases the redis connection
func (f *Facility) Close() error {
	return f.client.Close()
}

// TaskRecorder persists upload task state
type TaskRecorder interface {
	SaveUploadTask(ctx context.Context, task models.UploadTask) error
}

// TaskPublisher announces upload task changes
type TaskPublisher interface {
	PublishUploadTask(ctx context.Context, task models.UploadTask) error
}

// Uploader performs the remote upload
type Uploader interface {
	Upload(ctx context.Context, doc *models.Document, opts clients.UploadOptions) (string, error)
}

// UploadHandler consumes upload tasks in the worker
type UploadHandler struct {
	uploader  Uploader
	recorder  TaskRecorder
	publisher TaskPublisher
	opts      clients.UploadOptions
	logger    *logging.Logger
}

// NewUploadHandler creates the handler; recorder and publisher may be nil
func NewUploadHandler(uploader Uploader, recorder TaskRecorder, publisher TaskPublisher, opts clients.UploadOptions, logger *logging.Logger) *UploadHandler {
	if logger == nil {
		logger = logging.NewLogger("UploadHandler")
	}
	return &UploadHandler{uploader: uploader, recorder: recorder, publisher: publisher, opts: opts, logger: logger}
}

// ProcessTask implements asynq.Handler
func (h *UploadHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	startTime := time.Now()

	var p UploadPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal upload payload: %v: %w", err, asynq.SkipRetry)
	}
	if len(p.Data) == 0 {
		return fmt.Errorf("upload %s carries no document bytes: %w", p.Task.ID, asynq.SkipRetry)
	}

	log := h.logger.With("task_id", p.Task.ID, "document_id", p.Task.DocumentID)
	log.Info("Processing background upload", "filename", p.Filename, "size", len(p.Data))

	task := p.Task
	task.Status = models.UploadRunning
	task.Error = ""
	h.record(ctx, task)

	doc := &models.Document{
		ID:       p.Task.DocumentID,
		Filename: p.Filename,
		MIMEType: p.MIMEType,
		Data:     p.Data,
		Size:     int64(len(p.Data)),
	}

	reportID, err := h.uploader.Upload(ctx, doc, h.opts)
	duration := time.Since(startTime)

	if err != nil {
		final := !pipelineerrors.IsRecoverable(err) || isLastAttempt(ctx)
		log.Warn("Background upload failed", "duration", duration, "final", final, "error", err)
		if final {
			task.Status = models.UploadFailed
		} else {
			task.Status = models.UploadQueued
		}
		task.Error = err.Error()
		h.record(ctx, task)

		if !pipelineerrors.IsRecoverable(err) {
			return fmt.Errorf("upload %s: %v: %w", task.ID, err, asynq.SkipRetry)
		}
		return fmt.Errorf("upload %s: %w", task.ID, err)
	}

	task.Status = models.UploadCompleted
	task.ReportID = reportID
	h.record(ctx, task)
	log.Info("Background upload completed", "report_id", reportID, "duration", duration)
	return nil
}

func (h *UploadHandler) record(ctx context.Context, task models.UploadTask) {
	task.UpdatedAt = time.Now()
	if h.recorder != nil {
		if err := h.recorder.SaveUploadTask(ctx, task); err != nil {
			h.logger.Warn("Failed to save upload task", "task_id", task.ID, "error", err)
		}
	}
	if h.publisher != nil {
		if err := h.publisher.PublishUploadTask(ctx, task); err != nil {
			h.logger.Warn("Failed to publish upload task", "task_id", task.ID, "error", err)
		}
	}
}

// isLastAttempt reports whether asynq will not retry after this run. Outside
// an asynq server every attempt is the last.
func isLastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	max, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= max
}

// ServerConfig configures the worker's asynq server
type ServerConfig struct {
	RedisURL    string
	Concurrency int
	Logger      *logging.Logger
}

// NewServer builds the asynq server and mux that run upload tasks
func NewServer(cfg ServerConfig, handler *UploadHandler) (*asynq.Server, *asynq.ServeMux, error) {
	if cfg.RedisURL == "" {
		return nil, nil, fmt.Errorf("RedisURL is required")
	}
	if handler == nil {
		return nil, nil, fmt.Errorf("handler is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("UploadWorker")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueCritical: 6,
			QueueDefault:  3,
		},
		RetryDelayFunc: RetryDelay,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("Task processing error", "type", task.Type(), "error", err)
		}),
		Logger: logging.NewAsynqLogger(logger),
	})

	mux := asynq.NewServeMux()
	mux.Handle(TypeUploadDocument, handler)
	return server, mux, nil
}

// RetryDelay backs off exponentially from 5s, capped at one minute
func RetryDelay(n int, err error, task *asynq.Task) time.Duration {
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}
