package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/labreport-pipeline/internal/clients"
	pipelineerrors "github.com/adverant/nexus/labreport-pipeline/internal/errors"
	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

type stubUploader struct {
	reportID string
	err      error
	got      *models.Document
}

func (u *stubUploader) Upload(ctx context.Context, doc *models.Document, opts clients.UploadOptions) (string, error) {
	u.got = doc
	return u.reportID, u.err
}

type taskLog struct {
	mu    sync.Mutex
	saved []models.UploadTask
}

func (l *taskLog) SaveUploadTask(ctx context.Context, task models.UploadTask) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saved = append(l.saved, task)
	return nil
}

func (l *taskLog) statuses() []models.UploadTaskStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.UploadTaskStatus, len(l.saved))
	for i, t := range l.saved {
		out[i] = t.Status
	}
	return out
}

func uploadTask(t *testing.T, priority models.UploadPriority) *asynq.Task {
	t.Helper()
	task, err := NewUploadTask(models.UploadTask{
		ID:         "task-1",
		DocumentID: "doc-1",
		Priority:   priority,
		Status:     models.UploadQueued,
		CreatedAt:  time.Now(),
	}, &models.Document{ID: "doc-1", Filename: "cbc.pdf", MIMEType: "application/pdf", Data: []byte("%PDF-1.7")})
	require.NoError(t, err)
	return task
}

func TestNewUploadTask(t *testing.T) {
	task := uploadTask(t, models.PriorityHigh)
	assert.Equal(t, TypeUploadDocument, task.Type())

	var p UploadPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, "task-1", p.Task.ID)
	assert.Equal(t, models.PriorityHigh, p.Task.Priority)
	assert.Equal(t, []byte("%PDF-1.7"), p.Data)

	_, err := NewUploadTask(models.UploadTask{ID: "empty"}, &models.Document{ID: "d"})
	assert.Error(t, err)
	_, err = NewUploadTask(models.UploadTask{ID: "nil"}, nil)
	assert.Error(t, err)
}

func TestQueueFor(t *testing.T) {
	assert.Equal(t, QueueCritical, QueueFor(models.PriorityHigh))
	assert.Equal(t, QueueDefault, QueueFor(models.PriorityNormal))
	assert.Equal(t, QueueDefault, QueueFor(""))
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, RetryDelay(0, nil, nil))
	assert.Equal(t, 20*time.Second, RetryDelay(2, nil, nil))
	assert.Equal(t, 60*time.Second, RetryDelay(10, nil, nil))
}

func TestUploadHandler(t *testing.T) {
	t.Run("success records uploading then completed", func(t *testing.T) {
		up := &stubUploader{reportID: "rep-9"}
		rec := &taskLog{}
		h := NewUploadHandler(up, rec, nil, clients.UploadOptions{}, logging.Nop())

		require.NoError(t, h.ProcessTask(context.Background(), uploadTask(t, models.PriorityNormal)))

		assert.Equal(t, []models.UploadTaskStatus{models.UploadRunning, models.UploadCompleted}, rec.statuses())
		assert.Equal(t, "rep-9", rec.saved[1].ReportID)
		require.NotNil(t, up.got)
		assert.Equal(t, "doc-1", up.got.ID)
		assert.Equal(t, int64(8), up.got.Size)
	})

	t.Run("permission denied skips retry", func(t *testing.T) {
		up := &stubUploader{err: pipelineerrors.NewPermissionDeniedError("doc-1", "upload", nil)}
		rec := &taskLog{}
		h := NewUploadHandler(up, rec, nil, clients.UploadOptions{}, logging.Nop())

		err := h.ProcessTask(context.Background(), uploadTask(t, models.PriorityNormal))
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, asynq.SkipRetry))
		assert.Equal(t, models.UploadFailed, rec.statuses()[1])
	})

	t.Run("recoverable error is returned for retry", func(t *testing.T) {
		up := &stubUploader{err: pipelineerrors.NewUploadFailedError("doc-1", stderrors.New("503"))}
		h := NewUploadHandler(up, nil, nil, clients.UploadOptions{}, logging.Nop())

		err := h.ProcessTask(context.Background(), uploadTask(t, models.PriorityNormal))
		require.Error(t, err)
		assert.False(t, stderrors.Is(err, asynq.SkipRetry))
		assert.True(t, stderrors.Is(err, pipelineerrors.ErrUploadFailed))
	})

	t.Run("malformed payload", func(t *testing.T) {
		h := NewUploadHandler(&stubUploader{}, nil, nil, clients.UploadOptions{}, logging.Nop())
		err := h.ProcessTask(context.Background(), asynq.NewTask(TypeUploadDocument, []byte("{")))
		assert.True(t, stderrors.Is(err, asynq.SkipRetry))
	})
}

func TestEvents(t *testing.T) {
	e := StatusEvent(models.StatusUpdate{ReportID: "r1", Stage: "ocr", Progress: 0.4, Status: models.StatusProcessing})
	assert.Equal(t, "report:processing", e.Event)
	assert.Equal(t, "r1", e.ReportID)
	assert.Equal(t, 0.4, e.Progress)

	e = UploadEvent(models.UploadTask{ID: "t1", DocumentID: "d1", Status: models.UploadFailed, Error: "boom"})
	assert.Equal(t, "upload:failed", e.Event)
	assert.Equal(t, "boom", e.Message)

	e = DocumentEvent("d1", models.StatusCompleted, 1, "")
	assert.Equal(t, "document:completed", e.Event)

	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"documentId":"d1"`)
	assert.NotContains(t, string(data), "taskId")
}
