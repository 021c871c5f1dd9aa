/**
 * Background Upload Scheduler
 *
 * Runs uploads whose lifetime is independent of the interactive session.
 * Tasks wait in a priority heap and are dispatched under a concurrency
 * budget. Priority is a dispatch-order hint unless strict priority is
 * enabled, in which case normal tasks are held while any high task runs.
 * On shutdown, unfinished tasks are handed to the durable background
 * facility so they continue outside this process.
 */

package scheduler

import (
	"container/heap"
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/labreport-pipeline/internal/clients"
	pipelineerrors "github.com/adverant/nexus/labreport-pipeline/internal/errors"
	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

// ErrShutdown is returned by Schedule after Shutdown
var ErrShutdown = stderrors.New("scheduler is shut down")

// Uploader performs one upload and returns the remote report id
type Uploader interface {
	Upload(ctx context.Context, doc *models.Document, opts clients.UploadOptions) (string, error)
}

// Facility durably continues uploads outside this process
type Facility interface {
	EnqueueUpload(ctx context.Context, task models.UploadTask, doc *models.Document) error
}

type entry struct {
	task      models.UploadTask
	doc       *models.Document
	seq       uint64
	index     int
	attempt   int
	cancel    context.CancelFunc
	cancelled bool
}

// Scheduler manages background uploads
type Scheduler struct {
	uploader    Uploader
	facility    Facility
	opts        clients.UploadOptions
	concurrency int
	strict      bool
	maxAttempts int
	baseDelay   time.Duration
	observer    func(models.UploadTask)
	logger      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	queue       taskHeap
	tasks       map[string]*entry
	running     int
	runningHigh int
	seq         uint64
	closed      bool
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithConcurrency sets how many uploads may run at once (default 2)
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithStrictPriority holds normal tasks while any high task is running
func WithStrictPriority() Option {
	return func(s *Scheduler) { s.strict = true }
}

// WithRetry sets the attempts per task and the base of the exponential backoff
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(s *Scheduler) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		s.baseDelay = baseDelay
	}
}

// WithFacility sets where unfinished tasks go on shutdown
func WithFacility(f Facility) Option {
	return func(s *Scheduler) { s.facility = f }
}

// WithUploadOptions sets the preferences sent with every upload
func WithUploadOptions(o clients.UploadOptions) Option {
	return func(s *Scheduler) { s.opts = o }
}

// WithObserver is called after every task status change, outside the lock
func WithObserver(fn func(models.UploadTask)) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler. Its lifetime is its own: only Cancel and Shutdown
// stop uploads.
func New(uploader Uploader, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		uploader:    uploader,
		concurrency: 2,
		maxAttempts: 3,
		baseDelay:   time.Second,
		logger:      logging.NewLogger("UploadScheduler"),
		ctx:         ctx,
		cancel:      cancel,
		tasks:       make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule enqueues an upload of doc and returns its task id immediately.
// The scheduler keeps its own copy of the document.
func (s *Scheduler) Schedule(doc *models.Document, priority models.UploadPriority) (string, error) {
	if doc == nil {
		return "", fmt.Errorf("document is required")
	}
	if priority != models.PriorityHigh {
		priority = models.PriorityNormal
	}

	now := time.Now()
	e := &entry{
		task: models.UploadTask{
			ID:         uuid.NewString(),
			DocumentID: doc.ID,
			Priority:   priority,
			Status:     models.UploadQueued,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		doc: doc.Clone(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrShutdown
	}
	s.seq++
	e.seq = s.seq
	s.tasks[e.task.ID] = e
	heap.Push(&s.queue, e)
	queued := e.task
	s.dispatchLocked()
	s.mu.Unlock()

	s.logger.Info("Upload scheduled",
		"task_id", queued.ID, "document_id", doc.ID, "priority", priority, "size", doc.Size)
	s.notify(queued)
	return queued.ID, nil
}

// dispatchLocked starts queued tasks while budget allows; mu must be held
func (s *Scheduler) dispatchLocked() {
	for s.running < s.concurrency && !s.closed {
		next := s.queue.peek()
		if next == nil {
			return
		}
		if s.strict && next.task.Priority != models.PriorityHigh && s.runningHigh > 0 {
			return
		}
		heap.Pop(&s.queue)

		ctx, cancel := context.WithCancel(s.ctx)
		next.cancel = cancel
		next.task.Status = models.UploadRunning
		next.task.UpdatedAt = time.Now()
		s.running++
		if next.task.Priority == models.PriorityHigh {
			s.runningHigh++
		}

		s.wg.Add(1)
		go s.run(ctx, next, next.task)
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry, started models.UploadTask) {
	defer s.wg.Done()
	s.notify(started)

	reportID, err := s.uploadWithRetry(ctx, e)

	s.mu.Lock()
	e.cancel()
	s.running--
	if e.task.Priority == models.PriorityHigh {
		s.runningHigh--
	}

	switch {
	case err == nil:
		// an upload that finished wins over a late Cancel
		e.task.Status = models.UploadCompleted
		e.task.ReportID = reportID
	case e.cancelled:
		e.task.Status = models.UploadCancelled
	case s.closed && ctx.Err() != nil:
		// interrupted by Shutdown; the hand-off owns the final status
	default:
		e.task.Status = models.UploadFailed
		e.task.Error = err.Error()
	}
	e.task.UpdatedAt = time.Now()
	final := e.task
	if final.Status.IsTerminal() {
		e.doc = nil // bytes are no longer needed
	}
	s.dispatchLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Background upload ended", "task_id", final.ID, "status", final.Status, "error", err)
	} else {
		s.logger.Info("Background upload completed", "task_id", final.ID, "report_id", reportID)
	}
	s.notify(final)
}

func (s *Scheduler) uploadWithRetry(ctx context.Context, e *entry) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		s.mu.Lock()
		e.attempt = attempt
		s.mu.Unlock()

		reportID, err := s.uploader.Upload(ctx, e.doc, s.opts)
		if err == nil {
			return reportID, nil
		}
		lastErr = err
		if ctx.Err() != nil || !pipelineerrors.IsRecoverable(err) || attempt == s.maxAttempts {
			break
		}

		delay := retryDelay(attempt, s.baseDelay)
		s.logger.Warn("Upload attempt failed, retrying",
			"task_id", e.task.ID, "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", lastErr
		case <-timer.C:
		}
	}
	return "", lastErr
}

// retryDelay grows exponentially: base, 2*base, 4*base, capped at one minute
func retryDelay(attempt int, base time.Duration) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

// Cancel cancels a queued or running task. It reports false when the task is
// unknown or already finished. A running task only has its upload interrupted;
// it becomes cancelled once the upload returns, or completed if the upload
// had already succeeded.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	e, ok := s.tasks[taskID]
	if !ok || e.task.Status.IsTerminal() {
		s.mu.Unlock()
		return false
	}

	e.cancelled = true
	if e.task.Status != models.UploadQueued {
		if e.cancel != nil {
			e.cancel()
		}
		docID := e.task.DocumentID
		s.mu.Unlock()
		s.logger.Info("Upload cancellation requested", "task_id", taskID, "document_id", docID)
		return true
	}

	s.queue.remove(e)
	e.doc = nil
	e.task.Status = models.UploadCancelled
	e.task.UpdatedAt = time.Now()
	task := e.task
	s.mu.Unlock()

	s.logger.Info("Upload cancelled", "task_id", taskID, "document_id", task.DocumentID)
	s.notify(task)
	return true
}

// StatusOf returns the current state of a task
func (s *Scheduler) StatusOf(taskID string) (models.UploadTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[taskID]
	if !ok {
		return models.UploadTask{}, false
	}
	return e.task, true
}

// AllStatuses returns every task in scheduling order
func (s *Scheduler) AllStatuses() []models.UploadTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]models.UploadTask, len(entries))
	for i, e := range entries {
		out[i] = e.task
	}
	return out
}

// Shutdown stops dispatching, waits for running uploads until ctx is done,
// then interrupts the rest. Every task that did not finish is handed to the
// facility; without one they are marked failed.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Shutdown deadline reached, interrupting running uploads")
		s.cancel()
		<-done
	}
	s.cancel()

	s.mu.Lock()
	var pending []*entry
	for _, e := range s.tasks {
		if !e.task.Status.IsTerminal() {
			pending = append(pending, e)
		}
	}
	sort.Sort(taskHeap(pending))
	s.queue = nil
	s.mu.Unlock()

	var errs []error
	for _, e := range pending {
		err := s.handOff(e)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (s *Scheduler) handOff(e *entry) error {
	s.mu.Lock()
	task, doc := e.task, e.doc
	s.mu.Unlock()

	var err error
	if s.facility == nil {
		err = fmt.Errorf("no background facility configured")
	} else {
		hctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = s.facility.EnqueueUpload(hctx, task, doc)
		cancel()
	}

	s.mu.Lock()
	if err != nil {
		e.task.Status = models.UploadFailed
		e.task.Error = fmt.Sprintf("not finished before shutdown: %v", err)
	} else {
		e.task.Status = models.UploadQueued
		e.task.Error = ""
	}
	e.task.UpdatedAt = time.Now()
	e.doc = nil
	final := e.task
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Failed to hand off upload", "task_id", final.ID, "error", err)
		err = fmt.Errorf("hand off task %s: %w", final.ID, err)
	} else {
		s.logger.Info("Upload handed off to background worker", "task_id", final.ID, "document_id", final.DocumentID)
	}
	s.notify(final)
	return err
}

func (s *Scheduler) notify(task models.UploadTask) {
	if s.observer != nil {
		s.observer(task)
	}
}

// ShouldOfferBackground is the advisory heuristic for suggesting a
// background upload: a large file, more than one queued document, or a poor
// network.
func ShouldOfferBackground(size int64, queued int, poorNetwork bool, threshold int64) bool {
	if threshold <= 0 {
		threshold = 1 << 20
	}
	return size > threshold || queued > 1 || poorNetwork
}
