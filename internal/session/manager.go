/**
 * Document Session Manager
 *
 * Owns the document list, the workflow step and the transient progress of
 * the active document. Every state change happens under one mutex; routing,
 * uploads and monitoring run in goroutines that report back through an
 * operation-scoped sink, so a stale goroutine can never overwrite newer state.
 */

package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/adverant/nexus/labreport-pipeline/internal/biomarker"
	pipelineerrors "github.com/adverant/nexus/labreport-pipeline/internal/errors"
	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
	"github.com/adverant/nexus/labreport-pipeline/internal/processor"
	"github.com/adverant/nexus/labreport-pipeline/internal/router"
	"github.com/adverant/nexus/labreport-pipeline/internal/scheduler"
)

var (
	ErrDocumentNotFound  = stderrors.New("document not found")
	ErrAlreadyProcessing = stderrors.New("document is already being processed")
	ErrInvalidState      = stderrors.New("operation not allowed in the document's current status")
	ErrInvalidStep       = stderrors.New("workflow step transition not allowed")
	ErrNoBiomarkers      = stderrors.New("no biomarkers loaded")
	ErrNoScheduler       = stderrors.New("background uploads are not configured")
)

// Router extracts biomarkers from one document
type Router interface {
	Route(ctx context.Context, doc *models.Document, cfg models.RouterConfig, sink router.ProgressSink) (*models.OCRResult, error)
}

// Scheduler runs uploads outside the session's lifetime
type Scheduler interface {
	Schedule(doc *models.Document, priority models.UploadPriority) (string, error)
	AllStatuses() []models.UploadTask
}

// Monitor stops remote status monitors
type Monitor interface {
	StopMonitoring(reportID string) bool
}

// Tracker exposes extraction analytics
type Tracker interface {
	Analytics() models.PerformanceAnalytics
}

// PreferenceSource supplies router defaults and the background-upload opt-in
type PreferenceSource interface {
	Load() (models.Preferences, error)
}

// Store persists finished documents
type Store interface {
	SaveDocument(ctx context.Context, doc *models.Document) error
	SaveBiomarkers(ctx context.Context, documentID string, items []models.ExtractedBiomarker) error
	SaveSummary(ctx context.Context, s models.ProcessingSummary) error
}

// Events receives document status changes
type Events interface {
	PublishDocument(ctx context.Context, docID string, status models.ProcessingStatus, progress float64, message string) error
}

// Intake turns raw input into documents
type Intake interface {
	NewDocument(item processor.Item) (*models.Document, error)
}

// Deps are the collaborators of a Manager. Router is required; everything
// else is optional.
type Deps struct {
	Router      Router
	Scheduler   Scheduler
	Monitor     Monitor
	Tracker     Tracker
	Preferences PreferenceSource
	Store       Store
	Events      Events
	Intake      Intake
	Logger      *logging.Logger
}

// Snapshot is the observable state of the session
type Snapshot struct {
	Step             models.WorkflowStep
	ActiveDocumentID string
	Progress         float64
	Operation        string
	ProcessingError  error
	Summary          *models.ProcessingSummary
	Recommended      models.OCRMethod
}

type operation struct {
	token  uint64
	cancel context.CancelFunc
}

// Manager coordinates one interactive session
type Manager struct {
	deps   Deps
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	docs       []*models.Document
	ops        map[string]*operation
	monitors   map[string][]string
	nextToken  uint64
	active     string
	step       models.WorkflowStep
	progress   float64
	opText     string
	procErr    error
	result     *models.OCRResult
	biomarkers *biomarker.Set
	summary    *models.ProcessingSummary
}

// New creates a session manager
func New(deps Deps) (*Manager, error) {
	if deps.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewLogger("Session")
	}
	if deps.Intake == nil {
		deps.Intake = processor.NewIntake(50<<20, deps.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:     deps,
		logger:   deps.Logger,
		ctx:      ctx,
		cancel:   cancel,
		ops:      make(map[string]*operation),
		monitors: make(map[string][]string),
		step:     models.StepSelectDocument,
	}, nil
}

// SelectDocuments creates documents from raw input and submits the first
// one for processing. Items that cannot be read are skipped and reported in
// the returned error.
func (m *Manager) SelectDocuments(items []processor.Item) ([]*models.Document, error) {
	var (
		created []*models.Document
		errs    []error
	)
	for _, item := range items {
		doc, err := m.deps.Intake.NewDocument(item)
		if err != nil {
			m.logger.Warn("Rejected document", "filename", item.Filename, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", item.Filename, err))
			continue
		}
		doc.Status = models.StatusPending
		created = append(created, doc)
	}

	out := make([]*models.Document, len(created))
	m.mu.Lock()
	for i, doc := range created {
		m.docs = append(m.docs, doc)
		out[i] = doc.Clone()
	}
	m.mu.Unlock()

	for _, doc := range created {
		m.publish(doc.ID, models.StatusPending, 0, "Document selected")
	}
	m.logger.Info("Documents selected", "count", len(created), "rejected", len(errs))

	if len(created) > 0 {
		if err := m.ProcessDocument(created[0].ID); err != nil {
			errs = append(errs, err)
		}
	}
	return out, stderrors.Join(errs...)
}

// ProcessDocument starts routing a pending document and makes it the active
// document. It returns immediately; progress is observable via Snapshot.
func (m *Manager) ProcessDocument(docID string) error {
	prefs := m.preferences()

	m.mu.Lock()
	doc := m.find(docID)
	if doc == nil {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", docID, ErrDocumentNotFound)
	}
	if _, busy := m.ops[docID]; busy || doc.Status.IsActive() {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", docID, ErrAlreadyProcessing)
	}
	if doc.Status != models.StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("%s is %s: %w", docID, doc.Status, ErrInvalidState)
	}

	status, step := models.StatusUploading, models.StepUploadDocument
	if !prefs.Router.PreferRemote {
		status, step = models.StatusProcessing, models.StepProcessing
	}
	doc.Status = status

	m.clearTransientLocked()
	m.active = docID
	m.step = step
	m.opText = "Starting extraction"

	m.nextToken++
	ctx, cancel := context.WithCancel(m.ctx)
	op := &operation{token: m.nextToken, cancel: cancel}
	m.ops[docID] = op
	work := doc.Clone()
	m.mu.Unlock()

	m.publish(docID, status, 0, "Starting extraction")

	m.wg.Add(1)
	go m.run(ctx, op.token, work, prefs.Router)
	return nil
}

func (m *Manager) run(ctx context.Context, token uint64, doc *models.Document, cfg models.RouterConfig) {
	defer m.wg.Done()

	sink := &opSink{m: m, token: token}
	result, err := m.deps.Router.Route(ctx, doc, cfg, sink)
	m.finish(doc.ID, token, result, err)
}

func (m *Manager) finish(docID string, token uint64, result *models.OCRResult, err error) {
	m.mu.Lock()
	op, ok := m.ops[docID]
	if !ok || op.token != token {
		m.mu.Unlock()
		m.logger.Debug("Dropping stale result", "document_id", docID)
		return
	}
	op.cancel()
	delete(m.ops, docID)
	delete(m.monitors, docID)

	doc := m.find(docID)
	if doc == nil {
		m.mu.Unlock()
		return
	}
	isActive := docID == m.active

	if err != nil {
		status := models.StatusFailed
		if pipelineerrors.KindOf(err) == pipelineerrors.KindCancelled {
			status = models.StatusCancelled
		}
		doc.Status = status
		if isActive {
			m.step = models.StepError
			m.procErr = err
			m.progress = 0
			m.opText = ""
		}
		persisted := doc.Clone()
		m.mu.Unlock()

		m.logger.Warn("Processing failed", "document_id", docID, "status", status,
			"kind", pipelineerrors.KindOf(err), "recoverable", pipelineerrors.IsRecoverable(err), "error", err)
		m.publish(docID, status, 0, err.Error())
		m.persist(persisted, nil, nil)
		return
	}

	items := biomarker.FromOCR(result)
	set := biomarker.NewSet(items)
	summary := set.Summary(docID, result)

	doc.Status = models.StatusCompleted
	doc.OCRConfidence = summary.OverallConfidence
	if len(summary.Categories) > 0 {
		doc.HealthCategory = summary.Categories[0]
	}
	doc.Metadata = withMetadata(doc.Metadata, "ocrMethod", string(result.Method))
	if result.ReportID != "" {
		doc.Metadata["reportId"] = result.ReportID
	}
	// bytes are only kept for retry
	doc.Data = nil

	if isActive {
		m.result = result
		m.biomarkers = set
		m.summary = &summary
		m.step = models.StepExtractBiomarkers
		m.progress = 1
		m.opText = "Extraction complete"
		m.procErr = nil
	}
	persisted := doc.Clone()
	m.mu.Unlock()

	m.logger.Info("Processing completed", "document_id", docID, "method", result.Method,
		"fallback", result.IsFallback, "biomarkers", len(items), "confidence", summary.OverallConfidence)
	m.publish(docID, models.StatusCompleted, 1, "Extraction complete")
	m.persist(persisted, items, &summary)
}

// RetryProcessing resets a failed or cancelled document to pending and
// processes it again with its original bytes
func (m *Manager) RetryProcessing(docID string) error {
	m.mu.Lock()
	doc := m.find(docID)
	if doc == nil {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", docID, ErrDocumentNotFound)
	}
	if _, busy := m.ops[docID]; busy {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", docID, ErrAlreadyProcessing)
	}
	if !doc.Status.CanRetry() {
		m.mu.Unlock()
		return fmt.Errorf("cannot retry %s while %s: %w", docID, doc.Status, ErrInvalidState)
	}
	doc.Status = models.StatusPending
	if docID == m.active {
		m.procErr = nil
		m.step = models.StepSelectDocument
	}
	m.mu.Unlock()

	m.logger.Info("Retrying document", "document_id", docID)
	m.publish(docID, models.StatusPending, 0, "Retry requested")
	return m.ProcessDocument(docID)
}

// CancelProcessing stops the active document's operation and every monitor
// tied to it. Background uploads are not affected. Calling it again is a no-op.
func (m *Manager) CancelProcessing() {
	m.mu.Lock()
	docID := m.active
	if docID == "" {
		m.mu.Unlock()
		return
	}

	cancelled := false
	if op, ok := m.ops[docID]; ok {
		op.cancel()
		delete(m.ops, docID)
		cancelled = true
	}
	reportIDs := m.monitors[docID]
	delete(m.monitors, docID)

	if doc := m.find(docID); doc != nil && (cancelled || doc.Status.IsActive()) {
		doc.Status = models.StatusCancelled
	}
	m.progress = 0
	m.opText = ""
	if m.step.IsProcessingStep() {
		m.step = models.StepSelectDocument
	}
	m.mu.Unlock()

	for _, id := range reportIDs {
		if m.deps.Monitor != nil {
			m.deps.Monitor.StopMonitoring(id)
		}
	}
	if cancelled {
		m.logger.Info("Processing cancelled", "document_id", docID, "monitors", len(reportIDs))
		m.publish(docID, models.StatusCancelled, 0, "Cancelled by user")
	}
}

// ProceedToNextStep advances the workflow. Leaving extractBiomarkers needs
// at least one biomarker; otherwise the session returns to selectDocument
// with an ExtractionFailed error.
func (m *Manager) ProceedToNextStep() error {
	m.mu.Lock()
	if _, busy := m.ops[m.active]; busy && m.active != "" {
		m.mu.Unlock()
		return ErrAlreadyProcessing
	}

	if m.step == models.StepExtractBiomarkers && (m.biomarkers == nil || m.biomarkers.Len() == 0) {
		err := pipelineerrors.NewExtractionFailedError(m.active, "no biomarkers were found in the document")
		m.procErr = err
		m.step = models.StepSelectDocument
		m.mu.Unlock()
		m.logger.Warn("No biomarkers to proceed with", "document_id", err.DocumentID)
		return err
	}

	next, ok := m.step.Next()
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("from %s: %w", m.step, ErrInvalidStep)
	}
	from := m.step
	m.step = next
	if next == models.StepSelectDocument {
		m.procErr = nil
	}

	var (
		persistDoc *models.Document
		items      []models.ExtractedBiomarker
		summary    *models.ProcessingSummary
	)
	if next == models.StepComplete && m.biomarkers != nil {
		s := m.biomarkers.Summary(m.active, m.result)
		m.summary = &s
		summary = &s
		items = m.biomarkers.All()
		if doc := m.find(m.active); doc != nil {
			persistDoc = doc.Clone()
		}
	}
	m.mu.Unlock()

	m.logger.Debug("Workflow advanced", "from", from, "to", next)
	if summary != nil {
		m.persist(persistDoc, items, summary)
	}
	return nil
}

// GoToPreviousStep moves the workflow back one step
func (m *Manager) GoToPreviousStep() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.ops[m.active]; busy && m.active != "" {
		return ErrAlreadyProcessing
	}
	prev, ok := m.step.Previous()
	if !ok {
		return fmt.Errorf("from %s: %w", m.step, ErrInvalidStep)
	}
	m.step = prev
	return nil
}

// ResetForNewDocument clears the per-document session state. The document
// list is kept and running operations finish on their own.
func (m *Manager) ResetForNewDocument() {
	m.mu.Lock()
	m.clearTransientLocked()
	m.active = ""
	m.step = models.StepSelectDocument
	m.mu.Unlock()
}

// RemoveDocument discards a document, cancelling its operation if any
func (m *Manager) RemoveDocument(docID string) bool {
	m.mu.Lock()
	idx := -1
	for i, d := range m.docs {
		if d.ID == docID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return false
	}

	if op, ok := m.ops[docID]; ok {
		op.cancel()
		delete(m.ops, docID)
	}
	reportIDs := m.monitors[docID]
	delete(m.monitors, docID)

	m.docs[idx].Data = nil
	m.docs = append(m.docs[:idx], m.docs[idx+1:]...)
	if m.active == docID {
		m.clearTransientLocked()
		m.active = ""
		m.step = models.StepSelectDocument
	}
	m.mu.Unlock()

	for _, id := range reportIDs {
		if m.deps.Monitor != nil {
			m.deps.Monitor.StopMonitoring(id)
		}
	}
	m.logger.Info("Document removed", "document_id", docID)
	return true
}

// UpdateBiomarker applies a manual correction to the active document's biomarkers
func (m *Manager) UpdateBiomarker(id, value string, unit *string) (models.ExtractedBiomarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.biomarkers == nil {
		return models.ExtractedBiomarker{}, ErrNoBiomarkers
	}
	b, err := m.biomarkers.Update(id, value, unit)
	if err != nil {
		return b, err
	}
	m.refreshSummaryLocked()
	return b, nil
}

// RemoveBiomarker deletes a biomarker from the active document
func (m *Manager) RemoveBiomarker(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.biomarkers == nil {
		return ErrNoBiomarkers
	}
	if !m.biomarkers.Remove(id) {
		return fmt.Errorf("remove %s: %w", id, biomarker.ErrNotFound)
	}
	m.refreshSummaryLocked()
	return nil
}

// AddManualBiomarker adds a user-entered biomarker to the active document
func (m *Manager) AddManualBiomarker(name, value, unit, category string) (models.ExtractedBiomarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == "" {
		return models.ExtractedBiomarker{}, ErrNoBiomarkers
	}
	if m.biomarkers == nil {
		m.biomarkers = biomarker.NewSet(nil)
	}
	b, err := m.biomarkers.AddManual(name, value, unit, category)
	if err != nil {
		return b, err
	}
	m.refreshSummaryLocked()
	return b, nil
}

// BiomarkersNeedingValidation lists low-confidence biomarkers for review
func (m *Manager) BiomarkersNeedingValidation() []models.ExtractedBiomarker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.biomarkers == nil {
		return nil
	}
	return m.biomarkers.NeedingValidation()
}

// ScheduleBackgroundUpload hands a copy of the document to the scheduler.
// The upload's lifetime is independent of this session.
func (m *Manager) ScheduleBackgroundUpload(docID string, priority models.UploadPriority) (string, error) {
	if m.deps.Scheduler == nil {
		return "", ErrNoScheduler
	}

	m.mu.Lock()
	doc := m.find(docID)
	if doc == nil {
		m.mu.Unlock()
		return "", fmt.Errorf("%s: %w", docID, ErrDocumentNotFound)
	}
	if len(doc.Data) == 0 {
		m.mu.Unlock()
		return "", fmt.Errorf("%s has no bytes left to upload: %w", docID, ErrInvalidState)
	}
	work := doc.Clone()
	m.mu.Unlock()

	taskID, err := m.deps.Scheduler.Schedule(work, priority)
	if err != nil {
		return "", fmt.Errorf("schedule upload of %s: %w", docID, err)
	}
	m.logger.Info("Background upload scheduled", "document_id", docID, "task_id", taskID, "priority", priority)
	return taskID, nil
}

// ShouldOfferBackgroundUpload reports whether the user should be offered a
// background upload for the document. It is advisory and requires the
// background-upload preference.
func (m *Manager) ShouldOfferBackgroundUpload(docID string, poorNetwork bool) bool {
	prefs := m.preferences()
	if !prefs.BackgroundUploads {
		return false
	}

	m.mu.Lock()
	doc := m.find(docID)
	if doc == nil {
		m.mu.Unlock()
		return false
	}
	size := doc.Size
	queued := 0
	for _, d := range m.docs {
		if d.Status == models.StatusPending {
			queued++
		}
	}
	m.mu.Unlock()

	if m.deps.Scheduler != nil {
		for _, t := range m.deps.Scheduler.AllStatuses() {
			if !t.Status.IsTerminal() {
				queued++
			}
		}
	}
	return scheduler.ShouldOfferBackground(size, queued, poorNetwork, prefs.BackgroundSizeThreshold)
}

// Snapshot returns the observable session state
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	s := Snapshot{
		Step:             m.step,
		ActiveDocumentID: m.active,
		Progress:         m.progress,
		Operation:        m.opText,
		ProcessingError:  m.procErr,
	}
	if m.summary != nil {
		summary := *m.summary
		summary.Categories = append([]string(nil), m.summary.Categories...)
		s.Summary = &summary
	}
	m.mu.Unlock()

	if m.deps.Tracker != nil {
		s.Recommended = m.deps.Tracker.Analytics().Recommended
	}
	return s
}

// Documents returns copies of every document in selection order
func (m *Manager) Documents() []*models.Document {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Document, len(m.docs))
	for i, d := range m.docs {
		out[i] = d.Clone()
	}
	return out
}

// Document returns a copy of one document
func (m *Manager) Document(docID string) (*models.Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := m.find(docID)
	if doc == nil {
		return nil, false
	}
	return doc.Clone(), true
}

// Biomarkers returns the active document's biomarkers
func (m *Manager) Biomarkers() []models.ExtractedBiomarker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.biomarkers == nil {
		return nil
	}
	return m.biomarkers.All()
}

// Summary returns the active document's processing summary, if any
func (m *Manager) Summary() *models.ProcessingSummary {
	return m.Snapshot().Summary
}

// Wait blocks until every pipeline goroutine has finished
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close cancels all session operations and waits for them
func (m *Manager) Close() {
	m.mu.Lock()
	reports := make([]string, 0)
	for _, ids := range m.monitors {
		reports = append(reports, ids...)
	}
	m.mu.Unlock()

	m.cancel()
	for _, id := range reports {
		if m.deps.Monitor != nil {
			m.deps.Monitor.StopMonitoring(id)
		}
	}
	m.wg.Wait()
}

// stage applies a progress report from a pipeline goroutine. Status only
// moves forward; reports from a superseded operation are ignored.
func (m *Manager) stage(token uint64, docID string, status models.ProcessingStatus, progress float64, text string) {
	m.mu.Lock()
	op, ok := m.ops[docID]
	if !ok || op.token != token {
		m.mu.Unlock()
		return
	}
	doc := m.find(docID)
	if doc == nil {
		m.mu.Unlock()
		return
	}

	changed := false
	if status != doc.Status && doc.Status.CanTransitionTo(status) && !status.IsTerminal() {
		doc.Status = status
		changed = true
	}
	if docID == m.active {
		m.progress = clampProgress(progress)
		m.opText = text
		if step, ok := stepForStatus(doc.Status); ok && stepIndex(step) > stepIndex(m.step) {
			m.step = step
		}
	}
	current := doc.Status
	m.mu.Unlock()

	if changed {
		m.publish(docID, current, progress, text)
	}
}

func (m *Manager) monitorStarted(token uint64, docID, reportID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[docID]
	if !ok || op.token != token {
		return
	}
	m.monitors[docID] = append(m.monitors[docID], reportID)
}

// ActiveMonitors returns the report ids being monitored for a document
func (m *Manager) ActiveMonitors(docID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.monitors[docID]...)
}

func (m *Manager) find(docID string) *models.Document {
	for _, d := range m.docs {
		if d.ID == docID {
			return d
		}
	}
	return nil
}

func (m *Manager) clearTransientLocked() {
	m.progress = 0
	m.opText = ""
	m.procErr = nil
	m.result = nil
	m.biomarkers = nil
	m.summary = nil
}

func (m *Manager) refreshSummaryLocked() {
	if m.summary == nil || m.biomarkers == nil {
		return
	}
	s := m.biomarkers.Summary(m.active, m.result)
	m.summary = &s
}

func (m *Manager) preferences() models.Preferences {
	if m.deps.Preferences == nil {
		return models.DefaultPreferences()
	}
	prefs, err := m.deps.Preferences.Load()
	if err != nil {
		m.logger.Warn("Failed to load preferences, using defaults", "error", err)
	}
	return prefs
}

func (m *Manager) publish(docID string, status models.ProcessingStatus, progress float64, message string) {
	if m.deps.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.deps.Events.PublishDocument(ctx, docID, status, progress, message); err != nil {
		m.logger.Warn("Failed to publish document event", "document_id", docID, "error", err)
	}
}

// persist writes the document and, when given, its biomarkers and summary.
// Persistence is best effort.
func (m *Manager) persist(doc *models.Document, items []models.ExtractedBiomarker, summary *models.ProcessingSummary) {
	if m.deps.Store == nil || doc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.deps.Store.SaveDocument(ctx, doc); err != nil {
		m.logger.Warn("Failed to save document", "document_id", doc.ID, "error", err)
		return
	}
	if summary == nil {
		return
	}
	if err := m.deps.Store.SaveBiomarkers(ctx, doc.ID, items); err != nil {
		m.logger.Warn("Failed to save biomarkers", "document_id", doc.ID, "error", err)
		return
	}
	if err := m.deps.Store.SaveSummary(ctx, *summary); err != nil {
		m.logger.Warn("Failed to save summary", "document_id", doc.ID, "error", err)
	}
}

// opSink routes progress from one operation back into the manager
type opSink struct {
	m     *Manager
	token uint64
}

func (s *opSink) Stage(docID string, status models.ProcessingStatus, progress float64, text string) {
	s.m.stage(s.token, docID, status, progress, text)
}

func (s *opSink) MonitorStarted(docID, reportID string) {
	s.m.monitorStarted(s.token, docID, reportID)
}

func stepForStatus(s models.ProcessingStatus) (models.WorkflowStep, bool) {
	switch s {
	case models.StatusUploading:
		return models.StepUploadDocument, true
	case models.StatusProcessing:
		return models.StepOCRProcessing, true
	case models.StatusAnalyzing:
		return models.StepClassifyDocument, true
	}
	return "", false
}

// stepIndex is the position of s on the linear workflow, -1 for error
func stepIndex(s models.WorkflowStep) int {
	cur := models.StepSelectDocument
	for i := 0; ; i++ {
		if cur == s {
			return i
		}
		next, ok := cur.Next()
		if !ok || next == models.StepSelectDocument {
			return -1
		}
		cur = next
	}
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func withMetadata(md map[string]string, key, value string) map[string]string {
	if md == nil {
		md = make(map[string]string)
	}
	md[key] = value
	return md
}
