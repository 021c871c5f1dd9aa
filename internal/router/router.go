/**
 * Smart OCR Router
 *
 * Decides between the remote analysis service (accurate, slow) and the
 * on-device engine (fast, less accurate) for one document:
 *
 *   preferRemote: remote → (below threshold or failed) → local, accepted unconditionally
 *   preferLocal:  local  → (below threshold or failed) → remote
 *
 * Every attempt runs under its own timeout and is recorded in the tracker.
 * PermissionDenied never falls back.
 */

package router

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	pipelineerrors "github.com/adverant/nexus/labreport-pipeline/internal/errors"
	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

// ProgressSink receives progress from extraction paths. Implementations must
// not block for long; they are called from pipeline goroutines.
type ProgressSink interface {
	// Stage reports a status transition with progress in [0,1]
	Stage(documentID string, status models.ProcessingStatus, progress float64, operation string)
	// MonitorStarted reports that a remote status monitor is live for the document
	MonitorStarted(documentID, reportID string)
}

// RemoteExtractor runs the remote upload/monitor/analysis path
type RemoteExtractor interface {
	ExtractRemote(ctx context.Context, doc *models.Document, sink ProgressSink) (*models.OCRResult, error)
}

// LocalExtractor runs on-device extraction
type LocalExtractor interface {
	ExtractLocal(ctx context.Context, doc *models.Document, sink ProgressSink) (*models.OCRResult, error)
}

// Recorder receives one entry per attempt
type Recorder interface {
	Record(method models.OCRMethod, latency time.Duration, success bool, quality float64)
}

// NopSink discards progress
type NopSink struct{}

func (NopSink) Stage(string, models.ProcessingStatus, float64, string) {}
func (NopSink) MonitorStarted(string, string)                          {}

// Router routes documents to extraction paths
type Router struct {
	remote   RemoteExtractor
	local    LocalExtractor
	recorder Recorder
	logger   *logging.Logger
}

// New creates a router. recorder may be nil.
func New(remote RemoteExtractor, local LocalExtractor, recorder Recorder, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.NewLogger("Router")
	}
	return &Router{remote: remote, local: local, recorder: recorder, logger: logger}
}

type attemptFunc func(ctx context.Context, doc *models.Document, sink ProgressSink) (*models.OCRResult, error)

func (r *Router) extractor(method models.OCRMethod) attemptFunc {
	if method == models.MethodLocal {
		return r.local.ExtractLocal
	}
	return r.remote.ExtractRemote
}

// Route extracts biomarkers from doc according to cfg. It fails with
// Cancelled when ctx is cancelled, PermissionDenied as soon as the remote
// service refuses access, and OCRFailed (recoverable) when every attempted
// method failed.
func (r *Router) Route(ctx context.Context, doc *models.Document, cfg models.RouterConfig, sink ProgressSink) (*models.OCRResult, error) {
	if sink == nil {
		sink = NopSink{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = models.DefaultRouterConfig().Timeout
	}

	primary, secondary := models.MethodRemote, models.MethodLocal
	if !cfg.PreferRemote {
		primary, secondary = models.MethodLocal, models.MethodRemote
	}

	log := r.logger.With("document_id", doc.ID)
	log.Info("Routing document", "primary", primary, "allowFallback", cfg.AllowFallback,
		"timeout", cfg.Timeout, "qualityThreshold", cfg.QualityThreshold)

	res, err := r.attempt(ctx, primary, doc, cfg, sink, false)
	if err == nil && res.Confidence >= cfg.QualityThreshold {
		log.Info("Primary extraction accepted", "method", primary, "confidence", res.Confidence)
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, pipelineerrors.NewCancelledError(doc.ID)
	}
	switch pipelineerrors.KindOf(err) {
	case pipelineerrors.KindPermissionDenied:
		log.Warn("Permission denied, not falling back", "method", primary)
		return nil, err
	case pipelineerrors.KindCancelled:
		log.Info("Extraction cancelled by the remote service", "method", primary)
		return nil, err
	}

	if err != nil {
		log.Warn("Primary extraction failed", "method", primary, "error", err)
	} else {
		log.Info("Primary extraction below quality threshold", "method", primary,
			"confidence", res.Confidence, "threshold", cfg.QualityThreshold)
	}

	if !cfg.AllowFallback {
		if err == nil {
			// Low-confidence result with nothing to fall back to: its biomarkers
			// all land in the review list.
			return res, nil
		}
		return nil, exhausted(doc.ID, primary, err)
	}

	sink.Stage(doc.ID, models.StatusProcessing, 0, fmt.Sprintf("Falling back to %s extraction", secondary))
	fres, ferr := r.attempt(ctx, secondary, doc, cfg, sink, true)
	if ferr == nil {
		if primary == models.MethodLocal && res != nil && res.Confidence > fres.Confidence {
			log.Info("Fallback result weaker than primary, keeping primary",
				"primary_confidence", res.Confidence, "fallback_confidence", fres.Confidence)
			return res, nil
		}
		log.Info("Fallback extraction accepted", "method", secondary, "confidence", fres.Confidence)
		return fres, nil
	}
	if ctx.Err() != nil {
		return nil, pipelineerrors.NewCancelledError(doc.ID)
	}

	log.Warn("Fallback extraction failed", "method", secondary, "error", ferr)
	if res != nil {
		return res, nil
	}
	if pipelineerrors.KindOf(ferr) == pipelineerrors.KindPermissionDenied {
		return nil, ferr
	}
	return nil, exhausted(doc.ID, secondary, ferr, err)
}

// exhausted builds the error for "no method left". When every cause is
// non-recoverable (e.g. the device cannot read the format) the last one is
// surfaced as is; otherwise the document may be retried.
func exhausted(documentID string, last models.OCRMethod, causes ...error) error {
	recoverable := false
	for _, c := range causes {
		if c != nil && pipelineerrors.IsRecoverable(c) {
			recoverable = true
		}
	}
	if !recoverable {
		return causes[0]
	}

	oerr := pipelineerrors.NewOCRFailedError(documentID, string(last), causes[0])
	oerr.Message = "All extraction methods failed"
	for _, c := range causes[1:] {
		if c != nil {
			oerr.Details["primary_error"] = c.Error()
		}
	}
	return oerr
}

// attempt runs one method under its own timeout and records the outcome.
// Attempts aborted by the caller are not recorded.
func (r *Router) attempt(ctx context.Context, method models.OCRMethod, doc *models.Document,
	cfg models.RouterConfig, sink ProgressSink, isFallback bool) (*models.OCRResult, error) {

	actx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	type outcome struct {
		res *models.OCRResult
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	extract := r.extractor(method)
	go func() {
		res, err := extract(actx, doc.Clone(), sink)
		done <- outcome{res, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-actx.Done():
		out.err = actx.Err()
	}
	latency := time.Since(start)

	if ctx.Err() != nil {
		return nil, pipelineerrors.NewCancelledError(doc.ID)
	}
	if out.err == nil && out.res == nil {
		out.err = fmt.Errorf("%s extraction returned no result", method)
	}
	if out.err != nil && stderrors.Is(actx.Err(), context.DeadlineExceeded) {
		out.err = pipelineerrors.NewTimeoutError(doc.ID, string(method), cfg.Timeout, out.err)
	}

	if out.err != nil {
		r.record(method, latency, false, 0)
		return nil, out.err
	}

	res := out.res
	res.Method = method
	res.IsFallback = isFallback
	res.Duration = latency
	if res.Confidence < 0 {
		res.Confidence = 0
	} else if res.Confidence > 1 {
		res.Confidence = 1
	}
	r.record(method, latency, true, res.Confidence)
	return res, nil
}

func (r *Router) record(method models.OCRMethod, latency time.Duration, success bool, quality float64) {
	if r.recorder != nil {
		r.recorder.Record(method, latency, success, quality)
	}
}

// BatchResult is the outcome of routing one document in a batch
type BatchResult struct {
	DocumentID string
	Result     *models.OCRResult
	Err        error
}

// RouteBatch routes docs concurrently with at most limit routes in flight.
// Results are returned in input order; one document failing does not stop the others.
func (r *Router) RouteBatch(ctx context.Context, docs []*models.Document, cfg models.RouterConfig, limit int) []BatchResult {
	results := make([]BatchResult, len(docs))
	if limit < 1 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, doc := range docs {
		i, doc := i, doc
		g.Go(func() error {
			res, err := r.Route(ctx, doc, cfg, NopSink{})
			results[i] = BatchResult{DocumentID: doc.ID, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
