package monitor

import (
	"context"
	"fmt"

	"github.com/adverant/nexus/labreport-pipeline/internal/biomarker"
	"github.com/adverant/nexus/labreport-pipeline/internal/clients"
	pipelineerrors "github.com/adverant/nexus/labreport-pipeline/internal/errors"
	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
	"github.com/adverant/nexus/labreport-pipeline/internal/router"
)

// AnalysisService is the remote upload and analysis API
type AnalysisService interface {
	Upload(ctx context.Context, doc *models.Document, opts clients.UploadOptions) (string, error)
	GetAnalysis(ctx context.Context, reportID string) (*models.AnalysisPayload, error)
}

// RemotePath uploads a document, follows its status through the monitor and
// converts the finished analysis into biomarkers
type RemotePath struct {
	svc     AnalysisService
	monitor *Monitor
	opts    clients.UploadOptions
	logger  *logging.Logger
}

// NewRemotePath wires the remote path
func NewRemotePath(svc AnalysisService, monitor *Monitor, opts clients.UploadOptions, logger *logging.Logger) *RemotePath {
	if logger == nil {
		logger = logging.NewLogger("RemotePath")
	}
	return &RemotePath{svc: svc, monitor: monitor, opts: opts, logger: logger}
}

// ExtractRemote implements router.RemoteExtractor. Terminal statuses are not
// forwarded to the sink; the caller decides the document's final status.
func (p *RemotePath) ExtractRemote(ctx context.Context, doc *models.Document, sink router.ProgressSink) (*models.OCRResult, error) {
	sink.Stage(doc.ID, models.StatusUploading, 0, "Uploading document")

	reportID, err := p.svc.Upload(ctx, doc, p.opts)
	if err != nil {
		return nil, err
	}

	updates, err := p.monitor.StartMonitoring(ctx, reportID)
	if err != nil {
		return nil, pipelineerrors.NewOCRFailedError(doc.ID, string(models.MethodRemote), err)
	}
	defer p.monitor.StopMonitoring(reportID)
	sink.MonitorStarted(doc.ID, reportID)

	log := p.logger.With("document_id", doc.ID, "report_id", reportID)
	log.Info("Following remote processing")

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case u, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, pipelineerrors.NewRemoteFailureError(doc.ID, reportID, "status stream ended before completion")
			}

			switch u.Status {
			case models.StatusCompleted:
				return p.finish(ctx, doc, reportID, sink)

			case models.StatusFailed:
				log.Warn("Remote processing failed", "message", u.Message)
				if pe, ok := pipelineerrors.AsPipelineError(u.Err); ok && !pe.Recoverable {
					if pe.DocumentID == "" {
						pe.DocumentID = doc.ID
					}
					return nil, pe
				}
				return nil, pipelineerrors.NewRemoteFailureError(doc.ID, reportID, u.Message)

			case models.StatusCancelled:
				log.Info("Remote processing cancelled")
				return nil, pipelineerrors.NewCancelledError(doc.ID)

			default:
				if u.Status.IsValid() {
					sink.Stage(doc.ID, u.Status, u.Progress, u.Stage)
				}
			}
		}
	}
}

func (p *RemotePath) finish(ctx context.Context, doc *models.Document, reportID string, sink router.ProgressSink) (*models.OCRResult, error) {
	sink.Stage(doc.ID, models.StatusAnalyzing, 0.95, "Retrieving analysis")

	payload, err := p.svc.GetAnalysis(ctx, reportID)
	if err != nil {
		if pe, ok := pipelineerrors.AsPipelineError(err); ok && pe.DocumentID == "" {
			pe.DocumentID = doc.ID
		}
		return nil, err
	}

	items := biomarker.FromAnalysis(payload)
	if len(items) == 0 {
		return nil, pipelineerrors.NewAnalysisFailedError(doc.ID, reportID, fmt.Errorf("analysis contained no biomarkers"))
	}

	confidence := payload.Confidence
	if confidence <= 0 {
		confidence = biomarker.AnalysisConfidence
	}

	p.logger.Info("Remote analysis converted",
		"document_id", doc.ID, "report_id", reportID, "biomarkers", len(items), "confidence", confidence)

	return &models.OCRResult{
		Method:     models.MethodRemote,
		Confidence: confidence,
		Biomarkers: items,
		ReportID:   reportID,
	}, nil
}
