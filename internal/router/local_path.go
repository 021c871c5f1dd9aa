package router

import (
	"context"

	"github.com/adverant/nexus/labreport-pipeline/internal/biomarker"
	pipelineerrors "github.com/adverant/nexus/labreport-pipeline/internal/errors"
	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
	"github.com/adverant/nexus/labreport-pipeline/internal/processor"
)

// LocalPath runs the on-device engine and parses biomarkers from its text
type LocalPath struct {
	engine processor.Engine
	cfg    processor.EngineConfig
	logger *logging.Logger
}

// NewLocalPath wraps engine as a LocalExtractor
func NewLocalPath(engine processor.Engine, cfg processor.EngineConfig, logger *logging.Logger) *LocalPath {
	if logger == nil {
		logger = logging.NewLogger("LocalPath")
	}
	return &LocalPath{engine: engine, cfg: cfg, logger: logger}
}

// ExtractLocal implements LocalExtractor. The engine reads images only; PDFs
// fail with a non-recoverable UnsupportedFormat.
func (p *LocalPath) ExtractLocal(ctx context.Context, doc *models.Document, sink ProgressSink) (*models.OCRResult, error) {
	if doc.IsPDF() {
		return nil, pipelineerrors.NewUnsupportedFormatError(doc.ID, doc.MIMEType)
	}

	sink.Stage(doc.ID, models.StatusProcessing, 0.3, "Recognising text on device")
	rec, err := p.engine.Extract(ctx, doc.Data, p.cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, pipelineerrors.NewOCRFailedError(doc.ID, string(models.MethodLocal), err)
	}

	sink.Stage(doc.ID, models.StatusAnalyzing, 0.8, "Reading biomarkers")
	items := biomarker.ParseText(rec.Text)
	for i := range items {
		// row completeness scaled by how sure the engine was about the page
		items[i].Confidence *= rec.Confidence
	}

	p.logger.Info("Local extraction complete",
		"document_id", doc.ID,
		"confidence", rec.Confidence,
		"words", len(rec.Words),
		"biomarkers", len(items),
		"duration", rec.Duration)

	return &models.OCRResult{
		Method:     models.MethodLocal,
		Confidence: rec.Confidence,
		Biomarkers: items,
		Text:       rec.Text,
	}, nil
}
