package main

import (
	"context"
	"time"

	"github.com/adverant/nexus/labreport-pipeline/internal/biomarker"
	pipelineerrors "github.com/adverant/nexus/labreport-pipeline/internal/errors"
	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
	"github.com/adverant/nexus/labreport-pipeline/internal/processor"
	"github.com/adverant/nexus/labreport-pipeline/internal/router"
	"github.com/adverant/nexus/labreport-pipeline/internal/session"
)

type batchRouter interface {
	RouteBatch(ctx context.Context, docs []*models.Document, cfg models.RouterConfig, limit int) []router.BatchResult
}

// batchRun routes many documents at once without the interactive workflow.
// Store is optional.
type batchRun struct {
	router batchRouter
	intake session.Intake
	store  session.Store
	cfg    models.RouterConfig
	limit  int
	logger *logging.Logger
}

func (b batchRun) run(ctx context.Context, items []processor.Item) []documentReport {
	reports := make([]documentReport, 0, len(items))
	var docs []*models.Document
	for _, item := range items {
		doc, err := b.intake.NewDocument(item)
		if err != nil {
			reports = append(reports, documentReport{Error: err.Error()})
			continue
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return reports
	}

	results := b.router.RouteBatch(ctx, docs, b.cfg, b.limit)
	for i, res := range results {
		reports = append(reports, b.settle(docs[i], res))
	}
	return reports
}

func (b batchRun) settle(doc *models.Document, res router.BatchResult) documentReport {
	if res.Err != nil {
		doc.Status = models.StatusFailed
		if pipelineerrors.KindOf(res.Err) == pipelineerrors.KindCancelled {
			doc.Status = models.StatusCancelled
		}
		b.logger.Warn("Batch document failed", "document_id", doc.ID, "kind", pipelineerrors.KindOf(res.Err), "error", res.Err)
		b.persist(doc, nil, nil)
		return documentReport{Document: viewOf(doc), Error: res.Err.Error()}
	}

	set := biomarker.NewSet(biomarker.FromOCR(res.Result))
	summary := set.Summary(doc.ID, res.Result)
	doc.Status = models.StatusCompleted
	doc.OCRConfidence = summary.OverallConfidence
	if len(summary.Categories) > 0 {
		doc.HealthCategory = summary.Categories[0]
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]string{}
	}
	doc.Metadata["ocrMethod"] = string(res.Result.Method)
	if res.Result.ReportID != "" {
		doc.Metadata["reportId"] = res.Result.ReportID
	}
	doc.Data = nil

	r := documentReport{Document: viewOf(doc), Biomarkers: set.All(), Summary: &summary}
	for _, bm := range set.NeedingValidation() {
		r.Review = append(r.Review, bm.Name)
	}
	b.persist(doc, r.Biomarkers, &summary)
	return r
}

func (b batchRun) persist(doc *models.Document, items []models.ExtractedBiomarker, summary *models.ProcessingSummary) {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.store.SaveDocument(ctx, doc); err != nil {
		b.logger.Warn("Failed to save document", "document_id", doc.ID, "error", err)
		return
	}
	if summary == nil {
		return
	}
	if err := b.store.SaveBiomarkers(ctx, doc.ID, items); err != nil {
		b.logger.Warn("Failed to save biomarkers", "document_id", doc.ID, "error", err)
		return
	}
	if err := b.store.SaveSummary(ctx, *summary); err != nil {
		b.logger.Warn("Failed to save summary", "document_id", doc.ID, "error", err)
	}
}
