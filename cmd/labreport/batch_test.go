package main

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipelineerrors "github.com/adverant/nexus/labreport-pipeline/internal/errors"
	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
	"github.com/adverant/nexus/labreport-pipeline/internal/processor"
	"github.com/adverant/nexus/labreport-pipeline/internal/router"
)

// scriptedBatch answers RouteBatch by filename
type scriptedBatch struct {
	byFilename map[string]router.BatchResult
	gotLimit   int
}

func (s *scriptedBatch) RouteBatch(ctx context.Context, docs []*models.Document, cfg models.RouterConfig, limit int) []router.BatchResult {
	s.gotLimit = limit
	out := make([]router.BatchResult, len(docs))
	for i, d := range docs {
		r := s.byFilename[d.Filename]
		r.DocumentID = d.ID
		out[i] = r
	}
	return out
}

type recordingStore struct {
	mu         sync.Mutex
	docs       map[string]models.ProcessingStatus
	biomarkers map[string]int
	summaries  int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{docs: map[string]models.ProcessingStatus{}, biomarkers: map[string]int{}}
}

func (r *recordingStore) SaveDocument(ctx context.Context, doc *models.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.Filename] = doc.Status
	return nil
}

func (r *recordingStore) SaveBiomarkers(ctx context.Context, documentID string, items []models.ExtractedBiomarker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.biomarkers[documentID] = len(items)
	return nil
}

func (r *recordingStore) SaveSummary(ctx context.Context, s models.ProcessingSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries++
	return nil
}

func TestBatchRun(t *testing.T) {
	rt := &scriptedBatch{byFilename: map[string]router.BatchResult{
		"cbc.png": {Result: &models.OCRResult{
			Method:     models.MethodLocal,
			Confidence: 0.9,
			Biomarkers: []models.ExtractedBiomarker{
				{Name: "Hemoglobin", RawValue: "13.5", Unit: "g/dL", Confidence: 0.95},
				{Name: "Glucose", RawValue: "250", Unit: "mg/dL", Confidence: 0.5},
			},
		}},
		"lipids.png": {Err: pipelineerrors.NewCancelledError("")},
	}}
	store := newRecordingStore()

	b := batchRun{
		router: rt,
		intake: processor.NewIntake(0, logging.Nop()),
		store:  store,
		cfg:    models.DefaultRouterConfig(),
		limit:  3,
		logger: logging.Nop(),
	}
	reports := b.run(context.Background(), []processor.Item{
		{Filename: "cbc.png", Data: []byte("not really a png")},
		{Filename: "empty.png"},
		{Filename: "lipids.png", Data: []byte("not really a png")},
	})

	assert.Equal(t, 3, rt.gotLimit)
	require.Len(t, reports, 3)

	// intake rejections come first, routed documents follow in input order
	assert.Contains(t, reports[0].Error, "empty")

	done := reports[1]
	require.NotNil(t, done.Document)
	assert.Equal(t, models.StatusCompleted, done.Document.Status)
	assert.Equal(t, "local", done.Document.Metadata["ocrMethod"])
	assert.Len(t, done.Biomarkers, 2)
	require.NotNil(t, done.Summary)
	assert.Equal(t, []string{"Glucose"}, done.Review)

	cancelled := reports[2]
	require.NotNil(t, cancelled.Document)
	assert.Equal(t, models.StatusCancelled, cancelled.Document.Status)
	assert.NotEmpty(t, cancelled.Error)

	assert.Equal(t, models.StatusCompleted, store.docs["cbc.png"])
	assert.Equal(t, models.StatusCancelled, store.docs["lipids.png"])
	assert.Equal(t, 2, store.biomarkers[done.Document.ID])
	assert.Equal(t, 1, store.summaries)
}

func TestBatchRun_AllRejected(t *testing.T) {
	rt := &scriptedBatch{}
	b := batchRun{router: rt, intake: processor.NewIntake(0, logging.Nop()), limit: 2, logger: logging.Nop()}

	reports := b.run(context.Background(), []processor.Item{{Filename: "empty.png"}})

	require.Len(t, reports, 1)
	assert.NotEmpty(t, reports[0].Error)
	assert.Zero(t, rt.gotLimit, "nothing is routed when intake rejects everything")
}
