package router

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipelineerrors "github.com/adverant/nexus/labreport-pipeline/internal/errors"
	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
	"github.com/adverant/nexus/labreport-pipeline/internal/processor"
	"github.com/adverant/nexus/labreport-pipeline/internal/tracker"
)

// fakeExtractor serves as both remote and local extractor
type fakeExtractor struct {
	calls      atomic.Int32
	confidence float64
	err        error
	block      bool // wait for ctx instead of returning
}

func (f *fakeExtractor) run(ctx context.Context) (*models.OCRResult, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.OCRResult{
		Confidence: f.confidence,
		Biomarkers: []models.ExtractedBiomarker{{Name: "Hemoglobin", RawValue: "13.5"}},
	}, nil
}

func (f *fakeExtractor) ExtractRemote(ctx context.Context, doc *models.Document, sink ProgressSink) (*models.OCRResult, error) {
	return f.run(ctx)
}

func (f *fakeExtractor) ExtractLocal(ctx context.Context, doc *models.Document, sink ProgressSink) (*models.OCRResult, error) {
	return f.run(ctx)
}

type recordedAttempt struct {
	method  models.OCRMethod
	success bool
}

type fakeRecorder struct {
	mu       sync.Mutex
	attempts []recordedAttempt
}

func (r *fakeRecorder) Record(method models.OCRMethod, latency time.Duration, success bool, quality float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, recordedAttempt{method, success})
}

func testDoc() *models.Document {
	return &models.Document{ID: "doc-1", Filename: "cbc.png", MIMEType: "image/png", Data: []byte{1, 2, 3}}
}

func cfg(preferRemote, allowFallback bool) models.RouterConfig {
	return models.RouterConfig{
		PreferRemote:     preferRemote,
		AllowFallback:    allowFallback,
		Timeout:          time.Second,
		QualityThreshold: 0.7,
	}
}

func newRouter(remote, local *fakeExtractor, rec Recorder) *Router {
	return New(remote, local, rec, logging.Nop())
}

func TestRoute_RemoteAcceptedLocalNeverCalled(t *testing.T) {
	remote := &fakeExtractor{confidence: 0.9}
	local := &fakeExtractor{confidence: 0.6}
	rec := &fakeRecorder{}

	res, err := newRouter(remote, local, rec).Route(context.Background(), testDoc(), cfg(true, true), nil)
	require.NoError(t, err)

	assert.Equal(t, models.MethodRemote, res.Method)
	assert.False(t, res.IsFallback)
	assert.Equal(t, int32(0), local.calls.Load())
	assert.Equal(t, []recordedAttempt{{models.MethodRemote, true}}, rec.attempts)
}

func TestRoute_FallbackExactlyOnce(t *testing.T) {
	tests := []struct {
		name   string
		remote *fakeExtractor
	}{
		{"remote failed", &fakeExtractor{err: stderrors.New("503")}},
		{"remote below threshold", &fakeExtractor{confidence: 0.4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := &fakeExtractor{confidence: 0.3} // accepted unconditionally
			res, err := newRouter(tt.remote, local, nil).Route(context.Background(), testDoc(), cfg(true, true), nil)
			require.NoError(t, err)

			assert.Equal(t, int32(1), local.calls.Load())
			assert.Equal(t, models.MethodLocal, res.Method)
			assert.True(t, res.IsFallback)
		})
	}
}

func TestRoute_RemoteTimeoutFallsBackToLocal(t *testing.T) {
	remote := &fakeExtractor{block: true}
	local := &fakeExtractor{confidence: 0.75}
	rec := &fakeRecorder{}

	c := cfg(true, true)
	c.Timeout = 50 * time.Millisecond

	start := time.Now()
	res, err := newRouter(remote, local, rec).Route(context.Background(), testDoc(), c, nil)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, models.MethodLocal, res.Method)
	assert.True(t, res.IsFallback)
	assert.Equal(t, []recordedAttempt{
		{models.MethodRemote, false},
		{models.MethodLocal, true},
	}, rec.attempts)
}

func TestRoute_NoFallbackRemoteFails(t *testing.T) {
	remote := &fakeExtractor{err: stderrors.New("connection reset")}
	local := &fakeExtractor{confidence: 0.9}

	_, err := newRouter(remote, local, nil).Route(context.Background(), testDoc(), cfg(true, false), nil)
	require.Error(t, err)

	assert.ErrorIs(t, err, pipelineerrors.ErrOCRFailed)
	assert.True(t, pipelineerrors.IsRecoverable(err))
	assert.Equal(t, int32(0), local.calls.Load())
}

func TestRoute_NoFallbackLowConfidenceReturned(t *testing.T) {
	remote := &fakeExtractor{confidence: 0.5}
	local := &fakeExtractor{confidence: 0.9}

	res, err := newRouter(remote, local, nil).Route(context.Background(), testDoc(), cfg(true, false), nil)
	require.NoError(t, err)
	assert.Equal(t, models.MethodRemote, res.Method)
	assert.Equal(t, int32(0), local.calls.Load())
}

func TestRoute_PermissionDeniedNeverFallsBack(t *testing.T) {
	remote := &fakeExtractor{err: pipelineerrors.NewPermissionDeniedError("doc-1", "upload", nil)}
	local := &fakeExtractor{confidence: 0.9}

	_, err := newRouter(remote, local, nil).Route(context.Background(), testDoc(), cfg(true, true), nil)
	assert.ErrorIs(t, err, pipelineerrors.ErrPermissionDenied)
	assert.Equal(t, int32(0), local.calls.Load())
}

func TestRoute_BothFail(t *testing.T) {
	remote := &fakeExtractor{err: stderrors.New("remote down")}
	local := &fakeExtractor{err: stderrors.New("engine crashed")}

	_, err := newRouter(remote, local, nil).Route(context.Background(), testDoc(), cfg(true, true), nil)
	pe, ok := pipelineerrors.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, pipelineerrors.KindOCRFailed, pe.Kind)
	assert.True(t, pe.Recoverable)
	assert.Contains(t, pe.Details["primary_error"], "remote down")
}

func TestRoute_LocalFirst(t *testing.T) {
	t.Run("local good enough", func(t *testing.T) {
		remote := &fakeExtractor{confidence: 0.95}
		local := &fakeExtractor{confidence: 0.8}

		res, err := newRouter(remote, local, nil).Route(context.Background(), testDoc(), cfg(false, true), nil)
		require.NoError(t, err)
		assert.Equal(t, models.MethodLocal, res.Method)
		assert.Equal(t, int32(0), remote.calls.Load())
	})

	t.Run("local weak, remote fallback", func(t *testing.T) {
		remote := &fakeExtractor{confidence: 0.95}
		local := &fakeExtractor{confidence: 0.4}

		res, err := newRouter(remote, local, nil).Route(context.Background(), testDoc(), cfg(false, true), nil)
		require.NoError(t, err)
		assert.Equal(t, models.MethodRemote, res.Method)
		assert.True(t, res.IsFallback)
	})

	t.Run("local weak, remote fails keeps local", func(t *testing.T) {
		remote := &fakeExtractor{err: stderrors.New("offline")}
		local := &fakeExtractor{confidence: 0.4}

		res, err := newRouter(remote, local, nil).Route(context.Background(), testDoc(), cfg(false, true), nil)
		require.NoError(t, err)
		assert.Equal(t, models.MethodLocal, res.Method)
		assert.False(t, res.IsFallback)
	})

	t.Run("local weak, no fallback", func(t *testing.T) {
		remote := &fakeExtractor{confidence: 0.95}
		local := &fakeExtractor{confidence: 0.4}

		res, err := newRouter(remote, local, nil).Route(context.Background(), testDoc(), cfg(false, false), nil)
		require.NoError(t, err)
		assert.Equal(t, models.MethodLocal, res.Method)
		assert.Equal(t, int32(0), remote.calls.Load())
	})
}

func TestRoute_CallerCancellation(t *testing.T) {
	remote := &fakeExtractor{block: true}
	local := &fakeExtractor{confidence: 0.9}
	rec := &fakeRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := newRouter(remote, local, rec).Route(ctx, testDoc(), cfg(true, true), nil)
	assert.ErrorIs(t, err, pipelineerrors.ErrCancelled)
	assert.Equal(t, int32(0), local.calls.Load())
	assert.Empty(t, rec.attempts)
}

func TestRouteBatch_ConcurrentTrackerUpdates(t *testing.T) {
	remote := &fakeExtractor{confidence: 0.9}
	local := &fakeExtractor{confidence: 0.6}
	tr := tracker.New()
	r := New(remote, local, tr, logging.Nop())

	docs := make([]*models.Document, 25)
	for i := range docs {
		docs[i] = &models.Document{ID: string(rune('a' + i)), MIMEType: "image/png", Data: []byte{1}}
	}

	results := r.RouteBatch(context.Background(), docs, cfg(true, true), 4)
	require.Len(t, results, 25)
	for i, br := range results {
		assert.Equal(t, docs[i].ID, br.DocumentID)
		assert.NoError(t, br.Err)
	}
	assert.Equal(t, 25, tr.Analytics().Methods[models.MethodRemote].Operations)
}

type fakeEngine struct {
	text       string
	confidence float64
}

func (e fakeEngine) Extract(ctx context.Context, image []byte, cfg processor.EngineConfig) (*processor.Recognition, error) {
	return &processor.Recognition{Text: e.text, Confidence: e.confidence}, nil
}

func TestLocalPath(t *testing.T) {
	p := NewLocalPath(fakeEngine{text: "Hemoglobin 13.5 g/dL 12-16\nGlucose 90", confidence: 0.8}, processor.EngineConfig{}, logging.Nop())

	res, err := p.ExtractLocal(context.Background(), testDoc(), NopSink{})
	require.NoError(t, err)
	assert.Equal(t, models.MethodLocal, res.Method)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)
	require.Len(t, res.Biomarkers, 2)
	assert.InDelta(t, 0.8, res.Biomarkers[0].Confidence, 1e-9)
	assert.InDelta(t, 0.4, res.Biomarkers[1].Confidence, 1e-9)
}

func TestLocalPath_RejectsPDF(t *testing.T) {
	p := NewLocalPath(fakeEngine{}, processor.EngineConfig{}, logging.Nop())
	doc := testDoc()
	doc.MIMEType = "application/pdf"

	_, err := p.ExtractLocal(context.Background(), doc, NopSink{})
	assert.ErrorIs(t, err, pipelineerrors.ErrUnsupported)
	assert.False(t, pipelineerrors.IsRecoverable(err))
}
