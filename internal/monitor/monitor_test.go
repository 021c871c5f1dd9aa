package monitor

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/labreport-pipeline/internal/clients"
	pipelineerrors "github.com/adverant/nexus/labreport-pipeline/internal/errors"
	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
	"github.com/adverant/nexus/labreport-pipeline/internal/router"
)

// chanSource hands out test-controlled channels, one per StatusStream call
type chanSource struct {
	mu      sync.Mutex
	streams map[string][]chan models.StatusUpdate
	ctxs    []context.Context
}

func newChanSource() *chanSource {
	return &chanSource{streams: map[string][]chan models.StatusUpdate{}}
}

func (s *chanSource) StatusStream(ctx context.Context, reportID string) (<-chan models.StatusUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan models.StatusUpdate, 8)
	s.streams[reportID] = append(s.streams[reportID], ch)
	s.ctxs = append(s.ctxs, ctx)
	return ch, nil
}

func (s *chanSource) stream(reportID string, i int) chan models.StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[reportID][i]
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []models.StatusUpdate
}

func (p *recordingPublisher) PublishStatus(ctx context.Context, u models.StatusUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return nil
}

func newTestMonitor(src StatusSource, opts ...Option) *Monitor {
	return New(src, append([]Option{WithLogger(logging.Nop())}, opts...)...)
}

func drain(t *testing.T, ch <-chan models.StatusUpdate) []models.StatusUpdate {
	t.Helper()
	var out []models.StatusUpdate
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, u)
		case <-timeout:
			t.Fatal("channel did not close")
			return out
		}
	}
}

func TestMonitor_ForwardsUntilTerminal(t *testing.T) {
	src := newChanSource()
	pub := &recordingPublisher{}
	m := newTestMonitor(src, WithPublisher(pub))

	ch, err := m.StartMonitoring(context.Background(), "rep-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"rep-1"}, m.Active())

	s := src.stream("rep-1", 0)
	s <- models.StatusUpdate{Status: models.StatusUploading, Progress: 0.1}
	s <- models.StatusUpdate{Status: models.StatusCompleted, Progress: 1}

	got := drain(t, ch)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, models.StatusCompleted, last.Status)
	assert.Equal(t, "rep-1", last.ReportID)

	assert.Empty(t, m.Active())
	pub.mu.Lock()
	assert.Len(t, pub.updates, 2)
	pub.mu.Unlock()
}

func TestMonitor_LatestWinsForSlowConsumer(t *testing.T) {
	src := newChanSource()
	m := newTestMonitor(src)

	ch, err := m.StartMonitoring(context.Background(), "rep-1")
	require.NoError(t, err)

	s := src.stream("rep-1", 0)
	for i := 1; i <= 5; i++ {
		s <- models.StatusUpdate{Status: models.StatusProcessing, Progress: float64(i) / 10}
	}
	s <- models.StatusUpdate{Status: models.StatusFailed, Message: "bad scan"}

	// Consumer only starts reading after the monitor has exited
	require.Eventually(t, func() bool { return len(m.Active()) == 0 }, time.Second, 5*time.Millisecond)

	got := drain(t, ch)
	require.Len(t, got, 1)
	assert.Equal(t, models.StatusFailed, got[0].Status)
	assert.Equal(t, "bad scan", got[0].Message)
}

func TestMonitor_StartReplacesLiveMonitor(t *testing.T) {
	src := newChanSource()
	m := newTestMonitor(src)

	first, err := m.StartMonitoring(context.Background(), "rep-1")
	require.NoError(t, err)
	second, err := m.StartMonitoring(context.Background(), "rep-1")
	require.NoError(t, err)

	// the first monitor is gone before the second starts
	_, ok := <-first
	assert.False(t, ok)
	src.mu.Lock()
	assert.Error(t, src.ctxs[0].Err())
	src.mu.Unlock()

	assert.Equal(t, []string{"rep-1"}, m.Active())

	src.stream("rep-1", 1) <- models.StatusUpdate{Status: models.StatusCompleted}
	got := drain(t, second)
	require.Len(t, got, 1)
}

func TestMonitor_StopMonitoring(t *testing.T) {
	src := newChanSource()
	m := newTestMonitor(src)

	ch, err := m.StartMonitoring(context.Background(), "rep-1")
	require.NoError(t, err)

	assert.True(t, m.StopMonitoring("rep-1"))
	assert.False(t, m.StopMonitoring("rep-1"))
	assert.Empty(t, drain(t, ch))
	assert.Empty(t, m.Active())
}

func TestMonitor_Close(t *testing.T) {
	src := newChanSource()
	m := newTestMonitor(src)

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.StartMonitoring(context.Background(), id)
		require.NoError(t, err)
	}
	assert.Len(t, m.Active(), 3)

	m.Close()
	assert.Empty(t, m.Active())
}

// fakeService answers uploads with a fixed report id
type fakeService struct {
	uploadErr   error
	analysis    *models.AnalysisPayload
	analysisErr error
}

func (f *fakeService) Upload(ctx context.Context, doc *models.Document, opts clients.UploadOptions) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return "rep-" + doc.ID, nil
}

func (f *fakeService) GetAnalysis(ctx context.Context, reportID string) (*models.AnalysisPayload, error) {
	return f.analysis, f.analysisErr
}

type stage struct {
	status   models.ProcessingStatus
	progress float64
}

type recordingSink struct {
	mu       sync.Mutex
	stages   []stage
	monitors []string
}

func (s *recordingSink) Stage(documentID string, status models.ProcessingStatus, progress float64, operation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, stage{status, progress})
}

func (s *recordingSink) MonitorStarted(documentID, reportID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors = append(s.monitors, reportID)
}

// scriptedSource replays a fixed sequence for every stream
type scriptedSource struct {
	updates []models.StatusUpdate
}

func (s scriptedSource) StatusStream(ctx context.Context, reportID string) (<-chan models.StatusUpdate, error) {
	ch := make(chan models.StatusUpdate)
	go func() {
		defer close(ch)
		for _, u := range s.updates {
			select {
			case ch <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func testDoc() *models.Document {
	return &models.Document{ID: "doc-1", Filename: "cbc.pdf", MIMEType: "application/pdf", Data: []byte("%PDF")}
}

func TestRemotePath_Completed(t *testing.T) {
	svc := &fakeService{analysis: &models.AnalysisPayload{
		Confidence: 0.92,
		Categories: []models.CategoryResult{{
			Category:   "hematology",
			Biomarkers: []models.AnalysisBiomarker{{Name: "Hemoglobin", Value: "13.5", Unit: "g/dL", NormalRange: "12-16", Status: "normal"}},
		}},
	}}
	src := scriptedSource{updates: []models.StatusUpdate{
		{Stage: "upload", Status: models.StatusUploading, Progress: 0.1},
		{Stage: "ocr", Status: models.StatusProcessing, Progress: 0.5},
		{Stage: "done", Status: models.StatusCompleted, Progress: 1},
	}}
	m := newTestMonitor(src)
	sink := &recordingSink{}

	res, err := NewRemotePath(svc, m, clients.UploadOptions{}, logging.Nop()).ExtractRemote(context.Background(), testDoc(), sink)
	require.NoError(t, err)

	assert.Equal(t, models.MethodRemote, res.Method)
	assert.Equal(t, "rep-doc-1", res.ReportID)
	assert.InDelta(t, 0.92, res.Confidence, 1e-9)
	require.Len(t, res.Biomarkers, 1)
	assert.Equal(t, models.ExtractionRemote, res.Biomarkers[0].Method)

	assert.Equal(t, []string{"rep-doc-1"}, sink.monitors)
	for _, st := range sink.stages {
		assert.False(t, st.status.IsTerminal(), "terminal statuses are left to the caller")
	}
	assert.Equal(t, models.StatusAnalyzing, sink.stages[len(sink.stages)-1].status)
	assert.Empty(t, m.Active())
}

func TestRemotePath_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		svc     *fakeService
		updates []models.StatusUpdate
		want    pipelineerrors.Kind
	}{
		{
			name:    "remote failure carries message",
			svc:     &fakeService{},
			updates: []models.StatusUpdate{{Status: models.StatusFailed, Message: "unreadable"}},
			want:    pipelineerrors.KindOCRFailed,
		},
		{
			name:    "remote cancelled",
			svc:     &fakeService{},
			updates: []models.StatusUpdate{{Status: models.StatusCancelled}},
			want:    pipelineerrors.KindCancelled,
		},
		{
			name:    "stream ends early",
			svc:     &fakeService{},
			updates: []models.StatusUpdate{{Status: models.StatusProcessing}},
			want:    pipelineerrors.KindOCRFailed,
		},
		{
			name:    "upload denied",
			svc:     &fakeService{uploadErr: pipelineerrors.NewPermissionDeniedError("doc-1", "upload", nil)},
			updates: nil,
			want:    pipelineerrors.KindPermissionDenied,
		},
		{
			name:    "analysis fetch fails",
			svc:     &fakeService{analysisErr: pipelineerrors.NewAnalysisFailedError("", "rep-doc-1", stderrors.New("500"))},
			updates: []models.StatusUpdate{{Status: models.StatusCompleted}},
			want:    pipelineerrors.KindAnalysisFailed,
		},
		{
			name:    "empty analysis",
			svc:     &fakeService{analysis: &models.AnalysisPayload{}},
			updates: []models.StatusUpdate{{Status: models.StatusCompleted}},
			want:    pipelineerrors.KindAnalysisFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(scriptedSource{updates: tt.updates})
			p := NewRemotePath(tt.svc, m, clients.UploadOptions{}, logging.Nop())

			_, err := p.ExtractRemote(context.Background(), testDoc(), &recordingSink{})
			require.Error(t, err)
			assert.Equal(t, tt.want, pipelineerrors.KindOf(err))

			pe, ok := pipelineerrors.AsPipelineError(err)
			require.True(t, ok)
			assert.Equal(t, "doc-1", pe.DocumentID)
			if tt.name == "remote failure carries message" {
				assert.Equal(t, "unreadable", pe.Message)
			}
		})
	}
}

func TestRemotePath_ContextCancelStopsMonitor(t *testing.T) {
	src := newChanSource()
	m := newTestMonitor(src)
	p := NewRemotePath(&fakeService{}, m, clients.UploadOptions{}, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := p.ExtractRemote(ctx, testDoc(), &recordingSink{})
		errc <- err
	}()

	require.Eventually(t, func() bool { return len(m.Active()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("remote path did not return after cancel")
	}
	assert.Empty(t, m.Active())
}

func TestRemotePath_Outcomes_DeniedStatusPoll(t *testing.T) {
	m := newTestMonitor(scriptedSource{updates: []models.StatusUpdate{{
		Status:  models.StatusFailed,
		Message: "denied",
		Err:     pipelineerrors.NewPermissionDeniedError("", "report status", nil),
	}}})
	p := NewRemotePath(&fakeService{}, m, clients.UploadOptions{}, logging.Nop())

	_, err := p.ExtractRemote(context.Background(), testDoc(), &recordingSink{})
	require.Error(t, err)
	pe, ok := pipelineerrors.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, pipelineerrors.KindPermissionDenied, pe.Kind)
	assert.False(t, pe.Recoverable)
	assert.NotEmpty(t, pe.Suggestion)
	assert.Equal(t, "doc-1", pe.DocumentID)
}

// countingLocal is a local extractor that only counts calls
type countingLocal struct {
	calls atomic.Int32
}

func (l *countingLocal) ExtractLocal(ctx context.Context, doc *models.Document, sink router.ProgressSink) (*models.OCRResult, error) {
	l.calls.Add(1)
	return &models.OCRResult{Confidence: 0.9, Biomarkers: []models.ExtractedBiomarker{{Name: "Hemoglobin", RawValue: "13"}}}, nil
}

func TestRoute_DeniedStatusPollNeverFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/lab-reports" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"success":true,"data":{"reportId":"rep-9"}}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := clients.NewAnalysisClient(srv.URL, clients.WithPollInterval(5*time.Millisecond))
	m := newTestMonitor(client)
	defer m.Close()
	local := &countingLocal{}
	rt := router.New(NewRemotePath(client, m, clients.UploadOptions{}, logging.Nop()), local, nil, logging.Nop())

	res, err := rt.Route(context.Background(), testDoc(), models.RouterConfig{
		PreferRemote:     true,
		AllowFallback:    true,
		Timeout:          2 * time.Second,
		QualityThreshold: 0.7,
	}, nil)

	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, pipelineerrors.KindPermissionDenied, pipelineerrors.KindOf(err))
	assert.Zero(t, local.calls.Load(), "local engine must not run after a denied status poll")
}
