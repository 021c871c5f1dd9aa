package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipelineerrors "github.com/adverant/nexus/labreport-pipeline/internal/errors"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func testDoc() *models.Document {
	return &models.Document{ID: "doc-1", Filename: "cbc.pdf", MIMEType: "application/pdf", Data: []byte("%PDF-1.4")}
}

func TestUpload_ReturnsReportID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/lab-reports", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req uploadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "doc-1", req.DocumentID)
		assert.True(t, req.Options.PreferAccuracy)

		writeJSON(t, w, http.StatusAccepted, map[string]interface{}{
			"success": true,
			"data":    map[string]string{"reportId": "rep-42"},
		})
	}))
	defer srv.Close()

	c := NewAnalysisClient(srv.URL, WithAPIKey("secret"))
	id, err := c.Upload(context.Background(), testDoc(), UploadOptions{PreferAccuracy: true})
	require.NoError(t, err)
	assert.Equal(t, "rep-42", id)
}

func TestUpload_ErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   pipelineerrors.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, pipelineerrors.KindPermissionDenied},
		{"forbidden", http.StatusForbidden, pipelineerrors.KindPermissionDenied},
		{"server error", http.StatusInternalServerError, pipelineerrors.KindUploadFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewAnalysisClient(srv.URL).Upload(context.Background(), testDoc(), UploadOptions{})
			require.Error(t, err)
			assert.Equal(t, tt.want, pipelineerrors.KindOf(err))
		})
	}
}

func TestStatusStream_EmitsChangesUntilTerminal(t *testing.T) {
	sequence := []models.StatusUpdate{
		{Stage: "upload", Progress: 0.1, Status: models.StatusUploading},
		{Stage: "upload", Progress: 0.1, Status: models.StatusUploading}, // unchanged, not emitted
		{Stage: "ocr", Progress: 0.5, Status: models.StatusProcessing},
		{Stage: "done", Progress: 1.0, Status: models.StatusCompleted},
	}
	var mu sync.Mutex
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/lab-reports/rep-1/status", r.URL.Path)
		mu.Lock()
		i := calls
		if i >= len(sequence) {
			i = len(sequence) - 1
		}
		calls++
		mu.Unlock()
		writeJSON(t, w, http.StatusOK, map[string]interface{}{"success": true, "data": sequence[i]})
	}))
	defer srv.Close()

	c := NewAnalysisClient(srv.URL, WithPollInterval(5*time.Millisecond))
	ch, err := c.StatusStream(context.Background(), "rep-1")
	require.NoError(t, err)

	var got []models.ProcessingStatus
	for u := range ch {
		assert.Equal(t, "rep-1", u.ReportID)
		got = append(got, u.Status)
	}
	assert.Equal(t, []models.ProcessingStatus{
		models.StatusUploading, models.StatusProcessing, models.StatusCompleted,
	}, got)
}

func TestStatusStream_RepeatedFailuresEmitFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewAnalysisClient(srv.URL, WithPollInterval(time.Millisecond))
	ch, err := c.StatusStream(context.Background(), "rep-1")
	require.NoError(t, err)

	var last models.StatusUpdate
	for u := range ch {
		last = u
	}
	assert.Equal(t, models.StatusFailed, last.Status)
	assert.Contains(t, last.Message, "502")
}

func TestStatusStream_DeniedPollCarriesCause(t *testing.T) {
	var polls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewAnalysisClient(srv.URL, WithPollInterval(time.Millisecond))
	ch, err := c.StatusStream(context.Background(), "rep-1")
	require.NoError(t, err)

	var got []models.StatusUpdate
	for u := range ch {
		got = append(got, u)
	}
	require.Len(t, got, 1)
	assert.Equal(t, models.StatusFailed, got[0].Status)
	assert.Equal(t, pipelineerrors.KindPermissionDenied, pipelineerrors.KindOf(got[0].Err))
	assert.False(t, pipelineerrors.IsRecoverable(got[0].Err))

	mu.Lock()
	assert.Equal(t, 1, polls, "a denied poll is not retried")
	mu.Unlock()
}

func TestStatusStream_StopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data":    models.StatusUpdate{Status: models.StatusProcessing, Progress: 0.3},
		})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewAnalysisClient(srv.URL, WithPollInterval(time.Millisecond))
	ch, err := c.StatusStream(ctx, "rep-1")
	require.NoError(t, err)

	<-ch
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// drain at most the in-flight value
			_, ok = <-ch
		}
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream did not close after cancel")
	}
}

func TestGetAnalysis(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data": models.AnalysisPayload{
				Confidence: 0.93,
				Categories: []models.CategoryResult{{
					Category:   "hematology",
					Biomarkers: []models.AnalysisBiomarker{{Name: "Hemoglobin", Value: "13.5", Unit: "g/dL", NormalRange: "12-16", Status: "normal"}},
				}},
			},
		})
	}))
	defer srv.Close()

	p, err := NewAnalysisClient(srv.URL).GetAnalysis(context.Background(), "rep-7")
	require.NoError(t, err)
	assert.Equal(t, "rep-7", p.ReportID)
	require.Len(t, p.Categories, 1)
	assert.Equal(t, "Hemoglobin", p.Categories[0].Biomarkers[0].Name)
}

func TestGetAnalysis_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewAnalysisClient(srv.URL).GetAnalysis(context.Background(), "rep-7")
	assert.True(t, pipelineerrors.KindOf(err) == pipelineerrors.KindAnalysisFailed)
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.NoError(t, NewAnalysisClient(srv.URL).HealthCheck(context.Background()))
}
