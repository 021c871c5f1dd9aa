/**
 * Analysis Client - remote lab-report extraction and analysis service
 *
 * Uploads documents, streams processing status by polling, and fetches the
 * categorised biomarker analysis once a report completes.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	pipelineerrors "github.com/adverant/nexus/labreport-pipeline/internal/errors"
	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

const maxConsecutivePollErrors = 5

// AnalysisClient handles communication with the analysis service
type AnalysisClient struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       *logging.Logger
}

// UploadOptions are the user preferences forwarded with an upload
type UploadOptions struct {
	PreferAccuracy bool   `json:"preferAccuracy"`
	Language       string `json:"language,omitempty"`
}

type uploadRequest struct {
	FileBuffer string            `json:"fileBuffer"`
	Filename   string            `json:"filename"`
	MimeType   string            `json:"mimeType"`
	DocumentID string            `json:"documentId"`
	Options    UploadOptions     `json:"options"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type uploadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		ReportID string `json:"reportId"`
	} `json:"data"`
}

type statusResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Data    models.StatusUpdate `json:"data"`
}

type analysisResponse struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Data    models.AnalysisPayload `json:"data"`
}

// ClientOption configures an AnalysisClient
type ClientOption func(*AnalysisClient)

// WithAPIKey sets the bearer token sent with every request
func WithAPIKey(key string) ClientOption {
	return func(c *AnalysisClient) { c.apiKey = key }
}

// WithPollInterval sets how often StatusStream polls
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *AnalysisClient) { c.pollInterval = d }
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *AnalysisClient) { c.httpClient = hc }
}

// NewAnalysisClient creates a new analysis service client
func NewAnalysisClient(baseURL string, opts ...ClientOption) *AnalysisClient {
	c := &AnalysisClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // large PDFs take a while to upload
		},
		pollInterval: time.Second,
		logger:       logging.NewLogger("AnalysisClient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload sends a document for remote extraction and returns its report id
func (c *AnalysisClient) Upload(ctx context.Context, doc *models.Document, opts UploadOptions) (string, error) {
	c.logger.Info("Uploading document to analysis service",
		"document_id", doc.ID,
		"filename", doc.Filename,
		"mimeType", doc.MIMEType,
		"fileSize", len(doc.Data))

	reqBody, err := json.Marshal(uploadRequest{
		FileBuffer: base64.StdEncoding.EncodeToString(doc.Data),
		Filename:   doc.Filename,
		MimeType:   doc.MIMEType,
		DocumentID: doc.ID,
		Options:    opts,
		Metadata:   doc.Metadata,
	})
	if err != nil {
		return "", pipelineerrors.NewUploadFailedError(doc.ID, fmt.Errorf("failed to marshal request: %w", err))
	}

	body, status, err := c.do(ctx, http.MethodPost, "/api/lab-reports", reqBody)
	if err != nil {
		return "", pipelineerrors.NewUploadFailedError(doc.ID, err)
	}
	if isAuthFailure(status) {
		return "", pipelineerrors.NewPermissionDeniedError(doc.ID, "upload", fmt.Errorf("status %d: %s", status, string(body)))
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusAccepted {
		return "", pipelineerrors.NewUploadFailedError(doc.ID, fmt.Errorf("analysis service returned error status %d: %s", status, string(body)))
	}

	var resp uploadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", pipelineerrors.NewUploadFailedError(doc.ID, fmt.Errorf("failed to parse response: %w", err))
	}
	if !resp.Success || resp.Data.ReportID == "" {
		return "", pipelineerrors.NewUploadFailedError(doc.ID, fmt.Errorf("upload rejected: %s", resp.Message))
	}

	c.logger.Info("Upload accepted", "document_id", doc.ID, "report_id", resp.Data.ReportID)
	return resp.Data.ReportID, nil
}

// GetStatus fetches the current processing status of a report
func (c *AnalysisClient) GetStatus(ctx context.Context, reportID string) (*models.StatusUpdate, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/api/lab-reports/"+url.PathEscape(reportID)+"/status", nil)
	if err != nil {
		return nil, err
	}
	if isAuthFailure(status) {
		return nil, pipelineerrors.NewPermissionDeniedError("", "report status", fmt.Errorf("status %d", status))
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("status check failed with status %d: %s", status, string(body))
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	if resp.Data.ReportID == "" {
		resp.Data.ReportID = reportID
	}
	return &resp.Data, nil
}

// StatusStream polls the report status and emits every change. The channel
// closes after a terminal status, when ctx is done, or after repeated poll
// failures (reported as a failed update carrying the poll error in Err).
func (c *AnalysisClient) StatusStream(ctx context.Context, reportID string) (<-chan models.StatusUpdate, error) {
	if reportID == "" {
		return nil, fmt.Errorf("report id is required")
	}

	out := make(chan models.StatusUpdate)
	go func() {
		defer close(out)

		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		var last models.StatusUpdate
		failures := 0
		emit := func(u models.StatusUpdate) bool {
			select {
			case out <- u:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			update, err := c.GetStatus(ctx, reportID)
			switch {
			case err != nil && ctx.Err() != nil:
				return
			case err != nil:
				failures++
				c.logger.Warn("Failed to get report status", "report_id", reportID, "error", err, "failures", failures)
				if pipelineerrors.KindOf(err) == pipelineerrors.KindPermissionDenied || failures >= maxConsecutivePollErrors {
					emit(models.StatusUpdate{ReportID: reportID, Stage: last.Stage, Progress: last.Progress,
						Status: models.StatusFailed, Message: err.Error(), Err: err})
					return
				}
			default:
				failures = 0
				if *update != last {
					c.logger.Debug("Report status update",
						"report_id", reportID, "status", update.Status, "progress", update.Progress)
					if !emit(*update) {
						return
					}
					last = *update
				}
				if update.Status.IsTerminal() {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out, nil
}

// GetAnalysis fetches the full categorised analysis for a completed report
func (c *AnalysisClient) GetAnalysis(ctx context.Context, reportID string) (*models.AnalysisPayload, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/api/lab-reports/"+url.PathEscape(reportID)+"/analysis", nil)
	if err != nil {
		return nil, pipelineerrors.NewAnalysisFailedError("", reportID, err)
	}
	if isAuthFailure(status) {
		return nil, pipelineerrors.NewPermissionDeniedError("", "analysis", fmt.Errorf("status %d", status))
	}
	if status != http.StatusOK {
		return nil, pipelineerrors.NewAnalysisFailedError("", reportID, fmt.Errorf("status %d: %s", status, string(body)))
	}

	var resp analysisResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, pipelineerrors.NewAnalysisFailedError("", reportID, fmt.Errorf("failed to parse analysis: %w", err))
	}
	if !resp.Success {
		return nil, pipelineerrors.NewAnalysisFailedError("", reportID, fmt.Errorf("analysis unavailable: %s", resp.Message))
	}
	if resp.Data.ReportID == "" {
		resp.Data.ReportID = reportID
	}

	c.logger.Info("Analysis retrieved",
		"report_id", reportID,
		"categories", len(resp.Data.Categories),
		"confidence", resp.Data.Confidence)
	return &resp.Data, nil
}

// HealthCheck checks if the analysis service is healthy
func (c *AnalysisClient) HealthCheck(ctx context.Context) error {
	body, status, err := c.do(ctx, http.MethodGet, "/api/health", nil)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("health check failed with status %d: %s", status, string(body))
	}
	return nil
}

func (c *AnalysisClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Source", "labreport-pipeline")
	req.Header.Set("X-Request-ID", fmt.Sprintf("labreport-%d", time.Now().UnixNano()))
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request to analysis service failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
