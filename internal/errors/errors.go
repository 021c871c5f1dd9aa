package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Pipeline error taxonomy for the lab-report pipeline
 *
 * Design Pattern: Factory Pattern for error creation
 * Every error carries a human-readable message, optional details and a
 * recoverable flag that drives fallback and retry decisions.
 */

// Kind enum for structured error handling
type Kind string

const (
	KindUploadFailed     Kind = "UPLOAD_FAILED"
	KindOCRFailed        Kind = "OCR_FAILED"
	KindExtractionFailed Kind = "EXTRACTION_FAILED"
	KindAnalysisFailed   Kind = "ANALYSIS_FAILED"
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	KindTimeout          Kind = "TIMEOUT"
	KindCancelled        Kind = "CANCELLED"
	KindUnsupported      Kind = "UNSUPPORTED_FORMAT"
)

// PipelineError represents a structured pipeline error
type PipelineError struct {
	Kind        Kind
	Message     string
	DocumentID  string
	Recoverable bool
	Suggestion  string
	Timestamp   time.Time
	Details     map[string]interface{}
	Cause       error
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is matches another *PipelineError by kind, so errors.Is(err, ErrOCRFailed) works
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is checks
var (
	ErrUploadFailed     = &PipelineError{Kind: KindUploadFailed}
	ErrOCRFailed        = &PipelineError{Kind: KindOCRFailed}
	ErrExtractionFailed = &PipelineError{Kind: KindExtractionFailed}
	ErrAnalysisFailed   = &PipelineError{Kind: KindAnalysisFailed}
	ErrPermissionDenied = &PipelineError{Kind: KindPermissionDenied}
	ErrTimeout          = &PipelineError{Kind: KindTimeout}
	ErrCancelled        = &PipelineError{Kind: KindCancelled}
	ErrUnsupported      = &PipelineError{Kind: KindUnsupported}
)

// Factory functions for common errors

func NewUploadFailedError(documentID string, cause error) *PipelineError {
	return &PipelineError{
		Kind:        KindUploadFailed,
		Message:     "Upload to analysis service failed",
		DocumentID:  documentID,
		Recoverable: true,
		Timestamp:   time.Now(),
		Cause:       cause,
	}
}

func NewOCRFailedError(documentID string, method string, cause error) *PipelineError {
	return &PipelineError{
		Kind:        KindOCRFailed,
		Message:     fmt.Sprintf("Text extraction failed (method: %s)", method),
		DocumentID:  documentID,
		Recoverable: true,
		Timestamp:   time.Now(),
		Details: map[string]interface{}{
			"ocr_method": method,
		},
		Cause: cause,
	}
}

// NewRemoteFailureError wraps a failure reported by the remote status stream
func NewRemoteFailureError(documentID, reportID, remoteMessage string) *PipelineError {
	if remoteMessage == "" {
		remoteMessage = "remote processing failed"
	}
	return &PipelineError{
		Kind:        KindOCRFailed,
		Message:     remoteMessage,
		DocumentID:  documentID,
		Recoverable: true,
		Timestamp:   time.Now(),
		Details: map[string]interface{}{
			"report_id": reportID,
		},
	}
}

func NewExtractionFailedError(documentID string, reason string) *PipelineError {
	return &PipelineError{
		Kind:        KindExtractionFailed,
		Message:     reason,
		DocumentID:  documentID,
		Recoverable: true,
		Timestamp:   time.Now(),
	}
}

func NewAnalysisFailedError(documentID string, reportID string, cause error) *PipelineError {
	return &PipelineError{
		Kind:        KindAnalysisFailed,
		Message:     "Failed to retrieve analysis",
		DocumentID:  documentID,
		Recoverable: true,
		Timestamp:   time.Now(),
		Details: map[string]interface{}{
			"report_id": reportID,
		},
		Cause: cause,
	}
}

func NewPermissionDeniedError(documentID string, resource string, cause error) *PipelineError {
	return &PipelineError{
		Kind:        KindPermissionDenied,
		Message:     fmt.Sprintf("Permission denied: %s", resource),
		DocumentID:  documentID,
		Recoverable: false,
		Suggestion:  "Check the analysis service credentials and sign in again",
		Timestamp:   time.Now(),
		Details: map[string]interface{}{
			"resource": resource,
		},
		Cause: cause,
	}
}

func NewTimeoutError(documentID string, method string, duration time.Duration, cause error) *PipelineError {
	return &PipelineError{
		Kind:        KindTimeout,
		Message:     fmt.Sprintf("Extraction timed out after %v", duration),
		DocumentID:  documentID,
		Recoverable: true,
		Timestamp:   time.Now(),
		Details: map[string]interface{}{
			"ocr_method":       method,
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewCancelledError(documentID string) *PipelineError {
	return &PipelineError{
		Kind:        KindCancelled,
		Message:     "Processing was cancelled",
		DocumentID:  documentID,
		Recoverable: true,
		Timestamp:   time.Now(),
	}
}

// NewUnsupportedFormatError marks a device capability gap; never recoverable
func NewUnsupportedFormatError(documentID string, mimeType string) *PipelineError {
	return &PipelineError{
		Kind:        KindUnsupported,
		Message:     fmt.Sprintf("Unsupported file format: %s", mimeType),
		DocumentID:  documentID,
		Recoverable: false,
		Timestamp:   time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

// AsPipelineError extracts the first *PipelineError in err's chain
func AsPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" if it is not a pipeline error
func KindOf(err error) Kind {
	if pe, ok := AsPipelineError(err); ok {
		return pe.Kind
	}
	return ""
}

// IsRecoverable reports whether err may be retried. Unknown errors are recoverable.
func IsRecoverable(err error) bool {
	if pe, ok := AsPipelineError(err); ok {
		return pe.Recoverable
	}
	return err != nil
}

// ToMap converts error to map for database storage and events
func (e *PipelineError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code":  string(e.Kind),
		"message":     e.Message,
		"recoverable": e.Recoverable,
		"timestamp":   e.Timestamp,
	}

	if e.DocumentID != "" {
		result["document_id"] = e.DocumentID
	}
	if e.Suggestion != "" {
		result["suggestion"] = e.Suggestion
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
