/**
 * Core data types for the lab-report pipeline
 *
 * Shared by the router, monitor, scheduler, biomarker layer and session manager.
 */

package models

import (
	"time"
)

// Document is a unit of work: one selected or captured lab report
type Document struct {
	ID             string
	Filename       string
	Data           []byte
	Size           int64
	MIMEType       string
	UploadedAt     time.Time
	Status         ProcessingStatus
	DocumentType   string
	HealthCategory string
	OCRConfidence  float64
	Thumbnail      []byte
	Metadata       map[string]string
}

// Clone returns a deep copy so collaborators never share the session's record
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.Data != nil {
		c.Data = append([]byte(nil), d.Data...)
	}
	if d.Thumbnail != nil {
		c.Thumbnail = append([]byte(nil), d.Thumbnail...)
	}
	if d.Metadata != nil {
		c.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// IsPDF reports whether the document is a PDF
func (d *Document) IsPDF() bool {
	return d.MIMEType == "application/pdf"
}

// OCRMethod identifies which extraction path produced a result
type OCRMethod string

const (
	MethodRemote OCRMethod = "remote"
	MethodLocal  OCRMethod = "local"
)

// ExtractionMethod records how a single biomarker value was obtained
type ExtractionMethod string

const (
	ExtractionRemote ExtractionMethod = "ocr-remote"
	ExtractionLocal  ExtractionMethod = "ocr-local"
	ExtractionManual ExtractionMethod = "manual"
)

// ExtractionMethodFor maps an OCR method to the per-biomarker method
func ExtractionMethodFor(m OCRMethod) ExtractionMethod {
	if m == MethodLocal {
		return ExtractionLocal
	}
	return ExtractionRemote
}

// OCRResult is the output of one extraction attempt
type OCRResult struct {
	Method     OCRMethod
	Confidence float64
	Biomarkers []ExtractedBiomarker
	IsFallback bool
	Text       string
	ReportID   string
	Duration   time.Duration
}

// BiomarkerStatus is the coarse local classification of a value
type BiomarkerStatus string

const (
	BiomarkerNormal   BiomarkerStatus = "normal"
	BiomarkerLow      BiomarkerStatus = "low"
	BiomarkerHigh     BiomarkerStatus = "high"
	BiomarkerAbnormal BiomarkerStatus = "abnormal"
	BiomarkerCritical BiomarkerStatus = "critical"
	BiomarkerUnknown  BiomarkerStatus = "unknown"
)

// ExtractedBiomarker is one reviewable measurement
type ExtractedBiomarker struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	RawValue       string           `json:"value"`
	NumericValue   *float64         `json:"numericValue,omitempty"`
	Unit           string           `json:"unit,omitempty"`
	ReferenceRange string           `json:"referenceRange,omitempty"`
	Status         BiomarkerStatus  `json:"status"`
	RawStatus      string           `json:"rawStatus,omitempty"` // remote vocabulary, preserved as received
	Confidence     float64          `json:"confidence"`
	Method         ExtractionMethod `json:"method"`
	Category       string           `json:"category,omitempty"`
	Notes          string           `json:"notes,omitempty"`
}

// UploadPriority is a scheduling hint for background uploads
type UploadPriority string

const (
	PriorityNormal UploadPriority = "normal"
	PriorityHigh   UploadPriority = "high"
)

// UploadTaskStatus is the state of a background upload
type UploadTaskStatus string

const (
	UploadQueued    UploadTaskStatus = "queued"
	UploadRunning   UploadTaskStatus = "uploading"
	UploadCompleted UploadTaskStatus = "completed"
	UploadFailed    UploadTaskStatus = "failed"
	UploadCancelled UploadTaskStatus = "cancelled"
)

// IsTerminal returns true once the task can no longer change
func (s UploadTaskStatus) IsTerminal() bool {
	return s == UploadCompleted || s == UploadFailed || s == UploadCancelled
}

// UploadTask is a background upload owned by the scheduler
type UploadTask struct {
	ID         string           `json:"id"`
	DocumentID string           `json:"documentId"`
	Priority   UploadPriority   `json:"priority"`
	Status     UploadTaskStatus `json:"status"`
	ReportID   string           `json:"reportId,omitempty"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// StatusUpdate is one progress event from the remote service
type StatusUpdate struct {
	ReportID string           `json:"reportId"`
	Stage    string           `json:"stage"`
	Progress float64          `json:"progress"`
	Status   ProcessingStatus `json:"status"`
	Message  string           `json:"message,omitempty"`
	// Err is the local cause of a failed update (e.g. the status poll was denied)
	Err error `json:"-"`
}

// AnalysisBiomarker is a biomarker as returned by the remote analysis
type AnalysisBiomarker struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Unit        string `json:"unit"`
	NormalRange string `json:"normalRange"`
	Status      string `json:"status"`
}

// CategoryResult groups analysis biomarkers by health category
type CategoryResult struct {
	Category   string              `json:"category"`
	Biomarkers []AnalysisBiomarker `json:"biomarkers"`
}

// AnalysisPayload is the full remote analysis for a report
type AnalysisPayload struct {
	ReportID   string           `json:"reportId"`
	Categories []CategoryResult `json:"categories"`
	Confidence float64          `json:"confidence"`
}

// ProcessingSummary is produced when a document finishes processing
type ProcessingSummary struct {
	DocumentID          string    `json:"documentId"`
	TotalExtracted      int       `json:"totalExtracted"`
	HighConfidenceCount int       `json:"highConfidenceCount"`
	Categories          []string  `json:"categories"`
	Method              OCRMethod `json:"method"`
	IsFallback          bool      `json:"isFallback"`
	OverallConfidence   float64   `json:"overallConfidence"`
	CompletedAt         time.Time `json:"completedAt"`
}

// MethodStats aggregates attempts for one OCR method
type MethodStats struct {
	Operations     int           `json:"operations"`
	Successes      int           `json:"successes"`
	SuccessRate    float64       `json:"successRate"`
	AverageLatency time.Duration `json:"averageLatency"`
	AverageQuality float64       `json:"averageQuality"`
}

// PerformanceAnalytics is the tracker's view of both methods
type PerformanceAnalytics struct {
	Methods     map[OCRMethod]MethodStats `json:"methods"`
	Recommended OCRMethod                 `json:"recommended"`
}
