/**
 * Processing status and workflow step state machines
 *
 * A document carries exactly one ProcessingStatus; the session carries exactly
 * one WorkflowStep. Both are closed enums with explicit transition tables so
 * that no flag combination can describe an impossible state.
 */

package models

// ProcessingStatus is the lifecycle state of a single document
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusUploading  ProcessingStatus = "uploading"
	StatusProcessing ProcessingStatus = "processing"
	StatusAnalyzing  ProcessingStatus = "analyzing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
	StatusCancelled  ProcessingStatus = "cancelled"
)

// Rank orders the main line pending → completed. Side branches rank -1.
func (s ProcessingStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusUploading:
		return 1
	case StatusProcessing:
		return 2
	case StatusAnalyzing:
		return 3
	case StatusCompleted:
		return 4
	default:
		return -1
	}
}

// IsValid reports whether s is a known status
func (s ProcessingStatus) IsValid() bool {
	return s.Rank() >= 0 || s == StatusFailed || s == StatusCancelled
}

// IsTerminal returns true for completed, failed and cancelled
func (s ProcessingStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive returns true while an operation is in flight for the document
func (s ProcessingStatus) IsActive() bool {
	return s == StatusUploading || s == StatusProcessing || s == StatusAnalyzing
}

// CanRetry returns true if an explicit retry may reset the document to pending
func (s ProcessingStatus) CanRetry() bool {
	return s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo returns true if the status can transition to the target status.
// Forward moves along the main line may skip stages (the local path never uploads).
func (s ProcessingStatus) CanTransitionTo(target ProcessingStatus) bool {
	switch s {
	case StatusFailed, StatusCancelled:
		return target == StatusPending
	case StatusCompleted:
		return false
	}
	switch target {
	case StatusFailed, StatusCancelled:
		return true
	case StatusPending:
		return false
	}
	return target.Rank() > s.Rank()
}

// WorkflowStep is one stage of the interactive session
type WorkflowStep string

const (
	StepSelectDocument     WorkflowStep = "selectDocument"
	StepUploadDocument     WorkflowStep = "uploadDocument"
	StepProcessing         WorkflowStep = "processing"
	StepOCRProcessing      WorkflowStep = "ocrProcessing"
	StepClassifyDocument   WorkflowStep = "classifyDocument"
	StepExtractBiomarkers  WorkflowStep = "extractBiomarkers"
	StepAnalyzeData        WorkflowStep = "analyzeData"
	StepReviewResults      WorkflowStep = "reviewResults"
	StepValidateBiomarkers WorkflowStep = "validateBiomarkers"
	StepComplete           WorkflowStep = "complete"
	StepError              WorkflowStep = "error"
)

// workflowOrder is the linear progression; error sits outside it
var workflowOrder = []WorkflowStep{
	StepSelectDocument,
	StepUploadDocument,
	StepProcessing,
	StepOCRProcessing,
	StepClassifyDocument,
	StepExtractBiomarkers,
	StepAnalyzeData,
	StepReviewResults,
	StepValidateBiomarkers,
	StepComplete,
}

func (w WorkflowStep) index() int {
	for i, s := range workflowOrder {
		if s == w {
			return i
		}
	}
	return -1
}

// Next returns the step that follows w. complete restarts at selectDocument and
// error only leads back to selectDocument.
func (w WorkflowStep) Next() (WorkflowStep, bool) {
	switch w {
	case StepError, StepComplete:
		return StepSelectDocument, true
	}
	i := w.index()
	if i < 0 || i+1 >= len(workflowOrder) {
		return w, false
	}
	return workflowOrder[i+1], true
}

// Previous returns the step before w. There is nothing before selectDocument
// and error has no previous step.
func (w WorkflowStep) Previous() (WorkflowStep, bool) {
	i := w.index()
	if i <= 0 {
		return w, false
	}
	return workflowOrder[i-1], true
}

// IsProcessingStep reports whether the step belongs to the automatic part of the pipeline
func (w WorkflowStep) IsProcessingStep() bool {
	i := w.index()
	return i >= StepUploadDocument.index() && i <= StepClassifyDocument.index()
}
