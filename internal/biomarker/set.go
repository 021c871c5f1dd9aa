package biomarker

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

// ErrNotFound is returned when a biomarker id is not in the set
var ErrNotFound = errors.New("biomarker not found")

// Set is the reviewable biomarker list for one document. It is not safe for
// concurrent use; the session serializes access.
type Set struct {
	items []models.ExtractedBiomarker
}

// NewSet creates a set holding copies of items
func NewSet(items []models.ExtractedBiomarker) *Set {
	s := &Set{}
	for _, b := range items {
		s.items = append(s.items, copyBiomarker(b))
	}
	return s
}

// Len returns the number of biomarkers
func (s *Set) Len() int {
	return len(s.items)
}

// All returns copies of every biomarker in insertion order
func (s *Set) All() []models.ExtractedBiomarker {
	out := make([]models.ExtractedBiomarker, 0, len(s.items))
	for _, b := range s.items {
		out = append(out, copyBiomarker(b))
	}
	return out
}

// Update corrects a value in place. Manual correction always yields
// confidence 1.0 and method manual; numeric value and status are re-derived.
// A nil unit leaves the unit unchanged.
func (s *Set) Update(id, value string, unit *string) (models.ExtractedBiomarker, error) {
	i := s.index(id)
	if i < 0 {
		return models.ExtractedBiomarker{}, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}

	b := &s.items[i]
	b.RawValue = strings.TrimSpace(value)
	b.NumericValue = ParseNumeric(b.RawValue)
	if unit != nil {
		b.Unit = strings.TrimSpace(*unit)
	}
	b.Confidence = 1.0
	b.Method = models.ExtractionManual
	b.RawStatus = ""
	b.Status = StatusFromRange(b.NumericValue, b.ReferenceRange)

	return copyBiomarker(*b), nil
}

// Remove deletes a biomarker, reporting whether it existed
func (s *Set) Remove(id string) bool {
	i := s.index(id)
	if i < 0 {
		return false
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return true
}

// AddManual appends a user-entered biomarker
func (s *Set) AddManual(name, value, unit, category string) (models.ExtractedBiomarker, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.ExtractedBiomarker{}, fmt.Errorf("biomarker name is required")
	}
	if strings.TrimSpace(category) == "" {
		category = CategoryFor(name)
	}

	b := models.ExtractedBiomarker{
		ID:           uuid.NewString(),
		Name:         name,
		RawValue:     strings.TrimSpace(value),
		NumericValue: ParseNumeric(value),
		Unit:         strings.TrimSpace(unit),
		Status:       models.BiomarkerUnknown,
		Confidence:   1.0,
		Method:       models.ExtractionManual,
		Category:     category,
	}
	s.items = append(s.items, b)
	return copyBiomarker(b), nil
}

// NeedingValidation returns every record below HighConfidenceThreshold
func (s *Set) NeedingValidation() []models.ExtractedBiomarker {
	var out []models.ExtractedBiomarker
	for _, b := range s.items {
		if b.Confidence < HighConfidenceThreshold {
			out = append(out, copyBiomarker(b))
		}
	}
	return out
}

// Summary derives the processing summary. Overall confidence is the result's
// own confidence for remote extraction and the mean biomarker confidence for
// local extraction.
func (s *Set) Summary(documentID string, result *models.OCRResult) models.ProcessingSummary {
	summary := models.ProcessingSummary{
		DocumentID:     documentID,
		TotalExtracted: len(s.items),
		Categories:     []string{},
		CompletedAt:    time.Now(),
	}

	seen := map[string]bool{}
	var sum float64
	for _, b := range s.items {
		if b.Confidence >= HighConfidenceThreshold {
			summary.HighConfidenceCount++
		}
		if b.Category != "" && !seen[b.Category] {
			seen[b.Category] = true
			summary.Categories = append(summary.Categories, b.Category)
		}
		sum += b.Confidence
	}
	sort.Strings(summary.Categories)

	if result == nil {
		return summary
	}
	summary.Method = result.Method
	summary.IsFallback = result.IsFallback

	switch {
	case result.Method == models.MethodRemote:
		summary.OverallConfidence = clampConfidence(result.Confidence)
	case len(s.items) > 0:
		summary.OverallConfidence = clampConfidence(sum / float64(len(s.items)))
	}
	return summary
}

func (s *Set) index(id string) int {
	for i, b := range s.items {
		if b.ID == id {
			return i
		}
	}
	return -1
}

func copyBiomarker(b models.ExtractedBiomarker) models.ExtractedBiomarker {
	if b.NumericValue != nil {
		v := *b.NumericValue
		b.NumericValue = &v
	}
	return b
}
