/**
 * Biomarker extraction
 *
 * Converts raw extraction output (OCR text, OCR results, remote analysis
 * payloads) into reviewable ExtractedBiomarker records.
 */

package biomarker

import (
	"bufio"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

const (
	// AnalysisConfidence is assigned to every biomarker from a remote analysis
	AnalysisConfidence = 0.95

	// HighConfidenceThreshold is the cutoff below which records need review
	HighConfidenceThreshold = 0.8
)

var (
	valueToken = regexp.MustCompile(`^[<>]?\d+(?:[.,]\d+)*$`)

	flagStatus = map[string]models.BiomarkerStatus{
		"H":        models.BiomarkerHigh,
		"HIGH":     models.BiomarkerHigh,
		"L":        models.BiomarkerLow,
		"LOW":      models.BiomarkerLow,
		"HH":       models.BiomarkerCritical,
		"LL":       models.BiomarkerCritical,
		"CRIT":     models.BiomarkerCritical,
		"CRITICAL": models.BiomarkerCritical,
		"*":        models.BiomarkerAbnormal,
		"A":        models.BiomarkerAbnormal,
	}

	// Lines whose leading label is one of these are report furniture, not results
	ignoredLabels = map[string]bool{
		"page": true, "date": true, "age": true, "dob": true, "patient": true,
		"phone": true, "tel": true, "fax": true, "id": true, "mrn": true,
		"report": true, "collected": true, "received": true, "reported": true,
		"sample": true, "specimen": true, "account": true, "order": true,
	}
)

// ParseText pulls biomarker rows out of OCR text. A row looks like
//
//	Hemoglobin   13.5   g/dL   12.0-16.0   L
//
// where unit, range and flag are optional. Confidence reflects how complete
// the row was: 0.5 for name and value, plus 0.25 each for unit and range.
func ParseText(text string) []models.ExtractedBiomarker {
	var out []models.ExtractedBiomarker

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		if b, ok := parseLine(scanner.Text()); ok {
			out = append(out, b)
		}
	}
	return out
}

func parseLine(line string) (models.ExtractedBiomarker, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return models.ExtractedBiomarker{}, false
	}

	vi := -1
	for i := 1; i < len(fields); i++ {
		if valueToken.MatchString(fields[i]) {
			vi = i
			break
		}
	}
	if vi < 0 {
		return models.ExtractedBiomarker{}, false
	}

	name := strings.TrimRight(strings.Join(fields[:vi], " "), ":.")
	if !hasLetter(name) || ignoredLabels[strings.ToLower(strings.TrimRight(fields[0], ":"))] {
		return models.ExtractedBiomarker{}, false
	}

	raw := fields[vi]
	rest := fields[vi+1:]

	status := models.BiomarkerUnknown
	if len(rest) > 0 {
		if s, ok := flagStatus[strings.ToUpper(rest[len(rest)-1])]; ok {
			status = s
			rest = rest[:len(rest)-1]
		}
	}

	unit := ""
	if len(rest) > 0 && isUnit(rest[0]) {
		unit = rest[0]
		rest = rest[1:]
	}

	refRange := ""
	if candidate := strings.Trim(strings.Join(rest, " "), "()[] "); candidate != "" {
		if _, ok := ParseRange(candidate); ok {
			refRange = candidate
		}
	}

	confidence := 0.5
	if unit != "" {
		confidence += 0.25
	}
	if refRange != "" {
		confidence += 0.25
	}

	b := models.ExtractedBiomarker{
		ID:             uuid.NewString(),
		Name:           name,
		RawValue:       raw,
		NumericValue:   ParseNumeric(raw),
		Unit:           unit,
		ReferenceRange: refRange,
		Status:         status,
		Confidence:     confidence,
		Method:         models.ExtractionLocal,
		Category:       CategoryFor(name),
	}
	if b.Status == models.BiomarkerUnknown {
		b.Status = StatusFromRange(b.NumericValue, refRange)
	}
	return b, true
}

func isUnit(tok string) bool {
	if _, ok := ParseRange(tok); ok {
		return false
	}
	if _, ok := flagStatus[strings.ToUpper(tok)]; ok {
		return false
	}
	for _, r := range tok {
		if unicode.IsLetter(r) || r == '%' || r == 'µ' {
			return true
		}
	}
	return false
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// FromOCR normalizes the biomarkers carried by an OCR result: ids are assigned,
// the method follows the result, confidence is clamped to [0,1] (missing
// confidence inherits the result's), numeric values are re-derived and status
// is filled from the reference range when absent.
func FromOCR(result *models.OCRResult) []models.ExtractedBiomarker {
	if result == nil {
		return nil
	}

	out := make([]models.ExtractedBiomarker, 0, len(result.Biomarkers))
	for _, b := range result.Biomarkers {
		if b.ID == "" {
			b.ID = uuid.NewString()
		}
		b.Method = models.ExtractionMethodFor(result.Method)
		if b.Confidence <= 0 {
			b.Confidence = result.Confidence
		}
		b.Confidence = clampConfidence(b.Confidence)
		b.NumericValue = ParseNumeric(b.RawValue)
		if b.Category == "" {
			b.Category = CategoryFor(b.Name)
		}
		if b.Status == "" || b.Status == models.BiomarkerUnknown {
			b.Status = StatusFromRange(b.NumericValue, b.ReferenceRange)
		}
		out = append(out, b)
	}
	return out
}

// FromAnalysis maps a categorised remote analysis onto biomarker records.
// Remote analysis is trusted more than raw OCR, so every record gets
// AnalysisConfidence.
func FromAnalysis(payload *models.AnalysisPayload) []models.ExtractedBiomarker {
	if payload == nil {
		return nil
	}

	var out []models.ExtractedBiomarker
	for _, cat := range payload.Categories {
		for _, ab := range cat.Biomarkers {
			if strings.TrimSpace(ab.Name) == "" {
				continue
			}

			category := cat.Category
			if category == "" {
				category = CategoryFor(ab.Name)
			}

			b := models.ExtractedBiomarker{
				ID:             uuid.NewString(),
				Name:           ab.Name,
				RawValue:       ab.Value,
				NumericValue:   ParseNumeric(ab.Value),
				Unit:           ab.Unit,
				ReferenceRange: ab.NormalRange,
				Status:         MapRemoteStatus(ab.Status),
				RawStatus:      ab.Status,
				Confidence:     AnalysisConfidence,
				Method:         models.ExtractionRemote,
				Category:       category,
			}
			if b.Status == models.BiomarkerUnknown {
				b.Status = StatusFromRange(b.NumericValue, b.ReferenceRange)
			}
			out = append(out, b)
		}
	}
	return out
}
