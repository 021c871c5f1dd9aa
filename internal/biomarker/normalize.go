package biomarker

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

var (
	thousandsPattern = regexp.MustCompile(`^\d{1,3}(,\d{3})+(\.\d+)?$`)
	intervalPattern  = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*(?:-|–|to)\s*(\d+(?:\.\d+)?)\s*$`)
	boundPattern     = regexp.MustCompile(`^\s*(<=|>=|<|>|≤|≥)\s*(\d+(?:\.\d+)?)\s*$`)
)

// ParseNumeric returns the numeric value of raw, or nil when raw is not a plain
// number. Thousands separators are accepted; qualifiers like "<5" are not.
func ParseNumeric(raw string) *float64 {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	if thousandsPattern.MatchString(s) {
		s = strings.ReplaceAll(s, ",", "")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Range is a parsed reference range. A missing bound is nil.
type Range struct {
	Low  *float64
	High *float64
}

// ParseRange understands "12-16", "12.0 – 16.0", "3.5 to 5", "<200" and ">= 40"
func ParseRange(s string) (Range, bool) {
	s = strings.Trim(strings.TrimSpace(s), "()[]")
	if m := intervalPattern.FindStringSubmatch(s); m != nil {
		lo, _ := strconv.ParseFloat(m[1], 64)
		hi, _ := strconv.ParseFloat(m[2], 64)
		if lo > hi {
			lo, hi = hi, lo
		}
		return Range{Low: &lo, High: &hi}, true
	}
	if m := boundPattern.FindStringSubmatch(s); m != nil {
		v, _ := strconv.ParseFloat(m[2], 64)
		switch m[1] {
		case "<", "<=", "≤":
			return Range{High: &v}, true
		default:
			return Range{Low: &v}, true
		}
	}
	return Range{}, false
}

// StatusFromRange classifies value against a reference range. Values beyond
// twice the distance of the range width from the nearest bound are critical.
func StatusFromRange(value *float64, referenceRange string) models.BiomarkerStatus {
	if value == nil {
		return models.BiomarkerUnknown
	}
	r, ok := ParseRange(referenceRange)
	if !ok {
		return models.BiomarkerUnknown
	}

	v := *value
	width := 0.0
	if r.Low != nil && r.High != nil {
		width = *r.High - *r.Low
	}

	switch {
	case r.Low != nil && v < *r.Low:
		if width > 0 && *r.Low-v > 2*width {
			return models.BiomarkerCritical
		}
		return models.BiomarkerLow
	case r.High != nil && v > *r.High:
		if width > 0 && v-*r.High > 2*width {
			return models.BiomarkerCritical
		}
		return models.BiomarkerHigh
	}
	return models.BiomarkerNormal
}

// MapRemoteStatus maps the analysis service's status vocabulary onto the local
// one. High and low stay distinct; the raw value is kept on the record anyway.
func MapRemoteStatus(raw string) models.BiomarkerStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)

	switch {
	case s == "":
		return models.BiomarkerUnknown
	case strings.Contains(s, "critical"), strings.Contains(s, "panic"):
		return models.BiomarkerCritical
	case s == "normal", s == "optimal", s == "within range", s == "in range", s == "ok":
		return models.BiomarkerNormal
	case s == "high", s == "elevated", s == "above range", s == "h":
		return models.BiomarkerHigh
	case s == "low", s == "decreased", s == "below range", s == "l":
		return models.BiomarkerLow
	case strings.Contains(s, "borderline"), strings.Contains(s, "abnormal"), strings.Contains(s, "out of range"):
		return models.BiomarkerAbnormal
	}
	return models.BiomarkerUnknown
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
