/**
 * OCR Types - Shared data structures for local extraction
 *
 * The local engine returns plain text plus word-level confidences; turning that
 * text into biomarkers is the biomarker package's job.
 */

package processor

import (
	"context"
	"time"
)

// Engine is an on-device text extraction engine
type Engine interface {
	Extract(ctx context.Context, image []byte, cfg EngineConfig) (*Recognition, error)
}

// EngineConfig tunes one extraction
type EngineConfig struct {
	Languages []string
	DPI       int
}

// Recognition is the output of one local extraction
type Recognition struct {
	Text       string
	Confidence float64
	Words      []Word
	Duration   time.Duration
}

// Word is a single recognised word
type Word struct {
	Text        string
	Confidence  float64
	BoundingBox BoundingBox
}

// BoundingBox represents coordinates of a region
type BoundingBox struct {
	X      int
	Y      int
	Width  int
	Height int
}
