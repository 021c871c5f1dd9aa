/**
 * Tesseract engine - on-device extraction
 *
 * Free, offline OCR. Used by the router as the low-latency path and as the
 * fallback when the remote analysis service is slow or unavailable.
 */

package tesseract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/labreport-pipeline/internal/processor"
)

// Engine runs gosseract. Each call gets its own client, so Engine is safe for
// concurrent use.
type Engine struct {
	defaultLanguages []string
}

// NewEngine creates an engine with default recognition languages
func NewEngine(languages []string) *Engine {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Engine{defaultLanguages: languages}
}

type outcome struct {
	rec *processor.Recognition
	err error
}

// Extract recognises text in an image. gosseract calls cannot be interrupted,
// so recognition runs in its own goroutine and Extract returns as soon as ctx
// is done; the abandoned client is closed when tesseract finishes.
func (e *Engine) Extract(ctx context.Context, image []byte, cfg processor.EngineConfig) (*processor.Recognition, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("empty image")
	}

	done := make(chan outcome, 1)
	go func() {
		rec, err := e.recognize(image, cfg)
		done <- outcome{rec: rec, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		return out.rec, out.err
	}
}

func (e *Engine) recognize(image []byte, cfg processor.EngineConfig) (*processor.Recognition, error) {
	startTime := time.Now()

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetImageFromBytes(image); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	languages := cfg.Languages
	if len(languages) == 0 {
		languages = e.defaultLanguages
	}
	if err := client.SetLanguage(languages...); err != nil {
		return nil, fmt.Errorf("set languages: %w", err)
	}

	if cfg.DPI > 0 {
		if err := client.SetVariable(gosseract.SettableVariable("user_defined_dpi"), fmt.Sprint(cfg.DPI)); err != nil {
			return nil, fmt.Errorf("set dpi: %w", err)
		}
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	words, avg := extractWords(client)
	if len(words) == 0 {
		avg = estimateConfidence(text)
	}

	return &processor.Recognition{
		Text:       strings.TrimSpace(text),
		Confidence: avg,
		Words:      words,
		Duration:   time.Since(startTime),
	}, nil
}

func extractWords(c *gosseract.Client) ([]processor.Word, float64) {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return nil, 0
	}

	words := make([]processor.Word, 0, len(boxes))
	var sum float64
	for _, b := range boxes {
		conf := b.Confidence / 100.0
		sum += conf
		words = append(words, processor.Word{
			Text:       b.Word,
			Confidence: conf,
			BoundingBox: processor.BoundingBox{
				X:      b.Box.Min.X,
				Y:      b.Box.Min.Y,
				Width:  b.Box.Dx(),
				Height: b.Box.Dy(),
			},
		})
	}
	return words, sum / float64(len(words))
}

// estimateConfidence is used when tesseract reports no word boxes
func estimateConfidence(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}

	confidence := 0.4

	words := strings.Fields(text)
	if len(words) > 20 {
		confidence += 0.1
	}

	alphaNum := 0
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			alphaNum++
		}
	}
	if ratio := float64(alphaNum) / float64(len(text)); ratio > 0.5 && ratio < 0.95 {
		confidence += 0.1
	}

	// Tesseract without word boxes never deserves high trust
	if confidence > 0.6 {
		confidence = 0.6
	}
	return confidence
}
