/**
 * Performance tracker
 *
 * Aggregates every extraction attempt per method and recommends the method
 * with the best success rate (lower average latency breaks ties). Updates come
 * from concurrent routes and are serialized by a mutex.
 */

package tracker

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

var methods = []models.OCRMethod{models.MethodRemote, models.MethodLocal}

type totals struct {
	operations int
	successes  int
	latency    time.Duration
	quality    float64 // summed over successful attempts
}

func (t *totals) stats() models.MethodStats {
	s := models.MethodStats{
		Operations: t.operations,
		Successes:  t.successes,
	}
	if t.operations > 0 {
		s.SuccessRate = float64(t.successes) / float64(t.operations)
		s.AverageLatency = t.latency / time.Duration(t.operations)
	}
	if t.successes > 0 {
		s.AverageQuality = t.quality / float64(t.successes)
	}
	return s
}

// Tracker records attempts and exposes analytics
type Tracker struct {
	mu          sync.Mutex
	totals      map[models.OCRMethod]*totals
	recommended models.OCRMethod
	metrics     *metrics
	logger      *logging.Logger
}

// Option configures a Tracker
type Option func(*Tracker)

// WithRegisterer exports the tracker's metrics on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(t *Tracker) {
		t.metrics = newMetrics(reg)
	}
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New creates an empty tracker
func New(opts ...Option) *Tracker {
	t := &Tracker{
		totals:      make(map[models.OCRMethod]*totals, len(methods)),
		recommended: models.MethodRemote,
		logger:      logging.Nop(),
	}
	for _, m := range methods {
		t.totals[m] = &totals{}
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.metrics != nil {
		t.metrics.setRecommended(t.recommended)
	}
	return t
}

// Record adds one attempt and recomputes the recommendation
func (t *Tracker) Record(method models.OCRMethod, latency time.Duration, success bool, quality float64) {
	if math.IsNaN(quality) || quality < 0 {
		quality = 0
	}
	if quality > 1 {
		quality = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tot, ok := t.totals[method]
	if !ok {
		tot = &totals{}
		t.totals[method] = tot
	}
	tot.operations++
	tot.latency += latency
	if success {
		tot.successes++
		tot.quality += quality
	}

	prev := t.recommended
	t.recommended = t.recommend()

	if t.metrics != nil {
		t.metrics.observe(method, latency, success, quality)
		if prev != t.recommended {
			t.metrics.setRecommended(t.recommended)
		}
	}
	if prev != t.recommended {
		t.logger.Info("Recommended OCR method changed", "from", prev, "to", t.recommended)
	}
}

// Analytics returns a snapshot of per-method statistics
func (t *Tracker) Analytics() models.PerformanceAnalytics {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := models.PerformanceAnalytics{
		Methods:     make(map[models.OCRMethod]models.MethodStats, len(t.totals)),
		Recommended: t.recommended,
	}
	for m, tot := range t.totals {
		out.Methods[m] = tot.stats()
	}
	return out
}

// Recommended returns the currently recommended method
func (t *Tracker) Recommended() models.OCRMethod {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recommended
}

// recommend must be called with mu held. A method without attempts counts
// as a zero success rate.
func (t *Tracker) recommend() models.OCRMethod {
	remote := t.totals[models.MethodRemote].stats()
	local := t.totals[models.MethodLocal].stats()

	if remote.Operations == 0 && local.Operations == 0 {
		return models.MethodRemote
	}

	const eps = 1e-9
	switch {
	case remote.SuccessRate > local.SuccessRate+eps:
		return models.MethodRemote
	case local.SuccessRate > remote.SuccessRate+eps:
		return models.MethodLocal
	case local.AverageLatency < remote.AverageLatency:
		return models.MethodLocal
	}
	return models.MethodRemote
}
