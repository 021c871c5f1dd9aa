package tracker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

type metrics struct {
	attempts    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	quality     *prometheus.HistogramVec
	recommended *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labreport",
			Subsystem: "ocr",
			Name:      "attempts_total",
			Help:      "Extraction attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "labreport",
			Subsystem: "ocr",
			Name:      "latency_seconds",
			Help:      "Extraction attempt latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"method"}),
		quality: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "labreport",
			Subsystem: "ocr",
			Name:      "quality",
			Help:      "Confidence of successful extraction attempts.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}, []string{"method"}),
		recommended: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "labreport",
			Subsystem: "ocr",
			Name:      "recommended",
			Help:      "1 for the currently recommended extraction method.",
		}, []string{"method"}),
	}

	if reg != nil {
		reg.MustRegister(m.attempts, m.latency, m.quality, m.recommended)
	}
	return m
}

func (m *metrics) observe(method models.OCRMethod, latency time.Duration, success bool, quality float64) {
	outcome := "failure"
	if success {
		outcome = "success"
		m.quality.WithLabelValues(string(method)).Observe(quality)
	}
	m.attempts.WithLabelValues(string(method), outcome).Inc()
	m.latency.WithLabelValues(string(method)).Observe(latency.Seconds())
}

func (m *metrics) setRecommended(method models.OCRMethod) {
	for _, candidate := range methods {
		v := 0.0
		if candidate == method {
			v = 1
		}
		m.recommended.WithLabelValues(string(candidate)).Set(v)
	}
}
