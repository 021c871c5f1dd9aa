/**
 * Upload Status Monitor
 *
 * One live monitor per report id. Each monitor forwards the remote status
 * stream through a buffer-depth-1 channel where the newest update replaces an
 * unread one, so a lagging consumer always sees the latest state and the
 * terminal update is never lost.
 */

package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

// StatusSource produces the remote status stream for a report
type StatusSource interface {
	StatusStream(ctx context.Context, reportID string) (<-chan models.StatusUpdate, error)
}

// Publisher receives every forwarded update (e.g. redis pub/sub)
type Publisher interface {
	PublishStatus(ctx context.Context, update models.StatusUpdate) error
}

type watch struct {
	cancel context.CancelFunc
	out    chan models.StatusUpdate
	done   chan struct{}
}

// Monitor owns the map of live status monitors
type Monitor struct {
	source    StatusSource
	publisher Publisher
	logger    *logging.Logger

	mu   sync.Mutex
	live map[string]*watch
}

// Option configures a Monitor
type Option func(*Monitor)

// WithPublisher forwards every update to p
func WithPublisher(p Publisher) Option {
	return func(m *Monitor) { m.publisher = p }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// New creates a monitor reading from source
func New(source StatusSource, opts ...Option) *Monitor {
	m := &Monitor{
		source: source,
		logger: logging.NewLogger("StatusMonitor"),
		live:   make(map[string]*watch),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartMonitoring starts the monitor for reportID, first cancelling and
// waiting out any live monitor for the same id. The returned channel closes
// after a terminal update, when the source ends, or when the monitor is
// stopped.
func (m *Monitor) StartMonitoring(ctx context.Context, reportID string) (<-chan models.StatusUpdate, error) {
	if reportID == "" {
		return nil, fmt.Errorf("report id is required")
	}

	m.mu.Lock()
	for {
		prev, ok := m.live[reportID]
		if !ok {
			break
		}
		delete(m.live, reportID)
		m.mu.Unlock()

		m.logger.Info("Replacing live monitor", "report_id", reportID)
		prev.cancel()
		<-prev.done

		m.mu.Lock()
	}

	wctx, cancel := context.WithCancel(ctx)
	src, err := m.source.StatusStream(wctx, reportID)
	if err != nil {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("start status stream for %s: %w", reportID, err)
	}

	w := &watch{
		cancel: cancel,
		out:    make(chan models.StatusUpdate, 1),
		done:   make(chan struct{}),
	}
	m.live[reportID] = w
	m.mu.Unlock()

	m.logger.Debug("Monitor started", "report_id", reportID)
	go m.forward(wctx, reportID, w, src)
	return w.out, nil
}

func (m *Monitor) forward(ctx context.Context, reportID string, w *watch, src <-chan models.StatusUpdate) {
	defer func() {
		m.mu.Lock()
		if m.live[reportID] == w {
			delete(m.live, reportID)
		}
		m.mu.Unlock()

		w.cancel()
		close(w.out)
		close(w.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-src:
			if !ok {
				return
			}
			if u.ReportID == "" {
				u.ReportID = reportID
			}

			if m.publisher != nil {
				if err := m.publisher.PublishStatus(ctx, u); err != nil {
					m.logger.Warn("Failed to publish status update", "report_id", reportID, "error", err)
				}
			}

			offerLatest(w.out, u)

			if u.Status.IsTerminal() {
				m.logger.Debug("Monitor reached terminal status", "report_id", reportID, "status", u.Status)
				return
			}
		}
	}
}

// offerLatest puts u in a depth-1 channel, dropping an unread stale value.
// Only the owning forwarder sends, so the loop ends after at most one drop.
func offerLatest(ch chan models.StatusUpdate, u models.StatusUpdate) {
	for {
		select {
		case ch <- u:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// StopMonitoring cancels the monitor for reportID and waits for it to exit.
// It reports whether a live monitor existed.
func (m *Monitor) StopMonitoring(reportID string) bool {
	m.mu.Lock()
	w, ok := m.live[reportID]
	if ok {
		delete(m.live, reportID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	w.cancel()
	<-w.done
	m.logger.Debug("Monitor stopped", "report_id", reportID)
	return true
}

// Active lists report ids with a live monitor
func (m *Monitor) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every live monitor
func (m *Monitor) Close() {
	for _, id := range m.Active() {
		m.StopMonitoring(id)
	}
}
