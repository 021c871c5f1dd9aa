package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/adverant/nexus/labreport-pipeline/internal/ingest"
	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
	"github.com/adverant/nexus/labreport-pipeline/internal/processor"
	"github.com/adverant/nexus/labreport-pipeline/internal/session"
)

func watchCmd() *cobra.Command {
	var (
		initial     bool
		concurrency int64
		metricsAddr string
		debounce    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch DIR",
		Short: "Process every lab report dropped into a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if metricsAddr == "" {
				metricsAddr = cfg.MetricsAddr
			}

			ctx := cmd.Context()
			s, err := buildStack(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				s.close(drainCtx)
			}()

			srv := &http.Server{Addr: metricsAddr, Handler: metricsMux(s)}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.logger.Warn("Metrics server stopped", "error", err)
				}
			}()
			defer srv.Close()

			files, err := ingest.Watch(ctx, ingest.WatchConfig{
				Dir:         args[0],
				InitialScan: initial,
				Debounce:    debounce,
				Logger:      logging.NewLogger("Watcher"),
			})
			if err != nil {
				return err
			}

			var (
				outMu sync.Mutex
				wg    sync.WaitGroup
			)
			sem := semaphore.NewWeighted(concurrency)
			emit := func(r documentReport) {
				outMu.Lock()
				defer outMu.Unlock()
				_ = writeJSON(cmd.OutOrStdout(), r)
			}

			for path := range files {
				if err := sem.Acquire(ctx, 1); err != nil {
					break
				}
				wg.Add(1)
				go func(path string) {
					defer wg.Done()
					defer sem.Release(1)
					emit(ingestFile(ctx, s.session, path))
				}(path)
			}
			wg.Wait()
			return nil
		},
	}

	cmd.Flags().BoolVar(&initial, "initial-scan", false, "Also process files already in DIR")
	cmd.Flags().Int64Var(&concurrency, "concurrency", 2, "Documents processed at once")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address for /metrics (default METRICS_ADDR)")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "Quiet period before a new file is read")
	return cmd
}

func metricsMux(s *stack) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if s.store != nil {
			if err := s.store.Ping(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ingestFile selects one file into the session and waits for it to settle
func ingestFile(ctx context.Context, m *session.Manager, path string) documentReport {
	data, err := os.ReadFile(path)
	if err != nil {
		return documentReport{Error: err.Error()}
	}
	docs, err := m.SelectDocuments([]processor.Item{{Filename: filepath.Base(path), Data: data}})
	if len(docs) == 0 {
		if err == nil {
			err = errors.New("no document created")
		}
		return documentReport{Error: err.Error()}
	}

	doc := awaitSettled(ctx, m, docs[0].ID)
	// a long-running watch must not accumulate settled documents
	if doc != nil && doc.Status.IsTerminal() {
		m.RemoveDocument(doc.ID)
	}
	r := documentReport{Document: viewOf(doc)}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func awaitSettled(ctx context.Context, m *session.Manager, docID string) *models.Document {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		doc, ok := m.Document(docID)
		if !ok || doc.Status.IsTerminal() {
			return doc
		}
		select {
		case <-ctx.Done():
			return doc
		case <-ticker.C:
		}
	}
}
