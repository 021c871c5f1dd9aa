package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/labreport-pipeline/internal/models"
	"github.com/adverant/nexus/labreport-pipeline/internal/processor"
	"github.com/adverant/nexus/labreport-pipeline/internal/session"
)

// documentView is the printable part of a document
type documentView struct {
	ID             string                  `json:"id"`
	Filename       string                  `json:"filename"`
	MIMEType       string                  `json:"mimeType"`
	Size           int64                   `json:"size"`
	Status         models.ProcessingStatus `json:"status"`
	HealthCategory string                  `json:"healthCategory,omitempty"`
	OCRConfidence  float64                 `json:"ocrConfidence,omitempty"`
	Metadata       map[string]string       `json:"metadata,omitempty"`
}

func viewOf(d *models.Document) *documentView {
	if d == nil {
		return nil
	}
	return &documentView{
		ID:             d.ID,
		Filename:       d.Filename,
		MIMEType:       d.MIMEType,
		Size:           d.Size,
		Status:         d.Status,
		HealthCategory: d.HealthCategory,
		OCRConfidence:  d.OCRConfidence,
		Metadata:       d.Metadata,
	}
}

// documentReport is the per-document output of process and watch
type documentReport struct {
	Document   *documentView               `json:"document,omitempty"`
	Biomarkers []models.ExtractedBiomarker `json:"biomarkers,omitempty"`
	Summary    *models.ProcessingSummary   `json:"summary,omitempty"`
	Review     []string                    `json:"needsReview,omitempty"`
	Error      string                      `json:"error,omitempty"`
}

type processOutput struct {
	Documents   []documentReport            `json:"documents"`
	Performance models.PerformanceAnalytics `json:"performance"`
}

func processCmd() *cobra.Command {
	var (
		drain time.Duration
		batch bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "process FILE...",
		Short: "Extract biomarkers from lab report files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			items, err := readItems(args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := buildStack(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				drainCtx, cancel := context.WithTimeout(context.Background(), drain)
				defer cancel()
				s.close(drainCtx)
			}()

			var out processOutput
			if batch {
				prefs, err := s.prefs.Load()
				if err != nil {
					return err
				}
				b := batchRun{router: s.router, intake: s.intake, cfg: prefs.Router, limit: limit, logger: s.logger}
				if s.store != nil {
					b.store = s.store
				}
				out.Documents = b.run(ctx, items)
			} else {
				stopOnCancel := context.AfterFunc(ctx, s.session.CancelProcessing)
				defer stopOnCancel()
				out.Documents = runSession(ctx, s.session, items)
			}
			out.Performance = s.tracker.Analytics()
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().BoolVar(&batch, "batch", false, "Route all files concurrently, skipping the review workflow")
	cmd.Flags().IntVar(&limit, "concurrency", 4, "Documents routed at once with --batch")
	cmd.Flags().DurationVar(&drain, "drain-timeout", 10*time.Second, "How long to wait for uploads on exit")
	return cmd
}

// runSession walks every item through the session one at a time, advancing
// the workflow to completion for each document that yields biomarkers
func runSession(ctx context.Context, m *session.Manager, items []processor.Item) []documentReport {
	docs, err := m.SelectDocuments(items)
	var reports []documentReport
	if err != nil && len(docs) == 0 {
		return []documentReport{{Error: err.Error()}}
	}

	for i, doc := range docs {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			m.ResetForNewDocument()
			if err := m.ProcessDocument(doc.ID); err != nil {
				reports = append(reports, documentReport{Document: viewOf(doc), Error: err.Error()})
				continue
			}
		}
		m.Wait()
		reports = append(reports, collect(m, doc.ID))
	}
	if err != nil {
		reports = append(reports, documentReport{Error: err.Error()})
	}
	return reports
}

func collect(m *session.Manager, docID string) documentReport {
	r := documentReport{}
	doc, _ := m.Document(docID)
	r.Document = viewOf(doc)

	snap := m.Snapshot()
	if snap.ProcessingError != nil {
		r.Error = snap.ProcessingError.Error()
		return r
	}
	if snap.ActiveDocumentID != docID {
		return r
	}

	for _, b := range m.BiomarkersNeedingValidation() {
		r.Review = append(r.Review, b.Name)
	}
	// extractBiomarkers -> reviewResults -> complete
	for snap.Step != models.StepComplete {
		if err := m.ProceedToNextStep(); err != nil {
			r.Error = err.Error()
			break
		}
		snap = m.Snapshot()
	}
	r.Biomarkers = m.Biomarkers()
	r.Summary = m.Summary()
	doc, _ = m.Document(docID)
	r.Document = viewOf(doc)
	return r
}

func readItems(paths []string) ([]processor.Item, error) {
	items := make([]processor.Item, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		items = append(items, processor.Item{Filename: filepath.Base(p), Data: data})
	}
	return items, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
