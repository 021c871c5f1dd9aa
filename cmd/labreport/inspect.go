package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/labreport-pipeline/internal/config"
	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
	"github.com/adverant/nexus/labreport-pipeline/internal/queue"
	"github.com/adverant/nexus/labreport-pipeline/internal/storage"
)

type statusReader interface {
	LatestStatus(ctx context.Context, reportID string) (*models.StatusUpdate, error)
}

type eventSource interface {
	Subscribe(ctx context.Context) (<-chan queue.Event, error)
}

type documentReader interface {
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	GetBiomarkers(ctx context.Context, documentID string) ([]models.ExtractedBiomarker, error)
}

// printStatus writes the last status stored for a report
func printStatus(ctx context.Context, w io.Writer, r statusReader, reportID string) error {
	u, err := r.LatestStatus(ctx, reportID)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("no status recorded for report %s", reportID)
	}
	return writeJSON(w, u)
}

// streamEvents writes each event as it arrives until ctx is done
func streamEvents(ctx context.Context, w io.Writer, src eventSource) error {
	events, err := src.Subscribe(ctx)
	if err != nil {
		return err
	}
	for e := range events {
		if err := writeJSON(w, e); err != nil {
			return err
		}
	}
	return nil
}

// showDocument writes a persisted document with its biomarkers
func showDocument(ctx context.Context, w io.Writer, r documentReader, docID string) error {
	doc, err := r.GetDocument(ctx, docID)
	if stderrors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("document %s has not been persisted", docID)
	}
	if err != nil {
		return err
	}
	items, err := r.GetBiomarkers(ctx, docID)
	if err != nil {
		return err
	}
	return writeJSON(w, documentReport{Document: viewOf(doc), Biomarkers: items})
}

func openPublisher(ctx context.Context, cfg *config.Config) (*queue.RedisPublisher, error) {
	return queue.NewRedisPublisher(ctx, cfg.RedisURL, logging.NewLogger("Events"))
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status REPORT_ID",
		Short: "Print the last known status of a remote analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pub, err := openPublisher(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pub.Close()
			return printStatus(cmd.Context(), cmd.OutOrStdout(), pub, args[0])
		},
	}
}

func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Follow pipeline events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pub, err := openPublisher(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pub.Close()
			return streamEvents(cmd.Context(), cmd.OutOrStdout(), pub)
		},
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show DOC_ID",
		Short: "Print a persisted document and its biomarkers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not set")
			}
			store, err := storage.NewPostgresStore(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer store.Close()
			return showDocument(cmd.Context(), cmd.OutOrStdout(), store, args[0])
		},
	}
}
