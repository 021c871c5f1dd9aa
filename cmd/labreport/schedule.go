package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

func scheduleCmd() *cobra.Command {
	var (
		priority string
		wait     time.Duration
		drain    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "schedule FILE...",
		Short: "Upload files in the background",
		Long: `Schedules an upload for every file and waits up to --wait for them to
finish. Uploads still running afterwards are handed to the background worker
through Redis.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePriority(priority)
			if err != nil {
				return err
			}
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

			var ids []string
			for _, item := range items {
				doc, err := s.intake.NewDocument(item)
				if err != nil {
					s.logger.Warn("Skipping file", "filename", item.Filename, "error", err)
					continue
				}
				id, err := s.scheduler.Schedule(doc, p)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}

			waitForUploads(ctx, s.scheduler.StatusOf, ids, wait)

			drainCtx, cancel := context.WithTimeout(context.Background(), drain)
			defer cancel()
			s.close(drainCtx)

			return writeJSON(cmd.OutOrStdout(), s.scheduler.AllStatuses())
		},
	}

	cmd.Flags().StringVar(&priority, "priority", string(models.PriorityNormal), "Upload priority (normal, high)")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "How long to wait before handing uploads off")
	cmd.Flags().DurationVar(&drain, "drain-timeout", 5*time.Second, "How long running uploads get to finish on exit")
	return cmd
}

func parsePriority(s string) (models.UploadPriority, error) {
	switch models.UploadPriority(s) {
	case models.PriorityNormal, models.PriorityHigh:
		return models.UploadPriority(s), nil
	}
	return "", fmt.Errorf("unknown priority %q (want normal or high)", s)
}

// waitForUploads polls until every task is terminal, ctx is done or limit elapses
func waitForUploads(ctx context.Context, statusOf func(string) (models.UploadTask, bool), ids []string, limit time.Duration) {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		done := true
		for _, id := range ids {
			if t, ok := statusOf(id); ok && !t.Status.IsTerminal() {
				done = false
				break
			}
		}
		if done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}
