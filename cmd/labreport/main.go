/**
 * labreport - Lab Report Pipeline CLI
 *
 * Runs lab-report documents through the extraction pipeline from the
 * command line:
 * - process: route files through remote analysis or on-device OCR and print
 *   the extracted biomarkers
 * - schedule: upload files in the background, handing unfinished uploads to
 *   the worker on exit
 * - watch: process every report dropped into a directory
 * - prefs: show or change the persistent router preferences
 * - status, events, show: inspect remote analyses, live events and
 *   persisted documents
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/labreport-pipeline/internal/config"
	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
)

const (
	Version = "0.3.0"
	appName = "labreport"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		envFile  string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Lab report extraction pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
				fmt.Fprintf(os.Stderr, "Warning: %s not loaded: %v\n", envFile, err)
			}
			if logLevel == "" {
				logLevel = os.Getenv("LOG_LEVEL")
			}
			logging.SetLevel(logLevel)
			// quiet by default so JSON output stays readable
			if !cmd.Flags().Changed("log-level") && os.Getenv("LOG_LEVEL") == "" {
				logging.SetLevel("warn")
			}
			logging.SetOutput(os.Stderr)
		},
	}

	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		processCmd(),
		scheduleCmd(),
		watchCmd(),
		prefsCmd(),
		statusCmd(),
		eventsCmd(),
		showCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
