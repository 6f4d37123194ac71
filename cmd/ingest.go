package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinsantos/licitometro-sub001/internal/logging"
	"github.com/martinsantos/licitometro-sub001/internal/session"
)

var ingestSource string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Crawl the active sources once and enrich what was found",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := logging.L

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		// Enrichment runs alongside the crawl; its context outlives the
		// sessions so queued detail fetches can drain.
		enrichCtx, stopEnrich := context.WithCancel(ctx)
		defer stopEnrich()
		a.pipeline.Start(enrichCtx)

		sink := a.crawlSink()
		var summaries []session.Summary
		if ingestSource != "" {
			summary, err := a.runner.RunSource(ctx, ingestSource, sink)
			if err != nil {
				return err
			}
			summaries = append(summaries, summary)
		} else {
			summaries, err = a.runner.RunAll(ctx, sink)
			if err != nil {
				return err
			}
		}

		for _, s := range summaries {
			logger.Info("session finished",
				zap.String("source", s.SourceID),
				zap.String("state", string(s.State)),
				zap.Int("pages", s.Pages),
				zap.Int("items", s.Items),
				zap.Error(s.Err),
			)
		}

		drainQueue(ctx, a, logger)
		stopEnrich()
		a.pipeline.Wait()
		return nil
	},
}

// drainQueue waits for the enrichment backlog to empty, bounded so a
// stuck source cannot hold the process forever.
func drainQueue(ctx context.Context, a *app, logger *zap.Logger) {
	deadline := time.After(10 * time.Minute)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			logger.Warn("enrichment drain timed out", zap.Int("remaining", a.queue.Depth()))
			return
		case <-ticker.C:
			if a.queue.Depth() == 0 {
				return
			}
		}
	}
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "crawl a single source by id")
	rootCmd.AddCommand(ingestCmd)
}
