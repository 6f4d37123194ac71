package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/martinsantos/licitometro-sub001/internal/api"
	"github.com/martinsantos/licitometro-sub001/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control API and the enrichment workers",
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

		a.pipeline.Start(ctx)

		server := api.NewServer(api.Config{
			Port:        cfg.Server.Port,
			AuthEnabled: cfg.Auth.Enabled,
			APIKey:      cfg.Auth.APIKey,
		}, a.catalog, a.sources, a.nodes, a.edges, a.matcher, a.pipeline, nil, logger.Named("api"))

		err = server.ListenAndServe(ctx)
		a.pipeline.Wait()
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
