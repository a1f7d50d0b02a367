// Package cmd holds the fds-service command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orbitalops/fds-service/internal/app"
	"github.com/orbitalops/fds-service/internal/core/supervisor"
	"github.com/orbitalops/fds-service/internal/infrastructure/config"
	"github.com/orbitalops/fds-service/pkg/logger"
)

type rootArgs struct {
	check  bool
	pretty bool
}

// GetRootCmd returns the root command bound to args.
func GetRootCmd(args []string) *cobra.Command {
	ra := &rootArgs{}
	rootCmd := &cobra.Command{
		Use:          "fds-service <config.json>",
		Short:        "Dispatches flight dynamics requests to module processes",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		Version:      app.Version,
		RunE: func(c *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(ctx, args[0])
			if err != nil {
				return err
			}
			if ra.check {
				return checkConfig(c, cfg)
			}
			return serve(ctx, cfg, ra)
		},
	}
	rootCmd.SetArgs(args)
	rootCmd.Flags().BoolVar(&ra.check, "check", false, "validate the configuration and module definitions, then exit")
	rootCmd.Flags().BoolVar(&ra.pretty, "pretty", false, "human readable console logs")
	return rootCmd
}

func checkConfig(c *cobra.Command, cfg *config.Config) error {
	defs, err := supervisor.LoadDefinitions(cfg.ModulesDefinitionFile)
	if err != nil {
		return err
	}
	codes := 0
	for _, d := range defs {
		codes += len(d.MessageCodes)
	}
	fmt.Fprintf(c.OutOrStdout(), "configuration ok: modules=%d message_codes=%d\n", len(defs), codes)
	return nil
}

func serve(ctx context.Context, cfg *config.Config, ra *rootArgs) error {
	log := logger.Init(logger.Options{
		Level:    cfg.LogLevel,
		Pretty:   cfg.LogPretty || ra.pretty,
		Filename: cfg.LogFilename,
	})
	defer logger.Close()

	svc, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return err
	}
	if err := svc.Run(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown finished with errors")
		return err
	}
	return nil
}
