// Package cmd defines the tubecrawler command line.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/tubecrawler/internal/config"
	"github.com/JakeFAU/tubecrawler/internal/server"
	"github.com/JakeFAU/tubecrawler/internal/taskstore"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands drive. Run and Crawl both close it.
type App interface {
	Run(ctx context.Context) error
	Crawl(ctx context.Context, seeds server.Seeds) (map[string]taskstore.IDs, error)
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "tubecrawler",
		Short: "Crawls videos, channels and searches from a video platform.",
		Long: `tubecrawler walks search results, videos and channels through three
deduplicating work queues and writes each crawled record to the configured
sinks. Run it once with "crawl" or as a service with "serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Subcommands find the built App in their context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file; CRAWLER_ environment variables override it")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}
