package cmd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/tubecrawler/internal/server"
)

func newCrawlCmd() *cobra.Command {
	var seeds server.Seeds
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls the given seeds until every queue is idle",
		Long: `Enqueues the given searches, videos and channels, runs the pipeline
until nothing is pending or in progress, prints a per-queue summary and exits.
Searches feed videos and videos feed their channels.`,
		Example: `  tubecrawler crawl --video dQw4w9WgXcQ
  tubecrawler crawl --search "golang tutorial" --channel @golang`,

		// Args runs before the root builds the App.
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.NoArgs(cmd, args); err != nil {
				return err
			}
			if seeds.Empty() {
				return errors.New("at least one of --video, --channel or --search is required")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			result, err := appInstance.Crawl(cmd.Context(), seeds)
			if err != nil {
				return fmt.Errorf("crawl: %w", err)
			}

			names := make([]string, 0, len(result))
			for name := range result {
				names = append(names, name)
			}
			sort.Strings(names)
			out := cmd.OutOrStdout()
			for _, name := range names {
				ids := result[name]
				fmt.Fprintf(out, "%-8s succeeded=%d failed=%d\n", name, len(ids.Succeeded), len(ids.Failed))
				for _, id := range ids.Failed {
					fmt.Fprintf(out, "  failed: %s\n", id)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&seeds.Videos, "video", nil, "video id to crawl (repeatable)")
	cmd.Flags().StringSliceVar(&seeds.Channels, "channel", nil, "channel id or @handle to crawl (repeatable)")
	cmd.Flags().StringArrayVar(&seeds.Searches, "search", nil, "search query to crawl (repeatable)")
	return cmd
}
