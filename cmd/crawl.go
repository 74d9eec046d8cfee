package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

// newCrawlCmd builds "crawl" for sequential mode and "acrawl" for concurrent
// mode. Both block until the crawl finishes and print the run.
func newCrawlCmd(mode crawler.Mode) *cobra.Command {
	var (
		maxDepth    int
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "crawl <base-url>",
		Short: "Crawl a site with a single worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			crawls := appInstance.Crawls()
			if !cmd.Flags().Changed("max-depth") {
				maxDepth = crawls.DefaultMaxDepth()
			}
			req := crawler.CrawlRequest{
				BaseURL:     args[0],
				MaxDepth:    maxDepth,
				Mode:        mode,
				Concurrency: concurrency,
			}
			run, err := crawls.Crawl(cmd.Context(), req)
			if run.ID != "" {
				if perr := writeJSONTo(cmd.OutOrStdout(), run); perr != nil {
					return perr
				}
			}
			if err != nil {
				return fmt.Errorf("crawl %s: %w", args[0], err)
			}
			appInstance.Logger().Info("crawl finished",
				zap.String("run_id", run.ID),
				zap.Int("pages_completed", run.Counters.PagesCompleted),
			)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "maximum link depth from the base URL (default from config)")
	if mode == crawler.ModeConcurrent {
		cmd.Use = "acrawl <base-url>"
		cmd.Short = "Crawl a site with a pool of workers"
		cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of workers (default from config)")
	}
	return cmd
}

func newRecoverCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "recover [base-url]",
		Short: "Repair interrupted crawl state so it can resume",
		Args: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("pass exactly one base URL or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if all {
				reports, err := appInstance.Crawls().RecoverAll(cmd.Context())
				if err != nil {
					return fmt.Errorf("recover all: %w", err)
				}
				return writeJSONTo(cmd.OutOrStdout(), reports)
			}
			report, err := appInstance.Crawls().Recover(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("recover %s: %w", args[0], err)
			}
			return writeJSONTo(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "recover every base URL with unfinished records")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the crawl queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Run(cmd.Context()); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			appInstance.Logger().Info("server stopped")
			return nil
		},
	}
}
