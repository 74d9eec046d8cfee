// Package cmd defines the topiccrawler command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/config"
	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/recovery"
	"github.com/JakeFAU/topic-crawler/internal/server"
	"github.com/JakeFAU/topic-crawler/internal/service"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// Crawls is the slice of the crawl service the commands drive.
type Crawls interface {
	DefaultMaxDepth() int
	Crawl(ctx context.Context, req crawler.CrawlRequest) (crawler.Run, error)
	Status(ctx context.Context, baseURL string) (service.StatusReport, error)
	Results(ctx context.Context, q service.ResultsQuery) ([]crawler.Record, error)
	Recover(ctx context.Context, baseURL string) (recovery.Report, error)
	RecoverAll(ctx context.Context) ([]recovery.Report, error)
	AddTopics(labels []string) []string
	Topics() []string
}

// App is what commands need from the wired application. Tests swap newApp
// to inject a fake.
type App interface {
	Crawls() Crawls
	Logger() *zap.Logger
	Run(ctx context.Context) error
	Close() error
}

type serverApp struct {
	*server.App
}

func (a serverApp) Crawls() Crawls {
	return a.Service()
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return serverApp{app}, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "topiccrawler",
		Short: "Crawls a site breadth-first and labels every page with a topic.",
		Long: `topiccrawler walks every page reachable from a base URL up to a depth
limit, extracts titles and links, and classifies each page into a topic.
Crawl state is durable, so an interrupted crawl resumes where it stopped.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				if err := appInstance.Close(); err != nil {
					appInstance.Logger().Warn("shutdown incomplete", zap.Error(err))
				}
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(
		newServeCmd(),
		newCrawlCmd(crawler.ModeSequential),
		newCrawlCmd(crawler.ModeConcurrent),
		newStatusCmd(),
		newResultsCmd(),
		newTopicsCmd(),
		newRecoverCmd(),
	)
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
