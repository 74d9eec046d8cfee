package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/rodaine/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/service"
)

// resultRow flattens a record for table and CSV output.
type resultRow struct {
	URL       string `csv:"url"`
	Depth     int    `csv:"depth"`
	Topic     string `csv:"topic"`
	Title     string `csv:"title"`
	Links     int    `csv:"links"`
	SourceURL string `csv:"source_url"`
}

func toRows(records []crawler.Record) []resultRow {
	rows := make([]resultRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, resultRow{
			URL:       rec.URL,
			Depth:     rec.Depth,
			Topic:     rec.Topic,
			Title:     rec.TitleText(),
			Links:     len(rec.LinksToTexts),
			SourceURL: rec.SourceURL,
		})
	}
	return rows
}

func newResultsCmd() *cobra.Command {
	var (
		format   string
		output   string
		topic    string
		maxDepth int
	)
	cmd := &cobra.Command{
		Use:   "results <base-url>",
		Short: "List completed pages, optionally filtered by topic or depth",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			query := service.ResultsQuery{BaseURL: args[0], Topic: topic}
			if cmd.Flags().Changed("max-depth") {
				query.MaxDepth = &maxDepth
			}
			records, err := appInstance.Crawls().Results(cmd.Context(), query)
			if err != nil {
				return fmt.Errorf("results %s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer file.Close() //nolint:errcheck // best effort after a successful write
				out = file
			}
			return writeRecords(out, format, records)
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "output format: table, json or csv")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().StringVar(&topic, "topic", "", "only pages labelled with this topic")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "only pages at or above this depth")
	return cmd
}

func writeRecords(w io.Writer, format string, records []crawler.Record) error {
	switch strings.ToLower(format) {
	case "json":
		return writeJSONTo(w, records)
	case "csv":
		rows := toRows(records)
		if err := gocsv.Marshal(&rows, w); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
		return nil
	case "table", "":
		tbl := table.New("URL", "Depth", "Topic", "Title", "Links").WithWriter(w)
		for _, row := range toRows(records) {
			tbl.AddRow(row.URL, row.Depth, row.Topic, row.Title, row.Links)
		}
		tbl.Print()
		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <base-url>",
		Short: "Show per-status record counts for a base URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := appInstance.Crawls().Status(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("status %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s (%d records)\n", report.BaseURL, report.State, report.Total)
			tbl := table.New("Status", "Count").WithWriter(out)
			for _, status := range crawler.Statuses() {
				tbl.AddRow(status, report.Counts[status])
			}
			tbl.Print()
			if report.Exhausted > 0 {
				fmt.Fprintf(out, "%d queued record(s) used every attempt and will not be retried\n", report.Exhausted)
			}
			return nil
		},
	}
}

func newTopicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Inspect or extend the topic labels",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List the topic labels",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				appInstance, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				for _, label := range appInstance.Crawls().Topics() {
					fmt.Fprintln(cmd.OutOrStdout(), label)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "add <label>...",
			Short: "Add topic labels for this process",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				appInstance, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				labels := appInstance.Crawls().AddTopics(args)
				fmt.Fprintf(cmd.OutOrStdout(), "topics: %s\n", strings.Join(labels, ", "))
				return nil
			},
		},
	)
	return cmd
}

func writeJSONTo(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
