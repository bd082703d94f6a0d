package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type crawlOptions struct {
	sourceID string
	full     bool
	timeout  time.Duration
}

// newCrawlCmd runs one crawl in-process and waits until the source settles.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls one source and waits for it to finish",
		Long: `Submits a crawl for the given source and runs the job workers in this
process until the source reaches completed or failed. Website sources are
crawled incrementally unless --full is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.sourceID, "source", "", "source id to crawl")
	cmd.Flags().BoolVar(&opts.full, "full", false, "re-scrape every relevant page instead of only stale ones")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", time.Hour, "maximum time to wait for the crawl")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, opts *crawlOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if opts.sourceID == "" {
		return errors.New("--source is required")
	}

	ctx := cmd.Context()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	source, err := appInstance.RunCrawl(ctx, opts.sourceID, !opts.full)
	if err != nil {
		return fmt.Errorf("run crawl: %w", err)
	}
	return printJSON(cmd, source)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
