package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

func newSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manages crawl sources",
	}
	cmd.AddCommand(newSourcesAddCmd())
	return cmd
}

func newSourcesAddCmd() *cobra.Command {
	var (
		source crawler.Source
		kind   string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Registers a website or webpage source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			switch crawler.SourceKind(kind) {
			case crawler.SourceKindWebsite, crawler.SourceKindWebpage:
				source.Kind = crawler.SourceKind(kind)
			default:
				return fmt.Errorf("unsupported source kind %q", kind)
			}
			created, err := appInstance.AddSource(cmd.Context(), source)
			if err != nil {
				return fmt.Errorf("add source: %w", err)
			}
			return printJSON(cmd, created)
		},
	}
	f := cmd.Flags()
	f.StringVar(&source.URL, "url", "", "root URL of the source")
	f.StringVar(&kind, "kind", string(crawler.SourceKindWebsite), "source kind: website or webpage")
	f.StringVar(&source.Niche, "niche", "", "topic used to score page relevance")
	f.StringVar(&source.Language, "language", "", "content language")
	f.IntVar(&source.Constraints.MaxPages, "max-pages", 0, "maximum pages to track (0 uses the default)")
	f.IntVar(&source.Constraints.StalenessDays, "staleness-days", 0, "days before a scraped page is refreshed")
	f.IntVar(&source.Constraints.DiscoveryDepth, "depth", 0, "link depth explored during discovery")
	f.StringSliceVar(&source.Constraints.ExcludePaths, "exclude", nil, "path patterns skipped during discovery")
	f.BoolVar(&source.Constraints.SkipChunking, "skip-chunking", false, "store content hashes without chunking")
	f.BoolVar(&source.Constraints.RespectRobots, "respect-robots", true, "honor robots.txt")
	f.BoolVar(&source.Constraints.AutoRefresh, "auto-refresh", false, "include in the scheduled refresh")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}
