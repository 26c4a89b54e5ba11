package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"handelsregister/internal/cache"
	tel "handelsregister/internal/components/telemetry"
	"handelsregister/internal/scrapers/handelsregister"
	"handelsregister/lib/restyutil"
	"handelsregister/lib/telemetry"
	"handelsregister/lib/util/serviceutil"

	"github.com/spf13/cobra"
)

type searchFlags struct {
	keywords       string
	mode           string
	registerNumber string
	court          string

	currentPrintout       bool
	chronologicalPrintout bool
	historicalPrintout    bool
	structuredContent     bool
	allDocuments          bool

	force       bool
	out         string
	concurrency int
}

var search searchFlags

func init() {
	flags := searchCmd.Flags()
	flags.StringVarP(&search.keywords, "keywords", "s", "", "Search for the provided keywords.")
	flags.StringVar(&search.mode, "mode", "all", "Keyword options: all=contain all keywords; any (min)=contain at least one keyword; exact=contain the exact company name.")
	flags.StringVar(&search.registerNumber, "register-number", "", "Only match this register number (non-digits are ignored).")
	flags.StringVar(&search.court, "court", "", "Only match this register court, as labelled on the portal.")

	flags.BoolVar(&search.currentPrintout, "ad", false, "Download the current printout ('Aktueller Abdruck').")
	flags.BoolVar(&search.chronologicalPrintout, "cd", false, "Download the chronological printout ('Chronologischer Abdruck').")
	flags.BoolVar(&search.historicalPrintout, "hd", false, "Download the historical printout ('Historischer Abdruck').")
	flags.BoolVar(&search.structuredContent, "si", false, "Download the structured register content as XML.")
	flags.BoolVar(&search.allDocuments, "docs", false, "Download every document of the documents view.")

	flags.BoolVarP(&search.force, "force", "f", false, "Force a fresh pull and skip the cache.")
	flags.StringVar(&search.out, "out", "", "The directory downloaded documents are written to (overrides output_dir).")
	flags.IntVar(&search.concurrency, "concurrency", 0, "Number of document trees traversed at once (overrides concurrency).")

	searchCmd.MarkFlagRequired("keywords")
	rootCmd.AddCommand(searchCmd)
}

func (f searchFlags) query() (handelsregister.Query, error) {
	mode, err := handelsregister.ParseMatchMode(f.mode)
	if err != nil {
		return handelsregister.Query{}, err
	}
	return handelsregister.Query{
		Keywords:       strings.Fields(f.keywords),
		Mode:           mode,
		RegisterNumber: f.registerNumber,
		Court:          f.court,
	}, nil
}

func (f searchFlags) documents() []handelsregister.DocumentType {
	var out []handelsregister.DocumentType
	selected := map[handelsregister.DocumentType]bool{
		handelsregister.CurrentPrintout:       f.currentPrintout,
		handelsregister.ChronologicalPrintout: f.chronologicalPrintout,
		handelsregister.HistoricalPrintout:    f.historicalPrintout,
		handelsregister.StructuredContent:     f.structuredContent,
	}
	for _, d := range handelsregister.AllDocumentTypes() {
		if selected[d] {
			out = append(out, d)
		}
	}
	return out
}

func (f searchFlags) apply(cfg Config) Config {
	if f.out != "" {
		cfg.OutputDir = f.out
	}
	if f.concurrency > 0 {
		cfg.Concurrency = f.concurrency
	}
	return cfg
}

func setupTelemetry(ctx context.Context, cfg Config) (tel.API, func()) {
	telemetry.InitSlog(*debug)

	otelSetup, err := telemetry.Setup(ctx, "handelsregister", cfg.Telemetry)
	if err != nil {
		serviceutil.Fatal("failed to setup telemetry", err)
	}
	api, err := tel.NewOtelAPI("handelsregister", tel.SlogAPI{})
	if err != nil {
		serviceutil.Fatal("failed to setup telemetry", err)
	}

	return api, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := otelSetup.Shutdown(ctx)
		if err != nil {
			slog.Warn("failed to flush telemetry", "err", err)
		}
	}
}

func openCache(ctx context.Context, cfg Config) (handelsregister.ResultCache, func()) {
	if cfg.CachePath == "" {
		return handelsregister.NopCache{}, func() {}
	}
	c, err := cache.Open(ctx, cfg.CachePath, cfg.cacheMaxAge())
	if err != nil {
		slog.Warn("cache is unavailable, continuing without it", "path", cfg.CachePath, "err", err)
		return handelsregister.NopCache{}, func() {}
	}
	removed, err := c.Prune(ctx)
	if err != nil {
		slog.Warn("failed to prune cache", "err", err)
	} else if removed > 0 {
		slog.Debug("pruned cache", "removed", removed)
	}
	return c, func() { c.Close() }
}

var searchCmd = &cobra.Command{
	Use:   "search -s <keywords> [--mode all|any|exact] [--ad] [--cd] [--hd] [--si] [--docs]",
	Short: "Searches the register and optionally downloads the documents of every result.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		cfg, err := readConfig(*configPath)
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}
		cfg = search.apply(cfg)

		api, shutdown := setupTelemetry(ctx, cfg)
		defer shutdown()

		query, err := search.query()
		if err != nil {
			serviceutil.Fatal("invalid query", err)
		}

		opts := cfg.sessionOptions()
		if *debug {
			output, err := restyutil.NewFilesystemOutput(".dev/resty")
			if err != nil {
				serviceutil.Fatal("failed to create http dump directory", err)
			}
			opts.Dump = output
		}

		resultCache, closeCache := openCache(ctx, cfg)
		defer closeCache()

		scraper := handelsregister.NewScraper(opts, resultCache, api)
		results, err := scraper.Search(ctx, query, handelsregister.RunOptions{
			Documents:    search.documents(),
			AllDocuments: search.allDocuments,
			Force:        search.force,
			Concurrency:  cfg.Concurrency,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			serviceutil.Fatal("search failed", err)
		}

		printResults(os.Stdout, results)
		written, saveErr := saveDocuments(cfg.OutputDir, results)
		if saveErr != nil {
			serviceutil.Fatal("failed to save documents", saveErr)
		}
		if written > 0 {
			slog.Info("saved documents", "count", written, "dir", cfg.OutputDir)
		}
		if err != nil {
			serviceutil.Fatal("search was interrupted", err)
		}
	},
}
