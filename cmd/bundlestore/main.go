// bundlestore is the CLI for ingesting and inspecting market-data bundles.
//
// Usage:
//
//	bundlestore -config config.yaml ingest -bundle quandl -symbols AAPL,MSFT -start 2022-01-03 -end 2022-12-30
//	bundlestore retain -bundle quandl
//	bundlestore versions -bundle quandl
//	bundlestore aux list
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/qfoundry/bundlestore/internal/auxdata"
	"github.com/qfoundry/bundlestore/internal/bundle"
	"github.com/qfoundry/bundlestore/internal/bundle/ingest"
	"github.com/qfoundry/bundlestore/internal/bundle/source"
	"github.com/qfoundry/bundlestore/internal/calendar"
	"github.com/qfoundry/bundlestore/internal/config"
	"github.com/qfoundry/bundlestore/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "JSON log output")
	flag.Parse()

	// Optional .env for API keys and local overrides.
	_ = godotenv.Load()

	logging.Init(parseLevel(*logLevel), *logJSON)
	log := logging.Component("main")
	log.Info("bundlestore starting", "version", Version)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info("no config file found, using defaults")
			cfg = config.DefaultConfig()
		} else {
			log.Error("load config", "error", err)
			os.Exit(1)
		}
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flag.Args()); err != nil {
		log.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("no command given (ingest, retain, versions, aux)")
	}

	switch args[0] {
	case "ingest":
		return runIngest(ctx, cfg, args[1:])
	case "retain":
		return runRetain(cfg, args[1:])
	case "versions":
		return runVersions(cfg, args[1:])
	case "aux":
		return runAux(ctx, cfg, args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runIngest(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	bundleName := fs.String("bundle", "", "bundle name")
	symbols := fs.String("symbols", "", "comma-separated symbol list")
	start := fs.String("start", "", "start session (YYYY-MM-DD)")
	end := fs.String("end", "", "end session (YYYY-MM-DD)")
	srcKind := fs.String("source", "csvdir", "source adapter: csvdir, httpapi")
	csvDir := fs.String("csv-dir", "", "csvdir: directory of <SYMBOL>.csv files")
	baseURL := fs.String("base-url", "", "httpapi: provider base URL")
	lastGood := fs.String("last-good-date", "", "httpapi: provider discontinuation date")
	fs.Parse(args)

	if *bundleName == "" || *symbols == "" {
		return fmt.Errorf("ingest requires -bundle and -symbols")
	}
	startDate, err := parseDate(*start)
	if err != nil {
		return fmt.Errorf("-start: %w", err)
	}
	endDate, err := parseDate(*end)
	if err != nil {
		return fmt.Errorf("-end: %w", err)
	}

	adapter, err := buildAdapter(cfg, *srcKind, *csvDir, *baseURL, *lastGood)
	if err != nil {
		return err
	}

	svc, err := bundle.NewService(cfg, adapter, calendar.NewWeekday("XNYS"))
	if err != nil {
		return err
	}

	man, err := svc.Ingest(ctx, ingest.Request{
		Bundle:  *bundleName,
		Symbols: strings.Split(*symbols, ","),
		Start:   startDate,
		End:     endDate,
	})
	if err != nil {
		return err
	}

	fmt.Printf("committed %s version %s: %d bars, %d assets\n",
		man.Bundle, man.Version, man.BarsWritten, len(man.Assets))
	for _, w := range man.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	return nil
}

func buildAdapter(cfg *config.Config, kind, csvDir, baseURL, lastGood string) (source.Adapter, error) {
	switch kind {
	case "csvdir":
		if csvDir == "" {
			return nil, fmt.Errorf("csvdir source requires -csv-dir")
		}
		return source.NewCSVDirAdapter(csvDir), nil
	case "httpapi":
		if baseURL == "" {
			return nil, fmt.Errorf("httpapi source requires -base-url")
		}
		hc := source.HTTPConfig{
			BaseURL:   baseURL,
			APIKeys:   splitNonEmpty(os.Getenv("BUNDLESTORE_API_KEYS")),
			Timeout:   cfg.Ingest.FetchTimeout(),
			Retries:   cfg.Ingest.RetryCount,
			RetryBase: cfg.Ingest.RetryBackoffBase(),
		}
		if lastGood != "" {
			d, err := parseDate(lastGood)
			if err != nil {
				return nil, fmt.Errorf("-last-good-date: %w", err)
			}
			hc.LastGoodDate = d
		}
		return source.NewHTTPAdapter(hc), nil
	default:
		return nil, fmt.Errorf("unknown source %q", kind)
	}
}

func runRetain(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("retain", flag.ExitOnError)
	bundleName := fs.String("bundle", "", "bundle name")
	fs.Parse(args)

	if *bundleName == "" {
		return fmt.Errorf("retain requires -bundle")
	}

	svc, err := bundle.NewService(cfg, nil, calendar.NewWeekday("XNYS"))
	if err != nil {
		return err
	}
	return svc.Retain(*bundleName)
}

func runVersions(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("versions", flag.ExitOnError)
	bundleName := fs.String("bundle", "", "bundle name")
	fs.Parse(args)

	if *bundleName == "" {
		return fmt.Errorf("versions requires -bundle")
	}

	svc, err := bundle.NewService(cfg, nil, calendar.NewWeekday("XNYS"))
	if err != nil {
		return err
	}
	versions, err := svc.Versions(*bundleName)
	if err != nil {
		return err
	}
	for _, v := range versions {
		status := "uncommitted"
		if v.Committed {
			status = "committed"
		}
		fmt.Printf("%s  %s\n", v.ID, status)
	}
	return nil
}

func runAux(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("aux requires a subcommand (list, info, drop)")
	}

	store := auxdata.NewStore(cfg.AuxDir())
	defer store.Close()

	switch args[0] {
	case "list":
		codes, err := store.List()
		if err != nil {
			return err
		}
		for _, c := range codes {
			fmt.Println(c)
		}
		return nil
	case "info":
		if len(args) < 2 {
			return fmt.Errorf("aux info requires a dataset code")
		}
		info, err := store.Info(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d rows, %s .. %s\n", info.Schema.Code, info.Rows,
			info.FirstDate.Format("2006-01-02"), info.LastDate.Format("2006-01-02"))
		for _, c := range info.Schema.Columns {
			fmt.Printf("  %s %s", c.Name, c.Type)
			if c.Missing != "" {
				fmt.Printf(" (missing=%s)", c.Missing)
			}
			fmt.Println()
		}
		return nil
	case "drop":
		if len(args) < 2 {
			return fmt.Errorf("aux drop requires a dataset code")
		}
		return store.Drop(ctx, args[1])
	default:
		return fmt.Errorf("unknown aux subcommand %q", args[0])
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("date required (YYYY-MM-DD)")
	}
	return time.ParseInLocation("2006-01-02", s, time.UTC)
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
