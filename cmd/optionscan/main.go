package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/common"
	"github.com/ternarybob/optionscan/internal/models"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return strings.Join(*c, ",")
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	// Command-line flags
	configFiles  configPaths // Multiple -config flags supported
	symbolList   = flag.String("symbols", "", "Comma separated symbols to scan once, e.g. AAPL,MSFT")
	strategy     = flag.String("strategy", models.StrategyWheel, "Scoring strategy forwarded to the engine")
	minDTE       = flag.Int("min-dte", 7, "Minimum days to expiry")
	maxDTE       = flag.Int("max-dte", 45, "Maximum days to expiry")
	topN         = flag.Int("top", 20, "Rows per side in the result table (0 = all)")
	plainOutput  = flag.Bool("plain", false, "ASCII table without colour")
	serveMode    = flag.Bool("serve", false, "Run the HTTP API and scheduled scans until interrupted")
	serverPort   = flag.Int("port", 0, "Server port (overrides config)")
	serverPortP  = flag.Int("p", 0, "Server port (shorthand, overrides config)")
	serverHost   = flag.String("host", "", "Server host (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	common.InstallCrashHandler("")
	defer common.RecoverWithCrashFile()

	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("OptionScan version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	if !*serveMode && *symbolList == "" {
		fmt.Fprintln(os.Stderr, "either -symbols or -serve is required")
		flag.Usage()
		os.Exit(2)
	}

	finalPort := *serverPort
	if *serverPortP != 0 {
		finalPort = *serverPortP
	}

	// Startup sequence:
	// 1. Load config (defaults -> file1 -> file2 -> ... -> env)
	// 2. Apply CLI overrides (highest priority)
	// 3. Initialize logger
	// 4. Print banner
	if len(configFiles) == 0 {
		if _, err := os.Stat("optionscan.toml"); err == nil {
			configFiles = append(configFiles, "optionscan.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		arbor.NewLogger().Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	common.ApplyFlagOverrides(config, finalPort, *serverHost)

	logger := common.InitLogger(config)
	common.PrintBanner(config, logger)

	logger.Debug().
		Strs("config_files", configFiles).
		Str("engine", config.Engine.BaseURL).
		Str("domain", config.Engine.Domain).
		Str("poll_interval", config.Polling.Interval).
		Int("submit_concurrency", config.Batch.SubmitConcurrency).
		Msg("Resolved configuration")

	if *serveMode {
		os.Exit(runServe(config, logger))
	}

	params := models.ScanParams{
		Strategy: *strategy,
		MinDTE:   *minDTE,
		MaxDTE:   *maxDTE,
	}
	os.Exit(runScan(config, logger, common.SplitSymbols(*symbolList), params))
}
