// radarcache is an interactive workbench for the NEXRAD Level II
// archive: it caches radar records locally, assembles volumes, and
// keeps storage within budget.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/xtxerr/radarcache/internal/engine"
	"github.com/xtxerr/radarcache/internal/logging"
	"github.com/xtxerr/radarcache/internal/source"
	"github.com/xtxerr/radarcache/internal/volume"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data", "", "data directory (overrides config)")
	site := flag.String("site", "", "radar site, e.g. KDMX (overrides config)")
	budget := flag.Int64("budget", 0, "cache budget in bytes (overrides config)")
	level := flag.String("level", "info", "log level: debug, info, warn, error")
	jsonLog := flag.Bool("json-log", false, "log as JSON")
	flag.Parse()

	logging.Init(parseLevel(*level), *jsonLog)
	log := logging.Component("main")
	log.Info("radarcache starting", "version", Version)

	cfg, err := engine.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info("no config file found, using defaults")
			cfg = engine.DefaultConfig()
		} else {
			log.Error("load config", "error", err)
			os.Exit(1)
		}
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *site != "" {
		cfg.Site = *site
	}
	if *budget > 0 {
		cfg.CacheBudgetBytes = *budget
	}
	if cfg.Site == "" {
		fmt.Fprintln(os.Stderr, "a radar site is required (use -site or config)")
		os.Exit(1)
	}

	// The Level II archive bucket allows anonymous reads.
	awsSession, err := session.NewSession(&aws.Config{
		Region:      aws.String(cfg.Archive.Region),
		Credentials: credentials.AnonymousCredentials,
	})
	if err != nil {
		log.Error("create aws session", "error", err)
		os.Exit(1)
	}
	archive := source.NewS3Archive(cfg.Archive.Bucket, awsSession)

	eng, err := engine.New(cfg, archive, volume.LDMDecoder{})
	if err != nil {
		log.Error("create engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	runShell(eng)
}

func parseLevel(s string) slog.Level {
	switch s {
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
