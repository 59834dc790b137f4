package main

import (
	"fmt"
	"os"

	"github.com/bdobrica/stevedore/common/environment"
	"github.com/bdobrica/stevedore/common/observability"
	"github.com/bdobrica/stevedore/common/version"
	"github.com/bdobrica/stevedore/internal/stevedore/app"
	"github.com/bdobrica/stevedore/internal/stevedore/config"
)

func main() {
	fmt.Printf("Stevedore\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	observability.Setup(cfg.Logging.Level, cfg.Logging.Format)

	bot, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Stevedore: %v\n", err)
		os.Exit(1)
	}
	defer bot.Stop()

	if err := bot.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Stevedore: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file named by STEVEDORE_CONFIG (or the first
// CLI argument), falling back to pure environment configuration when neither
// is given.
func loadConfig() (*config.Config, error) {
	path := environment.StringOr("STEVEDORE_CONFIG", "")
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	if path == "" {
		return config.FromEnvironment()
	}
	return config.Load(path)
}
