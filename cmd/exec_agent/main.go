package main

import (
	"flag"
	"fmt"
	"os"

	"exec_agent/internal/bootstrap"
	"exec_agent/internal/config"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

const exitConfigError = 2

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file (default: environment only)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("exec_agent version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadConfig(*configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(exitConfigError)
	}

	app, err := bootstrap.NewApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}
