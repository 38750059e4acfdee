package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/joho/godotenv"

	"BoxCap/BoxCap-Go-Agent/config"
	"BoxCap/BoxCap-Go-Agent/internal/agent"
	"BoxCap/BoxCap-Go-Agent/internal/store"
	"BoxCap/BoxCap-Go-Agent/internal/version"
)

func printHelp() {
	fmt.Print(`BoxCap Agent - Router Capture & Upload Tool

Usage: boxcap-agent [--version|-v] [--help|-h]

Streams packet captures from the router, truncates frames to their
protocol headers, and uploads the resulting capture files together
with a device descriptor to the collection endpoint.

Options:
  --version, -v   Print version and exit
  --help, -h      Show this help message and exit

Configuration:
  The agent loads its configuration from config.json in the working
  directory by default (or /etc/boxcap-agent/config.json when present).
  See config.example.json for a template and documentation of all
  options.

  Credentials can also come from the environment (or a .env file):
  BOXCAP_ROUTER_PASSWORD, BOXCAP_ROUTER_USERNAME and BOXCAP_UPLOAD_KEY
  override the corresponding config values.

Example:
  boxcap-agent
    Runs the capture and upload loop until interrupted.

  boxcap-agent --version
    Prints the agent version.
`)
}

// applyEnvOverrides lets credentials live outside the config file.
func applyEnvOverrides(cfg *config.Config) {
	// A missing .env file is fine; the process environment still applies.
	_ = godotenv.Load()

	if v := os.Getenv("BOXCAP_ROUTER_USERNAME"); v != "" {
		cfg.Router.Username = v
	}
	if v := os.Getenv("BOXCAP_ROUTER_PASSWORD"); v != "" {
		cfg.Router.Password = v
	}
	if v := os.Getenv("BOXCAP_UPLOAD_KEY"); v != "" {
		cfg.Upload.PublicKey = v
	}
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--help", "-h":
			printHelp()
			return
		case "--version", "-v":
			fmt.Println(version.Version)
			return
		}
	}

	var configPaths []string
	if runtime.GOOS == "windows" {
		configPaths = []string{
			`C:\\ProgramData\\BoxCapAgent\\config.json`,
			"config.json",
		}
	} else {
		configPaths = []string{
			"/etc/boxcap-agent/config.json",
			"config.json",
		}
	}
	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.LoadConfig(path)
		if err == nil {
			break
		}
	}
	if cfg == nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if err := cfg.InitializeLogging(); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	state, err := store.Open(cfg.Capture.StateDB)
	if err != nil {
		log.Fatalf("Failed to open state database: %v", err)
	}
	defer state.Close()

	a, err := agent.New(cfg, state, nil)
	if err != nil {
		log.Fatalf("Failed to build agent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		log.Fatalf("Agent exited with error: %v", err)
	}
}
