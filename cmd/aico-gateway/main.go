package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/aico-ai/gateway/common/environment"
	"github.com/aico-ai/gateway/common/version"
	"github.com/aico-ai/gateway/internal/gateway/app"
	"github.com/aico-ai/gateway/internal/gateway/bus/broker"
	"github.com/aico-ai/gateway/internal/gateway/config"
	"github.com/aico-ai/gateway/internal/gateway/keys"
)

// Exit codes.
const (
	exitOK         = 0
	exitConfig     = 1
	exitPortInUse  = 2
	exitKeyService = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", environment.StringOr("AICO_CONFIG", "aico_gateway.yaml"), "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("aico-gateway %s (commit %s, built %s)\n",
			version.Version, version.GitCommit, version.BuildTime)
		return exitOK
	}

	view, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}

	gateway, err := app.New(app.Config{View: view})
	if err != nil {
		if errors.Is(err, keys.ErrUnavailable) {
			fmt.Fprintf(os.Stderr, "Error: %v\nSet %s to a 32-byte hex key (openssl rand -hex 32)\n",
				err, keys.EnvMasterKey)
			return exitKeyService
		}
		fmt.Fprintf(os.Stderr, "Failed to initialize gateway: %v\n", err)
		return exitConfig
	}

	if err := gateway.Run(); err != nil {
		if errors.Is(err, broker.ErrPortInUse) || errors.Is(err, syscall.EADDRINUSE) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitPortInUse
		}
		fmt.Fprintf(os.Stderr, "Error running gateway: %v\n", err)
		return exitConfig
	}
	return exitOK
}
