package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hbomb79/Rhea/internal"
	"github.com/hbomb79/Rhea/pkg/logger"
)

var log = logger.Get("Main")

// main is the entry point to the program. Configuration is loaded from the
// path provided via -config (falling back to environment variables if the
// file is absent), and the server runs until interrupted.
func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logger.SetMinLoggingLevel(logger.DEBUG.Level())
	}

	config := internal.RheaConfig{}
	if *configPath != "" {
		if err := config.LoadFromFile(*configPath); err != nil {
			log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	} else if err := config.LoadFromEnv(); err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	rhea, err := internal.New(config)
	if err != nil {
		log.Emit(logger.FATAL, "Failed to initialise Rhea: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rhea.Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Rhea exited with error: %v\n", err)
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Rhea shut down cleanly\n")
}
