package main

import (
	"github.com/spf13/cobra"

	"github.com/sakif/devflow-exec/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override the listen port")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	logger := newLogger(cfg.SlogLevel())

	engine, cleanup := server.NewEngine(cfg, logger)
	defer cleanup()

	srv, err := server.New(cfg, version, logger, engine)
	if err != nil {
		return err
	}
	return srv.Start()
}
