// devflow runs shell commands under an execution profile, either one-shot
// from the terminal or as an HTTP/WebSocket service.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sakif/devflow-exec/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "devflow",
	Short: "Run shell commands natively, in a container or over ssh",
	Long: `devflow runs shell commands under an execution profile (native host
shell, docker sandbox or remote ssh host), streams their output live,
samples CPU and memory, and enforces a wall-clock timeout.

Use "devflow run" for one-shot runs and "devflow serve" for the HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (or DEVFLOW_CONFIG env)")
	rootCmd.AddCommand(runCmd, serveCmd, hashPasswordCmd, versionCmd)
}

// exitError carries a process exit code out of a command without printing.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "devflow: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads --config, falling back to DEVFLOW_CONFIG.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("DEVFLOW_CONFIG")
	}
	return config.Load(path)
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
