// Package cli contains all CLI command definitions.
package cli

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sketch/internal/config"

	// Import staging backends to auto-register.
	_ "sketch/internal/staging/all"
)

// UsageError marks a command-line usage problem, as opposed to a runtime
// failure. main maps it to exit code 2.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

func usageErrorf(format string, v ...any) error {
	return &UsageError{Msg: fmt.Sprintf(format, v...)}
}

type rootOptions struct {
	configPath string
	verbose    bool
}

// NewRootCmd creates and returns the root command for the CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "sketch",
		Short:         "Infer, refine and map JSON schemas from raw data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to pipeline config file (JSON)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose logging")

	registerRunCmd(rootCmd, opts)
	registerIngestCmd(rootCmd, opts)
	registerInferCmd(rootCmd, opts)
	registerMapCmd(rootCmd, opts)
	registerGenerateCmd(rootCmd, opts)
	registerQueryCmd(rootCmd, opts)
	registerStatusCmd(rootCmd, opts)

	return rootCmd
}

// loadConfig returns the file config when --config is set, defaults otherwise.
func (o *rootOptions) loadConfig() (config.Config, error) {
	if o.configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, usageErrorf("load config: %v", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Subsystems take a Printf-shaped seam,
// so the zap logger is bridged through the standard library.
func (o *rootOptions) newLogger() (*log.Logger, func(), error) {
	zapCfg := zap.NewProductionConfig()
	if o.verbose {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.DisableStacktrace = true
	zl, err := zapCfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	cleanup := func() { _ = zl.Sync() }
	return zap.NewStdLog(zl), cleanup, nil
}
