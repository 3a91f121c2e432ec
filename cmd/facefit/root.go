package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"facefit/internal/basis"
	"facefit/internal/fitting"
	"facefit/internal/version"
)

// basisEnv supplies the default --basis value.
const basisEnv = "FACEFIT_BASIS"

var (
	basisPath  string
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "facefit",
	Short:         "Fit a parametric face model to scan point clouds and landmarks",
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		if verbose {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
		if basisPath == "" {
			basisPath = os.Getenv(basisEnv)
		}
		return nil
	},
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&basisPath, "basis", "", "Template basis JSON file (default $"+basisEnv+", else the built-in synthetic basis)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "JSON file overlaid onto the default fit configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log per-iteration progress")
}

// loadBasis loads the configured basis, falling back to the synthetic one.
func loadBasis() (*basis.TemplateBasis, error) {
	if basisPath == "" {
		log.Info("[CLI] no basis configured, using the synthetic basis")
		return basis.Synthetic(basis.DefaultSyntheticOptions())
	}
	return basis.Load(basisPath)
}

// loadConfig returns the default configuration with the --config file overlaid.
func loadConfig(path string) (fitting.Config, error) {
	cfg := fitting.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "decoding config %s", path)
	}
	return cfg, nil
}
