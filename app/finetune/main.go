// Command finetune trains a pretrained image backbone with a new binary head
// on CSV manifests and writes the figures, model and workspace of each run.
//
//	finetune run TRAIN_CSV TEST_CSV RESULTS_DIR EPOCHS LEARNING_RATE BATCH_SIZE NAME
//	finetune sweep SWEEP_YAML
//	finetune runs | summary BACKBONE | evaluate WORKSPACE_MAT
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tsawler/go-finetune/registry"
	"github.com/tsawler/go-finetune/training"
)

var (
	// Global flags
	verbose      bool
	registryPath string
	plotService  string
	openPlots    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "finetune",
	Short: "Transfer learning experiments for binary image classification",
	Long: `finetune freezes a pretrained backbone (xception, vgg16), attaches a single
sigmoid unit and trains it on images listed in CSV manifests. Each run writes
sample figures, training history plots, the model and a Workspace.mat with the
test filenames, truth and confidences to its results directory.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&registryPath, "registry", defaultRegistryPath(), "Run registry database (empty disables it)")
	rootCmd.PersistentFlags().StringVar(&plotService, "plot-service", "", "Plotting sidecar URL; plots are also posted there when set")
	rootCmd.PersistentFlags().BoolVar(&openPlots, "open", false, "Open the plotting dashboard in a browser after a run")

	addRunFlags(runCmd)
	addRunFlags(sweepCmd)
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list")
	runsCmd.Flags().StringVar(&runsBackbone, "backbone", "", "Only list runs of this backbone")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(evaluateCmd)
}

func defaultRegistryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "finetune", "runs.db")
}

func openRegistry() (*registry.Registry, error) {
	if registryPath == "" {
		return nil, nil
	}
	return registry.Open(registryPath, logger)
}

func plottingService() *training.PlottingService {
	if plotService == "" {
		return nil
	}
	cfg := training.DefaultPlottingServiceConfig()
	cfg.BaseURL = plotService
	ps := training.NewPlottingService(cfg, logger)
	ps.Enable()
	return ps
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
