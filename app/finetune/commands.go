package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-finetune/experiment"
	"github.com/tsawler/go-finetune/matfile"
	"github.com/tsawler/go-finetune/registry"
	"github.com/tsawler/go-finetune/training"
)

// experiment flags shared by run and sweep
var (
	configPath   string
	backbone     string
	weightsPath  string
	seed         int64
	patience     int
	imageSize    int
	unfreezeLast int
	workers      int
	sampleMode   string

	runsLimit    int
	runsBackbone string
)

func addRunFlags(cmd *cobra.Command) {
	defaults := experiment.DefaultConfig()
	cmd.Flags().StringVar(&configPath, "config", "", "YAML experiment config applied before the arguments")
	cmd.Flags().StringVar(&backbone, "backbone", defaults.Backbone, "Pretrained backbone: xception, vgg16 or tiny")
	cmd.Flags().StringVar(&weightsPath, "weights", "", "Pretrained weights (.json or .onnx)")
	cmd.Flags().Int64Var(&seed, "seed", defaults.Seed, "Seed for shuffling and initialization")
	cmd.Flags().IntVar(&patience, "patience", defaults.Patience, "Early stopping patience in epochs")
	cmd.Flags().IntVar(&imageSize, "image-size", defaults.ImageSize, "Square image side; 0 uses the backbone default")
	cmd.Flags().IntVar(&unfreezeLast, "unfreeze-last", 0, "Fine-tune the last N backbone layers after the frozen run")
	cmd.Flags().IntVar(&workers, "workers", defaults.Workers, "Parallel workers for decoding and kernels")
	cmd.Flags().StringVar(&sampleMode, "sample-mode", defaults.SampleMode, "Sample figures: grid, single or none")
}

// applyFlags overrides cfg with the flags set on the command line
func applyFlags(cmd *cobra.Command, cfg *experiment.Config) {
	flags := cmd.Flags()
	if flags.Changed("backbone") {
		cfg.Backbone = backbone
	}
	if flags.Changed("weights") {
		cfg.Weights = weightsPath
	}
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	if flags.Changed("patience") {
		cfg.Patience = patience
	}
	if flags.Changed("image-size") {
		cfg.ImageSize = imageSize
	}
	if flags.Changed("unfreeze-last") {
		cfg.UnfreezeLast = unfreezeLast
	}
	if flags.Changed("workers") {
		cfg.Workers = workers
	}
	if flags.Changed("sample-mode") {
		cfg.SampleMode = sampleMode
	}
}

// parseRunArgs fills the seven positional arguments into cfg
func parseRunArgs(args []string, cfg *experiment.Config) error {
	epochs, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("EPOCHS must be an integer: %w", err)
	}
	lr, err := strconv.ParseFloat(args[4], 64)
	if err != nil {
		return fmt.Errorf("LEARNING_RATE must be a number: %w", err)
	}
	batch, err := strconv.Atoi(args[5])
	if err != nil {
		return fmt.Errorf("BATCH_SIZE must be an integer: %w", err)
	}
	cfg.TrainCSV, cfg.TestCSV, cfg.ResultsDir = args[0], args[1], args[2]
	cfg.Epochs, cfg.LearningRate, cfg.BatchSize = epochs, lr, batch
	cfg.Name = args[6]
	return nil
}

func experimentOptions(cmd *cobra.Command) (experiment.Options, func(), error) {
	reg, err := openRegistry()
	if err != nil {
		return experiment.Options{}, nil, err
	}
	closer := func() {
		if reg != nil {
			if err := reg.Close(); err != nil {
				logger.Warn("failed to close registry", zap.Error(err))
			}
		}
	}
	return experiment.Options{
		Logger:   logger,
		Out:      cmd.OutOrStdout(),
		Registry: reg,
		Plotter:  plottingService(),
	}, closer, nil
}

var runCmd = &cobra.Command{
	Use:   "run TRAIN_CSV TEST_CSV RESULTS_DIR EPOCHS LEARNING_RATE BATCH_SIZE NAME",
	Short: "Run one transfer learning experiment",
	Example: `  finetune run train.csv test.csv "results/E24 direct" 100 0.001 10 "E24 direct"
  finetune run --backbone vgg16 --weights vgg16.onnx train.csv test.csv out 50 0.0001 16 vgg`,
	Args: cobra.ExactArgs(7),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := experiment.DefaultConfig()
		if configPath != "" {
			var err error
			if cfg, err = experiment.LoadConfig(configPath); err != nil {
				return err
			}
		}
		if err := parseRunArgs(args, &cfg); err != nil {
			return err
		}
		applyFlags(cmd, &cfg)

		opts, closer, err := experimentOptions(cmd)
		if err != nil {
			return err
		}
		defer closer()
		res, err := experiment.Run(cmd.Context(), cfg, opts)
		if err != nil {
			return err
		}
		logger.Info("experiment finished",
			zap.String("name", res.Name),
			zap.String("run_id", res.RunID),
			zap.Int("files", len(res.Files)))
		if openPlots && res.DashboardURL != "" {
			if err := training.OpenInBrowser(res.DashboardURL); err != nil {
				logger.Warn("failed to open dashboard", zap.Error(err))
			}
		}
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep SWEEP_YAML",
	Short: "Run every combination of a parameter grid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := experiment.LoadSweep(args[0])
		if err != nil {
			return err
		}
		applyFlags(cmd, &sc.Base)

		opts, closer, err := experimentOptions(cmd)
		if err != nil {
			return err
		}
		defer closer()
		results, err := experiment.Sweep(cmd.Context(), sc, opts)
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, renderSweep(sc.Name, results))
		return err
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		if reg == nil {
			return fmt.Errorf("no registry configured")
		}
		defer reg.Close()
		runs, err := reg.List(cmd.Context(), registry.Filter{Backbone: runsBackbone, Limit: runsLimit})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderRuns(runs))
		return nil
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary BACKBONE",
	Short: "Aggregate the recorded runs of one backbone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		if reg == nil {
			return fmt.Errorf("no registry configured")
		}
		defer reg.Close()
		s, err := reg.Summarize(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderSummary(s))
		return nil
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate WORKSPACE_MAT",
	Short: "Recompute the metrics stored in a Workspace.mat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, n, err := evaluateWorkspace(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderMetrics(args[0], n, m))
		return nil
	},
}

// evaluateWorkspace scores the confidences of a workspace against its truth
func evaluateWorkspace(path string) (*training.BinaryMetrics, int, error) {
	f, err := matfile.Read(path)
	if err != nil {
		return nil, 0, err
	}
	truthVar, ok := f.Get("viTruth")
	if !ok {
		return nil, 0, fmt.Errorf("%s has no viTruth", path)
	}
	confVar, ok := f.Get("vsiConfidences")
	if !ok {
		return nil, 0, fmt.Errorf("%s has no vsiConfidences", path)
	}
	truth, err := truthVar.Ints()
	if err != nil {
		return nil, 0, err
	}
	conf, err := confVar.Float32s()
	if err != nil {
		return nil, 0, err
	}
	if len(truth) != len(conf) {
		return nil, 0, fmt.Errorf("%s holds %d labels and %d confidences", path, len(truth), len(conf))
	}
	m, err := training.EvaluateBinary(conf, truth, experiment.DecisionThreshold)
	if err != nil {
		return nil, 0, err
	}
	return m, len(truth), nil
}
