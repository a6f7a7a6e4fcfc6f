package training

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/engine"
)

// Callback hooks into ModelTrainer.Fit. Epochs are 0-based.
type Callback interface {
	OnTrainBegin(mt *ModelTrainer) error
	OnEpochBegin(mt *ModelTrainer, epoch int) error
	OnEpochEnd(mt *ModelTrainer, epoch int, logs Logs) error
	OnTrainEnd(mt *ModelTrainer, logs Logs) error
}

// BaseCallback implements every hook as a no-op
type BaseCallback struct{}

func (BaseCallback) OnTrainBegin(*ModelTrainer) error          { return nil }
func (BaseCallback) OnEpochBegin(*ModelTrainer, int) error     { return nil }
func (BaseCallback) OnEpochEnd(*ModelTrainer, int, Logs) error { return nil }
func (BaseCallback) OnTrainEnd(*ModelTrainer, Logs) error      { return nil }

// monitor compares values of one logged metric
type monitor struct {
	better func(a, b float64) bool
	worst  float64
}

// newMonitor resolves mode "auto" the Keras way: metrics mentioning "acc"
// are maximized, everything else minimized
func newMonitor(name, mode string, minDelta float64) (monitor, error) {
	switch mode {
	case "", "auto":
		mode = "min"
		if strings.Contains(name, "acc") {
			mode = "max"
		}
	case "min", "max":
	default:
		return monitor{}, fmt.Errorf("unknown monitor mode %q", mode)
	}
	minDelta = math.Abs(minDelta)
	if mode == "max" {
		return monitor{
			better: func(a, b float64) bool { return a-minDelta > b },
			worst:  math.Inf(-1),
		}, nil
	}
	return monitor{
		better: func(a, b float64) bool { return a+minDelta < b },
		worst:  math.Inf(1),
	}, nil
}

// EarlyStopping stops training when a monitored metric has stopped improving
type EarlyStopping struct {
	BaseCallback

	Monitor            string   // default val_loss
	MinDelta           float64  // smallest change that counts as improvement
	Patience           int      // epochs without improvement before stopping
	Mode               string   // "auto", "min" or "max"
	Baseline           *float64 // training stops unless the metric beats it
	RestoreBestWeights bool
	StartFromEpoch     int // epochs to wait before monitoring

	monitor     monitor
	wait        int
	best        float64
	bestEpoch   int
	bestWeights *engine.Weights

	// StoppedEpoch is the epoch training stopped at, 0 if it ran to the end
	StoppedEpoch int
}

// NewEarlyStopping monitors metric with the given patience
func NewEarlyStopping(metric string, patience int) *EarlyStopping {
	return &EarlyStopping{Monitor: metric, Patience: patience, Mode: "auto"}
}

func (es *EarlyStopping) OnTrainBegin(mt *ModelTrainer) error {
	if es.Monitor == "" {
		es.Monitor = LogValLoss
	}
	m, err := newMonitor(es.Monitor, es.Mode, es.MinDelta)
	if err != nil {
		return fmt.Errorf("early stopping: %w", err)
	}
	es.monitor = m
	es.wait = 0
	es.StoppedEpoch = 0
	es.best = m.worst
	es.bestEpoch = 0
	es.bestWeights = nil
	return nil
}

func (es *EarlyStopping) OnEpochEnd(mt *ModelTrainer, epoch int, logs Logs) error {
	current, ok := logs[es.Monitor]
	if !ok {
		mt.Logger().Warn("early stopping conditioned on unavailable metric",
			zap.String("monitor", es.Monitor))
		return nil
	}
	if epoch < es.StartFromEpoch {
		return nil
	}
	if es.RestoreBestWeights && es.bestWeights == nil {
		// restore the first epoch if nothing ever improves
		es.bestWeights = mt.Weights().Clone()
	}

	es.wait++
	if es.monitor.better(current, es.best) {
		es.best = current
		es.bestEpoch = epoch
		if es.RestoreBestWeights {
			es.bestWeights = mt.Weights().Clone()
		}
		// restart the wait only when both the baseline and the previous best are beaten
		if es.Baseline == nil || es.monitor.better(current, *es.Baseline) {
			es.wait = 0
		}
		return nil
	}

	if es.wait >= es.Patience && epoch > 0 {
		es.StoppedEpoch = epoch
		mt.StopTraining()
		if es.RestoreBestWeights && es.bestWeights != nil {
			mt.Logger().Info("restoring model weights from the end of the best epoch",
				zap.Int("epoch", es.bestEpoch+1))
			if err := mt.Weights().CopyFrom(es.bestWeights); err != nil {
				return fmt.Errorf("early stopping restore: %w", err)
			}
		}
	}
	return nil
}

func (es *EarlyStopping) OnTrainEnd(mt *ModelTrainer, logs Logs) error {
	if es.StoppedEpoch > 0 {
		mt.Logger().Info("early stopping", zap.Int("epoch", es.StoppedEpoch+1),
			zap.String("monitor", es.Monitor), zap.Float64("best", es.best))
	}
	return nil
}

// Best returns the best monitored value and its epoch
func (es *EarlyStopping) Best() (float64, int) {
	return es.best, es.bestEpoch
}

// ReduceLROnPlateau reduces the learning rate when a metric has stopped improving
type ReduceLROnPlateau struct {
	BaseCallback

	Monitor  string
	Factor   float64 // new_lr = lr * factor
	Patience int
	Mode     string
	MinDelta float64
	Cooldown int     // epochs to wait after a reduction
	MinLR    float64 // lower bound on the learning rate

	monitor         monitor
	best            float64
	wait            int
	cooldownCounter int
}

// NewReduceLROnPlateau creates the callback with Keras defaults for the
// unspecified fields
func NewReduceLROnPlateau(metric string, factor float64, patience int) *ReduceLROnPlateau {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	return &ReduceLROnPlateau{
		Monitor:  metric,
		Factor:   factor,
		Patience: patience,
		Mode:     "auto",
		MinDelta: 1e-4,
	}
}

func (r *ReduceLROnPlateau) OnTrainBegin(mt *ModelTrainer) error {
	if r.Monitor == "" {
		r.Monitor = LogValLoss
	}
	m, err := newMonitor(r.Monitor, r.Mode, r.MinDelta)
	if err != nil {
		return fmt.Errorf("reduce lr on plateau: %w", err)
	}
	r.monitor = m
	r.best = m.worst
	r.wait = 0
	r.cooldownCounter = 0
	return nil
}

func (r *ReduceLROnPlateau) OnEpochEnd(mt *ModelTrainer, epoch int, logs Logs) error {
	current, ok := logs[r.Monitor]
	if !ok {
		mt.Logger().Warn("learning rate reduction conditioned on unavailable metric",
			zap.String("monitor", r.Monitor))
		return nil
	}
	if r.cooldownCounter > 0 {
		r.cooldownCounter--
		r.wait = 0
	}
	if r.monitor.better(current, r.best) {
		r.best = current
		r.wait = 0
		return nil
	}
	if r.cooldownCounter > 0 {
		return nil
	}
	r.wait++
	if r.wait < r.Patience {
		return nil
	}
	opt := mt.Optimizer()
	oldLR := float64(opt.LearningRate())
	if float32(oldLR) > float32(r.MinLR) {
		newLR := math.Max(oldLR*r.Factor, r.MinLR)
		opt.UpdateLearningRate(float32(newLR))
		mt.Logger().Info("reducing learning rate", zap.Int("epoch", epoch+1),
			zap.Float64("from", oldLR), zap.Float64("to", newLR))
		r.cooldownCounter = r.Cooldown
		r.wait = 0
	}
	return nil
}

// LearningRateScheduler sets the learning rate at the start of every epoch
type LearningRateScheduler struct {
	BaseCallback
	Scheduler LRScheduler

	baseLR float64
}

// NewLearningRateScheduler wraps an LRScheduler
func NewLearningRateScheduler(s LRScheduler) *LearningRateScheduler {
	return &LearningRateScheduler{Scheduler: s}
}

func (l *LearningRateScheduler) OnTrainBegin(mt *ModelTrainer) error {
	l.baseLR = float64(mt.Optimizer().LearningRate())
	return nil
}

func (l *LearningRateScheduler) OnEpochBegin(mt *ModelTrainer, epoch int) error {
	lr := l.Scheduler.GetLR(epoch, l.baseLR)
	if lr <= 0 {
		return fmt.Errorf("%s produced non-positive learning rate %g", l.Scheduler.GetName(), lr)
	}
	mt.Optimizer().UpdateLearningRate(float32(lr))
	return nil
}

// ModelCheckpoint saves the model after epochs, optionally only when the
// monitored metric improves. Path may contain one %d verb for the
// (1-based) epoch; the extension selects JSON or ONNX.
type ModelCheckpoint struct {
	BaseCallback

	Path         string
	Monitor      string
	Mode         string
	SaveBestOnly bool

	monitor monitor
	best    float64
	// Saved lists the files written, in order
	Saved []string
}

// NewModelCheckpoint saves to path whenever monitor improves
func NewModelCheckpoint(path, metric string) *ModelCheckpoint {
	return &ModelCheckpoint{Path: path, Monitor: metric, Mode: "auto", SaveBestOnly: true}
}

func (mc *ModelCheckpoint) OnTrainBegin(mt *ModelTrainer) error {
	if mc.Monitor == "" {
		mc.Monitor = LogValLoss
	}
	if _, err := checkpoints.FormatFromPath(mc.Path); err != nil {
		return fmt.Errorf("model checkpoint: %w", err)
	}
	m, err := newMonitor(mc.Monitor, mc.Mode, 0)
	if err != nil {
		return fmt.Errorf("model checkpoint: %w", err)
	}
	mc.monitor = m
	mc.best = m.worst
	return nil
}

func (mc *ModelCheckpoint) OnEpochEnd(mt *ModelTrainer, epoch int, logs Logs) error {
	current, ok := logs[mc.Monitor]
	if mc.SaveBestOnly {
		if !ok {
			mt.Logger().Warn("can save best model only with metric available",
				zap.String("monitor", mc.Monitor))
			return nil
		}
		if !mc.monitor.better(current, mc.best) {
			return nil
		}
		mc.best = current
	}

	path := mc.Path
	if strings.Contains(path, "%d") {
		path = fmt.Sprintf(path, epoch+1)
	}
	cp, err := mt.Checkpoint(epoch, logs)
	if err != nil {
		return err
	}
	format, _ := checkpoints.FormatFromPath(path)
	if err := checkpoints.NewCheckpointSaver(format).SaveCheckpoint(cp, path); err != nil {
		return fmt.Errorf("model checkpoint: %w", err)
	}
	mc.Saved = append(mc.Saved, path)
	mt.Logger().Debug("saved checkpoint", zap.String("path", path), zap.Int("epoch", epoch+1))
	return nil
}
