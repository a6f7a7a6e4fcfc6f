package training

import (
	"encoding/json"
	"fmt"
	"os"
)

// Log keys reported at the end of every epoch
const (
	LogLoss        = "loss"
	LogAccuracy    = "accuracy"
	LogValLoss     = "val_loss"
	LogValAccuracy = "val_accuracy"
	LogLR          = "lr"
)

// Logs are the metric values of one epoch keyed by the Log* names
type Logs map[string]float64

// History records per-epoch metrics the way a Keras History does
type History struct {
	Epoch       []int     `json:"epoch"`
	Loss        []float64 `json:"loss"`
	Accuracy    []float64 `json:"accuracy"`
	ValLoss     []float64 `json:"val_loss,omitempty"`
	ValAccuracy []float64 `json:"val_accuracy,omitempty"`
	LR          []float64 `json:"lr"`

	// StoppedEpoch is the epoch early stopping halted at, or -1
	StoppedEpoch int `json:"stopped_epoch"`
}

// NewHistory creates an empty history
func NewHistory() *History {
	return &History{StoppedEpoch: -1}
}

// Append records one epoch
func (h *History) Append(epoch int, logs Logs) {
	h.Epoch = append(h.Epoch, epoch)
	h.Loss = append(h.Loss, logs[LogLoss])
	h.Accuracy = append(h.Accuracy, logs[LogAccuracy])
	if v, ok := logs[LogValLoss]; ok {
		h.ValLoss = append(h.ValLoss, v)
	}
	if v, ok := logs[LogValAccuracy]; ok {
		h.ValAccuracy = append(h.ValAccuracy, v)
	}
	h.LR = append(h.LR, logs[LogLR])
}

// Len returns the number of recorded epochs
func (h *History) Len() int {
	return len(h.Epoch)
}

// EpochLogs returns the logs recorded for the i-th epoch. Validation
// values are included only when every epoch carried them.
func (h *History) EpochLogs(i int) Logs {
	logs := Logs{LogLoss: h.Loss[i], LogAccuracy: h.Accuracy[i], LogLR: h.LR[i]}
	if len(h.ValLoss) == len(h.Epoch) {
		logs[LogValLoss] = h.ValLoss[i]
	}
	if len(h.ValAccuracy) == len(h.Epoch) {
		logs[LogValAccuracy] = h.ValAccuracy[i]
	}
	return logs
}

// Metric returns the series stored under a log key
func (h *History) Metric(name string) ([]float64, error) {
	switch name {
	case LogLoss:
		return h.Loss, nil
	case LogAccuracy:
		return h.Accuracy, nil
	case LogValLoss:
		return h.ValLoss, nil
	case LogValAccuracy:
		return h.ValAccuracy, nil
	case LogLR:
		return h.LR, nil
	}
	return nil, fmt.Errorf("unknown metric %q", name)
}

// Save writes the history as indented JSON
func (h *History) Save(path string) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadHistory reads a history written by Save
func LoadHistory(path string) (*History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	h := NewHistory()
	if err := json.Unmarshal(data, h); err != nil {
		return nil, fmt.Errorf("failed to parse history %s: %w", path, err)
	}
	return h, nil
}
