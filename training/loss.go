package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-finetune/tensor"
)

// Loss interface defines methods that all loss functions must implement
type Loss interface {
	// Forward returns the reduced loss of a batch
	Forward(predicted, target *tensor.Tensor) (float64, error)
	// Backward returns dLoss/dPredicted with the shape of predicted
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}

// DefaultEpsilon clips probabilities away from 0 and 1 (Keras epsilon)
const DefaultEpsilon = 1e-7

// BinaryCrossEntropy is the mean binary cross-entropy of probabilities
// (sigmoid outputs) against 0/1 targets
type BinaryCrossEntropy struct {
	Epsilon float64
}

// NewBinaryCrossEntropy creates the loss with the Keras clipping epsilon
func NewBinaryCrossEntropy() *BinaryCrossEntropy {
	return &BinaryCrossEntropy{Epsilon: DefaultEpsilon}
}

func (bce *BinaryCrossEntropy) Name() string {
	return "binary_crossentropy"
}

func checkSameSize(predicted, target *tensor.Tensor) error {
	if predicted == nil || target == nil {
		return fmt.Errorf("loss requires predicted and target tensors")
	}
	if len(predicted.Data) != len(target.Data) {
		return fmt.Errorf("predicted %v and target %v sizes differ", predicted.Shape, target.Shape)
	}
	if len(predicted.Data) == 0 {
		return fmt.Errorf("empty batch")
	}
	return nil
}

// Forward computes L = -mean(y*log(p) + (1-y)*log(1-p)) with p clipped to
// [eps, 1-eps]
func (bce *BinaryCrossEntropy) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkSameSize(predicted, target); err != nil {
		return 0, err
	}
	eps := bce.Epsilon
	var sum float64
	for i, pv := range predicted.Data {
		p := clip(float64(pv), eps, 1-eps)
		y := float64(target.Data[i])
		sum -= y*math.Log(p) + (1-y)*math.Log(1-p)
	}
	return sum / float64(len(predicted.Data)), nil
}

// Backward returns (p - y) / (p (1 - p) N); zero where p was clipped
func (bce *BinaryCrossEntropy) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSameSize(predicted, target); err != nil {
		return nil, err
	}
	eps := bce.Epsilon
	n := float64(len(predicted.Data))
	grad := tensor.New(predicted.Shape...)
	for i, pv := range predicted.Data {
		p := float64(pv)
		if p < eps || p > 1-eps {
			continue
		}
		y := float64(target.Data[i])
		grad.Data[i] = float32((p - y) / (p * (1 - p)) / n)
	}
	return grad, nil
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// BinaryAccuracy is the fraction of predictions on the right side of threshold
func BinaryAccuracy(predicted, target []float32, threshold float32) float64 {
	if len(predicted) == 0 || len(predicted) != len(target) {
		return 0
	}
	correct := 0
	for i, p := range predicted {
		var label float32
		if p > threshold {
			label = 1
		}
		if label == target[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(predicted))
}
