package training

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrSingleClass is returned by ranking metrics when the labels hold only
// one class
var ErrSingleClass = errors.New("only one class present in labels")

// MetricType represents different evaluation metrics
type MetricType int

const (
	// Binary Classification Metrics
	Precision MetricType = iota
	Recall
	F1Score
	Specificity
	NPV // Negative Predictive Value

	// Multi-class Metrics
	MacroPrecision
	MacroRecall
	MacroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case NPV:
		return "NPV"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// UpdateBinary adds sigmoid confidences thresholded at threshold
// (score > threshold predicts class 1)
func (cm *ConfusionMatrix) UpdateBinary(scores []float32, labels []int, threshold float32) error {
	if cm.NumClasses != 2 {
		return fmt.Errorf("binary update on a %d-class matrix", cm.NumClasses)
	}
	if len(scores) != len(labels) {
		return fmt.Errorf("labels length mismatch: expected %d, got %d", len(scores), len(labels))
	}
	for i, s := range scores {
		pred := 0
		if s > threshold {
			pred = 1
		}
		if err := cm.add(labels[i], pred); err != nil {
			return err
		}
	}
	return nil
}

// UpdateFromPredictions adds argmax predictions of a [batch, classes] score matrix
func (cm *ConfusionMatrix) UpdateFromPredictions(predictions []float32, labels []int) error {
	batch := len(labels)
	if len(predictions) != batch*cm.NumClasses {
		return fmt.Errorf("predictions length mismatch: expected %d, got %d", batch*cm.NumClasses, len(predictions))
	}
	for i := 0; i < batch; i++ {
		row := predictions[i*cm.NumClasses : (i+1)*cm.NumClasses]
		maxIdx := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[maxIdx] {
				maxIdx = j
			}
		}
		if err := cm.add(labels[i], maxIdx); err != nil {
			return err
		}
	}
	return nil
}

func (cm *ConfusionMatrix) add(trueClass, predClass int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses {
		return fmt.Errorf("label %d outside [0, %d)", trueClass, cm.NumClasses)
	}
	cm.Matrix[trueClass][predClass]++
	cm.TotalSamples++
	return nil
}

// GetMetric calculates an evaluation metric. Undefined ratios are 0.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Precision:
		return cm.binaryRatio(cm.tp(), cm.fp())
	case Recall:
		return cm.binaryRatio(cm.tp(), cm.fn())
	case F1Score:
		return harmonic(cm.GetMetric(Precision), cm.GetMetric(Recall))
	case Specificity:
		return cm.binaryRatio(cm.tn(), cm.fp())
	case NPV:
		return cm.binaryRatio(cm.tn(), cm.fn())
	case MacroPrecision:
		return cm.macro(func(c, other int) int { return cm.Matrix[other][c] })
	case MacroRecall:
		return cm.macro(func(c, other int) int { return cm.Matrix[c][other] })
	case MacroF1:
		return harmonic(cm.GetMetric(MacroPrecision), cm.GetMetric(MacroRecall))
	default:
		return 0
	}
}

// Binary counts, class 1 is positive
func (cm *ConfusionMatrix) tp() int { return cm.cell(1, 1) }
func (cm *ConfusionMatrix) fp() int { return cm.cell(0, 1) }
func (cm *ConfusionMatrix) fn() int { return cm.cell(1, 0) }
func (cm *ConfusionMatrix) tn() int { return cm.cell(0, 0) }

func (cm *ConfusionMatrix) cell(t, p int) int {
	if cm.NumClasses != 2 {
		return 0
	}
	return cm.Matrix[t][p]
}

func (cm *ConfusionMatrix) binaryRatio(hit, miss int) float64 {
	if hit+miss == 0 {
		return 0
	}
	return float64(hit) / float64(hit+miss)
}

// macro averages per-class ratios over classes where they are defined;
// wrong(c, other) counts the errors of class c against another class
func (cm *ConfusionMatrix) macro(wrong func(c, other int) int) float64 {
	sum := 0.0
	valid := 0
	for c := 0; c < cm.NumClasses; c++ {
		tp := cm.Matrix[c][c]
		errs := 0
		for other := 0; other < cm.NumClasses; other++ {
			if other != c {
				errs += wrong(c, other)
			}
		}
		if tp+errs > 0 {
			sum += float64(tp) / float64(tp+errs)
			valid++
		}
	}
	if valid == 0 {
		return 0
	}
	return sum / float64(valid)
}

func harmonic(a, b float64) float64 {
	if a+b == 0 {
		return 0
	}
	return 2 * a * b / (a + b)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// ROCPoint represents a point on the ROC curve
type ROCPoint struct {
	Threshold float64 `json:"threshold"`
	TPR       float64 `json:"tpr"` // True Positive Rate (Recall)
	FPR       float64 `json:"fpr"` // False Positive Rate (1 - Specificity)
}

// ROCCurve returns one point per distinct score, in decreasing threshold
// order, preceded by an (0, 0) point at threshold +Inf. Samples with equal
// scores enter the curve together.
func ROCCurve(scores []float32, labels []int) ([]ROCPoint, error) {
	if len(scores) != len(labels) {
		return nil, fmt.Errorf("scores (%d) and labels (%d) differ in length", len(scores), len(labels))
	}
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	pos, neg := 0, 0
	for _, l := range labels {
		if l == 1 {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return nil, ErrSingleClass
	}

	points := []ROCPoint{{Threshold: math.Inf(1)}}
	tp, fp := 0, 0
	for k, idx := range order {
		if labels[idx] == 1 {
			tp++
		} else {
			fp++
		}
		if k+1 < len(order) && scores[order[k+1]] == scores[idx] {
			continue
		}
		points = append(points, ROCPoint{
			Threshold: float64(scores[idx]),
			TPR:       float64(tp) / float64(pos),
			FPR:       float64(fp) / float64(neg),
		})
	}
	return points, nil
}

// AUCROC is the trapezoidal area under the ROC curve
func AUCROC(scores []float32, labels []int) (float64, error) {
	points, err := ROCCurve(scores, labels)
	if err != nil {
		return 0, err
	}
	return AUCFromCurve(points), nil
}

// AUCFromCurve integrates TPR over FPR
func AUCFromCurve(points []ROCPoint) float64 {
	auc := 0.0
	for i := 1; i < len(points); i++ {
		auc += (points[i].FPR - points[i-1].FPR) * (points[i].TPR + points[i-1].TPR) / 2
	}
	return auc
}

// PrecisionScore is TP / (TP + FP) at threshold; 0 when nothing is predicted positive
func PrecisionScore(scores []float32, labels []int, threshold float32) (float64, error) {
	cm := NewConfusionMatrix(2)
	if err := cm.UpdateBinary(scores, labels, threshold); err != nil {
		return 0, err
	}
	return cm.GetMetric(Precision), nil
}

// RecallScore is TP / (TP + FN) at threshold; 0 when there are no positives
func RecallScore(scores []float32, labels []int, threshold float32) (float64, error) {
	cm := NewConfusionMatrix(2)
	if err := cm.UpdateBinary(scores, labels, threshold); err != nil {
		return 0, err
	}
	return cm.GetMetric(Recall), nil
}

// BinaryMetrics is the evaluation summary of a binary classifier
type BinaryMetrics struct {
	AUC         float64    `json:"auc"`
	Precision   float64    `json:"precision"`
	Recall      float64    `json:"recall"`
	F1          float64    `json:"f1"`
	Specificity float64    `json:"specificity"`
	Accuracy    float64    `json:"accuracy"`
	Threshold   float32    `json:"threshold"`
	Confusion   [][]int    `json:"confusion_matrix"`
	ROC         []ROCPoint `json:"-"`
}

// EvaluateBinary computes every binary metric at threshold. AUC needs both
// classes and returns ErrSingleClass otherwise; the other fields are still set.
func EvaluateBinary(scores []float32, labels []int, threshold float32) (*BinaryMetrics, error) {
	cm := NewConfusionMatrix(2)
	if err := cm.UpdateBinary(scores, labels, threshold); err != nil {
		return nil, err
	}
	m := &BinaryMetrics{
		Precision:   cm.GetMetric(Precision),
		Recall:      cm.GetMetric(Recall),
		F1:          cm.GetMetric(F1Score),
		Specificity: cm.GetMetric(Specificity),
		Accuracy:    cm.GetAccuracy(),
		Threshold:   threshold,
		Confusion:   cm.Matrix,
	}
	roc, err := ROCCurve(scores, labels)
	if err != nil {
		return m, err
	}
	m.ROC = roc
	m.AUC = AUCFromCurve(roc)
	return m, nil
}

// RoundHalfEven rounds x to the given number of decimals, ties to even
func RoundHalfEven(x float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.RoundToEven(x*scale) / scale
}
