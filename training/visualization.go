package training

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	// Training plots
	PlotModelAccuracy PlotType = "model_accuracy"
	PlotModelLoss     PlotType = "model_loss"
	PlotLearningRate  PlotType = "learning_rate_schedule"

	// Evaluation plots
	PlotROC             PlotType = "roc_curve"
	PlotConfusionMatrix PlotType = "confusion_matrix"
)

// PlotData is the JSON document accepted by the plotting sidecar
type PlotData struct {
	// Metadata
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter", "heatmap"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Z     interface{} `json:"z,omitempty"`     // heatmap cell value
	Label string      `json:"label,omitempty"` // For categorical data
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel    string                 `json:"x_axis_label"`
	YAxisLabel    string                 `json:"y_axis_label"`
	XAxisScale    string                 `json:"x_axis_scale"` // "linear", "log"
	YAxisScale    string                 `json:"y_axis_scale"`
	ShowLegend    bool                   `json:"show_legend"`
	ShowGrid      bool                   `json:"show_grid"`
	Width         int                    `json:"width"`
	Height        int                    `json:"height"`
	CustomOptions map[string]interface{} `json:"custom_options,omitempty"`
}

// VisualizationCollector gathers per-epoch curves and evaluation results
type VisualizationCollector struct {
	modelName string
	enabled   bool

	epochs             []int
	trainingLoss       []float64
	trainingAccuracy   []float64
	validationLoss     []float64
	validationAccuracy []float64
	learningRates      []float64

	rocPoints       []ROCPoint
	auc             float64
	confusionMatrix [][]int
	classNames      []string
}

// NewVisualizationCollector creates an enabled collector
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{modelName: modelName, enabled: true}
}

// CollectorFromHistory replays a finished history into a new collector
func CollectorFromHistory(modelName string, h *History) *VisualizationCollector {
	vc := NewVisualizationCollector(modelName)
	for i, epoch := range h.Epoch {
		vc.RecordEpoch(epoch, h.EpochLogs(i))
	}
	return vc
}

// Enable enables visualization data collection
func (vc *VisualizationCollector) Enable() {
	vc.enabled = true
}

// Disable disables visualization data collection
func (vc *VisualizationCollector) Disable() {
	vc.enabled = false
}

// IsEnabled returns whether visualization is enabled
func (vc *VisualizationCollector) IsEnabled() bool {
	return vc.enabled
}

// RecordEpoch records the logs of one epoch. Missing validation values
// are stored as NaN so series stay aligned.
func (vc *VisualizationCollector) RecordEpoch(epoch int, logs Logs) {
	if !vc.enabled {
		return
	}
	get := func(key string) float64 {
		if v, ok := logs[key]; ok {
			return v
		}
		return math.NaN()
	}
	vc.epochs = append(vc.epochs, epoch)
	vc.trainingLoss = append(vc.trainingLoss, get(LogLoss))
	vc.trainingAccuracy = append(vc.trainingAccuracy, get(LogAccuracy))
	vc.validationLoss = append(vc.validationLoss, get(LogValLoss))
	vc.validationAccuracy = append(vc.validationAccuracy, get(LogValAccuracy))
	vc.learningRates = append(vc.learningRates, get(LogLR))
}

// RecordEvaluation stores the ROC curve and confusion matrix of m
func (vc *VisualizationCollector) RecordEvaluation(m *BinaryMetrics, classNames []string) {
	if !vc.enabled || m == nil {
		return
	}
	vc.rocPoints = m.ROC
	vc.auc = m.AUC
	vc.confusionMatrix = m.Confusion
	vc.classNames = classNames
}

func (vc *VisualizationCollector) epochSeries(name string, values []float64, style map[string]interface{}) (SeriesData, bool) {
	s := SeriesData{Name: name, Type: "line", Style: style}
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		s.Data = append(s.Data, DataPoint{X: vc.epochs[i], Y: v})
	}
	return s, len(s.Data) > 0
}

func (vc *VisualizationCollector) curvePlot(kind PlotType, title, yLabel string, train, test []float64) PlotData {
	var series []SeriesData
	if s, ok := vc.epochSeries("train", train, map[string]interface{}{"color": "#1F77B4", "line_width": 2}); ok {
		series = append(series, s)
	}
	if s, ok := vc.epochSeries("test", test, map[string]interface{}{"color": "#FF7F0E", "line_width": 2}); ok {
		series = append(series, s)
	}
	return PlotData{
		PlotType:  kind,
		Title:     title,
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel: "epoch",
			YAxisLabel: yLabel,
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      640,
			Height:     480,
		},
	}
}

// GenerateAccuracyPlot returns the train/test accuracy curves
func (vc *VisualizationCollector) GenerateAccuracyPlot() PlotData {
	return vc.curvePlot(PlotModelAccuracy, "Model accuracy: "+vc.modelName, "accuracy",
		vc.trainingAccuracy, vc.validationAccuracy)
}

// GenerateLossPlot returns the train/test loss curves
func (vc *VisualizationCollector) GenerateLossPlot() PlotData {
	return vc.curvePlot(PlotModelLoss, "model loss: "+vc.modelName, "loss",
		vc.trainingLoss, vc.validationLoss)
}

// GenerateLearningRatePlot returns the learning rate per epoch
func (vc *VisualizationCollector) GenerateLearningRatePlot() PlotData {
	s, _ := vc.epochSeries("Learning Rate", vc.learningRates, map[string]interface{}{"color": "#6C5CE7", "line_width": 2})
	return PlotData{
		PlotType:  PlotLearningRate,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    []SeriesData{s},
		Config: PlotConfig{
			XAxisLabel: "epoch",
			YAxisLabel: "Learning Rate",
			XAxisScale: "linear",
			YAxisScale: "log",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     400,
		},
	}
}

// GenerateROCCurvePlot returns the ROC curve with the chance diagonal
func (vc *VisualizationCollector) GenerateROCCurvePlot() PlotData {
	roc := SeriesData{
		Name:  fmt.Sprintf("ROC (AUC = %0.2f)", vc.auc),
		Type:  "line",
		Data:  make([]DataPoint, len(vc.rocPoints)),
		Style: map[string]interface{}{"color": "#FF6B6B", "line_width": 2},
	}
	for i, p := range vc.rocPoints {
		roc.Data[i] = DataPoint{X: p.FPR, Y: p.TPR}
	}
	chance := SeriesData{
		Name:  "Random Classifier",
		Type:  "line",
		Data:  []DataPoint{{X: 0.0, Y: 0.0}, {X: 1.0, Y: 1.0}},
		Style: map[string]interface{}{"color": "#95A5A6", "line_width": 1, "line_style": "dashed"},
	}
	return PlotData{
		PlotType:  PlotROC,
		Title:     fmt.Sprintf("ROC Curve - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    []SeriesData{roc, chance},
		Config: PlotConfig{
			XAxisLabel: "False Positive Rate",
			YAxisLabel: "True Positive Rate",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      600,
			Height:     600,
		},
		Metrics: map[string]interface{}{"auc": vc.auc},
	}
}

// GenerateConfusionMatrixPlot returns the confusion matrix as a heatmap,
// or an empty PlotData when none was recorded
func (vc *VisualizationCollector) GenerateConfusionMatrixPlot() PlotData {
	if len(vc.confusionMatrix) == 0 {
		return PlotData{}
	}
	className := func(i int) string {
		if i < len(vc.classNames) {
			return vc.classNames[i]
		}
		return fmt.Sprint(i)
	}

	var data []DataPoint
	for i, row := range vc.confusionMatrix {
		for j, value := range row {
			data = append(data, DataPoint{
				X:     j,
				Y:     i,
				Z:     value,
				Label: fmt.Sprintf("True: %s, Pred: %s", className(i), className(j)),
			})
		}
	}

	return PlotData{
		PlotType:  PlotConfusionMatrix,
		Title:     fmt.Sprintf("Confusion Matrix - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{{
			Name:  "Confusion Matrix",
			Type:  "heatmap",
			Data:  data,
			Style: map[string]interface{}{"colorscale": "Blues"},
		}},
		Config: PlotConfig{
			XAxisLabel:    "Predicted Class",
			YAxisLabel:    "True Class",
			XAxisScale:    "linear",
			YAxisScale:    "linear",
			Width:         600,
			Height:        600,
			CustomOptions: map[string]interface{}{"class_names": vc.classNames},
		},
	}
}

// GenerateAll returns every plot with data, keyed by type
func (vc *VisualizationCollector) GenerateAll() map[PlotType]PlotData {
	plots := make(map[PlotType]PlotData)
	if len(vc.epochs) > 0 {
		plots[PlotModelAccuracy] = vc.GenerateAccuracyPlot()
		plots[PlotModelLoss] = vc.GenerateLossPlot()
		plots[PlotLearningRate] = vc.GenerateLearningRatePlot()
	}
	if len(vc.rocPoints) > 0 {
		plots[PlotROC] = vc.GenerateROCCurvePlot()
	}
	if len(vc.confusionMatrix) > 0 {
		plots[PlotConfusionMatrix] = vc.GenerateConfusionMatrixPlot()
	}
	return plots
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	return string(jsonData), nil
}

// Clear resets all collected data
func (vc *VisualizationCollector) Clear() {
	vc.epochs = vc.epochs[:0]
	vc.trainingLoss = vc.trainingLoss[:0]
	vc.trainingAccuracy = vc.trainingAccuracy[:0]
	vc.validationLoss = vc.validationLoss[:0]
	vc.validationAccuracy = vc.validationAccuracy[:0]
	vc.learningRates = vc.learningRates[:0]
	vc.rocPoints = nil
	vc.auc = 0
	vc.confusionMatrix = nil
	vc.classNames = nil
}
