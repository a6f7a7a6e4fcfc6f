package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/tsawler/go-finetune/experiment"
	"github.com/tsawler/go-finetune/registry"
	"github.com/tsawler/go-finetune/training"
)

var (
	accent      = lipgloss.Color("#8BC34A")
	muted       = lipgloss.Color("#6b7280")
	destructive = lipgloss.Color("#e53935")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(accent)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	sepStyle    = lipgloss.NewStyle().Foreground(muted)
	failedStyle = lipgloss.NewStyle().Foreground(destructive)
)

// table renders rows under headers with padded columns
func table(title string, headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); i < len(widths) && w > widths[i] {
				widths[i] = w
			}
		}
	}

	var sb strings.Builder
	if title != "" {
		sb.WriteString(titleStyle.Render(title))
		sb.WriteString("\n")
	}
	line := func(cells []string, style lipgloss.Style) {
		for i, c := range cells {
			if i > 0 {
				sb.WriteString(sepStyle.Render("|"))
			}
			sb.WriteString(style.Width(widths[i] + 2).Render(c))
		}
		sb.WriteString("\n")
	}
	line(headers, headerStyle)
	total := len(widths) - 1
	for _, w := range widths {
		total += w + 2
	}
	sb.WriteString(sepStyle.Render(strings.Repeat("-", total)))
	sb.WriteString("\n")
	for _, row := range rows {
		line(row, cellStyle)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func percent(x float64) string {
	return fmt.Sprintf("%d%%", int(training.RoundHalfEven(100*x, 0)))
}

func renderRuns(runs []*registry.Run) string {
	if len(runs) == 0 {
		return "no runs recorded"
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		auc, status := "-", string(r.Status)
		if r.Outcome != nil {
			auc = fmt.Sprintf("%0.2f", training.RoundHalfEven(r.Outcome.AUC, 2))
		}
		if r.Status == registry.StatusFailed {
			status = failedStyle.Render(status)
		}
		rows = append(rows, []string{
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.Experiment,
			r.Backbone,
			status,
			auc,
			r.Duration().Round(time.Second).String(),
		})
	}
	return table("Runs", []string{"started", "experiment", "backbone", "status", "AUC", "duration"}, rows)
}

func renderSummary(s *registry.Summary) string {
	rows := [][]string{
		{"runs", fmt.Sprint(s.Runs)},
		{"finished", fmt.Sprint(s.Finished)},
		{"failed", fmt.Sprint(s.Failed)},
	}
	if s.Finished > 0 {
		rows = append(rows,
			[]string{"mean AUC", fmt.Sprintf("%0.2f", training.RoundHalfEven(s.MeanAUC, 2))},
			[]string{"mean precision", percent(s.MeanPrecision)},
			[]string{"mean recall", percent(s.MeanRecall)},
		)
	}
	if s.Best != nil {
		rows = append(rows, []string{"best", fmt.Sprintf("%s (AUC %0.2f)", s.Best.Experiment, training.RoundHalfEven(s.Best.Outcome.AUC, 2))})
	}
	return table("Backbone "+s.Backbone, []string{"metric", "value"}, rows)
}

func renderMetrics(path string, n int, m *training.BinaryMetrics) string {
	rows := [][]string{
		{"images", fmt.Sprint(n)},
		{"AUC", fmt.Sprintf("%0.2f", training.RoundHalfEven(m.AUC, 2))},
		{"precision", percent(m.Precision)},
		{"recall", percent(m.Recall)},
		{"specificity", percent(m.Specificity)},
		{"F1", fmt.Sprintf("%0.2f", training.RoundHalfEven(m.F1, 2))},
		{"accuracy", percent(m.Accuracy)},
	}
	return table(path, []string{"metric", "value"}, rows)
}

func renderSweep(name string, results []*experiment.Result) string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		m := r.Metrics()
		rows = append(rows, []string{
			r.Name,
			r.Backbone,
			fmt.Sprint(r.Config.Epochs),
			fmt.Sprint(r.Config.LearningRate),
			fmt.Sprint(r.Config.BatchSize),
			fmt.Sprintf("%0.2f", training.RoundHalfEven(m.AUC, 2)),
			percent(m.Precision),
			percent(m.Recall),
		})
	}
	return table("Sweep "+name, []string{"combination", "backbone", "epochs", "lr", "batch", "AUC", "precision", "recall"}, rows)
}
