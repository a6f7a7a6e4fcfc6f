package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"runtime"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// PlottingService posts PlotData documents to the sidecar plotting application
type PlottingService struct {
	baseURL    string
	httpClient *http.Client
	config     PlottingServiceConfig
	logger     *zap.Logger
	enabled    bool
}

// PlottingServiceConfig contains configuration for the plotting service
type PlottingServiceConfig struct {
	BaseURL       string        `json:"base_url" yaml:"base_url"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	RetryAttempts int           `json:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay" yaml:"retry_delay"` // initial backoff interval
}

// PlottingResponse represents the response from the plotting service
type PlottingResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	PlotURL      string `json:"plot_url,omitempty"`
	ViewURL      string `json:"view_url,omitempty"`
	PlotID       string `json:"plot_id,omitempty"`
	BatchID      string `json:"batch_id,omitempty"`
	DashboardURL string `json:"dashboard_url,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// BatchPlottingResponse represents the response from the batch plotting endpoint
type BatchPlottingResponse struct {
	Success      bool              `json:"success"`
	Message      string            `json:"message"`
	BatchID      string            `json:"batch_id,omitempty"`
	Results      []BatchPlotResult `json:"results,omitempty"`
	DashboardURL string            `json:"dashboard_url,omitempty"`
	Summary      BatchSummary      `json:"summary,omitempty"`
}

// BatchPlotResult represents a single plot result within a batch response
type BatchPlotResult struct {
	Success   bool   `json:"success"`
	PlotID    string `json:"plot_id,omitempty"`
	PlotURL   string `json:"plot_url,omitempty"`
	ViewURL   string `json:"view_url,omitempty"`
	PlotType  string `json:"plot_type,omitempty"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// BatchSummary represents the summary of a batch operation
type BatchSummary struct {
	TotalPlots int `json:"total_plots"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// DefaultPlottingServiceConfig returns default configuration for the plotting service
func DefaultPlottingServiceConfig() PlottingServiceConfig {
	return PlottingServiceConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// NewPlottingService creates a disabled plotting service client
func NewPlottingService(config PlottingServiceConfig, logger *zap.Logger) *PlottingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlottingService{
		baseURL:    config.BaseURL,
		httpClient: &http.Client{Timeout: config.Timeout},
		config:     config,
		logger:     logger,
	}
}

// Enable enables the plotting service
func (ps *PlottingService) Enable() {
	ps.enabled = true
}

// Disable disables the plotting service
func (ps *PlottingService) Disable() {
	ps.enabled = false
}

// IsEnabled returns whether the plotting service is enabled
func (ps *PlottingService) IsEnabled() bool {
	return ps.enabled
}

var errDisabled = fmt.Errorf("plotting service is disabled")

// post sends body to path and decodes the JSON reply into out. Client
// errors are permanent; transport failures and 5xx replies may be retried.
func (ps *PlottingService) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal plot data: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ps.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-finetune")

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	decodeErr := json.Unmarshal(respBody, out)

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("HTTP request failed with status %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	if decodeErr != nil {
		return backoff.Permanent(fmt.Errorf("failed to parse response JSON: %w", decodeErr))
	}
	return nil
}

// retry runs op with exponential backoff, up to RetryAttempts tries
func (ps *PlottingService) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	if ps.config.RetryDelay > 0 {
		b.InitialInterval = ps.config.RetryDelay
	}
	attempts := ps.config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	return backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		ps.logger.Warn("plot upload failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
}

// SendPlotData sends one plot, retrying transient failures
func (ps *PlottingService) SendPlotData(ctx context.Context, plotData PlotData) (*PlottingResponse, error) {
	if !ps.enabled {
		return nil, errDisabled
	}
	var resp PlottingResponse
	err := ps.retry(ctx, func() error {
		resp = PlottingResponse{}
		return ps.post(ctx, "/api/plot", plotData, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send %s plot: %w", plotData.PlotType, err)
	}
	return &resp, nil
}

// BatchSendPlots sends multiple plots in a single request
func (ps *PlottingService) BatchSendPlots(ctx context.Context, plots []PlotData) (*BatchPlottingResponse, error) {
	if !ps.enabled {
		return nil, errDisabled
	}
	payload := map[string]interface{}{"plots": plots, "batch": true}
	var resp BatchPlottingResponse
	err := ps.retry(ctx, func() error {
		resp = BatchPlottingResponse{}
		return ps.post(ctx, "/api/batch-plot", payload, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send batch of %d plots: %w", len(plots), err)
	}
	return &resp, nil
}

// CheckHealth checks if the plotting service is available
func (ps *PlottingService) CheckHealth(ctx context.Context) error {
	if !ps.enabled {
		return errDisabled
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ps.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// SendAll posts every plot the collector has data for as one batch and
// returns the dashboard URL, if the sidecar provides one
func (ps *PlottingService) SendAll(ctx context.Context, collector *VisualizationCollector) (string, error) {
	all := collector.GenerateAll()
	if len(all) == 0 {
		return "", fmt.Errorf("no plot data collected")
	}
	types := make([]string, 0, len(all))
	for t := range all {
		types = append(types, string(t))
	}
	sort.Strings(types)
	plots := make([]PlotData, 0, len(types))
	for _, t := range types {
		plots = append(plots, all[PlotType(t)])
	}

	resp, err := ps.BatchSendPlots(ctx, plots)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("sidecar rejected batch: %s", resp.Message)
	}
	ps.logger.Info("sent plots to sidecar",
		zap.Int("plots", resp.Summary.Successful), zap.String("batch_id", resp.BatchID))
	if resp.DashboardURL == "" {
		return "", nil
	}
	return ps.baseURL + resp.DashboardURL, nil
}

// OpenInBrowser opens url with the platform's default handler
func OpenInBrowser(url string) error {
	var cmd string
	var args []string
	switch runtime.GOOS {
	case "darwin":
		cmd, args = "open", []string{url}
	case "windows":
		cmd, args = "cmd", []string{"/c", "start", url}
	case "linux":
		cmd, args = "xdg-open", []string{url}
	default:
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
	return exec.Command(cmd, args...).Start()
}
