package training

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPlottingServiceConfig(t *testing.T) {
	config := DefaultPlottingServiceConfig()

	if config.BaseURL != "http://localhost:8080" {
		t.Errorf("Expected BaseURL http://localhost:8080, got %s", config.BaseURL)
	}
	if config.Timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %v", config.Timeout)
	}
	if config.RetryAttempts != 3 {
		t.Errorf("Expected retry attempts 3, got %d", config.RetryAttempts)
	}
}

func TestPlottingServiceEnableDisable(t *testing.T) {
	ps := NewPlottingService(DefaultPlottingServiceConfig(), nil)
	if ps.IsEnabled() {
		t.Error("Service should be disabled initially")
	}

	_, err := ps.SendPlotData(context.Background(), PlotData{})
	assert.ErrorIs(t, err, errDisabled)
	assert.ErrorIs(t, ps.CheckHealth(context.Background()), errDisabled)

	ps.Enable()
	if !ps.IsEnabled() {
		t.Error("Service should be enabled after Enable()")
	}
	ps.Disable()
	if ps.IsEnabled() {
		t.Error("Service should be disabled after Disable()")
	}
}

func fastConfig(url string) PlottingServiceConfig {
	return PlottingServiceConfig{
		BaseURL:       url,
		Timeout:       5 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}
}

// mockSidecar answers like the plotting sidecar, failing the first
// `failures` requests with 503
func mockSidecar(t *testing.T, failures int32) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/api/plot":
			if n <= failures {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(PlottingResponse{Message: "busy"})
				return
			}
			var pd PlotData
			if err := json.NewDecoder(r.Body).Decode(&pd); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(PlottingResponse{Message: err.Error()})
				return
			}
			_ = json.NewEncoder(w).Encode(PlottingResponse{Success: true, PlotID: string(pd.PlotType), ViewURL: "/view/1"})
		case "/api/batch-plot":
			var body struct {
				Plots []PlotData `json:"plots"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(BatchPlottingResponse{
				Success:      true,
				BatchID:      "b1",
				DashboardURL: "/dashboard/b1",
				Summary:      BatchSummary{TotalPlots: len(body.Plots), Successful: len(body.Plots)},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"not found"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestSendPlotDataRetriesServerErrors(t *testing.T) {
	srv, calls := mockSidecar(t, 2)
	ps := NewPlottingService(fastConfig(srv.URL), nil)
	ps.Enable()

	resp, err := ps.SendPlotData(context.Background(), PlotData{PlotType: PlotROC})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "roc_curve", resp.PlotID)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestSendPlotDataGivesUp(t *testing.T) {
	srv, calls := mockSidecar(t, 10)
	ps := NewPlottingService(fastConfig(srv.URL), nil)
	ps.Enable()

	_, err := ps.SendPlotData(context.Background(), PlotData{PlotType: PlotROC})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	srv, calls := mockSidecar(t, 0)
	config := fastConfig(srv.URL + "/missing")
	ps := NewPlottingService(config, nil)
	ps.Enable()

	_, err := ps.SendPlotData(context.Background(), PlotData{})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestCheckHealth(t *testing.T) {
	srv, _ := mockSidecar(t, 0)
	ps := NewPlottingService(fastConfig(srv.URL), nil)
	ps.Enable()
	assert.NoError(t, ps.CheckHealth(context.Background()))

	down := NewPlottingService(fastConfig("http://127.0.0.1:1"), nil)
	down.Enable()
	assert.Error(t, down.CheckHealth(context.Background()))
}

func TestSendAll(t *testing.T) {
	srv, _ := mockSidecar(t, 0)
	ps := NewPlottingService(fastConfig(srv.URL), nil)
	ps.Enable()

	dashboard, err := ps.SendAll(context.Background(), collectorWithData(t))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/dashboard/b1", dashboard)

	_, err = ps.SendAll(context.Background(), NewVisualizationCollector("empty"))
	assert.Error(t, err)
}
