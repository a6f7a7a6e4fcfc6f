package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "nested", "runs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	clock := time.Date(2021, 7, 5, 16, 29, 36, 0, time.UTC)
	r.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return r
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)

	id, err := r.Start(ctx, RunInfo{
		Experiment: "E24 direct",
		Backbone:   "Xception",
		ResultsDir: "/tmp/results",
		Params:     map[string]interface{}{"learning_rate": 0.001, "batch_size": 10},
	})
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	run, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Equal(t, "xception", run.Backbone)
	assert.Equal(t, 0.001, run.Params["learning_rate"])
	assert.Nil(t, run.FinishedAt)
	assert.Nil(t, run.Outcome)
	assert.Zero(t, run.Duration())

	require.NoError(t, r.Finish(ctx, id, Outcome{EpochsRun: 7, StoppedEpoch: 6, AUC: 0.83, Precision: 0.71, Recall: 0.64, ValLoss: 0.48, ValAccuracy: 0.77}))
	run, err = r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, run.Status)
	require.NotNil(t, run.Outcome)
	assert.Equal(t, 6, run.Outcome.StoppedEpoch)
	assert.Equal(t, 0.83, run.Outcome.AUC)
	assert.Equal(t, time.Minute, run.Duration())
}

func TestFailAndNotFound(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)

	id, err := r.Start(ctx, RunInfo{Experiment: "e", Backbone: "vgg16", ResultsDir: "d"})
	require.NoError(t, err)
	require.NoError(t, r.Fail(ctx, id, errors.New("out of memory")))

	run, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "out of memory", run.Error)

	_, err = r.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Finish(ctx, "nope", Outcome{}), ErrNotFound)
}

func TestListAndSummarize(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)

	var ids []string
	for k, auc := range []float64{0.7, 0.9, 0.8} {
		id, err := r.Start(ctx, RunInfo{Experiment: "sweep", Backbone: "xception", ResultsDir: "d", Combination: k + 1})
		require.NoError(t, err)
		require.NoError(t, r.Finish(ctx, id, Outcome{AUC: auc, Precision: 0.5, Recall: auc}))
		ids = append(ids, id)
	}
	failed, err := r.Start(ctx, RunInfo{Experiment: "sweep", Backbone: "xception", ResultsDir: "d", Combination: 4})
	require.NoError(t, err)
	require.NoError(t, r.Fail(ctx, failed, errors.New("boom")))
	_, err = r.Start(ctx, RunInfo{Experiment: "other", Backbone: "vgg16", ResultsDir: "d"})
	require.NoError(t, err)

	all, err := r.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.Equal(t, "vgg16", all[0].Backbone, "newest first")

	xc, err := r.List(ctx, Filter{Backbone: "XCEPTION", Status: StatusFinished, Limit: 2})
	require.NoError(t, err)
	require.Len(t, xc, 2)
	assert.Equal(t, ids[2], xc[0].ID)
	assert.Equal(t, 3, xc[0].Combination)

	s, err := r.Summarize(ctx, "xception")
	require.NoError(t, err)
	assert.Equal(t, 4, s.Runs)
	assert.Equal(t, 3, s.Finished)
	assert.Equal(t, 1, s.Failed)
	assert.InDelta(t, 0.8, s.MeanAUC, 1e-12)
	require.NotNil(t, s.Best)
	assert.Equal(t, ids[1], s.Best.ID)

	empty, err := r.Summarize(ctx, "tiny")
	require.NoError(t, err)
	assert.Zero(t, empty.Runs)
	assert.Nil(t, empty.Best)
}
