// Package registry records experiment runs in a SQLite database so sweeps
// and repeated runs can be listed and compared afterwards.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of a run
type Status string

const (
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// timeLayout is fixed width so stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned for unknown run ids
var ErrNotFound = errors.New("run not found")

// RunInfo describes a run when it starts
type RunInfo struct {
	Experiment  string
	Backbone    string
	ResultsDir  string
	Combination int // sweep combination, 0 for single runs
	Params      map[string]interface{}
}

// Outcome is what a finished run reports
type Outcome struct {
	EpochsRun    int
	StoppedEpoch int // -1 when early stopping did not trigger
	AUC          float64
	Precision    float64
	Recall       float64
	ValLoss      float64
	ValAccuracy  float64
}

// Run is one registry row
type Run struct {
	ID          string                 `json:"id"`
	Experiment  string                 `json:"experiment"`
	Backbone    string                 `json:"backbone"`
	ResultsDir  string                 `json:"results_dir"`
	Combination int                    `json:"combination"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Status      Status                 `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
	Outcome     *Outcome               `json:"outcome,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Duration is the wall time of a completed run, or zero
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Registry is a SQLite-backed run log
type Registry struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
	now    func() time.Time
}

// Open creates or opens the registry database at path
func Open(path string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer keeps SQLite from returning SQLITE_BUSY
	db.SetMaxOpenConns(1)

	r := &Registry{db: db, logger: logger, now: time.Now}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		experiment TEXT NOT NULL,
		backbone TEXT NOT NULL,
		results_dir TEXT NOT NULL,
		combination INTEGER NOT NULL DEFAULT 0,
		params TEXT,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		epochs_run INTEGER,
		stopped_epoch INTEGER,
		auc REAL,
		precision_score REAL,
		recall_score REAL,
		val_loss REAL,
		val_accuracy REAL,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_backbone ON runs(backbone);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (r *Registry) Close() error {
	return r.db.Close()
}

// Start inserts a running entry and returns its id
func (r *Registry) Start(ctx context.Context, info RunInfo) (string, error) {
	params := []byte("{}")
	if len(info.Params) > 0 {
		var err error
		params, err = json.Marshal(info.Params)
		if err != nil {
			return "", fmt.Errorf("failed to encode params: %w", err)
		}
	}
	id := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (id, experiment, backbone, results_dir, combination, params, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, info.Experiment, strings.ToLower(info.Backbone), info.ResultsDir, info.Combination,
		string(params), string(StatusRunning), r.now().UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("failed to record run start: %w", err)
	}
	r.logger.Debug("run started", zap.String("run_id", id), zap.String("experiment", info.Experiment))
	return id, nil
}

// Finish marks a run finished with its outcome
func (r *Registry) Finish(ctx context.Context, id string, out Outcome) error {
	return r.complete(ctx, id, `
		UPDATE runs SET status = ?, finished_at = ?, epochs_run = ?, stopped_epoch = ?,
			auc = ?, precision_score = ?, recall_score = ?, val_loss = ?, val_accuracy = ?
		WHERE id = ?`,
		string(StatusFinished), r.now().UTC().Format(timeLayout), out.EpochsRun, out.StoppedEpoch,
		out.AUC, out.Precision, out.Recall, out.ValLoss, out.ValAccuracy, id)
}

// Fail marks a run failed with the error that ended it
func (r *Registry) Fail(ctx context.Context, id string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return r.complete(ctx, id, `
		UPDATE runs SET status = ?, finished_at = ?, error = ? WHERE id = ?`,
		string(StatusFailed), r.now().UTC().Format(timeLayout), msg, id)
}

func (r *Registry) complete(ctx context.Context, id, query string, args ...interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const selectRuns = `
	SELECT id, experiment, backbone, results_dir, combination, params, status, started_at,
		finished_at, epochs_run, stopped_epoch, auc, precision_score, recall_score,
		val_loss, val_accuracy, error
	FROM runs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run                                  Run
		params, status, started              string
		finished, errMsg                     sql.NullString
		epochs, stopped                      sql.NullInt64
		auc, prec, rec, valLoss, valAccuracy sql.NullFloat64
	)
	err := row.Scan(&run.ID, &run.Experiment, &run.Backbone, &run.ResultsDir, &run.Combination,
		&params, &status, &started, &finished, &epochs, &stopped, &auc, &prec, &rec,
		&valLoss, &valAccuracy, &errMsg)
	if err != nil {
		return nil, err
	}
	run.Status = Status(status)
	run.Error = errMsg.String
	if params != "" && params != "{}" {
		if err := json.Unmarshal([]byte(params), &run.Params); err != nil {
			return nil, fmt.Errorf("run %s has invalid params: %w", run.ID, err)
		}
	}
	if run.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, fmt.Errorf("run %s has invalid start time: %w", run.ID, err)
	}
	if finished.Valid {
		t, err := time.Parse(timeLayout, finished.String)
		if err != nil {
			return nil, fmt.Errorf("run %s has invalid finish time: %w", run.ID, err)
		}
		run.FinishedAt = &t
	}
	if run.Status == StatusFinished {
		run.Outcome = &Outcome{
			EpochsRun:    int(epochs.Int64),
			StoppedEpoch: int(stopped.Int64),
			AUC:          auc.Float64,
			Precision:    prec.Float64,
			Recall:       rec.Float64,
			ValLoss:      valLoss.Float64,
			ValAccuracy:  valAccuracy.Float64,
		}
	}
	return &run, nil
}

// Get returns one run
func (r *Registry) Get(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, selectRuns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", id, err)
	}
	return run, nil
}

// Filter narrows List
type Filter struct {
	Backbone   string
	Experiment string
	Status     Status
	Limit      int // 0 lists everything
}

// List returns runs newest first
func (r *Registry) List(ctx context.Context, f Filter) ([]*Run, error) {
	var where []string
	var args []interface{}
	if f.Backbone != "" {
		where = append(where, "backbone = ?")
		args = append(args, strings.ToLower(f.Backbone))
	}
	if f.Experiment != "" {
		where = append(where, "experiment = ?")
		args = append(args, f.Experiment)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := selectRuns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Summary aggregates the finished runs of one backbone
type Summary struct {
	Backbone      string
	Runs          int
	Finished      int
	Failed        int
	MeanAUC       float64
	MeanPrecision float64
	MeanRecall    float64
	Best          *Run // highest AUC
}

// Summarize aggregates every run of backbone
func (r *Registry) Summarize(ctx context.Context, backbone string) (*Summary, error) {
	runs, err := r.List(ctx, Filter{Backbone: backbone})
	if err != nil {
		return nil, err
	}
	s := &Summary{Backbone: strings.ToLower(backbone), Runs: len(runs)}
	for _, run := range runs {
		switch run.Status {
		case StatusFailed:
			s.Failed++
		case StatusFinished:
			s.Finished++
			s.MeanAUC += run.Outcome.AUC
			s.MeanPrecision += run.Outcome.Precision
			s.MeanRecall += run.Outcome.Recall
			if s.Best == nil || run.Outcome.AUC > s.Best.Outcome.AUC {
				s.Best = run
			}
		}
	}
	if s.Finished > 0 {
		n := float64(s.Finished)
		s.MeanAUC /= n
		s.MeanPrecision /= n
		s.MeanRecall /= n
	}
	return s, nil
}
