package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"hallpass/pkg/interfaces"
	"hallpass/pkg/types"
)

const (
	DefaultKeepDays = 40
	DefaultInterval = 24 * time.Hour
)

// WriteLogPruner is implemented by stores that keep an audit log of writes
type WriteLogPruner interface {
	PruneWriteLog(ctx context.Context, before time.Time) (int64, error)
}

// Result summarizes one cleanup pass
type Result struct {
	Days          int    `json:"days"`
	Cutoff        string `json:"cutoff,omitempty"`
	Deleted       int    `json:"deleted"`
	LogRowsPruned int64  `json:"logRowsPruned"`
}

// Job deletes dated records older than the most recent keep instructional days
// FUNCTIONAL DISCOVERY: Counting days that have records, not calendar days, keeps
// a full window of school activity across holidays
type Job struct {
	store  interfaces.DocumentStore
	keep   int
	logger *zap.Logger
}

// NewJob creates a retention job keeping keep days (DefaultKeepDays when <= 0)
func NewJob(store interfaces.DocumentStore, keep int, logger *zap.Logger) *Job {
	if keep <= 0 {
		keep = DefaultKeepDays
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{store: store, keep: keep, logger: logger}
}

// RunOnce performs a single cleanup pass with one multi-path delete
func (j *Job) RunOnce(ctx context.Context) (Result, error) {
	raw, err := j.store.ReadOnce(ctx, types.PathRecords)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read records: %w", err)
	}

	// Values stay raw, only the date keys matter here
	var records map[string]map[string]map[string]json.RawMessage
	if !types.IsNullJSON(raw) {
		if err := json.Unmarshal(raw, &records); err != nil {
			return Result{}, &types.DecodeError{Path: types.PathRecords, Err: err}
		}
	}

	// STEP 1: Distinct dates, newest first
	seen := make(map[string]bool)
	for _, byStudent := range records {
		for _, byDate := range byStudent {
			for date := range byDate {
				seen[date] = true
			}
		}
	}
	dates := make([]string, 0, len(seen))
	for date := range seen {
		dates = append(dates, date)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	result := Result{Days: len(dates)}
	if len(dates) <= j.keep {
		j.logger.Debug("retention: nothing to remove", zap.Int("days", len(dates)))
		return result, nil
	}
	result.Cutoff = dates[j.keep-1]

	// STEP 2: Delete every dated record before the cutoff in one merge
	updates := make(map[string]any)
	for class, byStudent := range records {
		for student, byDate := range byStudent {
			for date := range byDate {
				if date < result.Cutoff {
					updates[types.RecordPath(class, student, date)] = nil
				}
			}
		}
	}
	if err := j.store.Merge(ctx, updates); err != nil {
		return result, fmt.Errorf("failed to delete old records: %w", err)
	}
	result.Deleted = len(updates)

	// STEP 3: The audit log follows the same window when the store keeps one
	if pruner, ok := j.store.(WriteLogPruner); ok {
		if cutoff, err := types.ParseDate(result.Cutoff, time.UTC); err == nil {
			pruned, err := pruner.PruneWriteLog(ctx, cutoff)
			if err != nil {
				j.logger.Warn("retention: failed to prune write log", zap.Error(err))
			}
			result.LogRowsPruned = pruned
		}
	}

	j.logger.Info("retention pass complete",
		zap.Int("days", result.Days),
		zap.String("cutoff", result.Cutoff),
		zap.Int("deleted", result.Deleted),
		zap.Int64("log_rows_pruned", result.LogRowsPruned))
	return result, nil
}

// Run performs a pass now and then every interval until ctx is cancelled
func (j *Job) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Error("retention pass failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Error("retention pass failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
