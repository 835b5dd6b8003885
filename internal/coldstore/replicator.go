// Package coldstore mirrors task records into a columnar warehouse
// (Greenplum, reachable over the Postgres wire protocol). It is an
// external collaborator: the dispatcher is correct without it.
package coldstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kmaus/dispatchq/internal/config"
	"github.com/kmaus/dispatchq/internal/logger"
	"github.com/kmaus/dispatchq/internal/queue"
	"github.com/kmaus/dispatchq/internal/task"
)

// Replicator periodically scans task records and upserts one row per
// task. Rows already stored as completed with neutral feedback are
// final and skipped.
type Replicator struct {
	pool     *pgxpool.Pool
	manager  *queue.Manager
	schema   string
	table    string
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(ctx context.Context, cfg *config.ColdStoreConfig, manager *queue.Manager) (*Replicator, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create cold store pool: %w", err)
	}

	r := &Replicator{
		pool:     pool,
		manager:  manager,
		schema:   cfg.Schema,
		table:    cfg.Table,
		interval: cfg.ScanInterval,
		stopCh:   make(chan struct{}),
	}

	if err := r.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *Replicator) qualifiedTable() string {
	return pgx.Identifier{r.schema, r.table}.Sanitize()
}

func (r *Replicator) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		task_id TEXT,
		prompt TEXT,
		status TEXT,
		task_type TEXT,
		task_type_version TEXT,
		user_id TEXT,
		short_task_id TEXT,
		queued_at TIMESTAMP WITH TIME ZONE,
		finished_at TIMESTAMP WITH TIME ZONE,
		context TEXT,
		retries INTEGER,
		start_position INTEGER,
		current_position INTEGER,
		result_text TEXT,
		result_relevant_docs JSONB,
		error_text TEXT,
		error_relevant_docs JSONB,
		feedback TEXT,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
	) DISTRIBUTED RANDOMLY`, r.qualifiedTable())

	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create cold store table: %w", err)
	}
	return nil
}

func (r *Replicator) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)

	logger.Info().
		Str("table", r.qualifiedTable()).
		Dur("interval", r.interval).
		Msg("cold store replicator started")
}

func (r *Replicator) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.pool.Close()
	logger.Info().Msg("cold store replicator stopped")
}

func (r *Replicator) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Replicator) sweep(ctx context.Context) {
	log := logger.WithComponent("coldstore")
	stored, skipped, failed := 0, 0, 0

	err := r.manager.ScanTasks(ctx, func(t *task.Task) {
		final, err := r.isFinal(ctx, t.TaskID)
		if err != nil {
			log.Error().Err(err).Str("task_id", t.TaskID).Msg("failed to check stored row")
			failed++
			return
		}
		if final {
			skipped++
			return
		}
		if err := r.upsert(ctx, t); err != nil {
			log.Error().Err(err).Str("task_id", t.TaskID).Msg("failed to upsert task row")
			failed++
			return
		}
		stored++
	})
	if err != nil {
		log.Error().Err(err).Msg("cold store scan failed")
		return
	}

	log.Info().
		Int("stored", stored).
		Int("skipped", skipped).
		Int("failed", failed).
		Msg("cold store sweep finished")
}

// isFinal reports whether the warehouse already holds the finished,
// neutrally-rated version of the task.
func (r *Replicator) isFinal(ctx context.Context, taskID string) (bool, error) {
	query := fmt.Sprintf(
		"SELECT status, feedback FROM %s WHERE task_id = $1 LIMIT 1", r.qualifiedTable())

	var status, feedback string
	err := r.pool.QueryRow(ctx, query, taskID).Scan(&status, &feedback)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == string(task.StatusCompleted) && feedback == string(task.FeedbackNeutral), nil
}

func (r *Replicator) upsert(ctx context.Context, t *task.Task) error {
	resultDocs, err := json.Marshal(t.Result.RelevantDocs)
	if err != nil {
		return err
	}
	errorDocs, err := json.Marshal(t.Error.RelevantDocs)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	table := r.qualifiedTable()
	if _, err := tx.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE task_id = $1", table), t.TaskID); err != nil {
		return err
	}

	insert := fmt.Sprintf(`
	INSERT INTO %s (
		task_id, prompt, status, task_type, task_type_version, user_id,
		short_task_id, queued_at, finished_at, context, retries,
		start_position, current_position, result_text,
		result_relevant_docs, error_text, error_relevant_docs, feedback
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`, table)

	if _, err := tx.Exec(ctx, insert,
		t.TaskID,
		t.Prompt,
		string(t.Status),
		t.TaskType(),
		t.TaskTypeVersion(),
		t.UserID,
		t.ShortTaskID,
		parseTimestamp(t.QueuedAt),
		parseTimestamp(t.FinishedAt),
		t.Context,
		t.Retries,
		t.StartPosition,
		t.CurrentPosition,
		t.Result.Text,
		resultDocs,
		t.Error.Text,
		errorDocs,
		string(t.Feedback.Feedback),
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// parseTimestamp maps the stored RFC-3339 strings to nullable values.
func parseTimestamp(value string) *time.Time {
	if value == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		logger.Warn().Str("value", value).Msg("unparseable timestamp")
		return nil
	}
	return &ts
}
