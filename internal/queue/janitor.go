package queue

import (
	"context"
	"sync"
	"time"

	"github.com/kmaus/dispatchq/internal/logger"
	"github.com/kmaus/dispatchq/internal/metrics"
)

// Janitor trims the dead-letter backlog on a slow timer. Failures are
// cold data, so a full sweep past a small threshold beats per-entry
// eviction.
type Janitor struct {
	manager   *Manager
	interval  time.Duration
	threshold int64
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewJanitor(manager *Manager, interval time.Duration, threshold int64) *Janitor {
	return &Janitor{
		manager:   manager,
		interval:  interval,
		threshold: threshold,
		stopCh:    make(chan struct{}),
	}
}

func (j *Janitor) Start(ctx context.Context) {
	j.wg.Add(1)
	go j.loop(ctx)

	logger.Info().
		Dur("interval", j.interval).
		Int64("threshold", j.threshold).
		Msg("dead-letter janitor started")
}

func (j *Janitor) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	logger.Info().Msg("dead-letter janitor stopped")
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stopCh:
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	log := logger.WithComponent("janitor")

	length, err := j.manager.DeadLetterLen(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to measure dead letters")
		return
	}
	if length <= j.threshold {
		log.Debug().Int64("length", length).Msg("dead letters under threshold")
		return
	}

	ids, err := j.manager.DeadLetters(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list dead letters")
		return
	}
	if err := j.manager.DropDeadLetters(ctx, ids); err != nil {
		log.Error().Err(err).Msg("failed to drop dead letters")
		return
	}

	metrics.RecordDeadLettersTrimmed(len(ids))
	log.Info().Int("trimmed", len(ids)).Msg("dead letters trimmed")
}
