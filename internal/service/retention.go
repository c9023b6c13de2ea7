package service

import (
	"context"
	"time"

	"github.com/GoPolymarket/otcgate/internal/pkg/logger"
)

// Cleaner deletes rows older than a cutoff.
type Cleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

type retentionTarget struct {
	name      string
	cleaner   Cleaner
	olderThan time.Duration
}

// Janitor trims audit records and idempotency keys on a fixed interval.
type Janitor struct {
	targets  []retentionTarget
	interval time.Duration
}

func NewJanitor(interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{interval: interval}
}

// Add registers a table. Zero or negative retention keeps rows forever.
func (j *Janitor) Add(name string, c Cleaner, olderThan time.Duration) *Janitor {
	if c != nil && olderThan > 0 {
		j.targets = append(j.targets, retentionTarget{name: name, cleaner: c, olderThan: olderThan})
	}
	return j
}

// RunOnce performs one sweep and returns how many targets failed.
func (j *Janitor) RunOnce(ctx context.Context) int {
	failed := 0
	for _, t := range j.targets {
		if err := t.cleaner.Cleanup(ctx, t.olderThan); err != nil {
			failed++
			logger.Warn("retention cleanup failed", "target", t.name, "error", err)
		}
	}
	return failed
}

func (j *Janitor) Run(ctx context.Context) {
	if len(j.targets) == 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	j.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}
