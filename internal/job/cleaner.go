package job

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains retention settings for finished jobs
type CleanerConfig struct {
	FinishedMaxAge time.Duration
	Interval       time.Duration
}

// Cleaner periodically removes finished jobs past their retention
type Cleaner struct {
	storage *BoltStorage
	cfg     CleanerConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(storage *BoltStorage, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		storage: storage,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start starts the cleanup goroutine if retention is configured
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.FinishedMaxAge <= 0 || c.cfg.Interval <= 0 {
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("job cleaner started",
		"finished_max_age", c.cfg.FinishedMaxAge,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for the goroutine to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.run(ctx)
		}
	}
}

func (c *Cleaner) run(ctx context.Context) {
	deleted, err := c.storage.CleanupFinished(ctx, c.cfg.FinishedMaxAge)
	if err != nil {
		c.logger.Error("failed to cleanup finished jobs", "error", err)
		return
	}

	if deleted > 0 {
		c.logger.Info("cleaned up finished jobs", "deleted", deleted)
	}
}
