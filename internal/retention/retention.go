// Package retention purges soft-deleted scenes on a cron schedule.
package retention

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"scenedb/pkg/logger"
	"scenedb/pkg/store"
)

type Options struct {
	Cron   string
	Period time.Duration
	DryRun bool
}

// Run blocks until ctx is cancelled, waking once a minute to check the cron
// expression. Each due tick removes scenes soft-deleted longer ago than
// Period.
func Run(ctx context.Context, opts Options, scenes *store.SceneStore) {
	g := gronx.New()
	if !g.IsValid(opts.Cron) {
		logger.Log.Error("retention_cron_invalid", zap.String("cron", opts.Cron))
		return
	}
	logger.Log.Info("retention_started",
		zap.String("cron", opts.Cron),
		zap.Duration("period", opts.Period),
		zap.Bool("dry_run", opts.DryRun))

	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("retention_stopped")
			return
		case now := <-t.C:
			due, err := g.IsDue(opts.Cron, now)
			if err != nil || !due {
				continue
			}
			cutoff := now.Add(-opts.Period).UTC().UnixNano()
			n, err := scenes.PurgeDeleted(cutoff, opts.DryRun)
			if err != nil {
				logger.Log.Error("retention_purge_failed", zap.Error(err))
				continue
			}
			logger.Log.Info("retention_purge_done",
				zap.Int("purged", n),
				zap.Bool("dry_run", opts.DryRun))
		}
	}
}
