package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/syamp/biscuit/pkg/config"
	"github.com/syamp/biscuit/pkg/tsdb"
)

// RunStorageGC drives BadgerDB value log garbage collection on a ticker
// until ctx is done. The slot-overwrite workload leaves stale versions in
// the value log; without GC disk usage grows without bound.
func RunStorageGC(ctx context.Context, store *tsdb.Store, log *logrus.Entry) {
	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	log.WithField("interval", config.BadgerGCInterval).Info("storage GC scheduler started")
	for {
		select {
		case <-ctx.Done():
			log.Info("storage GC scheduler stopped")
			return
		case <-ticker.C:
			start := time.Now()
			reclaimed, err := store.RunValueLogGC(config.BadgerGCDiscardRatio)
			elapsed := time.Since(start).Round(time.Millisecond)
			switch {
			case err != nil:
				log.WithError(err).Warn("storage GC failed")
			case reclaimed:
				log.WithField("duration", elapsed).Info("storage GC reclaimed space")
			default:
				log.WithField("duration", elapsed).Debug("storage GC found nothing to rewrite")
			}
		}
	}
}
