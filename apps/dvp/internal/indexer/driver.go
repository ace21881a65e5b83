package indexer

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"dvp/apps/dvp/internal/chain"
)

// Run drives sync passes on a fixed interval until ctx is canceled. Every
// failure class is logged and the loop continues; the next pass re-derives
// the abandoned work from the last committed cursor.
func (p *Indexer) Run(ctx context.Context, interval time.Duration) {
	p.logger.Info("Service started successfully")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.SyncNewLogs(ctx); err != nil {
			p.logSyncError(err)
		}

		select {
		case <-ctx.Done():
			p.logger.Info("Indexer stopped")
			return
		case <-ticker.C:
		}
	}
}

func (p *Indexer) logSyncError(err error) {
	var pqErr *pq.Error
	switch {
	case errors.Is(err, chain.ErrUnavailable):
		p.logger.Warn("An external service was unavailable", zap.Error(err))
	case errors.As(err, &pqErr):
		p.logger.Error("A database error has occurred",
			zap.String("code", string(pqErr.Code)),
			zap.String("detail", pqErr.Detail),
			zap.Error(err))
	default:
		p.logger.Error("Sync pass failed", zap.Error(err))
	}
}
