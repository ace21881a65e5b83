package repository

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"dvp/apps/dvp/internal/model"
)

type SyncStatusRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSyncStatusRepository(db *sql.DB, logger *zap.Logger) *SyncStatusRepository {
	return &SyncStatusRepository{db: db, logger: logger}
}

// ListBlockCursors returns every tracked exchange's block watermark.
func (r *SyncStatusRepository) ListBlockCursors() ([]model.BlockCursor, error) {
	rows, err := r.db.Query(`
		SELECT exchange_address, latest_block_number, updated_at
		FROM idx_delivery_block_number
		ORDER BY exchange_address
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list block cursors: %w", err)
	}
	defer rows.Close()

	var cursors []model.BlockCursor
	for rows.Next() {
		var cursor model.BlockCursor
		if err := rows.Scan(&cursor.ExchangeAddress, &cursor.LatestBlockNumber, &cursor.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan block cursor: %w", err)
		}
		cursors = append(cursors, cursor)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating block cursors: %w", err)
	}
	return cursors, nil
}

// Ping checks database connectivity, for the health endpoint.
func (r *SyncStatusRepository) Ping() error {
	return r.db.Ping()
}
