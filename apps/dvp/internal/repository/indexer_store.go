package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"dvp/apps/dvp/internal/indexer"
	"dvp/apps/dvp/internal/model"
)

// IndexerStore is the Postgres-backed persistence layer of the delivery
// indexer. All reconciliation writes for one exchange go through one
// IndexerTx and commit together.
type IndexerStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewIndexerStore(db *sql.DB, logger *zap.Logger) *IndexerStore {
	return &IndexerStore{db: db, logger: logger}
}

func (s *IndexerStore) Begin(ctx context.Context) (indexer.StoreTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &IndexerTx{tx: tx, logger: s.logger}, nil
}

// ListIssuedTokens returns the successfully deployed tokens of issuer
// accounts that exist and are not soft-deleted.
func (s *IndexerStore) ListIssuedTokens(ctx context.Context) ([]model.Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.token_address, t.issuer_address, t.type, t.token_status
		FROM token t
		JOIN account a ON a.issuer_address = t.issuer_address AND a.is_deleted = FALSE
		WHERE t.token_status = $1
	`, model.TokenStatusSucceeded)
	if err != nil {
		return nil, fmt.Errorf("failed to list issued tokens: %w", err)
	}
	defer rows.Close()

	var tokens []model.Token
	for rows.Next() {
		var token model.Token
		if err := rows.Scan(&token.TokenAddress, &token.IssuerAddress, &token.Type, &token.TokenStatus); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tokens: %w", err)
	}
	return tokens, nil
}

// IndexerTx implements indexer.StoreTx over one *sql.Tx.
type IndexerTx struct {
	tx     *sql.Tx
	logger *zap.Logger
}

func (t *IndexerTx) GetCursor(exchangeAddress string) (uint64, error) {
	var block uint64
	err := t.tx.QueryRow(`
		SELECT latest_block_number FROM idx_delivery_block_number WHERE exchange_address = $1
	`, exchangeAddress).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get block cursor: %w", err)
	}
	return block, nil
}

func (t *IndexerTx) SetCursor(exchangeAddress string, blockNumber uint64) error {
	_, err := t.tx.Exec(`
		INSERT INTO idx_delivery_block_number (exchange_address, latest_block_number, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (exchange_address) DO UPDATE SET
			latest_block_number = EXCLUDED.latest_block_number,
			updated_at = NOW()
	`, exchangeAddress, blockNumber)
	if err != nil {
		return fmt.Errorf("failed to set block cursor: %w", err)
	}
	return nil
}

func (t *IndexerTx) GetDelivery(exchangeAddress string, deliveryID uint64) (*model.Delivery, error) {
	var d model.Delivery
	err := t.tx.QueryRow(`
		SELECT exchange_address, delivery_id, token_address, buyer_address, seller_address,
			amount, agent_address, data, settlement_service_type,
			create_blocktimestamp, create_transaction_hash,
			cancel_blocktimestamp, cancel_transaction_hash,
			confirm_blocktimestamp, confirm_transaction_hash,
			finish_blocktimestamp, finish_transaction_hash,
			abort_blocktimestamp, abort_transaction_hash,
			confirmed, valid, status
		FROM idx_delivery
		WHERE exchange_address = $1 AND delivery_id = $2
	`, exchangeAddress, deliveryID).Scan(
		&d.ExchangeAddress, &d.DeliveryID, &d.TokenAddress, &d.BuyerAddress, &d.SellerAddress,
		&d.Amount, &d.AgentAddress, &d.Data, &d.SettlementServiceType,
		&d.CreateBlockTimestamp, &d.CreateTransactionHash,
		&d.CancelBlockTimestamp, &d.CancelTransactionHash,
		&d.ConfirmBlockTimestamp, &d.ConfirmTransactionHash,
		&d.FinishBlockTimestamp, &d.FinishTransactionHash,
		&d.AbortBlockTimestamp, &d.AbortTransactionHash,
		&d.Confirmed, &d.Valid, &d.Status)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return &d, nil
}

func (t *IndexerTx) InsertDelivery(d *model.Delivery) error {
	_, err := t.tx.Exec(`
		INSERT INTO idx_delivery (exchange_address, delivery_id, token_address, buyer_address, seller_address,
			amount, agent_address, data, settlement_service_type,
			create_blocktimestamp, create_transaction_hash, confirmed, valid, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (exchange_address, delivery_id) DO NOTHING
	`, d.ExchangeAddress, d.DeliveryID, d.TokenAddress, d.BuyerAddress, d.SellerAddress,
		d.Amount, d.AgentAddress, d.Data, d.SettlementServiceType,
		d.CreateBlockTimestamp, d.CreateTransactionHash, d.Confirmed, d.Valid, d.Status)
	if err != nil {
		return fmt.Errorf("failed to insert delivery: %w", err)
	}

	t.logger.Info("Created delivery record",
		zap.String("exchange_address", d.ExchangeAddress),
		zap.Uint64("delivery_id", d.DeliveryID),
		zap.String("token_address", d.TokenAddress))
	return nil
}

func (t *IndexerTx) UpdateDelivery(d *model.Delivery) error {
	_, err := t.tx.Exec(`
		UPDATE idx_delivery SET
			cancel_blocktimestamp = $3,
			cancel_transaction_hash = $4,
			confirm_blocktimestamp = $5,
			confirm_transaction_hash = $6,
			finish_blocktimestamp = $7,
			finish_transaction_hash = $8,
			abort_blocktimestamp = $9,
			abort_transaction_hash = $10,
			confirmed = $11,
			valid = $12,
			status = $13
		WHERE exchange_address = $1 AND delivery_id = $2
	`, d.ExchangeAddress, d.DeliveryID,
		d.CancelBlockTimestamp, d.CancelTransactionHash,
		d.ConfirmBlockTimestamp, d.ConfirmTransactionHash,
		d.FinishBlockTimestamp, d.FinishTransactionHash,
		d.AbortBlockTimestamp, d.AbortTransactionHash,
		d.Confirmed, d.Valid, d.Status)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}

	t.logger.Info("Updated delivery record",
		zap.String("exchange_address", d.ExchangeAddress),
		zap.Uint64("delivery_id", d.DeliveryID),
		zap.Int("status", int(d.Status)))
	return nil
}

func (t *IndexerTx) InsertAsyncProcess(process *model.AsyncProcess) error {
	_, err := t.tx.Exec(`
		INSERT INTO dvp_async_process (issuer_address, process_type, process_status,
			dvp_contract_address, token_address, seller_address, buyer_address,
			amount, agent_address, delivery_id, step, step_tx_hash, step_tx_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, process.IssuerAddress, process.ProcessType, process.ProcessStatus,
		process.DVPContractAddress, process.TokenAddress, process.SellerAddress, process.BuyerAddress,
		process.Amount, process.AgentAddress, process.DeliveryID, process.Step,
		process.StepTxHash, process.StepTxStatus)
	if err != nil {
		return fmt.Errorf("failed to insert async process: %w", err)
	}

	t.logger.Info("Queued async process",
		zap.String("process_type", string(process.ProcessType)),
		zap.String("issuer_address", process.IssuerAddress),
		zap.Uint64("delivery_id", process.DeliveryID))
	return nil
}

func (t *IndexerTx) InsertNotification(n *model.Notification) error {
	_, err := t.tx.Exec(`
		INSERT INTO notification (notice_id, issuer_address, priority, type, code, metainfo, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.NoticeID, n.IssuerAddress, n.Priority, n.Type, n.Code, string(n.Metainfo), n.Status)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (t *IndexerTx) IsActiveIssuer(address string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM account WHERE issuer_address = $1 AND is_deleted = FALSE)
	`, address).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check issuer account: %w", err)
	}
	return exists, nil
}

func (t *IndexerTx) IsActiveAgent(address string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM dvp_agent_account WHERE account_address = $1 AND is_deleted = FALSE)
	`, address).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check agent account: %w", err)
	}
	return exists, nil
}

func (t *IndexerTx) GetToken(tokenAddress string) (*model.Token, error) {
	var token model.Token
	err := t.tx.QueryRow(`
		SELECT token_address, issuer_address, type, token_status FROM token WHERE token_address = $1
	`, tokenAddress).Scan(&token.TokenAddress, &token.IssuerAddress, &token.Type, &token.TokenStatus)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return &token, nil
}

func (t *IndexerTx) Commit() error {
	return t.tx.Commit()
}

func (t *IndexerTx) Rollback() error {
	return t.tx.Rollback()
}
