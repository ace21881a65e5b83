package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dvp/apps/dvp/internal/chain"
	"dvp/apps/dvp/internal/config"
	"dvp/apps/dvp/internal/model"
	"dvp/apps/dvp/internal/payload"
)

// EventSource is the on-chain read surface the indexer consumes. Implemented
// by chain.Client.
type EventSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error)
	TradableExchangeAddress(ctx context.Context, tokenAddress string) (string, error)
	DeliveryCreatedEvents(ctx context.Context, exchange string, fromBlock, toBlock uint64) ([]chain.CreatedEvent, error)
	DeliveryCanceledEvents(ctx context.Context, exchange string, fromBlock, toBlock uint64) ([]chain.CanceledEvent, error)
	DeliveryConfirmedEvents(ctx context.Context, exchange string, fromBlock, toBlock uint64) ([]chain.ConfirmedEvent, error)
	DeliveryFinishedEvents(ctx context.Context, exchange string, fromBlock, toBlock uint64) ([]chain.FinishedEvent, error)
	DeliveryAbortedEvents(ctx context.Context, exchange string, fromBlock, toBlock uint64) ([]chain.AbortedEvent, error)
}

// StoreTx is one reconciliation transaction. All writes for one exchange in
// one pass go through a single StoreTx and commit together.
type StoreTx interface {
	GetCursor(exchangeAddress string) (uint64, error)
	SetCursor(exchangeAddress string, blockNumber uint64) error
	GetDelivery(exchangeAddress string, deliveryID uint64) (*model.Delivery, error)
	InsertDelivery(delivery *model.Delivery) error
	UpdateDelivery(delivery *model.Delivery) error
	InsertAsyncProcess(process *model.AsyncProcess) error
	InsertNotification(notification *model.Notification) error
	IsActiveIssuer(address string) (bool, error)
	IsActiveAgent(address string) (bool, error)
	GetToken(tokenAddress string) (*model.Token, error)
	Commit() error
	Rollback() error
}

// Store is the persistence surface the indexer consumes. Implemented by
// repository.IndexerStore.
type Store interface {
	Begin(ctx context.Context) (StoreTx, error)
	ListIssuedTokens(ctx context.Context) ([]model.Token, error)
}

// Indexer folds DVP delivery events from tracked exchange contracts into
// delivery records, async process requests, and notifications. One Indexer
// owns its tracked token/exchange lists exclusively; passes never overlap.
type Indexer struct {
	source    EventSource
	store     Store
	decryptor *payload.Decryptor
	logger    *zap.Logger
	blockLot  uint64

	// Token addresses already scanned for their tradable exchange, and the
	// DVP exchange addresses currently tracked. Forward-only: a token that
	// has reached succeeded status never leaves the issued set, so the
	// new-token diff below only ever grows these lists.
	tokenList    []string
	exchangeList []string
}

func New(source EventSource, store Store, decryptor *payload.Decryptor, blockLot uint64, logger *zap.Logger) *Indexer {
	if blockLot == 0 {
		// A zero lot size would stall the window loop.
		blockLot = 1
	}
	return &Indexer{
		source:    source,
		store:     store,
		decryptor: decryptor,
		logger:    logger,
		blockLot:  blockLot,
	}
}

// notificationBuffer accumulates notifications during reconciliation of one
// exchange and is flushed with the rest of the transaction.
type notificationBuffer struct {
	items []*model.Notification
}

func (b *notificationBuffer) add(n *model.Notification) {
	b.items = append(b.items, n)
}

// SyncNewLogs runs one full sync pass: refresh the tracked exchange set, then
// reconcile each exchange's new blocks in its own transaction.
func (p *Indexer) SyncNewLogs(ctx context.Context) error {
	if err := p.refreshExchangeList(ctx); err != nil {
		return err
	}

	latestBlock, err := p.source.LatestBlockNumber(ctx)
	if err != nil {
		return err
	}

	for _, exchange := range p.exchangeList {
		if err := p.syncExchange(ctx, exchange, latestBlock); err != nil {
			return err
		}
	}

	p.logger.Info("Sync job has been completed")
	return nil
}

// refreshExchangeList scans tokens issued since the last pass for their
// tradable exchange address and adds newly seen DVP exchanges to the tracked
// set. The in-memory lists are only mutated after every chain read succeeded,
// so a failed pass leaves no partially scanned state behind.
func (p *Indexer) refreshExchangeList(ctx context.Context) error {
	issuedTokens, err := p.store.ListIssuedTokens(ctx)
	if err != nil {
		return err
	}

	scanned := make(map[string]bool, len(p.tokenList))
	for _, tokenAddress := range p.tokenList {
		scanned[tokenAddress] = true
	}

	var newTokens []string
	var candidates []string
	for _, token := range issuedTokens {
		if scanned[token.TokenAddress] {
			continue
		}
		newTokens = append(newTokens, token.TokenAddress)

		if token.Type != model.TokenTypeStraightBond && token.Type != model.TokenTypeShare {
			continue
		}
		exchangeAddress, err := p.source.TradableExchangeAddress(ctx, token.TokenAddress)
		if err != nil {
			return err
		}
		if exchangeAddress != config.ZeroAddress {
			candidates = append(candidates, exchangeAddress)
		}
	}

	tracked := make(map[string]bool, len(p.exchangeList))
	for _, exchangeAddress := range p.exchangeList {
		tracked[exchangeAddress] = true
	}

	p.tokenList = append(p.tokenList, newTokens...)
	for _, exchangeAddress := range candidates {
		if tracked[exchangeAddress] {
			continue
		}
		tracked[exchangeAddress] = true
		p.exchangeList = append(p.exchangeList, exchangeAddress)
		p.logger.Info("Tracking new DVP exchange", zap.String("exchange", exchangeAddress))
	}
	return nil
}

// syncExchange reconciles one exchange from its cursor to latestBlock inside
// a single transaction: all event windows, the cursor advance, and the
// buffered notifications commit together.
func (p *Indexer) syncExchange(ctx context.Context, exchange string, latestBlock uint64) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	cursor, err := tx.GetCursor(exchange)
	if err != nil {
		return err
	}

	// Skip processing if the latest block is not counted up
	if cursor >= latestBlock {
		p.logger.Debug("skip process", zap.String("exchange", exchange))
		return nil
	}

	buf := &notificationBuffer{}
	fromBlock := cursor + 1
	for fromBlock <= latestBlock {
		toBlock := latestBlock
		if fromBlock+p.blockLot-1 < latestBlock {
			toBlock = fromBlock + p.blockLot - 1
		}
		if err := p.syncRange(ctx, tx, exchange, fromBlock, toBlock, buf); err != nil {
			return err
		}
		fromBlock = toBlock + 1
	}

	// Advance to the latest chain block, not the last window's end, so an
	// irregular window never causes repeated partial re-scans.
	if err := tx.SetCursor(exchange, latestBlock); err != nil {
		return err
	}

	for _, notification := range buf.items {
		if err := tx.InsertNotification(notification); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// syncRange applies one block window. The fixed event-type order guarantees a
// delivery's Created application precedes any transition referencing the same
// delivery_id within a pass; cross-type chain ordering inside a window is not
// preserved.
func (p *Indexer) syncRange(ctx context.Context, tx StoreTx, exchange string, fromBlock, toBlock uint64, buf *notificationBuffer) error {
	p.logger.Info("Syncing delivery events",
		zap.Uint64("from", fromBlock),
		zap.Uint64("to", toBlock),
		zap.String("exchange", exchange))

	if err := p.syncCreated(ctx, tx, exchange, fromBlock, toBlock); err != nil {
		return err
	}
	if err := p.syncCanceled(ctx, tx, exchange, fromBlock, toBlock); err != nil {
		return err
	}
	if err := p.syncConfirmed(ctx, tx, exchange, fromBlock, toBlock, buf); err != nil {
		return err
	}
	if err := p.syncFinished(ctx, tx, exchange, fromBlock, toBlock, buf); err != nil {
		return err
	}
	return p.syncAborted(ctx, tx, exchange, fromBlock, toBlock)
}

func (p *Indexer) syncCreated(ctx context.Context, tx StoreTx, exchange string, fromBlock, toBlock uint64) error {
	events, err := p.source.DeliveryCreatedEvents(ctx, exchange, fromBlock, toBlock)
	if err != nil {
		return err
	}
	for _, event := range events {
		if !event.Amount.IsInt64() { // suppress overflow
			continue
		}
		blockTime, err := p.source.BlockTimestamp(ctx, event.BlockNumber)
		if err != nil {
			return err
		}
		if err := p.applyCreated(tx, exchange, event, blockTime); err != nil {
			return err
		}
	}
	return nil
}

func (p *Indexer) syncCanceled(ctx context.Context, tx StoreTx, exchange string, fromBlock, toBlock uint64) error {
	events, err := p.source.DeliveryCanceledEvents(ctx, exchange, fromBlock, toBlock)
	if err != nil {
		return err
	}
	for _, event := range events {
		if !event.Amount.IsInt64() { // suppress overflow
			continue
		}
		blockTime, err := p.source.BlockTimestamp(ctx, event.BlockNumber)
		if err != nil {
			return err
		}
		if err := p.applyCanceled(tx, exchange, event.TransitionEvent, blockTime); err != nil {
			return err
		}
	}
	return nil
}

func (p *Indexer) syncConfirmed(ctx context.Context, tx StoreTx, exchange string, fromBlock, toBlock uint64, buf *notificationBuffer) error {
	events, err := p.source.DeliveryConfirmedEvents(ctx, exchange, fromBlock, toBlock)
	if err != nil {
		return err
	}
	for _, event := range events {
		if !event.Amount.IsInt64() { // suppress overflow
			continue
		}
		blockTime, err := p.source.BlockTimestamp(ctx, event.BlockNumber)
		if err != nil {
			return err
		}
		if err := p.applyConfirmed(tx, exchange, event.TransitionEvent, blockTime, buf); err != nil {
			return err
		}
	}
	return nil
}

func (p *Indexer) syncFinished(ctx context.Context, tx StoreTx, exchange string, fromBlock, toBlock uint64, buf *notificationBuffer) error {
	events, err := p.source.DeliveryFinishedEvents(ctx, exchange, fromBlock, toBlock)
	if err != nil {
		return err
	}
	for _, event := range events {
		if !event.Amount.IsInt64() { // suppress overflow
			continue
		}
		blockTime, err := p.source.BlockTimestamp(ctx, event.BlockNumber)
		if err != nil {
			return err
		}
		if err := p.applyFinished(tx, exchange, event.TransitionEvent, blockTime, buf); err != nil {
			return err
		}
	}
	return nil
}

func (p *Indexer) syncAborted(ctx context.Context, tx StoreTx, exchange string, fromBlock, toBlock uint64) error {
	events, err := p.source.DeliveryAbortedEvents(ctx, exchange, fromBlock, toBlock)
	if err != nil {
		return err
	}
	for _, event := range events {
		if !event.Amount.IsInt64() { // suppress overflow
			continue
		}
		blockTime, err := p.source.BlockTimestamp(ctx, event.BlockNumber)
		if err != nil {
			return err
		}
		if err := p.applyAborted(tx, exchange, event.TransitionEvent, blockTime); err != nil {
			return err
		}
	}
	return nil
}

// localParties resolves whether buyer, seller, or agent is a locally held
// account. Events touching no local party are of no local interest.
type localParties struct {
	buyer  bool
	seller bool
	agent  bool
}

func (l localParties) none() bool {
	return !l.buyer && !l.seller && !l.agent
}

func (p *Indexer) resolveLocalParties(tx StoreTx, buyer, seller, agent string) (localParties, error) {
	var parties localParties
	var err error

	if parties.buyer, err = tx.IsActiveIssuer(buyer); err != nil {
		return parties, err
	}
	if parties.seller, err = tx.IsActiveIssuer(seller); err != nil {
		return parties, err
	}
	if parties.agent, err = tx.IsActiveAgent(agent); err != nil {
		return parties, err
	}
	return parties, nil
}

func (p *Indexer) applyCreated(tx StoreTx, exchange string, event chain.CreatedEvent, blockTime time.Time) error {
	parties, err := p.resolveLocalParties(tx, event.Buyer, event.Seller, event.Agent)
	if err != nil {
		return err
	}
	if parties.none() {
		return nil
	}

	existing, err := tx.GetDelivery(exchange, event.DeliveryID)
	if err != nil {
		return err
	}
	if existing != nil {
		// Created never re-applies
		return nil
	}

	data, settlementServiceType := p.decryptor.Decrypt(event.Data)
	txHash := event.TxHash
	delivery := &model.Delivery{
		ExchangeAddress:       exchange,
		DeliveryID:            event.DeliveryID,
		TokenAddress:          event.Token,
		BuyerAddress:          event.Buyer,
		SellerAddress:         event.Seller,
		Amount:                event.Amount.Int64(),
		AgentAddress:          event.Agent,
		Data:                  data,
		SettlementServiceType: settlementServiceType,
		CreateBlockTimestamp:  &blockTime,
		CreateTransactionHash: &txHash,
		Confirmed:             false,
		Valid:                 true,
		Status:                model.DeliveryCreated,
	}
	return tx.InsertDelivery(delivery)
}

func (p *Indexer) applyCanceled(tx StoreTx, exchange string, event chain.TransitionEvent, blockTime time.Time) error {
	parties, err := p.resolveLocalParties(tx, event.Buyer, event.Seller, event.Agent)
	if err != nil {
		return err
	}
	if parties.none() {
		return nil
	}

	delivery, err := tx.GetDelivery(exchange, event.DeliveryID)
	if err != nil {
		return err
	}
	if delivery == nil {
		// A transition cannot be applied before its creation is observed.
		return nil
	}

	txHash := event.TxHash
	delivery.CancelBlockTimestamp = &blockTime
	delivery.CancelTransactionHash = &txHash
	delivery.Valid = false
	delivery.Status = model.DeliveryCanceled
	if err := tx.UpdateDelivery(delivery); err != nil {
		return err
	}

	if parties.seller {
		// The seller's custodied account must execute the follow-up step.
		return tx.InsertAsyncProcess(p.newAsyncProcess(model.AsyncProcessCancelDelivery, event.Seller, exchange, event))
	}
	return nil
}

func (p *Indexer) applyConfirmed(tx StoreTx, exchange string, event chain.TransitionEvent, blockTime time.Time, buf *notificationBuffer) error {
	parties, err := p.resolveLocalParties(tx, event.Buyer, event.Seller, event.Agent)
	if err != nil {
		return err
	}
	if parties.none() {
		return nil
	}

	delivery, err := tx.GetDelivery(exchange, event.DeliveryID)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}

	txHash := event.TxHash
	delivery.ConfirmBlockTimestamp = &blockTime
	delivery.ConfirmTransactionHash = &txHash
	delivery.Confirmed = true
	delivery.Status = model.DeliveryConfirmed
	if err := tx.UpdateDelivery(delivery); err != nil {
		return err
	}

	return p.bufferNotification(tx, exchange, event, model.NotificationCodeDeliveryConfirmed, buf)
}

func (p *Indexer) applyFinished(tx StoreTx, exchange string, event chain.TransitionEvent, blockTime time.Time, buf *notificationBuffer) error {
	parties, err := p.resolveLocalParties(tx, event.Buyer, event.Seller, event.Agent)
	if err != nil {
		return err
	}
	if parties.none() {
		return nil
	}

	delivery, err := tx.GetDelivery(exchange, event.DeliveryID)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}

	txHash := event.TxHash
	delivery.FinishBlockTimestamp = &blockTime
	delivery.FinishTransactionHash = &txHash
	delivery.Valid = false
	delivery.Status = model.DeliveryFinished
	if err := tx.UpdateDelivery(delivery); err != nil {
		return err
	}

	if err := p.bufferNotification(tx, exchange, event, model.NotificationCodeDeliveryFinished, buf); err != nil {
		return err
	}

	if parties.buyer {
		return tx.InsertAsyncProcess(p.newAsyncProcess(model.AsyncProcessFinishDelivery, event.Buyer, exchange, event))
	}
	return nil
}

func (p *Indexer) applyAborted(tx StoreTx, exchange string, event chain.TransitionEvent, blockTime time.Time) error {
	parties, err := p.resolveLocalParties(tx, event.Buyer, event.Seller, event.Agent)
	if err != nil {
		return err
	}
	if parties.none() {
		return nil
	}

	delivery, err := tx.GetDelivery(exchange, event.DeliveryID)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}

	txHash := event.TxHash
	delivery.AbortBlockTimestamp = &blockTime
	delivery.AbortTransactionHash = &txHash
	delivery.Valid = false
	delivery.Status = model.DeliveryAborted
	if err := tx.UpdateDelivery(delivery); err != nil {
		return err
	}

	if parties.seller {
		return tx.InsertAsyncProcess(p.newAsyncProcess(model.AsyncProcessAbortDelivery, event.Seller, exchange, event))
	}
	return nil
}

// newAsyncProcess builds a follow-up settlement work item. Step 0 is the
// observed on-chain transaction itself, hence step_tx_status "done".
func (p *Indexer) newAsyncProcess(processType model.AsyncProcessType, issuerAddress, exchange string, event chain.TransitionEvent) *model.AsyncProcess {
	return &model.AsyncProcess{
		IssuerAddress:      issuerAddress,
		ProcessType:        processType,
		ProcessStatus:      model.AsyncProcessProcessing,
		DVPContractAddress: exchange,
		TokenAddress:       event.Token,
		SellerAddress:      event.Seller,
		BuyerAddress:       event.Buyer,
		Amount:             event.Amount.Int64(),
		AgentAddress:       event.Agent,
		DeliveryID:         event.DeliveryID,
		Step:               0,
		StepTxHash:         event.TxHash,
		StepTxStatus:       model.StepTxStatusDone,
	}
}

func (p *Indexer) bufferNotification(tx StoreTx, exchange string, event chain.TransitionEvent, code int, buf *notificationBuffer) error {
	token, err := tx.GetToken(event.Token)
	if err != nil {
		return err
	}
	if token == nil {
		p.logger.Warn("Token not found for delivery notification",
			zap.String("token", event.Token),
			zap.Uint64("delivery_id", event.DeliveryID))
		return nil
	}

	meta, err := json.Marshal(model.DeliveryNotificationMeta{
		ExchangeAddress: exchange,
		DeliveryID:      event.DeliveryID,
		TokenAddress:    event.Token,
		TokenType:       token.Type,
		SellerAddress:   event.Seller,
		BuyerAddress:    event.Buyer,
		AgentAddress:    event.Agent,
		Amount:          event.Amount.Int64(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification metainfo: %w", err)
	}

	buf.add(&model.Notification{
		NoticeID:      uuid.New().String(),
		IssuerAddress: token.IssuerAddress,
		Priority:      0, // Low
		Type:          model.NotificationTypeDVPDeliveryInfo,
		Code:          code,
		Metainfo:      meta,
		Status:        model.NotificationStatusUnsent,
	})
	return nil
}
