package model

import (
	"time"
)

// DeliveryStatus tracks the lifecycle of a DVP delivery.
type DeliveryStatus int

const (
	DeliveryCreated   DeliveryStatus = 0
	DeliveryCanceled  DeliveryStatus = 1
	DeliveryConfirmed DeliveryStatus = 2
	DeliveryFinished  DeliveryStatus = 3
	DeliveryAborted   DeliveryStatus = 4
)

// Terminal reports whether no further transition is applied from this status.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryCanceled || s == DeliveryFinished || s == DeliveryAborted
}

// Delivery is one row per (exchange_address, delivery_id). delivery_id is
// chain-assigned and scoped to its exchange contract. Rows are never deleted;
// each lifecycle transition fills in its own timestamp/hash pair.
type Delivery struct {
	ExchangeAddress        string         `db:"exchange_address"`
	DeliveryID             uint64         `db:"delivery_id"`
	TokenAddress           string         `db:"token_address"`
	BuyerAddress           string         `db:"buyer_address"`
	SellerAddress          string         `db:"seller_address"`
	Amount                 int64          `db:"amount"`
	AgentAddress           string         `db:"agent_address"`
	Data                   string         `db:"data"`
	SettlementServiceType  *string        `db:"settlement_service_type"`
	CreateBlockTimestamp   *time.Time     `db:"create_blocktimestamp"`
	CreateTransactionHash  *string        `db:"create_transaction_hash"`
	CancelBlockTimestamp   *time.Time     `db:"cancel_blocktimestamp"`
	CancelTransactionHash  *string        `db:"cancel_transaction_hash"`
	ConfirmBlockTimestamp  *time.Time     `db:"confirm_blocktimestamp"`
	ConfirmTransactionHash *string        `db:"confirm_transaction_hash"`
	FinishBlockTimestamp   *time.Time     `db:"finish_blocktimestamp"`
	FinishTransactionHash  *string        `db:"finish_transaction_hash"`
	AbortBlockTimestamp    *time.Time     `db:"abort_blocktimestamp"`
	AbortTransactionHash   *string        `db:"abort_transaction_hash"`
	Confirmed              bool           `db:"confirmed"`
	Valid                  bool           `db:"valid"`
	Status                 DeliveryStatus `db:"status"`
}

// BlockCursor is the per-exchange watermark of the last fully processed block.
type BlockCursor struct {
	ExchangeAddress   string    `db:"exchange_address"`
	LatestBlockNumber uint64    `db:"latest_block_number"`
	UpdatedAt         time.Time `db:"updated_at"`
}
