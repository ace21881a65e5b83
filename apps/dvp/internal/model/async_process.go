package model

import (
	"time"
)

// AsyncProcessType identifies the follow-up settlement action an off-chain
// executor must perform on behalf of a locally custodied account.
type AsyncProcessType string

const (
	AsyncProcessCancelDelivery AsyncProcessType = "CancelDelivery"
	AsyncProcessFinishDelivery AsyncProcessType = "FinishDelivery"
	AsyncProcessAbortDelivery  AsyncProcessType = "AbortDelivery"
)

// AsyncProcessStatus is the overall status of a follow-up process.
type AsyncProcessStatus int

const (
	AsyncProcessProcessing  AsyncProcessStatus = 1
	AsyncProcessDoneSuccess AsyncProcessStatus = 2
	AsyncProcessDoneFailed  AsyncProcessStatus = 3
	AsyncProcessError       AsyncProcessStatus = 9
)

// Step transaction statuses.
const (
	StepTxStatusPending = "pending"
	StepTxStatusDone    = "done"
	StepTxStatusFailed  = "failed"
	StepTxStatusRetry   = "retry"
)

// AsyncProcess is one queued follow-up settlement action. It is created by the
// indexer and consumed/advanced by a separate executor.
type AsyncProcess struct {
	ID                 int64              `db:"id"`
	IssuerAddress      string             `db:"issuer_address"`
	ProcessType        AsyncProcessType   `db:"process_type"`
	ProcessStatus      AsyncProcessStatus `db:"process_status"`
	DVPContractAddress string             `db:"dvp_contract_address"`
	TokenAddress       string             `db:"token_address"`
	SellerAddress      string             `db:"seller_address"`
	BuyerAddress       string             `db:"buyer_address"`
	Amount             int64              `db:"amount"`
	AgentAddress       string             `db:"agent_address"`
	DeliveryID         uint64             `db:"delivery_id"`
	Step               int                `db:"step"`
	StepTxHash         string             `db:"step_tx_hash"`
	StepTxStatus       string             `db:"step_tx_status"`
	CreatedAt          time.Time          `db:"created_at"`
}
