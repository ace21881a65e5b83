package model

import (
	"encoding/json"
	"time"
)

// Notification codes for DVP delivery info notifications.
const (
	NotificationCodeDeliveryConfirmed = 0
	NotificationCodeDeliveryFinished  = 1
)

// NotificationTypeDVPDeliveryInfo is the only notification type this service emits.
const NotificationTypeDVPDeliveryInfo = "DVPDeliveryInfo"

// Notification dispatch statuses.
const (
	NotificationStatusUnsent     = "unsent"
	NotificationStatusProcessing = "processing"
	NotificationStatusSent       = "sent"
)

// Notification is one buyer/seller-facing delivery event. Rows are written at
// the end of a sync pass and dispatched to Kafka by the notifier.
type Notification struct {
	NoticeID      string          `db:"notice_id"`
	IssuerAddress string          `db:"issuer_address"`
	Priority      int             `db:"priority"`
	Type          string          `db:"type"`
	Code          int             `db:"code"`
	Metainfo      json.RawMessage `db:"metainfo"`
	Status        string          `db:"status"`
	CreatedAt     time.Time       `db:"created_at"`
}

// DeliveryNotificationMeta is the metainfo payload of a DVP delivery notification.
type DeliveryNotificationMeta struct {
	ExchangeAddress string `json:"exchange_address"`
	DeliveryID      uint64 `json:"delivery_id"`
	TokenAddress    string `json:"token_address"`
	TokenType       string `json:"token_type"`
	SellerAddress   string `json:"seller_address"`
	BuyerAddress    string `json:"buyer_address"`
	AgentAddress    string `json:"agent_address"`
	Amount          int64  `json:"amount"`
}
