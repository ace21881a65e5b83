package events

import (
	"encoding/json"
	"time"
)

// DeliveryNotification is the message published for each delivery
// notification row. Code 0 is deliveryConfirmed, 1 is deliveryFinished.
type DeliveryNotification struct {
	NoticeID      string          `json:"notice_id"`
	IssuerAddress string          `json:"issuer_address"`
	Priority      int             `json:"priority"`
	Type          string          `json:"type"`
	Code          int             `json:"code"`
	Metainfo      json.RawMessage `json:"metainfo"`
	CreatedAt     time.Time       `json:"created_at"`
	Timestamp     time.Time       `json:"timestamp"`
}
