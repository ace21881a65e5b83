package chain

import (
	"math/big"
)

// Raw carries the log metadata shared by all decoded DVP events.
type Raw struct {
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
}

// CreatedEvent is a decoded DeliveryCreated log. Addresses default to the
// zero address when absent from the log.
type CreatedEvent struct {
	Raw
	DeliveryID uint64
	Token      string
	Seller     string
	Buyer      string
	Agent      string
	Amount     *big.Int
	Data       string
}

// TransitionEvent holds the decoded arguments common to the four lifecycle
// transition events, which share one argument shape on-chain.
type TransitionEvent struct {
	Raw
	DeliveryID uint64
	Token      string
	Seller     string
	Buyer      string
	Agent      string
	Amount     *big.Int
}

type CanceledEvent struct{ TransitionEvent }

type ConfirmedEvent struct{ TransitionEvent }

type FinishedEvent struct{ TransitionEvent }

type AbortedEvent struct{ TransitionEvent }
