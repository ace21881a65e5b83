package model

import (
	"time"
)

// Token types recognized by exchange discovery.
const (
	TokenTypeStraightBond = "IbetStraightBond"
	TokenTypeShare        = "IbetShare"
)

// TokenStatus tracks whether a token contract deployment has completed.
type TokenStatus int

const (
	TokenStatusPending   TokenStatus = 0
	TokenStatusSucceeded TokenStatus = 1
	TokenStatusFailed    TokenStatus = 2
)

// Token is an issued security token. Tokens with TokenStatusSucceeded are
// scanned for their tradable exchange contract; once succeeded a token never
// leaves the set, which exchange discovery relies on.
type Token struct {
	TokenAddress  string      `db:"token_address"`
	IssuerAddress string      `db:"issuer_address"`
	Type          string      `db:"type"`
	TokenStatus   TokenStatus `db:"token_status"`
	CreatedAt     time.Time   `db:"created_at"`
}
