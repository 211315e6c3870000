package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Transaction kind enums.
const (
	TxEarn   = "earn"
	TxRedeem = "redeem"
	TxExpire = "expire"
	TxRefund = "refund"
	TxAdjust = "adjust"
)

// Transaction is an immutable ledger entry. Amount is signed: positive for
// earn/refund and upward adjusts, negative for redeem/expire. Entries are
// never updated or deleted; the expiration sweeper only stamps SweptAt on
// earn entries and posts a compensating expire entry, so the original row
// stays available for audit.
type Transaction struct {
	ID             uuid.UUID       `json:"id"`
	AccountID      uuid.UUID       `json:"account_id"`
	Amount         int64           `json:"amount"`
	Kind           string          `json:"kind"`
	Source         string          `json:"source"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	SweptAt        *time.Time      `json:"swept_at,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
