package models

import (
	"time"

	"github.com/google/uuid"
)

// Redemption request statuses.
const (
	RedemptionPending   = "pending"
	RedemptionApproved  = "approved"
	RedemptionRejected  = "rejected"
	RedemptionShipped   = "shipped"
	RedemptionCompleted = "completed"
)

// RedemptionRequest records one exchange of miles for a catalog item.
// MilesSpent is a snapshot of the item price at redemption time; later price
// edits do not change it. Rejection posts a compensating refund transaction
// referenced by RefundTxID.
type RedemptionRequest struct {
	ID            uuid.UUID  `json:"id"`
	AccountID     uuid.UUID  `json:"account_id"`
	ItemID        uuid.UUID  `json:"item_id"`
	MilesSpent    int64      `json:"miles_spent"`
	Status        string     `json:"status"`
	ShippingRef   *string    `json:"shipping_ref,omitempty"`
	TransactionID uuid.UUID  `json:"transaction_id"`
	RefundTxID    *uuid.UUID `json:"refund_tx_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
