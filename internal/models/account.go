package models

import (
	"time"

	"github.com/google/uuid"
)

// Account is a member's mile account. Balance is the spendable amount;
// LifetimeBalance only ever grows and drives tier computation.
type Account struct {
	ID              uuid.UUID `json:"id"`
	Email           string    `json:"email"`
	DisplayName     string    `json:"display_name"`
	Balance         int64     `json:"balance"`
	LifetimeBalance int64     `json:"lifetime_balance"`
	Tier            string    `json:"tier"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BalanceSnapshot is the post-mutation view returned by ledger appends.
type BalanceSnapshot struct {
	Balance         int64  `json:"balance"`
	LifetimeBalance int64  `json:"lifetime_balance"`
	Tier            string `json:"tier"`
}
