package models

import (
	"time"

	"github.com/google/uuid"
)

// StreakState tracks per-account daily activity. LastActiveDate is a calendar
// date (time component zero, engine timezone). FreezeRemaining is bounded by
// the configured cap and replenished by the monthly reset.
type StreakState struct {
	AccountID       uuid.UUID  `json:"account_id"`
	Current         int        `json:"current"`
	Longest         int        `json:"longest"`
	FreezeRemaining int        `json:"freeze_remaining"`
	LastActiveDate  *time.Time `json:"last_active_date,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
