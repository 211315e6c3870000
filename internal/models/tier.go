package models

// TierThreshold maps a tier name to the minimum lifetime balance required to
// hold it. The threshold table is kept ascending by MinLifetime; an account's
// tier is the highest threshold its lifetime balance meets (inclusive).
type TierThreshold struct {
	Name        string `json:"name"`
	MinLifetime int64  `json:"min_lifetime"`
}
