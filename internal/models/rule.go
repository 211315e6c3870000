package models

import (
	"encoding/json"
	"time"
)

// Condition kinds for earning rules.
const (
	ConditionAlways    = "always"
	ConditionWeekdays  = "weekdays"
	ConditionMinAmount = "min_amount"
)

// RuleCondition is a tagged-variant eligibility condition attached to a rule.
// Kind selects which fields are meaningful; unknown kinds never match.
type RuleCondition struct {
	Kind string `json:"kind"`
	// Weekdays holds time.Weekday values (0 = Sunday) for ConditionWeekdays.
	Weekdays []int `json:"weekdays,omitempty"`
	// MetadataKey and MinAmount apply to ConditionMinAmount: the named
	// metadata field must be a number >= MinAmount.
	MetadataKey string `json:"metadata_key,omitempty"`
	MinAmount   int64  `json:"min_amount,omitempty"`
}

// Evaluate reports whether the condition holds for a trigger at now with the
// given request metadata.
func (c RuleCondition) Evaluate(now time.Time, metadata json.RawMessage) bool {
	switch c.Kind {
	case "", ConditionAlways:
		return true
	case ConditionWeekdays:
		wd := int(now.Weekday())
		for _, d := range c.Weekdays {
			if d == wd {
				return true
			}
		}
		return false
	case ConditionMinAmount:
		if len(metadata) == 0 {
			return false
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(metadata, &fields); err != nil {
			return false
		}
		raw, ok := fields[c.MetadataKey]
		if !ok {
			return false
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return false
		}
		return int64(v) >= c.MinAmount
	default:
		return false
	}
}

// Rule configures one earning action code. DailyCap is the maximum number of
// triggers per calendar day (nil = uncapped). CooldownSeconds is the minimum
// wait between triggers (0 = none).
type Rule struct {
	ActionCode      string        `json:"action_code"`
	Description     string        `json:"description"`
	BaseReward      int64         `json:"base_reward"`
	DailyCap        *int          `json:"daily_cap,omitempty"`
	CooldownSeconds int           `json:"cooldown_seconds"`
	Condition       RuleCondition `json:"condition"`
	Active          bool          `json:"active"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}
