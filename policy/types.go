// Package policy provides pre-execution user-action policy evaluation.
// Evaluators are stateless predicates over an action-history store;
// a denial short-circuits the request before any reasoning happens.
package policy

import (
	"time"
)

// ActionCategory labels a user action for policy evaluation.
type ActionCategory string

const (
	CategoryProfileChange       ActionCategory = "profile_change"
	CategoryAddressChange       ActionCategory = "address_change"
	CategoryPaymentMethodChange ActionCategory = "payment_method_change"
	CategoryHighValueTxn        ActionCategory = "high_value_transaction"
	CategoryCardOrder           ActionCategory = "card_order"
	CategoryAccountClosure      ActionCategory = "account_closure"
	CategoryPasswordChange      ActionCategory = "password_change"
	CategoryTransfer            ActionCategory = "transfer"
	CategoryPurchase            ActionCategory = "purchase"
	CategoryQuery               ActionCategory = "query"
	CategoryOther               ActionCategory = "other"
)

// ValidCategories is the closed category set.
var ValidCategories = map[ActionCategory]bool{
	CategoryProfileChange:       true,
	CategoryAddressChange:       true,
	CategoryPaymentMethodChange: true,
	CategoryHighValueTxn:        true,
	CategoryCardOrder:           true,
	CategoryAccountClosure:      true,
	CategoryPasswordChange:      true,
	CategoryTransfer:            true,
	CategoryPurchase:            true,
	CategoryQuery:               true,
	CategoryOther:               true,
}

// ParseCategory maps a free-form string onto the closed enum,
// defaulting to CategoryOther.
func ParseCategory(s string) ActionCategory {
	c := ActionCategory(s)
	if ValidCategories[c] {
		return c
	}
	return CategoryOther
}

// UserAction is one recorded user action.
type UserAction struct {
	UserID     string                 `json:"user_id"`
	ActionType string                 `json:"action_type"`
	Category   ActionCategory         `json:"category"`
	Timestamp  time.Time              `json:"timestamp"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Success    bool                   `json:"success"`
}

// Age returns how long ago the action happened.
func (a UserAction) Age() time.Duration {
	return time.Since(a.Timestamp)
}

// Within reports whether the action happened inside the window.
func (a UserAction) Within(window time.Duration) bool {
	return a.Age() <= window
}

// Decision is an evaluator verdict. A nil BlockedUntil means the
// denial has no known expiry.
type Decision struct {
	Allowed      bool       `json:"allowed"`
	Reason       string     `json:"reason,omitempty"`
	Evaluator    string     `json:"evaluator,omitempty"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// Allow is the affirmative decision.
func Allow() Decision {
	return Decision{Allowed: true}
}
