package models

// Asset is one side of an offered trade. The ratio
// MaxAmount/MaxAmountDivisor bounds the offered exchange rate.
type Asset struct {
	MaxAmount        int64  `json:"max_amount"`
	MaxAmountDivisor int64  `json:"max_amount_divisor"`
	Currency         string `json:"currency"`
	Exchange         string `json:"exchange"`
}

// ConditionKey identifies a numeric trade condition an offer constrains.
type ConditionKey int

const (
	ConditionCLTVExpiryDelta ConditionKey = iota
	ConditionLockedTimeout
)

// ConditionRange is the acceptable [Min, Max] interval for a condition.
type ConditionRange struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// Offer is a resting order: a bid/ask asset pair plus acceptable
// condition ranges for a counterparty match.
type Offer struct {
	Bid        Asset                           `json:"bid"`
	Ask        Asset                           `json:"ask"`
	Address    string                          `json:"address"`
	Conditions map[ConditionKey]ConditionRange `json:"conditions,omitempty"`
}

// Clone returns a value copy with its own conditions map, so that the
// caller mutating the original afterwards cannot affect the copy.
func (o Offer) Clone() Offer {
	c := o
	if o.Conditions != nil {
		c.Conditions = make(map[ConditionKey]ConditionRange, len(o.Conditions))
		for k, v := range o.Conditions {
			c.Conditions[k] = v
		}
	}
	return c
}
