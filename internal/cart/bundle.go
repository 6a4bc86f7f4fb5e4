package cart

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Bundle is a shopping cart: an open aggregate that is never closed.
type Bundle struct {
	Aggregate
	AccountID string `json:"account_id,omitempty"`
	StoreID   string `json:"store_id,omitempty"`
}

// NewBundle builds an empty bundle with a fresh id and secret key.
func NewBundle(currency, country string, now time.Time) *Bundle {
	return &Bundle{Aggregate: Aggregate{
		ID:        uuid.NewString(),
		Key:       NewKey(),
		Currency:  strings.ToUpper(currency),
		Country:   strings.ToUpper(country),
		CreatedAt: now,
		UpdatedAt: now,
	}}
}

// NewKey generates a secret lookup key for anonymous access.
func NewKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
