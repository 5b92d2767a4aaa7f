package ledger

import (
	"errors"
	"fmt"
	"time"

	"nut4health.org/internal/ids"
)

// Amount is a token quantity in the token's smallest unit. No floats.
type Amount struct {
	Token string `json:"token"`
	Value int64  `json:"value"`
}

func (a Amount) IsPositive() bool { return a.Value > 0 }
func (a Amount) IsZero() bool     { return a.Value == 0 }

// Transfer is the result of a pull payment: spender moved Value of Token
// from From to To using From's allowance.
type Transfer struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	Token          string    `json:"token"`
	Spender        string    `json:"spender"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Value          int64     `json:"value"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Sequence       uint64    `json:"sequence"` // monotonic sequence number
}

var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidToken          = errors.New("invalid token")
	ErrInvalidAccount        = errors.New("invalid account")
	ErrIdempotencyConflict   = errors.New("idempotency key reused with different transfer")
)

// CheckReplay reports whether a transfer recorded under an idempotency key
// is the one now requested. Accounts must already be normalised.
func CheckReplay(prev Transfer, spender, from, to string, amt Amount) error {
	if prev.Token != amt.Token || prev.Spender != spender || prev.From != from ||
		prev.To != to || prev.Value != amt.Value {
		return fmt.Errorf("%w: key %q recorded %d %s from %s to %s",
			ErrIdempotencyConflict, prev.IdempotencyKey, prev.Value, prev.Token, prev.From, prev.To)
	}
	return nil
}

func newTransferID() string {
	return ids.WithPrefix("trf")
}
