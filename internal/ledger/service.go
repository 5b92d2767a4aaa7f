package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Service is a multi-token ledger with ERC20-style allowances.
type Service interface {
	Mint(ctx context.Context, account string, amt Amount) (Amount, error)
	BalanceOf(ctx context.Context, token, account string) (Amount, error)
	Approve(ctx context.Context, owner, spender string, amt Amount) error
	Allowance(ctx context.Context, token, owner, spender string) (Amount, error)
	// TransferFrom moves amt from one account to another on behalf of spender.
	// It fails without side effects unless from has granted spender an
	// allowance of at least amt.Value and holds at least that balance.
	// A non-empty idemKey replays the first successful transfer with that key.
	TransferFrom(ctx context.Context, spender, from, to string, amt Amount, idemKey string) (Transfer, error)
	ListTransfers(ctx context.Context, limit int, afterSeq uint64) ([]Transfer, uint64, error)
}

type balanceKey struct {
	token   string
	account string
}

type allowanceKey struct {
	token   string
	owner   string
	spender string
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu         sync.RWMutex
	balances   map[balanceKey]int64
	allowances map[allowanceKey]int64
	seq        uint64
	txs        []Transfer
	idem       map[string]Transfer // idemKey -> transfer
}

// NewInMemory creates a fresh ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		balances:   make(map[balanceKey]int64),
		allowances: make(map[allowanceKey]int64),
		idem:       make(map[string]Transfer),
	}
}

var _ Service = (*InMemory)(nil)

func (s *InMemory) Mint(ctx context.Context, account string, amt Amount) (Amount, error) {
	account = normalizeAccount(account)
	if account == "" {
		return Amount{}, ErrInvalidAccount
	}
	if amt.Token == "" {
		return Amount{}, ErrInvalidToken
	}
	if !amt.IsPositive() {
		return Amount{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := balanceKey{amt.Token, account}
	s.balances[k] += amt.Value
	return Amount{Token: amt.Token, Value: s.balances[k]}, nil
}

func (s *InMemory) BalanceOf(ctx context.Context, token, account string) (Amount, error) {
	if token == "" {
		return Amount{}, ErrInvalidToken
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Amount{Token: token, Value: s.balances[balanceKey{token, normalizeAccount(account)}]}, nil
}

func (s *InMemory) Approve(ctx context.Context, owner, spender string, amt Amount) error {
	owner, spender = normalizeAccount(owner), normalizeAccount(spender)
	if owner == "" || spender == "" {
		return ErrInvalidAccount
	}
	if amt.Token == "" {
		return ErrInvalidToken
	}
	if amt.Value < 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowances[allowanceKey{amt.Token, owner, spender}] = amt.Value
	return nil
}

func (s *InMemory) Allowance(ctx context.Context, token, owner, spender string) (Amount, error) {
	if token == "" {
		return Amount{}, ErrInvalidToken
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.allowances[allowanceKey{token, normalizeAccount(owner), normalizeAccount(spender)}]
	return Amount{Token: token, Value: v}, nil
}

func (s *InMemory) TransferFrom(ctx context.Context, spender, from, to string, amt Amount, idemKey string) (Transfer, error) {
	spender, from, to = normalizeAccount(spender), normalizeAccount(from), normalizeAccount(to)
	if err := validateTransfer(spender, from, to, amt); err != nil {
		return Transfer{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idemKey != "" {
		if tx, ok := s.idem[idemKey]; ok {
			if err := CheckReplay(tx, spender, from, to, amt); err != nil {
				return Transfer{}, err
			}
			return tx, nil
		}
	}

	ak := allowanceKey{amt.Token, from, spender}
	if s.allowances[ak] < amt.Value {
		return Transfer{}, fmt.Errorf("%w: %s allowed %d of %s to %s, need %d",
			ErrInsufficientAllowance, from, s.allowances[ak], amt.Token, spender, amt.Value)
	}
	fk, tk := balanceKey{amt.Token, from}, balanceKey{amt.Token, to}
	if s.balances[fk] < amt.Value {
		return Transfer{}, fmt.Errorf("%w: %s holds %d of %s, need %d",
			ErrInsufficientFunds, from, s.balances[fk], amt.Token, amt.Value)
	}

	s.allowances[ak] -= amt.Value
	s.balances[fk] -= amt.Value
	s.balances[tk] += amt.Value

	s.seq++
	tx := Transfer{
		ID:             newTransferID(),
		CreatedAt:      time.Now().UTC(),
		Token:          amt.Token,
		Spender:        spender,
		From:           from,
		To:             to,
		Value:          amt.Value,
		IdempotencyKey: idemKey,
		Sequence:       s.seq,
	}
	s.txs = append(s.txs, tx)
	if idemKey != "" {
		s.idem[idemKey] = tx
	}
	return tx, nil
}

func (s *InMemory) ListTransfers(ctx context.Context, limit int, afterSeq uint64) ([]Transfer, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Transfer
	var last uint64
	for _, tx := range s.txs {
		if tx.Sequence <= afterSeq {
			continue
		}
		res = append(res, tx)
		last = tx.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

// validateTransfer checks arguments shared by every Service implementation.
func validateTransfer(spender, from, to string, amt Amount) error {
	if spender == "" || from == "" || to == "" {
		return ErrInvalidAccount
	}
	if amt.Token == "" {
		return ErrInvalidToken
	}
	if amt.Value < 0 {
		return ErrInvalidAmount
	}
	return nil
}

// ValidateTransfer is validateTransfer for other Service implementations.
func ValidateTransfer(spender, from, to string, amt Amount) error {
	return validateTransfer(normalizeAccount(spender), normalizeAccount(from), normalizeAccount(to), amt)
}

func normalizeAccount(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

// NormalizeAccount is the account canonicalisation every implementation applies.
func NormalizeAccount(a string) string { return normalizeAccount(a) }
