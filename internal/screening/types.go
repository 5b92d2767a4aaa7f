package screening

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle position of a diagnosis. The numeric values are
// stable and exposed to external indexers.
type Status uint8

const (
	StatusUnexisting Status = iota
	StatusRegistered
	StatusInvalidated
	StatusValidated
	StatusPaid
)

var statusNames = [...]string{"unexisting", "registered", "invalidated", "validated", "paid"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

func (s Status) MarshalText() ([]byte, error) {
	if int(s) >= len(statusNames) {
		return nil, fmt.Errorf("unknown status %d", s)
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus accepts a status name or its numeric code.
func ParseStatus(raw string) (Status, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for i, name := range statusNames {
		if raw == name {
			return Status(i), nil
		}
	}
	if n, err := strconv.Atoi(raw); err == nil && n >= 0 && n < len(statusNames) {
		return Status(n), nil
	}
	return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
}

type HealthCentre struct {
	ID             string    `json:"id"`
	HealthServices []string  `json:"health_services"`
	CreatedAt      time.Time `json:"created_at"`
}

// HasHealthService reports whether account is assigned to the centre.
func (c HealthCentre) HasHealthService(account string) bool {
	for _, a := range c.HealthServices {
		if a == account {
			return true
		}
	}
	return false
}

type PaymentConfiguration struct {
	ID     uint32 `json:"configuration_id"`
	Reward int64  `json:"reward"`
}

// Diagnosis is never deleted; terminal records stay as an audit trail.
// Reward is fixed at registration.
type Diagnosis struct {
	ID             string    `json:"diagnosis_id"`
	Screener       string    `json:"screener"`
	HealthCentreID string    `json:"health_centre_id"`
	Reward         int64     `json:"reward"`
	Status         Status    `json:"status"`
	Validator      string    `json:"validator,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Settlement names the token rewards are paid in and the account whose
// allowance funds them.
type Settlement struct {
	Token string `json:"token"`
	Payer string `json:"payer"`
}

func (s Settlement) Configured() bool { return s.Token != "" && s.Payer != "" }
