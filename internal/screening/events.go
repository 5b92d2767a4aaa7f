package screening

import (
	"context"
	"time"
)

// Event names and their field keys are consumed by off-core indexers.
const (
	EventHealthCentreCreated   = "HealthCentreCreated"
	EventHealthServiceAssigned = "HealthServiceAssigned"
	EventPaymentUpdated        = "PaymentUpdated"
	EventDiagnosisCreated      = "DiagnosisCreated"
	EventDiagnosisInvalidated  = "DiagnosisInvalidated"
	EventDiagnosisValidated    = "DiagnosisValidated"
	EventDiagnosisPaid         = "DiagnosisPaid"
	EventTokenConfigured       = "TokenConfigured"
)

// Event is one committed entry of the audit log. Sequence is assigned by the
// store at commit and is strictly increasing. Fields hold strings and int64
// numbers in every store.
type Event struct {
	ID         string         `json:"id"`
	Sequence   uint64         `json:"sequence"`
	Name       string         `json:"name"`
	Actor      string         `json:"actor"`
	Fields     map[string]any `json:"fields"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Publisher receives events after they are committed.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event)

func (f PublisherFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

// Publishers fans an event out to several publishers in order.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, ev Event) {
	for _, p := range ps {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}
