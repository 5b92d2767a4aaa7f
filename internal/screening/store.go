package screening

import "context"

// ReadTx is a consistent read view of the registry, the payment
// configuration store and the diagnosis ledger.
type ReadTx interface {
	HealthCentre(ctx context.Context, id string) (HealthCentre, bool, error)
	PaymentConfiguration(ctx context.Context, id uint32) (PaymentConfiguration, bool, error)
	ScreenerConfiguration(ctx context.Context, screener string) (uint32, bool, error)
	Diagnosis(ctx context.Context, id string) (Diagnosis, bool, error)
	Settlement(ctx context.Context) (Settlement, error)
}

// Tx stages mutations. Nothing is visible to other readers until the
// enclosing Update returns without error.
type Tx interface {
	ReadTx
	CreateHealthCentre(ctx context.Context, c HealthCentre) error
	// AssignHealthService is idempotent.
	AssignHealthService(ctx context.Context, centreID, account string) error
	// AddPaymentConfiguration allocates the next configuration id. Ids start
	// at 1 and are never reused.
	AddPaymentConfiguration(ctx context.Context, reward int64) (uint32, error)
	UpdatePaymentConfiguration(ctx context.Context, id uint32, reward int64) error
	SetScreenerConfiguration(ctx context.Context, screener string, id uint32) error
	PutDiagnosis(ctx context.Context, d Diagnosis) error
	SetSettlement(ctx context.Context, s Settlement) error
	Emit(ev Event)
}

// Store runs transactions over the core state.
type Store interface {
	// Update runs fn atomically. On success it returns the emitted events
	// with their commit sequence numbers; on error nothing is applied.
	Update(ctx context.Context, fn func(Tx) error) ([]Event, error)
	View(ctx context.Context, fn func(ReadTx) error) error
	// Events returns up to limit committed events with Sequence > afterSeq
	// and the sequence of the last one returned.
	Events(ctx context.Context, afterSeq uint64, limit int) ([]Event, uint64, error)
}
