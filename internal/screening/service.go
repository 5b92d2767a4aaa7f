package screening

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks RoleChecker,TokenLedger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nut4health.org/internal/auth"
	"nut4health.org/internal/ids"
	"nut4health.org/internal/ledger"
	"nut4health.org/internal/obs"
)

// RoleChecker answers role membership questions. *auth.Gate implements it.
type RoleChecker interface {
	HasRole(ctx context.Context, role auth.Role, account string) (bool, error)
}

// TokenLedger is the pull-payment primitive rewards are settled through.
// ledger.Service implements it.
type TokenLedger interface {
	TransferFrom(ctx context.Context, spender, from, to string, amt ledger.Amount, idemKey string) (ledger.Transfer, error)
}

const (
	settlePathValidate = "validate"
	settlePathPay      = "pay"
)

// Service owns the health centre registry, the payment configuration store
// and the diagnosis ledger. Mutations are applied one at a time.
type Service struct {
	mu      sync.Mutex
	store   Store
	roles   RoleChecker
	tokens  TokenLedger
	account string
	pub     Publisher
	now     func() time.Time
	tracer  trace.Tracer
}

type Option func(*Service)

// WithPublisher receives every committed event.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.pub = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the core. account is the identity the core spends payer
// allowances as.
func NewService(store Store, roles RoleChecker, tokens TokenLedger, account string, opts ...Option) (*Service, error) {
	if store == nil || roles == nil || tokens == nil {
		return nil, errors.New("screening: store, roles and tokens are required")
	}
	account = auth.NormalizeAccount(account)
	if account == "" {
		return nil, errors.New("screening: core account is required")
	}
	s := &Service{
		store:   store,
		roles:   roles,
		tokens:  tokens,
		account: account,
		pub:     Publishers(nil),
		now:     time.Now,
		tracer:  otel.Tracer("nut4health.org/internal/screening"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Account is the spender identity payers approve.
func (s *Service) Account() string { return s.account }

// ---- Health centre registry ----

func (s *Service) CreateHealthCentre(ctx context.Context, caller, id string) (c HealthCentre, err error) {
	ctx, span := s.start(ctx, "screening.create_health_centre", attribute.String("health_centre.id", id))
	defer func() { endSpan(span, err) }()

	caller = auth.NormalizeAccount(caller)
	if err := s.require(ctx, auth.RoleAdmin, caller); err != nil {
		return HealthCentre{}, err
	}
	id, err = requireID(id)
	if err != nil {
		return HealthCentre{}, err
	}
	c = HealthCentre{ID: id, HealthServices: []string{}, CreatedAt: s.now().UTC()}
	_, err = s.update(ctx, func(tx Tx) error {
		if _, ok, err := tx.HealthCentre(ctx, id); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: health centre %q", ErrAlreadyExists, id)
		}
		if err := tx.CreateHealthCentre(ctx, c); err != nil {
			return err
		}
		tx.Emit(s.event(caller, EventHealthCentreCreated, map[string]any{"healthCentreId": id}))
		return nil
	})
	if err != nil {
		return HealthCentre{}, err
	}
	return c, nil
}

// AssignToHealthCentre adds account to the centre's health services.
// Assigning an account twice is not an error.
func (s *Service) AssignToHealthCentre(ctx context.Context, caller, account, centreID string) (err error) {
	ctx, span := s.start(ctx, "screening.assign_to_health_centre", attribute.String("health_centre.id", centreID))
	defer func() { endSpan(span, err) }()

	caller = auth.NormalizeAccount(caller)
	if err := s.require(ctx, auth.RoleAdmin, caller); err != nil {
		return err
	}
	centreID, err = requireID(centreID)
	if err != nil {
		return err
	}
	account = auth.NormalizeAccount(account)
	_, err = s.update(ctx, func(tx Tx) error {
		if _, ok, err := tx.HealthCentre(ctx, centreID); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, msgUnknownCentre)
		}
		ok, err := s.roles.HasRole(ctx, auth.RoleHealthService, account)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrInvalidInput, msgNotHealthService)
		}
		if err := tx.AssignHealthService(ctx, centreID, account); err != nil {
			return err
		}
		tx.Emit(s.event(caller, EventHealthServiceAssigned, map[string]any{
			"healthService":  account,
			"healthCentreId": centreID,
		}))
		return nil
	})
	return err
}

func (s *Service) HealthCentre(ctx context.Context, id string) (HealthCentre, error) {
	var c HealthCentre
	err := s.store.View(ctx, func(tx ReadTx) error {
		got, ok, err := tx.HealthCentre(ctx, strings.TrimSpace(id))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, msgUnknownCentre)
		}
		c = got
		return nil
	})
	return c, err
}

// IsAssigned reports whether account is a health service of the centre.
func (s *Service) IsAssigned(ctx context.Context, account, centreID string) (bool, error) {
	c, err := s.HealthCentre(ctx, centreID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.HasHealthService(auth.NormalizeAccount(account)), nil
}

// ---- Payment configuration store ----

// AddPaymentConfiguration allocates a new configuration id. The id is
// returned and also carried by the PaymentUpdated event.
func (s *Service) AddPaymentConfiguration(ctx context.Context, caller string, reward int64) (pc PaymentConfiguration, err error) {
	ctx, span := s.start(ctx, "screening.add_payment_configuration", attribute.Int64("reward", reward))
	defer func() { endSpan(span, err) }()

	caller = auth.NormalizeAccount(caller)
	if err := s.require(ctx, auth.RoleAdmin, caller); err != nil {
		return PaymentConfiguration{}, err
	}
	if reward < 0 {
		return PaymentConfiguration{}, fmt.Errorf("%w: reward must not be negative", ErrInvalidInput)
	}
	_, err = s.update(ctx, func(tx Tx) error {
		id, err := tx.AddPaymentConfiguration(ctx, reward)
		if err != nil {
			return err
		}
		pc = PaymentConfiguration{ID: id, Reward: reward}
		tx.Emit(s.event(caller, EventPaymentUpdated, map[string]any{"configurationId": int64(id), "price": reward}))
		return nil
	})
	if err != nil {
		return PaymentConfiguration{}, err
	}
	return pc, nil
}

// UpdatePrice overwrites a configuration's reward. Diagnoses already
// registered keep the reward they were registered with.
func (s *Service) UpdatePrice(ctx context.Context, caller string, id uint32, reward int64) (err error) {
	ctx, span := s.start(ctx, "screening.update_price", attribute.Int64("configuration.id", int64(id)))
	defer func() { endSpan(span, err) }()

	caller = auth.NormalizeAccount(caller)
	if err := s.require(ctx, auth.RoleAdmin, caller); err != nil {
		return err
	}
	if reward < 0 {
		return fmt.Errorf("%w: reward must not be negative", ErrInvalidInput)
	}
	_, err = s.update(ctx, func(tx Tx) error {
		if _, ok, err := tx.PaymentConfiguration(ctx, id); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, msgUnknownConfig)
		}
		if err := tx.UpdatePaymentConfiguration(ctx, id, reward); err != nil {
			return err
		}
		tx.Emit(s.event(caller, EventPaymentUpdated, map[string]any{"configurationId": int64(id), "price": reward}))
		return nil
	})
	return err
}

// SetScreenerConfiguration binds screener to configuration id, replacing any
// earlier binding.
func (s *Service) SetScreenerConfiguration(ctx context.Context, caller, screener string, id uint32) (err error) {
	ctx, span := s.start(ctx, "screening.set_screener_configuration", attribute.Int64("configuration.id", int64(id)))
	defer func() { endSpan(span, err) }()

	caller = auth.NormalizeAccount(caller)
	if err := s.require(ctx, auth.RoleAdmin, caller); err != nil {
		return err
	}
	screener = auth.NormalizeAccount(screener)
	if screener == "" {
		return fmt.Errorf("%w: screener is required", ErrInvalidInput)
	}
	_, err = s.update(ctx, func(tx Tx) error {
		if _, ok, err := tx.PaymentConfiguration(ctx, id); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, msgUnknownConfig)
		}
		return tx.SetScreenerConfiguration(ctx, screener, id)
	})
	return err
}

func (s *Service) PaymentConfiguration(ctx context.Context, id uint32) (PaymentConfiguration, error) {
	var pc PaymentConfiguration
	err := s.store.View(ctx, func(tx ReadTx) error {
		got, ok, err := tx.PaymentConfiguration(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, msgUnknownConfig)
		}
		pc = got
		return nil
	})
	return pc, err
}

// ScreenerConfiguration returns the configuration screener is bound to.
func (s *Service) ScreenerConfiguration(ctx context.Context, screener string) (PaymentConfiguration, error) {
	var pc PaymentConfiguration
	err := s.store.View(ctx, func(tx ReadTx) error {
		id, ok, err := tx.ScreenerConfiguration(ctx, auth.NormalizeAccount(screener))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, msgNoBinding)
		}
		got, ok, err := tx.PaymentConfiguration(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, msgUnknownConfig)
		}
		pc = got
		return nil
	})
	return pc, err
}

// ---- Diagnosis ledger ----

// RegisterDiagnosis records a new diagnosis for caller, snapshotting the
// reward of caller's bound configuration.
func (s *Service) RegisterDiagnosis(ctx context.Context, caller, diagnosisID, centreID string) (d Diagnosis, err error) {
	ctx, span := s.start(ctx, "screening.register_diagnosis",
		attribute.String("diagnosis.id", diagnosisID),
		attribute.String("health_centre.id", centreID))
	defer func() { endSpan(span, err) }()

	caller = auth.NormalizeAccount(caller)
	if err := s.require(ctx, auth.RoleScreener, caller); err != nil {
		return Diagnosis{}, err
	}
	if diagnosisID, err = requireID(diagnosisID); err != nil {
		return Diagnosis{}, err
	}
	if centreID, err = requireID(centreID); err != nil {
		return Diagnosis{}, err
	}
	_, err = s.update(ctx, func(tx Tx) error {
		if _, ok, err := tx.HealthCentre(ctx, centreID); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, msgUnknownCentre)
		}
		cfgID, ok, err := tx.ScreenerConfiguration(ctx, caller)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrInvalidState, msgNoBinding)
		}
		cfg, ok, err := tx.PaymentConfiguration(ctx, cfgID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, msgUnknownConfig)
		}
		if prev, ok, err := tx.Diagnosis(ctx, diagnosisID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: diagnosis %q is already %s", ErrInvalidState, diagnosisID, prev.Status)
		}
		now := s.now().UTC()
		d = Diagnosis{
			ID:             diagnosisID,
			Screener:       caller,
			HealthCentreID: centreID,
			Reward:         cfg.Reward,
			Status:         StatusRegistered,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.PutDiagnosis(ctx, d); err != nil {
			return err
		}
		tx.Emit(s.event(caller, EventDiagnosisCreated, map[string]any{
			"diagnosisId": diagnosisID,
			"screener":    caller,
			"reward":      cfg.Reward,
		}))
		return nil
	})
	if err != nil {
		return Diagnosis{}, err
	}
	return d, nil
}

// InvalidateDiagnosis moves a registered diagnosis to the terminal
// Invalidated status.
func (s *Service) InvalidateDiagnosis(ctx context.Context, caller, diagnosisID string) (d Diagnosis, err error) {
	ctx, span := s.start(ctx, "screening.invalidate_diagnosis", attribute.String("diagnosis.id", diagnosisID))
	defer func() { endSpan(span, err) }()

	caller = auth.NormalizeAccount(caller)
	if err := s.require(ctx, auth.RoleHealthService, caller); err != nil {
		return Diagnosis{}, err
	}
	if diagnosisID, err = requireID(diagnosisID); err != nil {
		return Diagnosis{}, err
	}
	_, err = s.update(ctx, func(tx Tx) error {
		cur, err := s.reviewable(ctx, tx, caller, diagnosisID)
		if err != nil {
			return err
		}
		cur.Status = StatusInvalidated
		cur.Validator = caller
		cur.UpdatedAt = s.now().UTC()
		if err := tx.PutDiagnosis(ctx, cur); err != nil {
			return err
		}
		tx.Emit(s.event(caller, EventDiagnosisInvalidated, map[string]any{
			"diagnosisId": diagnosisID,
			"validator":   caller,
		}))
		d = cur
		return nil
	})
	if err != nil {
		return Diagnosis{}, err
	}
	return d, nil
}

// ValidateDiagnosis moves a registered diagnosis to Validated and, when a
// token is configured, attempts to pay the reward at once. A failed
// payment does not undo the validation: the diagnosis stays Validated and
// can be paid later with PayReward.
func (s *Service) ValidateDiagnosis(ctx context.Context, caller, diagnosisID string) (d Diagnosis, err error) {
	ctx, span := s.start(ctx, "screening.validate_diagnosis", attribute.String("diagnosis.id", diagnosisID))
	defer func() { endSpan(span, err) }()

	caller = auth.NormalizeAccount(caller)
	if err := s.require(ctx, auth.RoleHealthService, caller); err != nil {
		return Diagnosis{}, err
	}
	if diagnosisID, err = requireID(diagnosisID); err != nil {
		return Diagnosis{}, err
	}
	_, err = s.update(ctx, func(tx Tx) error {
		cur, err := s.reviewable(ctx, tx, caller, diagnosisID)
		if err != nil {
			return err
		}
		cur.Status = StatusValidated
		cur.Validator = caller
		cur.UpdatedAt = s.now().UTC()
		tx.Emit(s.event(caller, EventDiagnosisValidated, map[string]any{
			"diagnosisId": diagnosisID,
			"validator":   caller,
		}))

		st, err := tx.Settlement(ctx)
		if err != nil {
			return err
		}
		if !st.Configured() {
			obs.RecordSettlement(settlePathValidate, "skipped")
		} else if _, serr := s.settle(ctx, st, cur); serr != nil {
			// Validation stands; PayReward is the retry path.
			obs.RecordSettlement(settlePathValidate, "absorbed")
			obs.Warn("settlement_absorbed", map[string]any{
				"diagnosis_id": diagnosisID,
				"payer":        st.Payer,
				"token":        st.Token,
				"error":        serr,
			})
			span.AddEvent("settlement.absorbed", trace.WithAttributes(attribute.String("error", serr.Error())))
		} else {
			obs.RecordSettlement(settlePathValidate, "paid")
			cur.Status = StatusPaid
			tx.Emit(s.event(caller, EventDiagnosisPaid, map[string]any{"diagnosisId": diagnosisID}))
		}

		if err := tx.PutDiagnosis(ctx, cur); err != nil {
			return err
		}
		d = cur
		return nil
	})
	if err != nil {
		return Diagnosis{}, err
	}
	return d, nil
}

// PayReward settles the reward of a Validated diagnosis. Unlike the attempt
// inside ValidateDiagnosis, a failed transfer fails the call.
func (s *Service) PayReward(ctx context.Context, caller, diagnosisID string) (d Diagnosis, err error) {
	ctx, span := s.start(ctx, "screening.pay_reward", attribute.String("diagnosis.id", diagnosisID))
	defer func() { endSpan(span, err) }()

	caller = auth.NormalizeAccount(caller)
	if err := s.require(ctx, auth.RoleAdmin, caller); err != nil {
		return Diagnosis{}, err
	}
	if diagnosisID, err = requireID(diagnosisID); err != nil {
		return Diagnosis{}, err
	}
	_, err = s.update(ctx, func(tx Tx) error {
		cur, ok, err := tx.Diagnosis(ctx, diagnosisID)
		if err != nil {
			return err
		}
		if !ok || cur.Status != StatusValidated {
			return fmt.Errorf("%w: %s", ErrInvalidState, msgMustBeValidated)
		}
		st, err := tx.Settlement(ctx)
		if err != nil {
			return err
		}
		if !st.Configured() {
			obs.RecordSettlement(settlePathPay, "failed")
			return fmt.Errorf("%w: no token configured", ErrSettlement)
		}
		if _, err := s.settle(ctx, st, cur); err != nil {
			obs.RecordSettlement(settlePathPay, "failed")
			return err
		}
		obs.RecordSettlement(settlePathPay, "paid")
		cur.Status = StatusPaid
		cur.UpdatedAt = s.now().UTC()
		if err := tx.PutDiagnosis(ctx, cur); err != nil {
			return err
		}
		tx.Emit(s.event(caller, EventDiagnosisPaid, map[string]any{"diagnosisId": diagnosisID}))
		d = cur
		return nil
	})
	if err != nil {
		return Diagnosis{}, err
	}
	return d, nil
}

// SetToken configures the reward token and the payer whose allowance to
// Account() funds every payment.
func (s *Service) SetToken(ctx context.Context, caller, token, payer string) (err error) {
	ctx, span := s.start(ctx, "screening.set_token", attribute.String("token", token))
	defer func() { endSpan(span, err) }()

	caller = auth.NormalizeAccount(caller)
	if err := s.require(ctx, auth.RoleAdmin, caller); err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	payer = auth.NormalizeAccount(payer)
	if token == "" || payer == "" {
		return fmt.Errorf("%w: token and payer are required", ErrInvalidInput)
	}
	_, err = s.update(ctx, func(tx Tx) error {
		if err := tx.SetSettlement(ctx, Settlement{Token: token, Payer: payer}); err != nil {
			return err
		}
		tx.Emit(s.event(caller, EventTokenConfigured, map[string]any{"token": token, "payer": payer}))
		return nil
	})
	return err
}

func (s *Service) Settlement(ctx context.Context) (Settlement, error) {
	var st Settlement
	err := s.store.View(ctx, func(tx ReadTx) error {
		var err error
		st, err = tx.Settlement(ctx)
		return err
	})
	return st, err
}

// GetDiagnosisDetails returns the status of a diagnosis, StatusUnexisting
// for ids never registered.
func (s *Service) GetDiagnosisDetails(ctx context.Context, diagnosisID string) (Status, error) {
	d, err := s.Diagnosis(ctx, diagnosisID)
	if errors.Is(err, ErrNotFound) {
		return StatusUnexisting, nil
	}
	if err != nil {
		return StatusUnexisting, err
	}
	return d.Status, nil
}

func (s *Service) Diagnosis(ctx context.Context, diagnosisID string) (Diagnosis, error) {
	diagnosisID = strings.TrimSpace(diagnosisID)
	if diagnosisID == "" {
		return Diagnosis{}, fmt.Errorf("%w: diagnosis %q", ErrNotFound, diagnosisID)
	}
	var d Diagnosis
	err := s.store.View(ctx, func(tx ReadTx) error {
		got, ok, err := tx.Diagnosis(ctx, diagnosisID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: diagnosis %q", ErrNotFound, diagnosisID)
		}
		d = got
		return nil
	})
	return d, err
}

// Events pages through the committed event log.
func (s *Service) Events(ctx context.Context, afterSeq uint64, limit int) ([]Event, uint64, error) {
	return s.store.Events(ctx, afterSeq, limit)
}

// ---- helpers ----

// reviewable loads a diagnosis that caller may validate or invalidate.
func (s *Service) reviewable(ctx context.Context, tx ReadTx, caller, diagnosisID string) (Diagnosis, error) {
	d, ok, err := tx.Diagnosis(ctx, diagnosisID)
	if err != nil {
		return Diagnosis{}, err
	}
	if !ok || d.Status != StatusRegistered {
		return Diagnosis{}, fmt.Errorf("%w: %s", ErrInvalidState, msgMustBeRegistered)
	}
	c, ok, err := tx.HealthCentre(ctx, d.HealthCentreID)
	if err != nil {
		return Diagnosis{}, err
	}
	if !ok || !c.HasHealthService(caller) {
		return Diagnosis{}, fmt.Errorf("%w: %s", ErrUnauthorized, msgNotAssigned)
	}
	return d, nil
}

// settle pulls the reward from the payer to the screener. The idempotency
// key makes a retried settlement replay the original transfer.
func (s *Service) settle(ctx context.Context, st Settlement, d Diagnosis) (ledger.Transfer, error) {
	tr, err := s.tokens.TransferFrom(ctx, s.account, st.Payer, d.Screener,
		ledger.Amount{Token: st.Token, Value: d.Reward}, "reward:"+d.ID)
	if err != nil {
		return ledger.Transfer{}, fmt.Errorf("%w: %w", ErrSettlement, err)
	}
	return tr, nil
}

func (s *Service) require(ctx context.Context, role auth.Role, caller string) error {
	ok, err := s.roles.HasRole(ctx, role, caller)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: account %s is missing role %s", ErrUnauthorized, caller, role.ID())
	}
	return nil
}

// update serialises mutations, then publishes and counts what was committed.
func (s *Service) update(ctx context.Context, fn func(Tx) error) ([]Event, error) {
	s.mu.Lock()
	events, err := s.store.Update(ctx, fn)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if st, ok := transitionOf(ev.Name); ok {
			obs.RecordTransition(st.String())
		}
		s.pub.Publish(ctx, ev)
	}
	return events, nil
}

func (s *Service) event(actor, name string, fields map[string]any) Event {
	return Event{
		ID:         ids.WithPrefix("evt"),
		Name:       name,
		Actor:      actor,
		Fields:     fields,
		OccurredAt: s.now().UTC(),
	}
}

func (s *Service) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func transitionOf(event string) (Status, bool) {
	switch event {
	case EventDiagnosisCreated:
		return StatusRegistered, true
	case EventDiagnosisInvalidated:
		return StatusInvalidated, true
	case EventDiagnosisValidated:
		return StatusValidated, true
	case EventDiagnosisPaid:
		return StatusPaid, true
	}
	return 0, false
}

func requireID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidInput, msgEmptyID)
	}
	return id, nil
}
