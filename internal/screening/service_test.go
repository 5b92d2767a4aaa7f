package screening

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"nut4health.org/internal/auth"
	"nut4health.org/internal/ledger"
	"nut4health.org/internal/screening/mocks"
)

const (
	admin         = "0xadmin"
	screener      = "0xscreener"
	healthService = "0xhealth"
	payer         = "0xpayer"
	core          = "0xcore"
	token         = "N4H"
	centreID      = "hc_id_890"
	diagnosisID   = "backend_id_654"
	reward        = int64(123)
)

type fixture struct {
	svc    *Service
	gate   *auth.Gate
	tokens *ledger.InMemory
	events []Event
}

func newFixture(t *testing.T, tokens TokenLedger) *fixture {
	t.Helper()
	ctx := context.Background()
	gate, err := auth.NewGate(auth.NewMemoryRoles())
	require.NoError(t, err)
	require.NoError(t, gate.Bootstrap(ctx, admin))
	require.NoError(t, gate.GrantRole(ctx, admin, auth.RoleScreener, screener))
	require.NoError(t, gate.GrantRole(ctx, admin, auth.RoleHealthService, healthService))

	f := &fixture{gate: gate}
	if tokens == nil {
		f.tokens = ledger.NewInMemory()
		tokens = f.tokens
	}
	f.svc, err = NewService(NewMemoryStore(), gate, tokens, core,
		WithPublisher(PublisherFunc(func(_ context.Context, ev Event) { f.events = append(f.events, ev) })))
	require.NoError(t, err)
	return f
}

// registered creates a centre, binds the screener to a configuration paying
// reward and registers diagnosisID. The health service is not assigned.
func (f *fixture) registered(t *testing.T) PaymentConfiguration {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.CreateHealthCentre(ctx, admin, centreID)
	require.NoError(t, err)
	pc, err := f.svc.AddPaymentConfiguration(ctx, admin, reward)
	require.NoError(t, err)
	require.NoError(t, f.svc.SetScreenerConfiguration(ctx, admin, screener, pc.ID))
	d, err := f.svc.RegisterDiagnosis(ctx, screener, diagnosisID, centreID)
	require.NoError(t, err)
	require.Equal(t, StatusRegistered, d.Status)
	return pc
}

func (f *fixture) assigned(t *testing.T) {
	t.Helper()
	require.NoError(t, f.svc.AssignToHealthCentre(context.Background(), admin, healthService, centreID))
}

func (f *fixture) fund(t *testing.T, balance, allowance int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.tokens.Mint(ctx, payer, ledger.Amount{Token: token, Value: balance})
	require.NoError(t, err)
	require.NoError(t, f.tokens.Approve(ctx, payer, core, ledger.Amount{Token: token, Value: allowance}))
}

func (f *fixture) eventNames() []string {
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Name)
	}
	return out
}

func balance(t *testing.T, l *ledger.InMemory, account string) int64 {
	t.Helper()
	b, err := l.BalanceOf(context.Background(), token, account)
	require.NoError(t, err)
	return b.Value
}

func allowance(t *testing.T, l *ledger.InMemory) int64 {
	t.Helper()
	a, err := l.Allowance(context.Background(), token, payer, core)
	require.NoError(t, err)
	return a.Value
}

func TestScenarioValidateThenPay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.registered(t)

	d, err := f.svc.Diagnosis(ctx, diagnosisID)
	require.NoError(t, err)
	assert.Equal(t, reward, d.Reward)
	assert.Equal(t, screener, d.Screener)

	_, err = f.svc.ValidateDiagnosis(ctx, healthService, diagnosisID)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "health service not assigned to diagnosis' health centre")

	f.assigned(t)
	d, err = f.svc.ValidateDiagnosis(ctx, healthService, diagnosisID)
	require.NoError(t, err)
	assert.Equal(t, StatusValidated, d.Status)
	assert.Equal(t, healthService, d.Validator)

	f.fund(t, 1000, 500)
	require.NoError(t, f.svc.SetToken(ctx, admin, token, payer))
	d, err = f.svc.PayReward(ctx, admin, diagnosisID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, d.Status)

	status, err := f.svc.GetDiagnosisDetails(ctx, diagnosisID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, status)
	assert.Equal(t, int64(1000-123), balance(t, f.tokens, payer))
	assert.Equal(t, int64(123), balance(t, f.tokens, screener))
	assert.Equal(t, int64(500-123), allowance(t, f.tokens))

	assert.Equal(t, []string{
		EventHealthCentreCreated,
		EventPaymentUpdated,
		EventDiagnosisCreated,
		EventHealthServiceAssigned,
		EventDiagnosisValidated,
		EventTokenConfigured,
		EventDiagnosisPaid,
	}, f.eventNames())
}

func TestGetDiagnosisDetailsUnexisting(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"nope", "", "  "} {
		status, err := f.svc.GetDiagnosisDetails(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusUnexisting, status)
	}
	_, err := f.svc.Diagnosis(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOperationsRequireRoles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.registered(t)
	f.assigned(t)

	calls := map[string]func() error{
		"create centre": func() error { _, err := f.svc.CreateHealthCentre(ctx, screener, "x"); return err },
		"assign":        func() error { return f.svc.AssignToHealthCentre(ctx, healthService, healthService, centreID) },
		"add config":    func() error { _, err := f.svc.AddPaymentConfiguration(ctx, screener, 1); return err },
		"update price":  func() error { return f.svc.UpdatePrice(ctx, screener, 1, 1) },
		"bind":          func() error { return f.svc.SetScreenerConfiguration(ctx, healthService, screener, 1) },
		"register":      func() error { _, err := f.svc.RegisterDiagnosis(ctx, admin, "other", centreID); return err },
		"invalidate":    func() error { _, err := f.svc.InvalidateDiagnosis(ctx, screener, diagnosisID); return err },
		"validate":      func() error { _, err := f.svc.ValidateDiagnosis(ctx, admin, diagnosisID); return err },
		"pay":           func() error { _, err := f.svc.PayReward(ctx, healthService, diagnosisID); return err },
		"set token":     func() error { return f.svc.SetToken(ctx, screener, token, payer) },
	}
	for name, call := range calls {
		err := call()
		require.ErrorIs(t, err, ErrUnauthorized, name)
		assert.Contains(t, err.Error(), "is missing role", name)
	}
	status, _ := f.svc.GetDiagnosisDetails(ctx, diagnosisID)
	assert.Equal(t, StatusRegistered, status)
}

func TestMissingRoleMessageNamesRoleID(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.RegisterDiagnosis(context.Background(), "0xNobody", diagnosisID, centreID)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "account 0xnobody is missing role "+auth.RoleScreener.ID())
}

func TestEmptyIdentifiersAreRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.registered(t)

	errs := []error{
		func() error { _, err := f.svc.CreateHealthCentre(ctx, admin, " "); return err }(),
		f.svc.AssignToHealthCentre(ctx, admin, healthService, ""),
		func() error { _, err := f.svc.RegisterDiagnosis(ctx, screener, "", centreID); return err }(),
		func() error { _, err := f.svc.RegisterDiagnosis(ctx, screener, diagnosisID, ""); return err }(),
		func() error { _, err := f.svc.InvalidateDiagnosis(ctx, healthService, ""); return err }(),
		func() error { _, err := f.svc.ValidateDiagnosis(ctx, healthService, ""); return err }(),
		func() error { _, err := f.svc.PayReward(ctx, admin, ""); return err }(),
	}
	for i, err := range errs {
		require.ErrorIs(t, err, ErrInvalidInput, "case %d", i)
		assert.Contains(t, err.Error(), "an empty string is not a valid id", "case %d", i)
	}
}

func TestCreateHealthCentreRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c, err := f.svc.CreateHealthCentre(ctx, admin, centreID)
	require.NoError(t, err)
	assert.Empty(t, c.HealthServices)

	_, err = f.svc.CreateHealthCentre(ctx, admin, centreID)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Len(t, f.events, 1)
}

func TestAssignToHealthCentre(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	err := f.svc.AssignToHealthCentre(ctx, admin, healthService, centreID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "unexisting health centre")

	_, err = f.svc.CreateHealthCentre(ctx, admin, centreID)
	require.NoError(t, err)

	err = f.svc.AssignToHealthCentre(ctx, admin, screener, centreID)
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "the assigned account must have a health service role")

	require.NoError(t, f.svc.AssignToHealthCentre(ctx, admin, healthService, centreID))
	require.NoError(t, f.svc.AssignToHealthCentre(ctx, admin, " 0xHEALTH ", centreID))

	c, err := f.svc.HealthCentre(ctx, centreID)
	require.NoError(t, err)
	assert.Equal(t, []string{healthService}, c.HealthServices)

	ok, err := f.svc.IsAssigned(ctx, healthService, centreID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.svc.IsAssigned(ctx, healthService, "elsewhere")
	require.NoError(t, err)
	assert.False(t, ok)

	last := f.events[len(f.events)-1]
	assert.Equal(t, EventHealthServiceAssigned, last.Name)
	assert.Equal(t, map[string]any{"healthService": healthService, "healthCentreId": centreID}, last.Fields)
}

func TestPaymentConfigurationIDsAreSequential(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	first, err := f.svc.AddPaymentConfiguration(ctx, admin, 10)
	require.NoError(t, err)
	second, err := f.svc.AddPaymentConfiguration(ctx, admin, 20)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first.ID)
	assert.Equal(t, uint32(2), second.ID)

	ev := f.events[1]
	assert.Equal(t, EventPaymentUpdated, ev.Name)
	assert.Equal(t, int64(2), ev.Fields["configurationId"])
	assert.Equal(t, int64(20), ev.Fields["price"])

	_, err = f.svc.AddPaymentConfiguration(ctx, admin, -1)
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = f.svc.UpdatePrice(ctx, admin, 99, 1)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "no payment configuration found")
	assert.ErrorIs(t, f.svc.SetScreenerConfiguration(ctx, admin, screener, 99), ErrNotFound)

	require.NoError(t, f.svc.UpdatePrice(ctx, admin, first.ID, 15))
	pc, err := f.svc.PaymentConfiguration(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(15), pc.Reward)

	require.NoError(t, f.svc.SetScreenerConfiguration(ctx, admin, screener, second.ID))
	bound, err := f.svc.ScreenerConfiguration(ctx, screener)
	require.NoError(t, err)
	assert.Equal(t, second, bound)

	_, err = f.svc.ScreenerConfiguration(ctx, "0xunbound")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterDiagnosisPreconditionOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	// Unknown centre is reported before the missing binding.
	_, err := f.svc.RegisterDiagnosis(ctx, screener, diagnosisID, "unknown")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "unexisting health centre")

	_, err = f.svc.CreateHealthCentre(ctx, admin, centreID)
	require.NoError(t, err)
	_, err = f.svc.RegisterDiagnosis(ctx, screener, diagnosisID, centreID)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "no payment configuration assigned to screener")
}

func TestDiagnosisIDsAreNeverReused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.registered(t)
	f.assigned(t)

	_, err := f.svc.RegisterDiagnosis(ctx, screener, diagnosisID, centreID)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.InvalidateDiagnosis(ctx, healthService, diagnosisID)
	require.NoError(t, err)
	_, err = f.svc.RegisterDiagnosis(ctx, screener, diagnosisID, centreID)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRewardIsSnapshotAtRegistration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	pc := f.registered(t)

	require.NoError(t, f.svc.UpdatePrice(ctx, admin, pc.ID, 999))
	d, err := f.svc.Diagnosis(ctx, diagnosisID)
	require.NoError(t, err)
	assert.Equal(t, reward, d.Reward)

	d, err = f.svc.RegisterDiagnosis(ctx, screener, "second", centreID)
	require.NoError(t, err)
	assert.Equal(t, int64(999), d.Reward)
}

func TestInvalidateIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.registered(t)

	_, err := f.svc.InvalidateDiagnosis(ctx, healthService, diagnosisID)
	require.ErrorIs(t, err, ErrUnauthorized)

	f.assigned(t)
	d, err := f.svc.InvalidateDiagnosis(ctx, healthService, diagnosisID)
	require.NoError(t, err)
	assert.Equal(t, StatusInvalidated, d.Status)
	assert.Equal(t, healthService, d.Validator)

	_, err = f.svc.InvalidateDiagnosis(ctx, healthService, diagnosisID)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "diagnosis must be in 'registered' status")
	_, err = f.svc.ValidateDiagnosis(ctx, healthService, diagnosisID)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.ValidateDiagnosis(ctx, healthService, "never-registered")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestValidatePaysImmediatelyWithSufficientAllowance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.registered(t)
	f.assigned(t)
	f.fund(t, 1000, 123)
	require.NoError(t, f.svc.SetToken(ctx, admin, token, payer))

	d, err := f.svc.ValidateDiagnosis(ctx, healthService, diagnosisID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, d.Status)
	assert.Equal(t, int64(0), allowance(t, f.tokens))
	assert.Equal(t, int64(123), balance(t, f.tokens, screener))

	names := f.eventNames()
	assert.Equal(t, []string{EventDiagnosisValidated, EventDiagnosisPaid}, names[len(names)-2:])

	_, err = f.svc.PayReward(ctx, admin, diagnosisID)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, int64(123), balance(t, f.tokens, screener))
}

func TestValidateKeepsValidatedWhenAllowanceIsShort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.registered(t)
	f.assigned(t)
	f.fund(t, 1000, 122)
	require.NoError(t, f.svc.SetToken(ctx, admin, token, payer))

	d, err := f.svc.ValidateDiagnosis(ctx, healthService, diagnosisID)
	require.NoError(t, err)
	assert.Equal(t, StatusValidated, d.Status)
	assert.Equal(t, int64(122), allowance(t, f.tokens))
	assert.Equal(t, EventDiagnosisValidated, f.events[len(f.events)-1].Name)

	_, err = f.svc.PayReward(ctx, admin, diagnosisID)
	require.ErrorIs(t, err, ErrSettlement)
	assert.ErrorIs(t, err, ledger.ErrInsufficientAllowance)
	status, _ := f.svc.GetDiagnosisDetails(ctx, diagnosisID)
	assert.Equal(t, StatusValidated, status)

	require.NoError(t, f.tokens.Approve(ctx, payer, core, ledger.Amount{Token: token, Value: 200}))
	d, err = f.svc.PayReward(ctx, admin, diagnosisID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, d.Status)
	assert.Equal(t, int64(77), allowance(t, f.tokens))

	_, err = f.svc.PayReward(ctx, admin, diagnosisID)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, int64(123), balance(t, f.tokens, screener))
}

func TestPayRewardWithoutToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.registered(t)

	_, err := f.svc.PayReward(ctx, admin, diagnosisID)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "diagnosis must be in 'validated' status")

	f.assigned(t)
	_, err = f.svc.ValidateDiagnosis(ctx, healthService, diagnosisID)
	require.NoError(t, err)
	_, err = f.svc.PayReward(ctx, admin, diagnosisID)
	require.ErrorIs(t, err, ErrSettlement)
}

func TestValidateAbsorbsLedgerFailure(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	tokens := mocks.NewMockTokenLedger(ctrl)
	f := newFixture(t, tokens)
	f.registered(t)
	f.assigned(t)
	require.NoError(t, f.svc.SetToken(ctx, admin, token, payer))

	amt := ledger.Amount{Token: token, Value: reward}
	tokens.EXPECT().
		TransferFrom(gomock.Any(), core, payer, screener, amt, "reward:"+diagnosisID).
		Return(ledger.Transfer{}, errors.New("ledger unavailable"))

	d, err := f.svc.ValidateDiagnosis(ctx, healthService, diagnosisID)
	require.NoError(t, err)
	assert.Equal(t, StatusValidated, d.Status)

	tokens.EXPECT().
		TransferFrom(gomock.Any(), core, payer, screener, amt, "reward:"+diagnosisID).
		Return(ledger.Transfer{ID: "trf_1", Value: reward}, nil)
	d, err = f.svc.PayReward(ctx, admin, diagnosisID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, d.Status)
}

func TestRoleCheckerFailureAborts(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	roles := mocks.NewMockRoleChecker(ctrl)
	svc, err := NewService(NewMemoryStore(), roles, ledger.NewInMemory(), core)
	require.NoError(t, err)

	boom := errors.New("role store down")
	roles.EXPECT().HasRole(gomock.Any(), auth.RoleAdmin, admin).Return(false, boom)
	_, err = svc.CreateHealthCentre(ctx, admin, centreID)
	require.ErrorIs(t, err, boom)

	_, err = svc.HealthCentre(ctx, centreID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetTokenValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.svc.SetToken(ctx, admin, "", payer), ErrInvalidInput)
	assert.ErrorIs(t, f.svc.SetToken(ctx, admin, token, " "), ErrInvalidInput)

	require.NoError(t, f.svc.SetToken(ctx, admin, token, "0xPAYER"))
	st, err := f.svc.Settlement(ctx)
	require.NoError(t, err)
	assert.Equal(t, Settlement{Token: token, Payer: payer}, st)
}

func TestEventsAreSequencedAndPaged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.registered(t)

	all, last, err := f.svc.Events(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(3), last)
	for i, ev := range all {
		assert.Equal(t, uint64(i+1), ev.Sequence)
		assert.NotEmpty(t, ev.ID)
	}
	assert.Equal(t, map[string]any{"diagnosisId": diagnosisID, "screener": screener, "reward": reward}, all[2].Fields)

	page, last, err := f.svc.Events(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, EventPaymentUpdated, page[0].Name)
	assert.Equal(t, uint64(2), last)
}
