package screening

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore implements Store in process. Update stages writes in an
// overlay that is merged only when fn succeeds.
type MemoryStore struct {
	mu         sync.RWMutex
	centres    map[string]HealthCentre
	configs    map[uint32]int64
	lastConfig uint32
	bindings   map[string]uint32
	diagnoses  map[string]Diagnosis
	settlement Settlement
	seq        uint64
	events     []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		centres:   make(map[string]HealthCentre),
		configs:   make(map[uint32]int64),
		bindings:  make(map[string]uint32),
		diagnoses: make(map[string]Diagnosis),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Update(ctx context.Context, fn func(Tx) error) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		base:       m,
		centres:    make(map[string]HealthCentre),
		configs:    make(map[uint32]int64),
		lastConfig: m.lastConfig,
		bindings:   make(map[string]uint32),
		diagnoses:  make(map[string]Diagnosis),
	}
	if err := fn(tx); err != nil {
		return nil, err
	}

	for k, v := range tx.centres {
		m.centres[k] = v
	}
	for k, v := range tx.configs {
		m.configs[k] = v
	}
	m.lastConfig = tx.lastConfig
	for k, v := range tx.bindings {
		m.bindings[k] = v
	}
	for k, v := range tx.diagnoses {
		m.diagnoses[k] = v
	}
	if tx.settlement != nil {
		m.settlement = *tx.settlement
	}
	out := make([]Event, 0, len(tx.events))
	for _, ev := range tx.events {
		m.seq++
		ev.Sequence = m.seq
		m.events = append(m.events, ev)
		out = append(out, ev)
	}
	return out, nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(ReadTx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{base: m})
}

func (m *MemoryStore) Events(ctx context.Context, afterSeq uint64, limit int) ([]Event, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Event
	var last uint64
	for _, ev := range m.events {
		if ev.Sequence <= afterSeq {
			continue
		}
		res = append(res, ev)
		last = ev.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

// memTx reads through its overlay to the base maps. The overlay maps are nil
// for read-only views.
type memTx struct {
	base       *MemoryStore
	centres    map[string]HealthCentre
	configs    map[uint32]int64
	lastConfig uint32
	bindings   map[string]uint32
	diagnoses  map[string]Diagnosis
	settlement *Settlement
	events     []Event
}

func (t *memTx) HealthCentre(_ context.Context, id string) (HealthCentre, bool, error) {
	c, ok := t.centres[id]
	if !ok {
		c, ok = t.base.centres[id]
	}
	c.HealthServices = slices.Clone(c.HealthServices)
	return c, ok, nil
}

func (t *memTx) PaymentConfiguration(_ context.Context, id uint32) (PaymentConfiguration, bool, error) {
	r, ok := t.configs[id]
	if !ok {
		r, ok = t.base.configs[id]
	}
	if !ok {
		return PaymentConfiguration{}, false, nil
	}
	return PaymentConfiguration{ID: id, Reward: r}, true, nil
}

func (t *memTx) ScreenerConfiguration(_ context.Context, screener string) (uint32, bool, error) {
	id, ok := t.bindings[screener]
	if !ok {
		id, ok = t.base.bindings[screener]
	}
	return id, ok, nil
}

func (t *memTx) Diagnosis(_ context.Context, id string) (Diagnosis, bool, error) {
	d, ok := t.diagnoses[id]
	if !ok {
		d, ok = t.base.diagnoses[id]
	}
	return d, ok, nil
}

func (t *memTx) Settlement(context.Context) (Settlement, error) {
	if t.settlement != nil {
		return *t.settlement, nil
	}
	return t.base.settlement, nil
}

func (t *memTx) CreateHealthCentre(ctx context.Context, c HealthCentre) error {
	if _, ok, _ := t.HealthCentre(ctx, c.ID); ok {
		return ErrAlreadyExists
	}
	c.HealthServices = slices.Clone(c.HealthServices)
	t.centres[c.ID] = c
	return nil
}

func (t *memTx) AssignHealthService(ctx context.Context, centreID, account string) error {
	c, ok, _ := t.HealthCentre(ctx, centreID)
	if !ok {
		return ErrNotFound
	}
	if !c.HasHealthService(account) {
		c.HealthServices = append(c.HealthServices, account)
	}
	t.centres[centreID] = c
	return nil
}

func (t *memTx) AddPaymentConfiguration(_ context.Context, reward int64) (uint32, error) {
	t.lastConfig++
	t.configs[t.lastConfig] = reward
	return t.lastConfig, nil
}

func (t *memTx) UpdatePaymentConfiguration(ctx context.Context, id uint32, reward int64) error {
	if _, ok, _ := t.PaymentConfiguration(ctx, id); !ok {
		return ErrNotFound
	}
	t.configs[id] = reward
	return nil
}

func (t *memTx) SetScreenerConfiguration(_ context.Context, screener string, id uint32) error {
	t.bindings[screener] = id
	return nil
}

func (t *memTx) PutDiagnosis(_ context.Context, d Diagnosis) error {
	t.diagnoses[d.ID] = d
	return nil
}

func (t *memTx) SetSettlement(_ context.Context, s Settlement) error {
	t.settlement = &s
	return nil
}

func (t *memTx) Emit(ev Event) { t.events = append(t.events, ev) }
