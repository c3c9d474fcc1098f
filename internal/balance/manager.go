package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/internal/exchange"
	"crossarb/internal/metrics"
	"crossarb/internal/model"
)

var (
	ErrInsufficientFunds  = errors.New("balance: insufficient funds")
	ErrUnknownReservation = errors.New("balance: unknown reservation")
	ErrUnknownExchange    = errors.New("balance: unknown exchange")
)

// AnomalyError reports a refresh whose available amount is below what is
// currently locked by reservations.
type AnomalyError struct {
	Key       model.BalanceKey
	Available decimal.Decimal
	Locked    decimal.Decimal
}

func (e *AnomalyError) Error() string {
	return fmt.Sprintf("balance: %s available %s below locked %s", e.Key, e.Available, e.Locked)
}

// Config is the subset of settings the manager needs.
type Config struct {
	RefreshInterval time.Duration
	ReservationTTL  time.Duration
	// Accounts lists the sub-accounts polled per exchange.
	Accounts map[string][]model.SubAccount
}

type entry struct {
	mu           sync.Mutex
	available    decimal.Decimal
	locked       decimal.Decimal
	reservations map[string]*model.Reservation
	updatedAt    time.Time
}

// expire drops lapsed reservations. Callers hold e.mu.
func (e *entry) expire(now time.Time) {
	for id, r := range e.reservations {
		if r.Expired(now) {
			e.locked = e.locked.Sub(r.Amount)
			delete(e.reservations, id)
		}
	}
}

type refreshRequest struct {
	exchange string
	sub      model.SubAccount
}

// Manager caches venue balances and owns the reservation ledger. The map
// guard is held only for lookup and insert; every key has its own mutex, so
// keys never contend with each other.
type Manager struct {
	cfg     Config
	clients map[string]exchange.Client
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[model.BalanceKey]*entry
	index   map[string]model.BalanceKey

	onAnomaly func(*AnomalyError)
	refreshCh chan refreshRequest
	now       func() time.Time
}

// NewManager creates a manager over clients keyed by exchange name.
func NewManager(cfg Config, clients map[string]exchange.Client, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 2 * time.Hour
	}
	return &Manager{
		cfg:       cfg,
		clients:   clients,
		logger:    logger.With(slog.String("component", "balance")),
		metrics:   m,
		entries:   make(map[model.BalanceKey]*entry),
		index:     make(map[string]model.BalanceKey),
		refreshCh: make(chan refreshRequest, 64),
		now:       time.Now,
	}
}

// OnAnomaly registers a hook called for every consistency anomaly.
func (m *Manager) OnAnomaly(fn func(*AnomalyError)) {
	m.onAnomaly = fn
}

func key(ex string, sub model.SubAccount, asset string) model.BalanceKey {
	return model.BalanceKey{Exchange: strings.ToLower(ex), SubAccount: sub, Asset: strings.ToUpper(asset)}
}

func (m *Manager) entry(k model.BalanceKey) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[k]
	if !ok {
		e = &entry{reservations: make(map[string]*model.Reservation)}
		m.entries[k] = e
	}
	return e
}

func (m *Manager) publish(k model.BalanceKey, locked decimal.Decimal) {
	f, _ := locked.Float64()
	m.metrics.SetReserved(k.Exchange, string(k.SubAccount), k.Asset, f)
}

// Available returns the last known available amount minus active reservations.
func (m *Manager) Available(ex string, sub model.SubAccount, asset string) decimal.Decimal {
	e := m.entry(key(ex, sub, asset))
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expire(m.now())
	return e.available.Sub(e.locked)
}

// Reserve atomically checks free capital on the key and holds amount for
// planID. Two concurrent calls never both succeed on the same free amount.
func (m *Manager) Reserve(ex string, sub model.SubAccount, asset string, amount decimal.Decimal, planID string) (model.Reservation, error) {
	if !amount.IsPositive() {
		return model.Reservation{}, fmt.Errorf("balance: reserve non-positive amount %s", amount)
	}
	k := key(ex, sub, asset)
	e := m.entry(k)
	now := m.now()

	e.mu.Lock()
	e.expire(now)
	free := e.available.Sub(e.locked)
	if free.LessThan(amount) {
		e.mu.Unlock()
		return model.Reservation{}, fmt.Errorf("%w: %s has %s free, short %s", ErrInsufficientFunds, k, free, amount.Sub(free))
	}
	r := &model.Reservation{
		ID:        uuid.NewString(),
		Key:       k,
		Amount:    amount,
		PlanID:    planID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.ReservationTTL),
	}
	e.reservations[r.ID] = r
	e.locked = e.locked.Add(amount)
	locked := e.locked
	e.mu.Unlock()

	m.mu.Lock()
	m.index[r.ID] = k
	m.mu.Unlock()

	m.publish(k, locked)
	m.logger.Debug("funds reserved", slog.String("key", k.String()), slog.String("amount", amount.String()), slog.String("plan_id", planID))
	return *r, nil
}

// Release frees a reservation. It reports whether anything was released;
// releasing twice or after expiry is a no-op.
func (m *Manager) Release(id string) bool {
	m.mu.Lock()
	k, ok := m.index[id]
	delete(m.index, id)
	e := m.entries[k]
	m.mu.Unlock()
	if !ok || e == nil {
		return false
	}

	e.mu.Lock()
	r, ok := e.reservations[id]
	if ok {
		delete(e.reservations, id)
		e.locked = e.locked.Sub(r.Amount)
	}
	locked := e.locked
	e.mu.Unlock()

	if ok {
		m.publish(k, locked)
	}
	return ok
}

// Consume records that amount of a reservation left the key. The reservation
// and the cached balance shrink together so the next refresh is consistent.
// Spending more than reserved consumes the whole reservation and still
// lowers the cached balance by amount.
func (m *Manager) Consume(id string, amount decimal.Decimal) error {
	m.mu.Lock()
	k, ok := m.index[id]
	e := m.entries[k]
	m.mu.Unlock()
	if !ok || e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, id)
	}

	e.mu.Lock()
	r, ok := e.reservations[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownReservation, id)
	}
	held := decimal.Min(amount, r.Amount)
	r.Amount = r.Amount.Sub(held)
	e.locked = e.locked.Sub(held)
	e.available = e.available.Sub(amount)
	locked := e.locked
	e.mu.Unlock()

	m.publish(k, locked)
	return nil
}

// Extend pushes a reservation's expiry to now plus ttl.
func (m *Manager) Extend(id string, ttl time.Duration) error {
	m.mu.Lock()
	k, ok := m.index[id]
	e := m.entries[k]
	m.mu.Unlock()
	if !ok || e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.reservations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, id)
	}
	r.ExpiresAt = m.now().Add(ttl)
	return nil
}

// Refresh replaces cached balances of one sub-account with what the venue
// reports. Values are stored as reported; keys whose available amount fell
// below their locked amount are returned as joined *AnomalyError values.
func (m *Manager) Refresh(ctx context.Context, ex string, sub model.SubAccount) error {
	ex = strings.ToLower(ex)
	client, ok := m.clients[ex]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, ex)
	}
	reported, err := client.GetBalances(ctx, sub)
	if err != nil {
		return fmt.Errorf("balance: refresh %s/%s: %w", ex, sub, err)
	}

	fresh := make(map[model.BalanceKey]decimal.Decimal, len(reported))
	for asset, b := range reported {
		fresh[key(ex, sub, asset)] = b.Available
	}
	m.mu.Lock()
	for k := range m.entries {
		if _, seen := fresh[k]; !seen && k.Exchange == ex && k.SubAccount == sub {
			fresh[k] = decimal.Zero
		}
	}
	m.mu.Unlock()

	now := m.now()
	var anomalies []error
	for k, avail := range fresh {
		e := m.entry(k)
		e.mu.Lock()
		e.expire(now)
		e.available = avail
		e.updatedAt = now
		locked := e.locked
		e.mu.Unlock()

		if avail.LessThan(locked) {
			a := &AnomalyError{Key: k, Available: avail, Locked: locked}
			anomalies = append(anomalies, a)
			m.logger.Error("balance below reserved amount", slog.String("key", k.String()),
				slog.String("available", avail.String()), slog.String("locked", locked.String()))
			m.metrics.RecordBalanceAnomaly(k.Exchange)
			if m.onAnomaly != nil {
				m.onAnomaly(a)
			}
		}
	}
	return errors.Join(anomalies...)
}

// RefreshAll refreshes every configured sub-account. Venue errors are logged
// and do not stop the others.
func (m *Manager) RefreshAll(ctx context.Context) {
	for ex, subs := range m.cfg.Accounts {
		for _, sub := range subs {
			if err := m.Refresh(ctx, ex, sub); err != nil {
				var anomaly *AnomalyError
				if !errors.As(err, &anomaly) {
					m.logger.Warn("balance refresh failed", slog.String("exchange", ex), slog.String("sub_account", string(sub)), slog.String("error", err.Error()))
				}
			}
		}
	}
}

// RefreshAsync asks the Run loop for an opportunistic refresh. It never
// blocks; requests are dropped while the queue is full.
func (m *Manager) RefreshAsync(ex string, sub model.SubAccount) {
	select {
	case m.refreshCh <- refreshRequest{exchange: ex, sub: sub}:
	default:
	}
}

// Sweep drops expired reservations from every key and from the index.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.Lock()
	keys := make(map[model.BalanceKey]*entry, len(m.entries))
	for k, e := range m.entries {
		keys[k] = e
	}
	m.mu.Unlock()

	live := make(map[string]bool)
	for k, e := range keys {
		e.mu.Lock()
		before := len(e.reservations)
		e.expire(now)
		if len(e.reservations) != before {
			m.publish(k, e.locked)
		}
		for id := range e.reservations {
			live[id] = true
		}
		e.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for id := range m.index {
		if !live[id] {
			delete(m.index, id)
			dropped++
		}
	}
	if dropped > 0 {
		m.logger.Warn("expired reservations dropped", slog.Int("count", dropped))
	}
	return dropped
}

// Run polls balances at the refresh interval, serves async refresh requests
// and sweeps expired reservations until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.RefreshAll(ctx)
	interval := m.cfg.RefreshInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.RefreshAll(ctx)
			m.Sweep()
		case req := <-m.refreshCh:
			if err := m.Refresh(ctx, req.exchange, req.sub); err != nil {
				m.logger.Debug("async refresh", slog.String("exchange", req.exchange), slog.String("error", err.Error()))
			}
		}
	}
}

// Snapshot lists cached balances sorted by key.
func (m *Manager) Snapshot() []model.Balance {
	m.mu.Lock()
	keys := make(map[model.BalanceKey]*entry, len(m.entries))
	for k, e := range m.entries {
		keys[k] = e
	}
	m.mu.Unlock()

	now := m.now()
	out := make([]model.Balance, 0, len(keys))
	for k, e := range keys {
		e.mu.Lock()
		e.expire(now)
		out = append(out, model.Balance{Key: k, Available: e.available, Locked: e.locked, UpdatedAt: e.updatedAt})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Reservations lists active reservations, oldest first.
func (m *Manager) Reservations() []model.Reservation {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	now := m.now()
	var out []model.Reservation
	for _, e := range entries {
		e.mu.Lock()
		e.expire(now)
		for _, r := range e.reservations {
			out = append(out, *r)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
