package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"foodorder-svc/models"
)

// Memory is an in-memory Store useful for tests and local development.
// Transactions are serialised on a single mutex and roll back by restoring a
// snapshot taken when they began.
type Memory struct {
	mu    sync.Mutex
	state memState
	fail  map[string]error
}

type memState struct {
	products     map[string]models.Product
	zones        map[string]models.DeliveryZone
	promotions   map[string]models.Promotion
	counters     map[string]int
	orders       map[string]models.Order
	transactions map[string]models.PaymentTransaction
	changes      []models.OrderStatusChange
	events       []models.CommunicationEvent
	audit        []models.AuditEntry
	incidents    []models.SecurityIncident
	roles        map[string]map[string]bool
	seq          int64
}

func NewMemory() *Memory {
	return &Memory{
		state: memState{
			products:     make(map[string]models.Product),
			zones:        make(map[string]models.DeliveryZone),
			promotions:   make(map[string]models.Promotion),
			counters:     make(map[string]int),
			orders:       make(map[string]models.Order),
			transactions: make(map[string]models.PaymentTransaction),
			roles:        make(map[string]map[string]bool),
		},
		fail: make(map[string]error),
	}
}

func (s memState) clone() memState {
	c := s
	c.products = maps.Clone(s.products)
	c.zones = maps.Clone(s.zones)
	c.promotions = maps.Clone(s.promotions)
	c.counters = maps.Clone(s.counters)
	c.orders = maps.Clone(s.orders)
	c.transactions = maps.Clone(s.transactions)
	c.changes = slices.Clone(s.changes)
	c.events = slices.Clone(s.events)
	c.audit = slices.Clone(s.audit)
	c.incidents = slices.Clone(s.incidents)
	c.roles = make(map[string]map[string]bool, len(s.roles))
	for k, v := range s.roles {
		c.roles[k] = maps.Clone(v)
	}
	return c
}

func (m *Memory) nextID() int64 {
	m.state.seq++
	return m.state.seq
}

// FailOn makes the named operation return err until cleared with a nil err.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

func (m *Memory) injected(op string) error {
	if err, ok := m.fail[op]; ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (m *Memory) AddProduct(p models.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.products[p.ID] = p
}

func (m *Memory) AddDeliveryZone(z models.DeliveryZone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.zones[z.ID] = z
}

func (m *Memory) AddPromotion(p models.Promotion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.promotions[p.ID] = p
}

func (m *Memory) GrantRole(userID, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.roles[userID] == nil {
		m.state.roles[userID] = make(map[string]bool)
	}
	m.state.roles[userID][role] = true
}

func (m *Memory) Promotion(id string) (models.Promotion, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.promotions[id]
	return p, ok
}

func (m *Memory) Orders() []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	orders := slices.Collect(maps.Values(m.state.orders))
	sort.Slice(orders, func(i, j int) bool { return orders[i].OrderNumber < orders[j].OrderNumber })
	return orders
}

func (m *Memory) Transactions() []models.PaymentTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	txns := slices.Collect(maps.Values(m.state.transactions))
	sort.Slice(txns, func(i, j int) bool { return txns[i].ID < txns[j].ID })
	return txns
}

func (m *Memory) StatusChanges() []models.OrderStatusChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.changes)
}

func (m *Memory) Events() []models.CommunicationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.events)
}

func (m *Memory) AuditEntries() []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.audit)
}

func (m *Memory) SecurityIncidents() []models.SecurityIncident {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.incidents)
}

// WithTx holds the store lock for the whole of fn, so concurrent
// transactions observe each other's committed writes only.
func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.injected("begin"); err != nil {
		return err
	}

	snapshot := m.state.clone()
	if err := fn(&memTx{m: m}); err != nil {
		m.state = snapshot
		return err
	}
	if err := m.injected("commit"); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

type memTx struct {
	m *Memory
}

func (t *memTx) ProductsByIDs(_ context.Context, ids []string) (map[string]models.Product, error) {
	if err := t.m.injected("ProductsByIDs"); err != nil {
		return nil, err
	}
	out := make(map[string]models.Product, len(ids))
	for _, id := range ids {
		if p, ok := t.m.state.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (t *memTx) DeliveryZone(_ context.Context, id string) (*models.DeliveryZone, error) {
	z, ok := t.m.state.zones[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &z, nil
}

func (t *memTx) PromotionForUpdate(_ context.Context, code string) (*models.Promotion, error) {
	for _, p := range t.m.state.promotions {
		if strings.EqualFold(p.Code, code) {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) IncrementPromotionUsage(_ context.Context, id string) error {
	p, ok := t.m.state.promotions[id]
	if !ok {
		return ErrNotFound
	}
	p.UsageCount++
	t.m.state.promotions[id] = p
	return nil
}

func (t *memTx) NextOrderSequence(_ context.Context, day time.Time) (int, error) {
	key := day.Format("2006-01-02")
	t.m.state.counters[key]++
	return t.m.state.counters[key], nil
}

func (t *memTx) HasOrdersForEmail(_ context.Context, email string) (bool, error) {
	for _, o := range t.m.state.orders {
		if strings.EqualFold(o.CustomerEmail, email) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertOrder(_ context.Context, o *models.Order) error {
	if err := t.m.injected("InsertOrder"); err != nil {
		return err
	}
	for _, existing := range t.m.state.orders {
		if existing.PaymentReference == o.PaymentReference || existing.OrderNumber == o.OrderNumber {
			return fmt.Errorf("%w: order %s", ErrDuplicate, o.OrderNumber)
		}
	}
	for i := range o.Items {
		o.Items[i].ID = t.m.nextID()
		o.Items[i].OrderID = o.ID
		o.Items[i].CreatedAt = o.CreatedAt
	}
	stored := *o
	stored.Items = slices.Clone(o.Items)
	t.m.state.orders[o.ID] = stored
	return nil
}

func (t *memTx) OrderForUpdate(_ context.Context, id string) (*models.Order, error) {
	o, ok := t.m.state.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (t *memTx) OrderByReferenceForUpdate(_ context.Context, reference string) (*models.Order, error) {
	for _, o := range t.m.state.orders {
		if o.PaymentReference == reference {
			return &o, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) ApplyStatusChange(_ context.Context, c *models.OrderStatusChange) error {
	if err := t.m.injected("ApplyStatusChange"); err != nil {
		return err
	}
	o, ok := t.m.state.orders[c.OrderID]
	if !ok || o.Status != c.PreviousStatus {
		return fmt.Errorf("order %s is no longer %s: %w", c.OrderID, c.PreviousStatus, ErrNotFound)
	}
	o.Status = c.NewStatus
	o.UpdatedAt = c.CreatedAt
	t.m.state.orders[c.OrderID] = o

	c.ID = t.m.nextID()
	t.m.state.changes = append(t.m.state.changes, *c)
	return nil
}

func (t *memTx) MarkOrderPaid(_ context.Context, orderID string, at time.Time) error {
	o, ok := t.m.state.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	o.PaymentStatus = models.PaymentStatusPaid
	o.PaidAt = &at
	o.UpdatedAt = at
	t.m.state.orders[orderID] = o
	return nil
}

func (t *memTx) MarkOrderPaymentFailed(_ context.Context, orderID string, at time.Time) error {
	o, ok := t.m.state.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if o.PaymentStatus != models.PaymentStatusPaid {
		o.PaymentStatus = models.PaymentStatusFailed
		o.UpdatedAt = at
		t.m.state.orders[orderID] = o
	}
	return nil
}

func (t *memTx) UpsertTransaction(_ context.Context, txn *models.PaymentTransaction) (bool, error) {
	if err := t.m.injected("UpsertTransaction"); err != nil {
		return false, err
	}
	existing, ok := t.m.state.transactions[txn.ProviderReference]
	if ok && existing.Status == models.TransactionStatusSuccess {
		return false, nil
	}
	if ok {
		txn.ID = existing.ID
		txn.CreatedAt = existing.CreatedAt
	} else {
		txn.ID = t.m.nextID()
	}
	txn.UpdatedAt = time.Now()
	t.m.state.transactions[txn.ProviderReference] = *txn
	return true, nil
}

func (t *memTx) EnqueueEvent(_ context.Context, ev *models.CommunicationEvent, since time.Time) (models.EnqueueResult, error) {
	if err := t.m.injected("EnqueueEvent"); err != nil {
		return models.EnqueueResult{}, err
	}
	for i := len(t.m.state.events) - 1; i >= 0; i-- {
		existing := t.m.state.events[i]
		if existing.EventType != ev.EventType || existing.DedupKey != ev.DedupKey {
			continue
		}
		if since.IsZero() || !existing.CreatedAt.Before(since) {
			return models.EnqueueResult{EventID: existing.ID, Suppressed: true}, nil
		}
	}
	stored := *ev
	stored.UpdatedAt = ev.CreatedAt
	t.m.state.events = append(t.m.state.events, stored)
	return models.EnqueueResult{EventID: ev.ID}, nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.state.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	o.Items = slices.Clone(o.Items)
	return &o, nil
}

func (m *Memory) ListStatusChanges(_ context.Context, orderID string) ([]models.OrderStatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OrderStatusChange
	for _, c := range m.state.changes {
		if c.OrderID == orderID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) ListEvents(_ context.Context, orderID string) ([]models.CommunicationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CommunicationEvent
	for _, ev := range m.state.events {
		if ev.OrderID != nil && *ev.OrderID == orderID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, e *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("AppendAudit"); err != nil {
		return err
	}
	e.ID = m.nextID()
	m.state.audit = append(m.state.audit, *e)
	return nil
}

func (m *Memory) RecordSecurityIncident(_ context.Context, s *models.SecurityIncident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.nextID()
	m.state.incidents = append(m.state.incidents, *s)
	return nil
}

func (m *Memory) HasRole(_ context.Context, userID, role string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("HasRole"); err != nil {
		return false, err
	}
	return m.state.roles[userID][role], nil
}

func (m *Memory) ClaimEvents(_ context.Context, limit int, now time.Time) ([]models.CommunicationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var idx []int
	for i, ev := range m.state.events {
		if ev.Status == models.EventStatusQueued {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ea, eb := m.state.events[idx[a]], m.state.events[idx[b]]
		if ea.Priority != eb.Priority {
			return ea.Priority < eb.Priority
		}
		return ea.CreatedAt.Before(eb.CreatedAt)
	})
	if len(idx) > limit {
		idx = idx[:limit]
	}

	claimed := make([]models.CommunicationEvent, 0, len(idx))
	for _, i := range idx {
		m.state.events[i].Status = models.EventStatusProcessing
		m.state.events[i].UpdatedAt = now
		claimed = append(claimed, m.state.events[i])
	}
	return claimed, nil
}

func (m *Memory) eventIndex(id string) int {
	for i, ev := range m.state.events {
		if ev.ID == id {
			return i
		}
	}
	return -1
}

func (m *Memory) MarkEventSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.eventIndex(id)
	if i < 0 {
		return ErrNotFound
	}
	ev := &m.state.events[i]
	ev.Status = models.EventStatusSent
	ev.SentAt = &at
	ev.UpdatedAt = at
	ev.LastError = ""
	return nil
}

func (m *Memory) MarkEventFailed(_ context.Context, id, reason string, maxRetries int, at time.Time) (models.EventStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.eventIndex(id)
	if i < 0 {
		return "", ErrNotFound
	}
	ev := &m.state.events[i]
	ev.RetryCount++
	ev.LastError = reason
	ev.UpdatedAt = at
	if ev.RetryCount >= maxRetries {
		ev.Status = models.EventStatusFailed
	} else {
		ev.Status = models.EventStatusQueued
	}
	return ev.Status, nil
}

func (m *Memory) PurgeEvents(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	kept := m.state.events[:0]
	for _, ev := range m.state.events {
		done := ev.Status == models.EventStatusSent || ev.Status == models.EventStatusFailed
		if done && ev.UpdatedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, ev)
	}
	m.state.events = kept
	return purged, nil
}
