package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/penpost/backend/internal/domain"
	"github.com/penpost/backend/pkg/payment"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-memory OrderStore and SubscriptionStore with the same
// compare-and-set semantics as the Postgres repositories.
type memStore struct {
	mu        sync.Mutex
	orders    map[string]*domain.SubscriptionOrder
	subs      map[string]*domain.UserSubscription
	applyErr  error
	applyHits int
}

func newMemStore() *memStore {
	return &memStore{
		orders: make(map[string]*domain.SubscriptionOrder),
		subs:   make(map[string]*domain.UserSubscription),
	}
}

func isInFlight(s domain.OrderStatus) bool {
	return s == domain.OrderCreated || s == domain.OrderPending
}

func (m *memStore) Create(_ context.Context, o *domain.SubscriptionOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.orders {
		if existing.UserID == o.UserID && isInFlight(existing.Status) {
			return domain.ErrOrderInFlight
		}
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *memStore) FindByID(_ context.Context, id string) (*domain.SubscriptionOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	cp.RawWebhookLog = append([]json.RawMessage(nil), o.RawWebhookLog...)
	return &cp, nil
}

func (m *memStore) FindInFlightByUser(_ context.Context, userID string) (*domain.SubscriptionOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.UserID == userID && isInFlight(o.Status) {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListStale(_ context.Context, olderThan time.Duration, limit int) ([]*domain.SubscriptionOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []*domain.SubscriptionOrder
	for _, o := range m.orders {
		if isInFlight(o.Status) && o.UpdatedAt.Before(cutoff) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) AppendWebhookLog(_ context.Context, orderID, source string, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return domain.ErrUnknownOrder
	}
	entry, err := json.Marshal(map[string]any{"source": source, "receivedAt": time.Now(), "body": json.RawMessage(raw)})
	if err != nil {
		return err
	}
	o.RawWebhookLog = append(o.RawWebhookLog, entry)
	return nil
}

func (m *memStore) Acknowledge(_ context.Context, id, txnID, redirect string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || !isInFlight(o.Status) {
		return false, nil
	}
	o.Status = domain.OrderPending
	if o.GatewayTransactionID == "" {
		o.GatewayTransactionID = txnID
	}
	if redirect != "" {
		o.RedirectTarget = redirect
	}
	o.UpdatedAt = time.Now()
	return true, nil
}

func (m *memStore) Close(_ context.Context, id string, to domain.OrderStatus, txnID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || !isInFlight(o.Status) {
		return false, nil
	}
	o.Status = to
	if o.GatewayTransactionID == "" {
		o.GatewayTransactionID = txnID
	}
	o.UpdatedAt = time.Now()
	return true, nil
}

func (m *memStore) ApplyPaid(_ context.Context, id, txnID string, now time.Time) (*domain.Activation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return nil, m.applyErr
	}
	o, ok := m.orders[id]
	if !ok || !isInFlight(o.Status) {
		return nil, nil
	}
	o.Status = domain.OrderPaid
	o.AppliedAt = &now
	o.UpdatedAt = now
	if o.GatewayTransactionID == "" {
		o.GatewayTransactionID = txnID
	}

	sub, ok := m.subs[o.UserID]
	if !ok {
		sub = domain.NewFreeSubscription(o.UserID, now)
		m.subs[o.UserID] = sub
	}
	act := domain.NextActivation(sub, o, now)
	start, end := act.StartDate, act.EndDate
	sub.PlanID = act.PlanID
	sub.Status = domain.SubscriptionActive
	sub.StartDate = &start
	sub.EndDate = &end
	sub.CurrentOrderID = o.ID
	sub.UpdatedAt = now
	m.applyHits++
	return &act, nil
}

func (m *memStore) EnsureFree(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[userID]; !ok {
		m.subs[userID] = domain.NewFreeSubscription(userID, time.Now())
	}
	return nil
}

func (m *memStore) FindByUserID(_ context.Context, userID string) (*domain.UserSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[userID]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (m *memStore) ExpireLapsed(_ context.Context, now time.Time) ([]*domain.UserSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.UserSubscription
	for _, sub := range m.subs {
		if sub.Status == domain.SubscriptionActive && sub.EndDate != nil && !sub.EndDate.After(now) {
			sub.Status = domain.SubscriptionExpired
			sub.UpdatedAt = now
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) order(t *testing.T, id string) *domain.SubscriptionOrder {
	t.Helper()
	o, err := m.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

func (m *memStore) sub(t *testing.T, userID string) *domain.UserSubscription {
	t.Helper()
	s, err := m.FindByUserID(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

// seedOrder stores an in-flight member/monthly order for userID.
func (m *memStore) seedOrder(gateway payment.Gateway, userID string, status domain.OrderStatus, age time.Duration) *domain.SubscriptionOrder {
	currency := domain.GatewayCurrency(gateway)
	plan, _ := domain.GetPlan("member")
	amount, _ := plan.Price(domain.CycleMonthly, currency)
	at := time.Now().Add(-age)
	o := &domain.SubscriptionOrder{
		ID:           NewOrderID(),
		UserID:       userID,
		PlanID:       "member",
		Gateway:      gateway,
		Amount:       amount,
		Currency:     currency,
		BillingCycle: domain.CycleMonthly,
		Status:       status,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	m.mu.Lock()
	m.orders[o.ID] = o
	if _, ok := m.subs[userID]; !ok {
		m.subs[userID] = domain.NewFreeSubscription(userID, at)
	}
	m.mu.Unlock()
	cp := *o
	return &cp
}

type ledgerKey struct {
	gateway payment.Gateway
	txnID   string
}

// memLedger mirrors the reservation protocol of the Postgres ledger.
type memLedger struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[ledgerKey]*domain.LedgerEntry
}

func newMemLedger(ttl time.Duration) *memLedger {
	return &memLedger{ttl: ttl, entries: make(map[ledgerKey]*domain.LedgerEntry)}
}

func (l *memLedger) Reserve(_ context.Context, gateway payment.Gateway, txnID, orderID string) (domain.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey{gateway, txnID}
	e, ok := l.entries[k]
	switch {
	case ok && e.State == domain.LedgerApplied:
		return domain.Reservation{Result: domain.ReserveAlreadyApplied}, nil
	case ok && time.Since(e.ReservedAt) < l.ttl:
		return domain.Reservation{Result: domain.ReserveHeld}, nil
	}
	token := uuid.NewString()
	l.entries[k] = &domain.LedgerEntry{
		Gateway:       gateway,
		TransactionID: txnID,
		OrderID:       orderID,
		State:         domain.LedgerReserved,
		Token:         token,
		ReservedAt:    time.Now(),
	}
	return domain.Reservation{Result: domain.ReserveFirst, Token: token}, nil
}

func (l *memLedger) MarkApplied(_ context.Context, gateway payment.Gateway, txnID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[ledgerKey{gateway, txnID}]
	if !ok || e.Token != token || e.State != domain.LedgerReserved {
		return fmt.Errorf("no reservation %s/%s held by token", gateway, txnID)
	}
	now := time.Now()
	e.State = domain.LedgerApplied
	e.AppliedAt = &now
	return nil
}

func (l *memLedger) Release(_ context.Context, gateway payment.Gateway, txnID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey{gateway, txnID}
	if e, ok := l.entries[k]; ok && e.Token == token && e.State == domain.LedgerReserved {
		delete(l.entries, k)
	}
	return nil
}

func (l *memLedger) ListAbandoned(_ context.Context, limit int) ([]*domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.LedgerEntry
	for _, e := range l.entries {
		if e.State == domain.LedgerReserved && time.Since(e.ReservedAt) >= l.ttl && len(out) < limit {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (l *memLedger) state(gateway payment.Gateway, txnID string) (domain.LedgerState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[ledgerKey{gateway, txnID}]
	if !ok {
		return "", false
	}
	return e.State, true
}

type memAnomalies struct {
	mu   sync.Mutex
	list []*domain.Anomaly
	err  error
}

func (a *memAnomalies) Record(_ context.Context, an *domain.Anomaly) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	an.ID = int64(len(a.list) + 1)
	an.CreatedAt = time.Now()
	a.list = append(a.list, an)
	return nil
}

func (a *memAnomalies) List(_ context.Context, limit, offset int) ([]*domain.Anomaly, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if offset >= len(a.list) {
		return nil, nil
	}
	end := offset + limit
	if end > len(a.list) {
		end = len(a.list)
	}
	return a.list[offset:end], nil
}

func (a *memAnomalies) kinds() []domain.AnomalyKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.AnomalyKind, 0, len(a.list))
	for _, an := range a.list {
		out = append(out, an.Kind)
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) ofType(t domain.EventType) []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// testClaimLease is how long memQueue hides a claimed entry.
const testClaimLease = 5 * time.Minute

// memQueue mirrors the leased claims of the Redis event queue.
type memQueue struct {
	mu       sync.Mutex
	seq      int
	due      []queued
	dead     []domain.QueuedEvent
	writeErr error
}

type queued struct {
	id  string
	ev  domain.QueuedEvent
	due time.Time
}

func (q *memQueue) remove(receipt string) {
	for i, e := range q.due {
		if e.id == receipt {
			q.due = append(q.due[:i], q.due[i+1:]...)
			return
		}
	}
}

func (q *memQueue) Push(_ context.Context, ev domain.QueuedEvent, due time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.writeErr != nil {
		return q.writeErr
	}
	q.remove(ev.Receipt)
	q.seq++
	ev.Receipt = ""
	q.due = append(q.due, queued{id: fmt.Sprint(q.seq), ev: ev, due: due})
	return nil
}

func (q *memQueue) Due(_ context.Context, now time.Time, limit int) ([]domain.QueuedEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.QueuedEvent
	for i := range q.due {
		if q.due[i].due.After(now) || len(out) >= limit {
			continue
		}
		q.due[i].due = now.Add(testClaimLease)
		ev := q.due[i].ev
		ev.Receipt = q.due[i].id
		out = append(out, ev)
	}
	return out, nil
}

func (q *memQueue) Ack(_ context.Context, ev domain.QueuedEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.writeErr != nil {
		return q.writeErr
	}
	q.remove(ev.Receipt)
	return nil
}

func (q *memQueue) DeadLetter(_ context.Context, ev domain.QueuedEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.writeErr != nil {
		return q.writeErr
	}
	q.remove(ev.Receipt)
	ev.Receipt = ""
	q.dead = append(q.dead, ev)
	return nil
}

func (q *memQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.due)
}

func (q *memQueue) attempts() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int, 0, len(q.due))
	for _, e := range q.due {
		out = append(out, e.ev.Attempts)
	}
	return out
}

// stubAdapter keeps a real adapter's signature checks and payload mapping but
// answers CreateCharge and PollStatus locally.
type stubAdapter struct {
	payment.Adapter

	mu          sync.Mutex
	chargeCalls int
	charge      func(payment.Charge) (*payment.ChargeResult, error)
	poll        func(payment.Charge) (*payment.Notification, error)
}

func (s *stubAdapter) CreateCharge(_ context.Context, c payment.Charge) (*payment.ChargeResult, error) {
	s.mu.Lock()
	s.chargeCalls++
	fn := s.charge
	s.mu.Unlock()
	if fn == nil {
		return &payment.ChargeResult{RedirectTarget: "https://pay.example/" + c.OrderID}, nil
	}
	return fn(c)
}

func (s *stubAdapter) PollStatus(_ context.Context, c payment.Charge) (*payment.Notification, []byte, error) {
	if s.poll == nil {
		return nil, nil, errors.New("poll not configured")
	}
	n, err := s.poll(c)
	if err != nil {
		return nil, nil, err
	}
	raw, _ := json.Marshal(map[string]string{"order_id": c.OrderID, "status": n.RawStatus})
	return n, raw, nil
}

func (s *stubAdapter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chargeCalls
}

// cancellableStub is a stubAdapter whose gateway can cancel open charges.
type cancellableStub struct {
	*stubAdapter

	cancelled []string
	cancel    func(payment.Charge) (*payment.Notification, error)
}

func (c *cancellableStub) CancelCharge(_ context.Context, ch payment.Charge) (*payment.Notification, []byte, error) {
	c.mu.Lock()
	c.cancelled = append(c.cancelled, ch.OrderID)
	c.mu.Unlock()
	n, err := c.cancel(ch)
	if err != nil {
		return nil, nil, err
	}
	raw, _ := json.Marshal(map[string]string{"order_id": ch.OrderID, "status": n.RawStatus})
	return n, raw, nil
}

const (
	testMidtransKey = "SB-Mid-server-test"
	testXenditToken = "xendit-callback-token"
	testUserID      = "user-1"
	testOtherUserID = "user-2"
)

// harness wires a SettlementService over the in-memory stores.
type harness struct {
	store     *memStore
	ledger    *memLedger
	anomalies *memAnomalies
	events    *recordingPublisher
	midtrans  *stubAdapter
	xendit    *stubAdapter
	svc       *SettlementService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	opts := payment.Options{Timeout: time.Second, RetryBaseDelay: time.Millisecond}
	h := &harness{
		store:     newMemStore(),
		ledger:    newMemLedger(time.Minute),
		anomalies: &memAnomalies{},
		events:    &recordingPublisher{},
		midtrans:  &stubAdapter{Adapter: payment.NewMidtrans(payment.MidtransConfig{ServerKey: testMidtransKey}, opts)},
		xendit:    &stubAdapter{Adapter: payment.NewXendit(payment.XenditConfig{SecretKey: "xnd_test", CallbackToken: testXenditToken}, opts)},
	}
	h.svc = h.service(h.midtrans, h.xendit)
	return h
}

// service builds a SettlementService over the harness stores with adapters.
func (h *harness) service(adapters ...payment.Adapter) *SettlementService {
	return NewSettlementService(
		adapters,
		h.store, h.store, h.ledger, h.anomalies, h.events,
		SettlementConfig{ChargeTimeout: 5 * time.Second, ChargeExpiry: 24 * time.Hour, StaleAfter: 30 * time.Minute},
		zap.NewNop(),
	)
}

// midtransWebhook builds a signed Midtrans notification body.
func midtransWebhook(t *testing.T, orderID, txnID, status string, amount decimal.Decimal) []byte {
	t.Helper()
	m := payment.NewMidtrans(payment.MidtransConfig{ServerKey: testMidtransKey}, payment.Options{})
	gross := amount.StringFixed(2)
	code := "200"
	if status == "pending" {
		code = "201"
	}
	fields := map[string]string{
		"order_id":           orderID,
		"transaction_id":     txnID,
		"transaction_status": status,
		"status_code":        code,
		"gross_amount":       gross,
		"currency":           "IDR",
		"fraud_status":       "accept",
		"payment_type":       "bank_transfer",
	}
	fields["signature_key"] = m.Signature(orderID, code, gross)
	body, err := json.Marshal(fields)
	require.NoError(t, err)
	return body
}

func xenditWebhook(t *testing.T, orderID, invoiceID, status string, amount decimal.Decimal) ([]byte, http.Header) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          invoiceID,
		"external_id": orderID,
		"status":      status,
		"amount":      amount,
		"currency":    "IDR",
	})
	require.NoError(t, err)
	h := http.Header{}
	h.Set(payment.XenditCallbackHeader, testXenditToken)
	return body, h
}
